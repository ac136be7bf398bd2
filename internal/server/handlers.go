package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const groupPreviewCounts = 3

type submitCountRequest struct {
	Address  string          `json:"address"`
	Material string          `json:"material"`
	Quantity json.RawMessage `json:"quantity"`
}

type countPayload struct {
	CountID     string    `json:"count_id"`
	Sequence    int64     `json:"sequence"`
	Address     string    `json:"address"`
	Material    string    `json:"material"`
	Quantity    int64     `json:"quantity"`
	SubmittedBy string    `json:"submitted_by"`
	Operator    string    `json:"operator,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type groupPayload struct {
	Address       string         `json:"address"`
	Material      string         `json:"material"`
	Counts        []countPayload `json:"counts"`
	CountTotal    int            `json:"count_total"`
	LatestCountID string         `json:"latest_count_id"`
	Status        string         `json:"status"`
	Hint          string         `json:"hint"`
}

type inventoryPayload struct {
	InventoryID string `json:"inventory_id"`
	Name        string `json:"name"`
}

type createInventoryRequest struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleWhoAmI(c *gin.Context) {
	caller, _ := principalFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"user_id":      caller.UserID,
		"display_name": caller.DisplayName,
		"email":        caller.Email,
		"role":         caller.Role.String(),
	})
}

func (h *httpHandler) handleListInventories(c *gin.Context) {
	inventories := h.counts.Inventories()
	response := make([]inventoryPayload, 0, len(inventories))
	for _, inventory := range inventories {
		response = append(response, newInventoryPayload(inventory))
	}
	c.JSON(http.StatusOK, gin.H{"inventories": response})
}

func (h *httpHandler) handleCreateInventory(c *gin.Context) {
	var request createInventoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	inventory, err := h.counts.CreateInventory(c.Request.Context(), request.Name)
	if err != nil {
		if errors.Is(err, counts.ErrInventoryExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "inventory_exists"})
			return
		}
		h.writeCountsError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newInventoryPayload(inventory))
}

func (h *httpHandler) handleSubmitCount(c *gin.Context) {
	caller, _ := principalFrom(c)

	var request submitCountRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	quantity, err := parseQuantity(request.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_count", "field": counts.FieldQuantity, "reason": err.Error()})
		return
	}

	count, err := h.counts.SubmitCount(c.Request.Context(), counts.Submission{
		InventoryID: c.Param("inventory_id"),
		Address:     request.Address,
		Material:    request.Material,
		Quantity:    quantity,
		SubmittedBy: caller.UserID,
	})
	if err != nil {
		h.writeCountsError(c, err)
		return
	}

	payload := newCountPayload(count)
	payload.Operator = caller.DisplayName
	c.JSON(http.StatusCreated, payload)
}

func (h *httpHandler) handleListGroups(c *gin.Context) {
	inventoryID := counts.InventoryID(c.Param("inventory_id"))
	groups, err := h.counts.ListGroups(inventoryID, c.Query("q"))
	if err != nil {
		h.writeCountsError(c, err)
		return
	}

	names, err := h.profiles.DisplayNames(c.Request.Context(), counts.OperatorIDs(groups))
	if err != nil {
		h.logger.Warn("display names unavailable", zap.String("inventory_id", inventoryID.String()), zap.Error(err))
		names = nil
	}

	response := make([]groupPayload, 0, len(groups))
	for _, group := range groups {
		response = append(response, newGroupPayload(group, names))
	}
	c.JSON(http.StatusOK, gin.H{"inventory_id": inventoryID.String(), "groups": response})
}

func (h *httpHandler) handleListCounts(c *gin.Context) {
	inventoryID := counts.InventoryID(c.Param("inventory_id"))
	listing, err := h.counts.ListCounts(c.Request.Context(), inventoryID, c.Query("q"), h.profiles)
	if err != nil {
		h.writeCountsError(c, err)
		return
	}

	response := make([]countPayload, 0, len(listing.Counts))
	for _, count := range listing.Counts {
		entry := newCountPayload(count)
		entry.Operator = counts.DisplayName(listing.DisplayNames, count.SubmittedBy().String())
		response = append(response, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"inventory_id":   inventoryID.String(),
		"counts":         response,
		"total_quantity": listing.TotalQuantity,
	})
}

func (h *httpHandler) handleExport(c *gin.Context) {
	inventoryID := counts.InventoryID(c.Param("inventory_id"))
	inventory, err := h.counts.Inventory(inventoryID)
	if err != nil {
		h.writeCountsError(c, err)
		return
	}

	// Buffer the document so a failure still produces a clean error response.
	var document bytes.Buffer
	if err := h.counts.ExportCSV(c.Request.Context(), inventoryID, &document, h.profiles); err != nil {
		h.writeCountsError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", strconv.Quote(exportFileName(inventory.Name))))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", document.Bytes())
}

func (h *httpHandler) writeCountsError(c *gin.Context, err error) {
	var validationErr *counts.ValidationError
	var serviceErr *counts.ServiceError
	switch {
	case errors.Is(err, counts.ErrUnknownInventory):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_inventory"})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_count", "field": validationErr.Field, "reason": validationErr.Reason})
	case errors.As(err, &serviceErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
	default:
		h.logger.Error("unexpected counts failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// parseQuantity accepts a JSON integer. Fractions, exponents and strings are rejected.
func parseQuantity(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, errors.New("is required")
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, errors.New("must be a whole number")
	}
	if value < 0 {
		return 0, errors.New("must not be negative")
	}
	return value, nil
}

func exportFileName(inventoryName string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '"', '\r', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(inventoryName))
	if name == "" {
		name = "inventory"
	}
	return name + ".csv"
}

func newInventoryPayload(inventory counts.Inventory) inventoryPayload {
	return inventoryPayload{InventoryID: inventory.ID.String(), Name: inventory.Name}
}

func newCountPayload(count counts.Count) countPayload {
	return countPayload{
		CountID:     count.ID(),
		Sequence:    count.Sequence(),
		Address:     count.Address().String(),
		Material:    count.Material().String(),
		Quantity:    count.Quantity().Int64(),
		SubmittedBy: count.SubmittedBy().String(),
		CreatedAt:   count.CreatedAt().UTC(),
	}
}

func newGroupPayload(group counts.Group, names map[string]string) groupPayload {
	preview := group.FirstCounts(groupPreviewCounts)
	payload := groupPayload{
		Address:       group.Key.Address.String(),
		Material:      group.Key.Material.String(),
		Counts:        make([]countPayload, 0, len(preview)),
		CountTotal:    len(group.Counts),
		LatestCountID: group.Latest().ID(),
		Status:        group.Status.String(),
		Hint:          group.Status.Hint(),
	}
	for _, count := range preview {
		entry := newCountPayload(count)
		entry.Operator = counts.DisplayName(names, count.SubmittedBy().String())
		payload.Counts = append(payload.Counts, entry)
	}
	return payload
}
