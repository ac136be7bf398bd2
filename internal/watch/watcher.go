package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"go.uber.org/zap"
)

const (
	eventGroupUpdated = "group-updated"
	eventHeartbeat    = "heartbeat"
	eventResync       = "resync"
	defaultRetryDelay = 2 * time.Second
)

var (
	errMissingBaseURL     = errors.New("watch: base url is required")
	errMissingInventoryID = errors.New("watch: inventory id is required")
	// ErrUnauthorized reports a rejected session; retrying will not help.
	ErrUnauthorized = errors.New("watch: session rejected")
)

// Config wires a Watcher.
type Config struct {
	BaseURL     string
	InventoryID counts.InventoryID
	Token       string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	RetryDelay  time.Duration
	// OnChange is called for every group whose state changed on the board.
	OnChange func(entry counts.BoardEntry)
}

// Watcher mirrors the reconciliation board of one inventory from a running server.
// It subscribes to the update stream first and lists groups once the stream is
// live, so no count falls between the listing and the first streamed event.
// Whenever the stream ends it subscribes and lists again.
type Watcher struct {
	baseURL     *url.URL
	inventoryID counts.InventoryID
	token       string
	client      *http.Client
	logger      *zap.Logger
	retryDelay  time.Duration
	onChange    func(entry counts.BoardEntry)
	board       *counts.Board
}

// New validates the configuration and constructs a Watcher.
func New(cfg Config) (*Watcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("watch: parse base url: %w", err)
	}
	if cfg.InventoryID == "" {
		return nil, errMissingInventoryID
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func(counts.BoardEntry) {}
	}
	return &Watcher{
		baseURL:     baseURL,
		inventoryID: cfg.InventoryID,
		token:       cfg.Token,
		client:      client,
		logger:      logger,
		retryDelay:  retryDelay,
		onChange:    onChange,
		board:       counts.NewBoard(cfg.InventoryID),
	}, nil
}

// Board exposes the mirrored state.
func (w *Watcher) Board() *counts.Board {
	return w.board
}

// Run keeps the board in sync until ctx is done or the session is rejected.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.syncOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if err != nil {
			w.logger.Warn("watch stream interrupted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *Watcher) syncOnce(ctx context.Context) error {
	response, err := w.get(ctx, "/stream", "text/event-stream")
	if err != nil {
		return err
	}
	defer response.Body.Close()

	loaded := false
	var loadErr error
	streamErr := readEvents(response.Body, func(name, data string) bool {
		switch name {
		case eventHeartbeat:
			if loaded {
				return true
			}
			// The server sends a heartbeat once the subscription is registered.
			if loadErr = w.load(ctx); loadErr != nil {
				return false
			}
			loaded = true
		case eventGroupUpdated:
			event, err := decodeGroupUpdate(data)
			if err != nil {
				w.logger.Warn("skipping malformed group update", zap.Error(err))
				return true
			}
			if entry, changed := w.board.Apply(event); changed {
				w.onChange(entry)
			}
		case eventResync:
			w.logger.Info("server requested resync", zap.String("detail", data))
			return false
		}
		return true
	})
	if loadErr != nil {
		return loadErr
	}
	return streamErr
}

func (w *Watcher) load(ctx context.Context) error {
	entries, err := w.listGroups(ctx)
	if err != nil {
		return err
	}
	w.board.Load(entries)
	for _, entry := range entries {
		w.onChange(entry)
	}
	w.logger.Info("board loaded", zap.Int("groups", len(entries)))
	return nil
}

type groupListing struct {
	Groups []struct {
		Address       string `json:"address"`
		Material      string `json:"material"`
		CountTotal    int    `json:"count_total"`
		LatestCountID string `json:"latest_count_id"`
		Status        string `json:"status"`
	} `json:"groups"`
}

type groupUpdate struct {
	InventoryID string      `json:"inventory_id"`
	Address     string      `json:"address"`
	Material    string      `json:"material"`
	Status      string      `json:"status"`
	CountTotal  int         `json:"count_total"`
	LatestCount countRecord `json:"latest_count"`
}

type countRecord struct {
	CountID     string    `json:"count_id"`
	Sequence    int64     `json:"sequence"`
	Address     string    `json:"address"`
	Material    string    `json:"material"`
	Quantity    int64     `json:"quantity"`
	SubmittedBy string    `json:"submitted_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (w *Watcher) listGroups(ctx context.Context) ([]counts.BoardEntry, error) {
	response, err := w.get(ctx, "/groups", "application/json")
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var listing groupListing
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	entries := make([]counts.BoardEntry, 0, len(listing.Groups))
	for _, group := range listing.Groups {
		entries = append(entries, counts.BoardEntry{
			Key:           counts.GroupKey{Address: counts.Address(group.Address), Material: counts.Material(group.Material)},
			Status:        counts.Status(group.Status),
			CountTotal:    group.CountTotal,
			LatestCountID: group.LatestCountID,
		})
	}
	return entries, nil
}

func (w *Watcher) get(ctx context.Context, suffix, accept string) (*http.Response, error) {
	target := w.baseURL.JoinPath("inventories", w.inventoryID.String()).String() + suffix
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", accept)
	if w.token != "" {
		request.Header.Set("Authorization", "Bearer "+w.token)
	}
	response, err := w.client.Do(request)
	if err != nil {
		return nil, err
	}
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		response.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, response.Status)
	case response.StatusCode != http.StatusOK:
		response.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", suffix, response.Status)
	}
	return response, nil
}

func decodeGroupUpdate(data string) (counts.GroupUpdated, error) {
	var update groupUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return counts.GroupUpdated{}, err
	}
	latest, err := counts.NewCount(counts.CountConfig{
		ID:          update.LatestCount.CountID,
		Sequence:    update.LatestCount.Sequence,
		CreatedAt:   update.LatestCount.CreatedAt,
		InventoryID: update.InventoryID,
		Address:     update.LatestCount.Address,
		Material:    update.LatestCount.Material,
		Quantity:    update.LatestCount.Quantity,
		SubmittedBy: update.LatestCount.SubmittedBy,
	})
	if err != nil {
		return counts.GroupUpdated{}, err
	}
	return counts.GroupUpdated{
		InventoryID: counts.InventoryID(update.InventoryID),
		Key:         latest.Key(),
		Status:      counts.Status(update.Status),
		CountTotal:  update.CountTotal,
		LatestCount: latest,
	}, nil
}

// readEvents parses a text/event-stream body and hands each complete event to
// handle until it returns false or the body ends.
func readEvents(body io.Reader, handle func(name, data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if !handle(name, strings.Join(data, "\n")) {
					return nil
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
