package counts

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	exportByteOrderMark   = "\ufeff"
	exportSeparator       = ";"
	exportLineBreak       = "\n"
	exportTimeLayout      = "15:04:05"
	exportCountsPerRow    = 3
	fallbackNameMaxLength = 8
)

var exportHeader = []string{
	"Address",
	"Material",
	"1st Operator",
	"1st Quantity",
	"1st Time",
	"2nd Operator",
	"2nd Quantity",
	"2nd Time",
	"3rd Operator",
	"3rd Quantity",
	"3rd Time",
	"Status",
}

// NameResolver maps operator ids to display names. Unknown ids may be omitted.
type NameResolver interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// FallbackDisplayName is the name shown for operators without a profile.
func FallbackDisplayName(userID string) string {
	runes := []rune(userID)
	if len(runes) <= fallbackNameMaxLength {
		return userID
	}
	return string(runes[:fallbackNameMaxLength])
}

// ExportCSV writes one row per group of a single snapshot of the inventory.
func (s *Service) ExportCSV(ctx context.Context, inventoryID InventoryID, w io.Writer, names NameResolver) error {
	snapshot, err := s.Snapshot(inventoryID)
	if err != nil {
		return err
	}
	groups := groupsFromSnapshot(inventoryID, snapshot)

	displayNames := map[string]string{}
	if names != nil {
		resolved, err := names.DisplayNames(ctx, OperatorIDs(groups))
		if err != nil {
			s.logError(opExport, reasonNameResolveFailed, err, zap.String("inventory_id", inventoryID.String()))
			return newServiceError(opExport, reasonNameResolveFailed, err)
		}
		displayNames = resolved
	}

	rows := ExportRows(groups, displayNames, s.exportLocation)
	if err := writeExportRows(w, rows); err != nil {
		s.logError(opExport, reasonWriteFailed, err, zap.String("inventory_id", inventoryID.String()))
		return newServiceError(opExport, reasonWriteFailed, err)
	}
	return nil
}

// ExportRows renders the header followed by one row per group.
func ExportRows(groups []Group, displayNames map[string]string, location *time.Location) [][]string {
	if location == nil {
		location = time.UTC
	}
	rows := make([][]string, 0, len(groups)+1)
	rows = append(rows, append([]string(nil), exportHeader...))
	for _, group := range groups {
		row := make([]string, 0, len(exportHeader))
		row = append(row, group.Key.Address.String(), group.Key.Material.String())
		counts := group.FirstCounts(exportCountsPerRow)
		for index := 0; index < exportCountsPerRow; index++ {
			if index >= len(counts) {
				row = append(row, "", "", "")
				continue
			}
			count := counts[index]
			row = append(row,
				DisplayName(displayNames, count.SubmittedBy().String()),
				strconv.FormatInt(count.Quantity().Int64(), 10),
				count.CreatedAt().In(location).Format(exportTimeLayout),
			)
		}
		row = append(row, group.Status.String())
		rows = append(rows, row)
	}
	return rows
}

// DisplayName picks the resolved name of an operator, falling back to a
// shortened user id.
func DisplayName(displayNames map[string]string, userID string) string {
	if name := strings.TrimSpace(displayNames[userID]); name != "" {
		return name
	}
	return FallbackDisplayName(userID)
}

func writeExportRows(w io.Writer, rows [][]string) error {
	buffered := bufio.NewWriter(w)
	if _, err := buffered.WriteString(exportByteOrderMark); err != nil {
		return err
	}
	for index, row := range rows {
		if index > 0 {
			if _, err := buffered.WriteString(exportLineBreak); err != nil {
				return err
			}
		}
		for column, cell := range row {
			if column > 0 {
				if _, err := buffered.WriteString(exportSeparator); err != nil {
					return err
				}
			}
			if _, err := buffered.WriteString(quoteCell(cell)); err != nil {
				return err
			}
		}
	}
	return buffered.Flush()
}

func quoteCell(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
