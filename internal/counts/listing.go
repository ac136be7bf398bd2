package counts

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const opListCounts = "counts.list_counts"

// CountListing is a filtered, newest-first view of the count log.
type CountListing struct {
	Counts        []Count
	DisplayNames  map[string]string
	TotalQuantity int64
}

// ListCounts returns the individual counts of an inventory, newest first. A
// non-empty filter keeps counts whose address, material, operator id or
// operator display name contains it, ignoring case. TotalQuantity sums the
// quantities of the returned counts.
func (s *Service) ListCounts(ctx context.Context, inventoryID InventoryID, filter string, names NameResolver) (CountListing, error) {
	snapshot, err := s.Snapshot(inventoryID)
	if err != nil {
		return CountListing{}, err
	}
	groups := groupsFromSnapshot(inventoryID, snapshot)

	displayNames := map[string]string{}
	if names != nil {
		resolved, err := names.DisplayNames(ctx, OperatorIDs(groups))
		if err != nil {
			s.logError(opListCounts, reasonNameResolveFailed, err, zap.String("inventory_id", inventoryID.String()))
			return CountListing{}, newServiceError(opListCounts, reasonNameResolveFailed, err)
		}
		displayNames = resolved
	}

	query := strings.ToLower(strings.TrimSpace(filter))
	listing := CountListing{DisplayNames: displayNames}
	for _, group := range groups {
		for _, count := range group.Counts {
			if query != "" && !countMatches(count, DisplayName(displayNames, count.SubmittedBy().String()), query) {
				continue
			}
			listing.Counts = append(listing.Counts, count)
			listing.TotalQuantity += count.Quantity().Int64()
		}
	}
	sort.Slice(listing.Counts, func(i, j int) bool {
		return listing.Counts[j].before(listing.Counts[i])
	})
	return listing, nil
}

func countMatches(count Count, displayName, query string) bool {
	for _, field := range []string{
		count.Address().String(),
		count.Material().String(),
		count.SubmittedBy().String(),
		displayName,
	} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
