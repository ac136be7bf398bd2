package counts

import "sync"

// GroupUpdated announces the recomputed status of a group after a count was added.
type GroupUpdated struct {
	InventoryID InventoryID
	Key         GroupKey
	Status      Status
	CountTotal  int
	LatestCount Count
	// Replicated marks events produced from a count received from a peer instance.
	Replicated bool
}

func newGroupUpdated(group Group, latest Count, replicated bool) GroupUpdated {
	return GroupUpdated{
		InventoryID: group.InventoryID,
		Key:         group.Key,
		Status:      group.Status,
		CountTotal:  len(group.Counts),
		LatestCount: latest,
		Replicated:  replicated,
	}
}

// Publisher receives group updates. Implementations must not block.
type Publisher interface {
	Publish(event GroupUpdated)
}

type nopPublisher struct{}

func (nopPublisher) Publish(GroupUpdated) {}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event GroupUpdated)

// Publish calls f(event).
func (f PublisherFunc) Publish(event GroupUpdated) {
	f(event)
}

// BoardEntry is the last known state of a group on a Board.
type BoardEntry struct {
	Key           GroupKey
	Status        Status
	CountTotal    int
	LatestCountID string
}

// Board folds GroupUpdated events into per-group state for one inventory.
// Applying an event that is not newer than the stored state is a no-op, so
// duplicated or replayed events leave the board unchanged.
type Board struct {
	mu          sync.Mutex
	inventoryID InventoryID
	entries     map[GroupKey]BoardEntry
}

// NewBoard returns an empty board for the inventory.
func NewBoard(inventoryID InventoryID) *Board {
	return &Board{
		inventoryID: inventoryID,
		entries:     make(map[GroupKey]BoardEntry),
	}
}

// Reset replaces the board state with a freshly listed set of groups.
func (b *Board) Reset(groups []Group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[GroupKey]BoardEntry, len(groups))
	for _, group := range groups {
		if group.InventoryID != b.inventoryID {
			continue
		}
		b.entries[group.Key] = BoardEntry{
			Key:           group.Key,
			Status:        group.Status,
			CountTotal:    len(group.Counts),
			LatestCountID: group.Latest().ID(),
		}
	}
}

// Load replaces the board state with entries obtained elsewhere, such as a
// group listing fetched over HTTP.
func (b *Board) Load(entries []BoardEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[GroupKey]BoardEntry, len(entries))
	for _, entry := range entries {
		b.entries[entry.Key] = entry
	}
}

// Apply folds the event into the board and reports whether the state changed.
func (b *Board) Apply(event GroupUpdated) (BoardEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event.InventoryID != b.inventoryID {
		return BoardEntry{}, false
	}
	current, ok := b.entries[event.Key]
	if ok && current.CountTotal >= event.CountTotal {
		return current, false
	}
	next := BoardEntry{
		Key:           event.Key,
		Status:        event.Status,
		CountTotal:    event.CountTotal,
		LatestCountID: event.LatestCount.ID(),
	}
	b.entries[event.Key] = next
	return next, true
}

// Entry returns the stored state of a group.
func (b *Board) Entry(key GroupKey) (BoardEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	return entry, ok
}

// Len returns the number of groups on the board.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
