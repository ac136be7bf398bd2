package counts

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Store is the in-process index of counts grouped by inventory and key.
// Counts are only ever inserted; one read/write mutex guards the whole index.
type Store struct {
	mu          sync.RWMutex
	inventories map[InventoryID]Inventory
	groups      map[InventoryID]map[GroupKey][]Count
	countIDs    map[string]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		inventories: make(map[InventoryID]Inventory),
		groups:      make(map[InventoryID]map[GroupKey][]Count),
		countIDs:    make(map[string]struct{}),
	}
}

// RegisterInventory makes an inventory available for appends. Registering a known id replaces its name.
func (s *Store) RegisterInventory(inventory Inventory) error {
	if strings.TrimSpace(inventory.ID.String()) == "" {
		return newValidationError(FieldInventoryID, "is required")
	}
	if strings.TrimSpace(inventory.Name) == "" {
		return newValidationError(FieldName, "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventories[inventory.ID] = inventory
	return nil
}

// Inventory looks up an inventory by id.
func (s *Store) Inventory(id InventoryID) (Inventory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inventory, ok := s.inventories[id]
	return inventory, ok
}

// InventoryByName looks up an inventory by its exact name.
func (s *Store) InventoryByName(name string) (Inventory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inventory := range s.inventories {
		if inventory.Name == name {
			return inventory, true
		}
	}
	return Inventory{}, false
}

// Inventories lists the known inventories ordered by name.
func (s *Store) Inventories() []Inventory {
	s.mu.RLock()
	inventories := make([]Inventory, 0, len(s.inventories))
	for _, inventory := range s.inventories {
		inventories = append(inventories, inventory)
	}
	s.mu.RUnlock()
	sort.Slice(inventories, func(i, j int) bool {
		if inventories[i].Name != inventories[j].Name {
			return inventories[i].Name < inventories[j].Name
		}
		return inventories[i].ID < inventories[j].ID
	})
	return inventories
}

// Append inserts a new count. onAppended, when set, runs with the write lock held,
// so readers never observe the count without the notification having been issued.
func (s *Store) Append(count Count, onAppended func(Group)) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.countIDs[count.ID()]; seen {
		return Group{}, ErrDuplicateCount
	}
	group, err := s.insertLocked(count)
	if err != nil {
		return Group{}, err
	}
	if onAppended != nil {
		onAppended(group)
	}
	return group, nil
}

// Contains reports whether a count id is already indexed.
func (s *Store) Contains(countID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, seen := s.countIDs[countID]
	return seen
}

// Ingest inserts a count that may already be present, as happens when replaying the
// durable log or receiving a peer's count. It reports whether the count was new.
func (s *Store) Ingest(count Count, onIngested func(Group)) (Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.countIDs[count.ID()]; seen {
		return Group{}, false, nil
	}
	group, err := s.insertLocked(count)
	if err != nil {
		return Group{}, false, err
	}
	if onIngested != nil {
		onIngested(group)
	}
	return group, true, nil
}

func (s *Store) insertLocked(count Count) (Group, error) {
	if count.ID() == "" {
		return Group{}, newValidationError(FieldCountID, "is required")
	}
	if _, ok := s.inventories[count.InventoryID()]; !ok {
		return Group{}, &ValidationError{Field: FieldInventoryID, Reason: "is not a known inventory", cause: ErrUnknownInventory}
	}

	byKey := s.groups[count.InventoryID()]
	if byKey == nil {
		byKey = make(map[GroupKey][]Count)
		s.groups[count.InventoryID()] = byKey
	}

	existing := byKey[count.Key()]
	position := len(existing)
	for position > 0 && count.before(existing[position-1]) {
		position--
	}
	existing = append(existing, Count{})
	copy(existing[position+1:], existing[position:])
	existing[position] = count
	byKey[count.Key()] = existing
	s.countIDs[count.ID()] = struct{}{}

	return newGroup(count.InventoryID(), count.Key(), cloneCounts(existing)), nil
}

// Snapshot returns a point-in-time copy of every group of the inventory.
func (s *Store) Snapshot(id InventoryID) (map[GroupKey][]Count, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.inventories[id]; !ok {
		return nil, ErrUnknownInventory
	}
	byKey := s.groups[id]
	snapshot := make(map[GroupKey][]Count, len(byKey))
	for key, counts := range byKey {
		snapshot[key] = cloneCounts(counts)
	}
	return snapshot, nil
}

// GroupsOf lists the group keys of the inventory in address, material order.
func (s *Store) GroupsOf(id InventoryID) ([]GroupKey, error) {
	s.mu.RLock()
	if _, ok := s.inventories[id]; !ok {
		s.mu.RUnlock()
		return nil, ErrUnknownInventory
	}
	keys := make([]GroupKey, 0, len(s.groups[id]))
	for key := range s.groups[id] {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys, nil
}

// Group returns the current view of a single group.
func (s *Store) Group(id InventoryID, key GroupKey) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.inventories[id]; !ok {
		return Group{}, ErrUnknownInventory
	}
	counts, ok := s.groups[id][key]
	if !ok {
		return Group{}, errGroupNotFound
	}
	return newGroup(id, key, cloneCounts(counts)), nil
}

var errGroupNotFound = errors.New("counts: group not found")

func cloneCounts(counts []Count) []Count {
	cloned := make([]Count, len(counts))
	copy(cloned, counts)
	return cloned
}

func sortKeys(keys []GroupKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].less(keys[j])
	})
}
