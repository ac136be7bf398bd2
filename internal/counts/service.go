package counts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingLog        = errors.New("durable log is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrInventoryExists indicates that an inventory with the same name is already registered.
	ErrInventoryExists = errors.New("counts: inventory already exists")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "counts.service.new"
	opHydrate         = "counts.hydrate"
	opCreateInventory = "counts.create_inventory"
	opSubmitCount     = "counts.submit_count"
	opIngestCount     = "counts.ingest_count"
	opExport          = "counts.export"

	reasonMissingLog          = "missing_log"
	reasonMissingIDProvider   = "missing_id_provider"
	reasonLoadFailed          = "load_failed"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonDuplicateID         = "duplicate_id"
	reasonAppendFailed        = "append_failed"
	reasonIndexFailed         = "index_failed"
	reasonInsertFailed        = "insert_failed"
	reasonNameResolveFailed   = "name_resolve_failed"
	reasonWriteFailed         = "write_failed"
	reasonInventoryLoadFailed = "inventory_load_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func unknownInventoryError() error {
	return &ValidationError{Field: FieldInventoryID, Reason: "is not a known inventory", cause: ErrUnknownInventory}
}

// ServiceConfig wires the reconciliation service.
type ServiceConfig struct {
	Log            Log
	Store          *Store
	Clock          func() time.Time
	IDProvider     IDProvider
	Publisher      Publisher
	Logger         *zap.Logger
	ExportLocation *time.Location
}

// Service accepts counts, keeps the store in sync with the durable log and
// notifies subscribers of every group change.
type Service struct {
	log            Log
	store          *Store
	clock          func() time.Time
	idProvider     IDProvider
	publisher      Publisher
	logger         *zap.Logger
	exportLocation *time.Location

	writeMu sync.Mutex
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Log == nil {
		return nil, newServiceError(opServiceNew, reasonMissingLog, errMissingLog)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	store := cfg.Store
	if store == nil {
		store = NewStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	var publisher Publisher = nopPublisher{}
	if cfg.Publisher != nil {
		publisher = cfg.Publisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	location := cfg.ExportLocation
	if location == nil {
		location = time.UTC
	}

	return &Service{
		log:            cfg.Log,
		store:          store,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		publisher:      publisher,
		logger:         logger,
		exportLocation: location,
	}, nil
}

// SetPublisher replaces the publisher that receives group updates.
func (s *Service) SetPublisher(publisher Publisher) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if publisher == nil {
		s.publisher = nopPublisher{}
		return
	}
	s.publisher = publisher
}

// Hydrate loads every stored inventory and count into the in-memory store.
func (s *Service) Hydrate(ctx context.Context) error {
	inventories, err := s.log.LoadInventories(ctx)
	if err != nil {
		s.logError(opHydrate, reasonInventoryLoadFailed, err)
		return newServiceError(opHydrate, reasonInventoryLoadFailed, err)
	}
	for _, inventory := range inventories {
		if err := s.store.RegisterInventory(inventory); err != nil {
			s.logError(opHydrate, reasonIndexFailed, err, zap.String("inventory_id", inventory.ID.String()))
			return newServiceError(opHydrate, reasonIndexFailed, err)
		}
	}

	counts, err := s.log.LoadCounts(ctx)
	if err != nil {
		s.logError(opHydrate, reasonLoadFailed, err)
		return newServiceError(opHydrate, reasonLoadFailed, err)
	}
	for _, count := range counts {
		if _, _, err := s.store.Ingest(count, nil); err != nil {
			s.logError(opHydrate, reasonIndexFailed, err, zap.String("count_id", count.ID()))
			return newServiceError(opHydrate, reasonIndexFailed, err)
		}
	}

	s.logger.Info("count store hydrated",
		zap.Int("inventories", len(inventories)),
		zap.Int("counts", len(counts)))
	return nil
}

// CreateInventory registers a new inventory with a unique name.
func (s *Service) CreateInventory(ctx context.Context, name string) (Inventory, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Inventory{}, newValidationError(FieldName, "is required")
	}
	if len(trimmed) > maxIdentifierLength {
		return Inventory{}, newValidationError(FieldName, fmt.Sprintf("exceeds %d characters", maxIdentifierLength))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, exists := s.store.InventoryByName(trimmed); exists {
		return Inventory{}, ErrInventoryExists
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateInventory, reasonIDGenerationFailed, err)
		return Inventory{}, newServiceError(opCreateInventory, reasonIDGenerationFailed, err)
	}
	inventory := Inventory{ID: InventoryID(id), Name: trimmed}
	if err := s.log.CreateInventory(ctx, inventory); err != nil {
		s.logError(opCreateInventory, reasonInsertFailed, err, zap.String("name", trimmed))
		return Inventory{}, newServiceError(opCreateInventory, reasonInsertFailed, err)
	}
	if err := s.store.RegisterInventory(inventory); err != nil {
		s.logError(opCreateInventory, reasonIndexFailed, err, zap.String("name", trimmed))
		return Inventory{}, newServiceError(opCreateInventory, reasonIndexFailed, err)
	}
	s.logger.Info("inventory created",
		zap.String("inventory_id", inventory.ID.String()),
		zap.String("name", inventory.Name))
	return inventory, nil
}

// EnsureInventory returns the inventory with the given name, creating it when missing.
func (s *Service) EnsureInventory(ctx context.Context, name string) (Inventory, error) {
	if inventory, ok := s.store.InventoryByName(strings.TrimSpace(name)); ok {
		return inventory, nil
	}
	inventory, err := s.CreateInventory(ctx, name)
	if errors.Is(err, ErrInventoryExists) {
		if existing, ok := s.store.InventoryByName(strings.TrimSpace(name)); ok {
			return existing, nil
		}
	}
	return inventory, err
}

// Inventories lists every known inventory.
func (s *Service) Inventories() []Inventory {
	return s.store.Inventories()
}

// Inventory looks up an inventory by id.
func (s *Service) Inventory(id InventoryID) (Inventory, error) {
	inventory, ok := s.store.Inventory(id)
	if !ok {
		return Inventory{}, unknownInventoryError()
	}
	return inventory, nil
}

// SubmitCount validates, persists and indexes a new count, then publishes the
// recomputed status of its group.
func (s *Service) SubmitCount(ctx context.Context, submission Submission) (Count, error) {
	fields, err := validateSubmission(submission)
	if err != nil {
		return Count{}, err
	}
	if _, ok := s.store.Inventory(fields.inventoryID); !ok {
		return Count{}, unknownInventoryError()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitCount, reasonIDGenerationFailed, err)
		return Count{}, newServiceError(opSubmitCount, reasonIDGenerationFailed, err)
	}
	if s.store.Contains(id) {
		s.logError(opSubmitCount, reasonDuplicateID, ErrDuplicateCount, zap.String("count_id", id))
		return Count{}, newServiceError(opSubmitCount, reasonDuplicateID, ErrDuplicateCount)
	}
	count, err := NewCount(CountConfig{
		ID:          id,
		CreatedAt:   s.clock().UTC(),
		InventoryID: fields.inventoryID.String(),
		Address:     fields.key.Address.String(),
		Material:    fields.key.Material.String(),
		Quantity:    fields.quantity.Int64(),
		SubmittedBy: fields.submittedBy.String(),
	})
	if err != nil {
		return Count{}, err
	}

	stored, err := s.log.AppendCount(ctx, count)
	if err != nil {
		s.logError(opSubmitCount, reasonAppendFailed, err, countFields(count)...)
		return Count{}, newServiceError(opSubmitCount, reasonAppendFailed, err)
	}

	// The durable row is the commit point. Append can only fail on an unknown
	// inventory or a known id, both checked above under writeMu, so a persisted
	// count is always indexed.
	group, err := s.store.Append(stored, func(group Group) {
		s.publisher.Publish(newGroupUpdated(group, stored, false))
	})
	if err != nil {
		s.logError(opSubmitCount, reasonIndexFailed, err, countFields(stored)...)
		return Count{}, newServiceError(opSubmitCount, reasonIndexFailed, err)
	}

	s.logger.Debug("count submitted",
		append(countFields(stored), zap.String("status", group.Status.String()))...)
	return stored, nil
}

// Ingest indexes a count that was persisted by a peer instance. Already known
// counts are ignored. It reports whether the count was new.
func (s *Service) Ingest(ctx context.Context, count Count) (bool, error) {
	if _, ok := s.store.Inventory(count.InventoryID()); !ok {
		inventories, err := s.log.LoadInventories(ctx)
		if err != nil {
			s.logError(opIngestCount, reasonInventoryLoadFailed, err, countFields(count)...)
			return false, newServiceError(opIngestCount, reasonInventoryLoadFailed, err)
		}
		for _, inventory := range inventories {
			if err := s.store.RegisterInventory(inventory); err != nil {
				return false, newServiceError(opIngestCount, reasonIndexFailed, err)
			}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, inserted, err := s.store.Ingest(count, func(group Group) {
		s.publisher.Publish(newGroupUpdated(group, count, true))
	})
	if err != nil {
		s.logError(opIngestCount, reasonIndexFailed, err, countFields(count)...)
		return false, newServiceError(opIngestCount, reasonIndexFailed, err)
	}
	return inserted, nil
}

// Snapshot returns a consistent copy of every group in the inventory.
func (s *Service) Snapshot(inventoryID InventoryID) (map[GroupKey][]Count, error) {
	snapshot, err := s.store.Snapshot(inventoryID)
	if errors.Is(err, ErrUnknownInventory) {
		return nil, unknownInventoryError()
	}
	return snapshot, err
}

// ListGroups returns every group of the inventory ordered by address and material.
// A non-empty filter keeps groups whose address or material contains it, ignoring case.
func (s *Service) ListGroups(inventoryID InventoryID, filter string) ([]Group, error) {
	snapshot, err := s.Snapshot(inventoryID)
	if err != nil {
		return nil, err
	}
	groups := groupsFromSnapshot(inventoryID, snapshot)

	query := strings.ToLower(strings.TrimSpace(filter))
	if query == "" {
		return groups, nil
	}
	filtered := make([]Group, 0, len(groups))
	for _, group := range groups {
		if matchesQuery(group.Key, query) {
			filtered = append(filtered, group)
		}
	}
	return filtered, nil
}

func groupsFromSnapshot(inventoryID InventoryID, snapshot map[GroupKey][]Count) []Group {
	keys := make([]GroupKey, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sortKeys(keys)
	groups := make([]Group, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, newGroup(inventoryID, key, snapshot[key]))
	}
	return groups
}

func matchesQuery(key GroupKey, query string) bool {
	return strings.Contains(strings.ToLower(key.Address.String()), query) ||
		strings.Contains(strings.ToLower(key.Material.String()), query)
}

func countFields(count Count) []zap.Field {
	return []zap.Field{
		zap.String("count_id", count.ID()),
		zap.String("inventory_id", count.InventoryID().String()),
		zap.String("address", count.Address().String()),
		zap.String("material", count.Material().String()),
		zap.String("submitted_by", count.SubmittedBy().String()),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("counts service error", attrs...)
}

// OperatorIDs returns the distinct operators of the groups in sorted order.
func OperatorIDs(groups []Group) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, group := range groups {
		for _, count := range group.Counts {
			id := count.SubmittedBy().String()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
