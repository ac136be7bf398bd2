package counts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCount indicates that a submitted count failed validation.
	ErrInvalidCount = errors.New("counts: invalid count")
	// ErrUnknownInventory indicates that a count references an inventory the store does not know.
	ErrUnknownInventory = errors.New("counts: unknown inventory")
	// ErrDuplicateCount indicates that a count identifier was already appended.
	ErrDuplicateCount = errors.New("counts: duplicate count id")
)

const (
	FieldInventoryID = "inventory_id"
	FieldAddress     = "address"
	FieldMaterial    = "material"
	FieldQuantity    = "quantity"
	FieldSubmittedBy = "submitted_by"
	FieldCountID     = "count_id"
	FieldCreatedAt   = "created_at"
	FieldName        = "name"
)

// ValidationError reports the field that made a submission unacceptable.
type ValidationError struct {
	Field  string
	Reason string
	cause  error
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, cause: ErrInvalidCount}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.cause, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

// InventoryID identifies a counting campaign.
type InventoryID string

// NewInventoryID validates raw input and returns an InventoryID.
func NewInventoryID(rawInput string) (InventoryID, error) {
	trimmed, err := requireIdentifier(FieldInventoryID, rawInput)
	if err != nil {
		return "", err
	}
	return InventoryID(trimmed), nil
}

func (id InventoryID) String() string {
	return string(id)
}

// Address is a normalized storage location code.
type Address string

// NewAddress trims and upper-cases the raw location code.
func NewAddress(rawInput string) (Address, error) {
	trimmed, err := requireIdentifier(FieldAddress, rawInput)
	if err != nil {
		return "", err
	}
	return Address(strings.ToUpper(trimmed)), nil
}

func (a Address) String() string {
	return string(a)
}

// Material is a normalized material code.
type Material string

// NewMaterial trims and upper-cases the raw material code.
func NewMaterial(rawInput string) (Material, error) {
	trimmed, err := requireIdentifier(FieldMaterial, rawInput)
	if err != nil {
		return "", err
	}
	return Material(strings.ToUpper(trimmed)), nil
}

func (m Material) String() string {
	return string(m)
}

// UserID identifies the operator that submitted a count.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := requireIdentifier(FieldSubmittedBy, rawInput)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}

// Quantity is a non-negative counted amount.
type Quantity int64

// NewQuantity rejects negative values.
func NewQuantity(value int64) (Quantity, error) {
	if value < 0 {
		return 0, newValidationError(FieldQuantity, "must not be negative")
	}
	return Quantity(value), nil
}

// Int64 exposes the raw quantity.
func (q Quantity) Int64() int64 {
	return int64(q)
}

func requireIdentifier(field, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", newValidationError(field, "is required")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", newValidationError(field, fmt.Sprintf("exceeds %d characters", maxIdentifierLength))
	}
	return trimmed, nil
}

// GroupKey partitions counts inside an inventory.
type GroupKey struct {
	Address  Address
	Material Material
}

func (k GroupKey) String() string {
	return k.Address.String() + "/" + k.Material.String()
}

func (k GroupKey) less(other GroupKey) bool {
	if k.Address != other.Address {
		return k.Address < other.Address
	}
	return k.Material < other.Material
}

// Inventory scopes a counting campaign.
type Inventory struct {
	ID   InventoryID
	Name string
}

// Submission is the raw operator input for a single count.
type Submission struct {
	InventoryID string
	Address     string
	Material    string
	Quantity    int64
	SubmittedBy string
}

// CountConfig carries every field of a Count, typically from a submission or a stored row.
type CountConfig struct {
	ID          string
	Sequence    int64
	CreatedAt   time.Time
	InventoryID string
	Address     string
	Material    string
	Quantity    int64
	SubmittedBy string
}

// Count is an immutable quantity observation.
type Count struct {
	id          string
	sequence    int64
	createdAt   time.Time
	inventoryID InventoryID
	key         GroupKey
	quantity    Quantity
	submittedBy UserID
}

// NewCount validates the configuration and returns a Count.
func NewCount(cfg CountConfig) (Count, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return Count{}, newValidationError(FieldCountID, "is required")
	}
	if cfg.CreatedAt.IsZero() {
		return Count{}, newValidationError(FieldCreatedAt, "is required")
	}
	fields, err := validateSubmission(Submission{
		InventoryID: cfg.InventoryID,
		Address:     cfg.Address,
		Material:    cfg.Material,
		Quantity:    cfg.Quantity,
		SubmittedBy: cfg.SubmittedBy,
	})
	if err != nil {
		return Count{}, err
	}
	return Count{
		id:          id,
		sequence:    cfg.Sequence,
		createdAt:   cfg.CreatedAt.UTC(),
		inventoryID: fields.inventoryID,
		key:         fields.key,
		quantity:    fields.quantity,
		submittedBy: fields.submittedBy,
	}, nil
}

type submissionFields struct {
	inventoryID InventoryID
	key         GroupKey
	quantity    Quantity
	submittedBy UserID
}

func validateSubmission(submission Submission) (submissionFields, error) {
	inventoryID, err := NewInventoryID(submission.InventoryID)
	if err != nil {
		return submissionFields{}, err
	}
	address, err := NewAddress(submission.Address)
	if err != nil {
		return submissionFields{}, err
	}
	material, err := NewMaterial(submission.Material)
	if err != nil {
		return submissionFields{}, err
	}
	quantity, err := NewQuantity(submission.Quantity)
	if err != nil {
		return submissionFields{}, err
	}
	submittedBy, err := NewUserID(submission.SubmittedBy)
	if err != nil {
		return submissionFields{}, err
	}
	return submissionFields{
		inventoryID: inventoryID,
		key:         GroupKey{Address: address, Material: material},
		quantity:    quantity,
		submittedBy: submittedBy,
	}, nil
}

// ID returns the count identifier.
func (c Count) ID() string {
	return c.id
}

// Sequence returns the submission order assigned by the durable log.
func (c Count) Sequence() int64 {
	return c.sequence
}

// CreatedAt returns the submission time in UTC.
func (c Count) CreatedAt() time.Time {
	return c.createdAt
}

// InventoryID returns the owning inventory.
func (c Count) InventoryID() InventoryID {
	return c.inventoryID
}

// Key returns the group key of the count.
func (c Count) Key() GroupKey {
	return c.key
}

// Address returns the normalized address.
func (c Count) Address() Address {
	return c.key.Address
}

// Material returns the normalized material.
func (c Count) Material() Material {
	return c.key.Material
}

// Quantity returns the counted quantity.
func (c Count) Quantity() Quantity {
	return c.quantity
}

// SubmittedBy returns the operator identifier.
func (c Count) SubmittedBy() UserID {
	return c.submittedBy
}

func (c Count) withSequence(sequence int64) Count {
	c.sequence = sequence
	return c
}

// before orders counts by creation time, then by submission order.
func (c Count) before(other Count) bool {
	if !c.createdAt.Equal(other.createdAt) {
		return c.createdAt.Before(other.createdAt)
	}
	if c.sequence != other.sequence {
		return c.sequence < other.sequence
	}
	return c.id < other.id
}

// Group is the derived view of every count sharing a key.
type Group struct {
	InventoryID InventoryID
	Key         GroupKey
	Counts      []Count
	Status      Status
}

func newGroup(inventoryID InventoryID, key GroupKey, counts []Count) Group {
	return Group{
		InventoryID: inventoryID,
		Key:         key,
		Counts:      counts,
		Status:      Evaluate(counts),
	}
}

// Latest returns the most recent count of the group.
func (g Group) Latest() Count {
	if len(g.Counts) == 0 {
		return Count{}
	}
	return g.Counts[len(g.Counts)-1]
}

// FirstCounts returns up to limit counts in order.
func (g Group) FirstCounts(limit int) []Count {
	if limit < 0 || len(g.Counts) <= limit {
		return g.Counts
	}
	return g.Counts[:limit]
}
