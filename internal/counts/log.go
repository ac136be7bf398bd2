package counts

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Log is the durable append-only backing of the store.
type Log interface {
	AppendCount(ctx context.Context, count Count) (Count, error)
	CreateInventory(ctx context.Context, inventory Inventory) error
	LoadInventories(ctx context.Context) ([]Inventory, error)
	LoadCounts(ctx context.Context) ([]Count, error)
}

// CountRecord stores one submitted count. Rows are inserted once and never updated.
type CountRecord struct {
	Sequence    int64     `gorm:"column:sequence;primaryKey;autoIncrement"`
	CountID     string    `gorm:"column:count_id;size:64;not null;uniqueIndex"`
	InventoryID string    `gorm:"column:inventory_id;size:190;not null;index:idx_counts_inventory_group,priority:1"`
	Address     string    `gorm:"column:address;size:190;not null;index:idx_counts_inventory_group,priority:2"`
	Material    string    `gorm:"column:material;size:190;not null;index:idx_counts_inventory_group,priority:3"`
	Quantity    int64     `gorm:"column:quantity;not null"`
	SubmittedBy string    `gorm:"column:submitted_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CountRecord) TableName() string {
	return "inventory_counts"
}

// InventoryRecord stores a counting campaign.
type InventoryRecord struct {
	InventoryID string    `gorm:"column:inventory_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:190;not null;uniqueIndex"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (InventoryRecord) TableName() string {
	return "inventories"
}

var errMissingLogDatabase = errors.New("counts: log database handle is required")

// GormLog persists counts and inventories through GORM.
type GormLog struct {
	db *gorm.DB
}

// NewGormLog wraps a migrated database handle.
func NewGormLog(db *gorm.DB) (*GormLog, error) {
	if db == nil {
		return nil, errMissingLogDatabase
	}
	return &GormLog{db: db}, nil
}

// AppendCount inserts the count and returns it with the sequence assigned by the database.
func (l *GormLog) AppendCount(ctx context.Context, count Count) (Count, error) {
	record := recordFromCount(count)
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Count{}, err
	}
	return count.withSequence(record.Sequence), nil
}

// CreateInventory inserts a new inventory row.
func (l *GormLog) CreateInventory(ctx context.Context, inventory Inventory) error {
	record := InventoryRecord{
		InventoryID: inventory.ID.String(),
		Name:        inventory.Name,
	}
	return l.db.WithContext(ctx).Create(&record).Error
}

// LoadInventories returns every stored inventory.
func (l *GormLog) LoadInventories(ctx context.Context) ([]Inventory, error) {
	var records []InventoryRecord
	if err := l.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	inventories := make([]Inventory, 0, len(records))
	for _, record := range records {
		inventories = append(inventories, Inventory{
			ID:   InventoryID(record.InventoryID),
			Name: record.Name,
		})
	}
	return inventories, nil
}

// LoadCounts returns every stored count in submission order.
func (l *GormLog) LoadCounts(ctx context.Context) ([]Count, error) {
	var records []CountRecord
	if err := l.db.WithContext(ctx).Order("created_at ASC").Order("sequence ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	counts := make([]Count, 0, len(records))
	for _, record := range records {
		count, err := countFromRecord(record)
		if err != nil {
			return nil, err
		}
		counts = append(counts, count)
	}
	return counts, nil
}

func recordFromCount(count Count) CountRecord {
	return CountRecord{
		CountID:     count.ID(),
		InventoryID: count.InventoryID().String(),
		Address:     count.Address().String(),
		Material:    count.Material().String(),
		Quantity:    count.Quantity().Int64(),
		SubmittedBy: count.SubmittedBy().String(),
		CreatedAt:   count.CreatedAt(),
	}
}

func countFromRecord(record CountRecord) (Count, error) {
	return NewCount(CountConfig{
		ID:          record.CountID,
		Sequence:    record.Sequence,
		CreatedAt:   record.CreatedAt,
		InventoryID: record.InventoryID,
		Address:     record.Address,
		Material:    record.Material,
		Quantity:    record.Quantity,
		SubmittedBy: record.SubmittedBy,
	})
}
