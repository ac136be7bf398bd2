package counts

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testInventoryID = InventoryID("inv-1")

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func mustCount(t *testing.T, id string, offsetSeconds int, address, material string, quantity int64, user string) Count {
	t.Helper()
	count, err := NewCount(CountConfig{
		ID:          id,
		Sequence:    int64(offsetSeconds) + 1,
		CreatedAt:   testEpoch.Add(time.Duration(offsetSeconds) * time.Second),
		InventoryID: testInventoryID.String(),
		Address:     address,
		Material:    material,
		Quantity:    quantity,
		SubmittedBy: user,
	})
	require.NoError(t, err)
	return count
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()
	require.NoError(t, store.RegisterInventory(Inventory{ID: testInventoryID, Name: "INVENTARIO 01"}))
	return store
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "counts.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&CountRecord{}, &InventoryRecord{}))
	return db
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []GroupUpdated
}

func (p *recordingPublisher) Publish(event GroupUpdated) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []GroupUpdated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]GroupUpdated(nil), p.events...)
}

type testService struct {
	service   *Service
	db        *gorm.DB
	publisher *recordingPublisher
	inventory Inventory
}

func newTestService(t *testing.T) testService {
	t.Helper()
	db := openTestDatabase(t)
	log, err := NewGormLog(db)
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	clock := &steppingClock{current: testEpoch}
	service, err := NewService(ServiceConfig{
		Log:        log,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Publisher:  publisher,
	})
	require.NoError(t, err)
	inventory, err := service.EnsureInventory(t.Context(), "INVENTARIO 01")
	require.NoError(t, err)
	return testService{service: service, db: db, publisher: publisher, inventory: inventory}
}
