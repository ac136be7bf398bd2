package counts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoardApplyIsIdempotent(t *testing.T) {
	board := NewBoard(testInventoryID)
	key := GroupKey{Address: "A1", Material: "M1"}
	first := GroupUpdated{
		InventoryID: testInventoryID,
		Key:         key,
		Status:      StatusAwaitingSecond,
		CountTotal:  1,
		LatestCount: mustCount(t, "c1", 0, "A1", "M1", 5, "x"),
	}
	second := GroupUpdated{
		InventoryID: testInventoryID,
		Key:         key,
		Status:      StatusCorrect,
		CountTotal:  2,
		LatestCount: mustCount(t, "c2", 1, "A1", "M1", 5, "y"),
	}

	_, changed := board.Apply(first)
	require.True(t, changed)
	entry, changed := board.Apply(second)
	require.True(t, changed)
	require.Equal(t, StatusCorrect, entry.Status)

	snapshot, _ := board.Entry(key)
	_, changed = board.Apply(second)
	require.False(t, changed)
	_, changed = board.Apply(first)
	require.False(t, changed, "stale event must not roll the group back")

	after, ok := board.Entry(key)
	require.True(t, ok)
	require.Equal(t, snapshot, after)
	require.Equal(t, 1, board.Len())
}

func TestBoardIgnoresOtherInventories(t *testing.T) {
	board := NewBoard(testInventoryID)
	_, changed := board.Apply(GroupUpdated{
		InventoryID: "other",
		Key:         GroupKey{Address: "A1", Material: "M1"},
		Status:      StatusAwaitingSecond,
		CountTotal:  1,
	})
	require.False(t, changed)
	require.Zero(t, board.Len())
}

func TestBoardResetThenApply(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(mustCount(t, "c1", 0, "A1", "M1", 5, "x"), nil)
	require.NoError(t, err)
	group, err := store.Append(mustCount(t, "c2", 1, "A1", "M1", 5, "y"), nil)
	require.NoError(t, err)

	board := NewBoard(testInventoryID)
	board.Reset([]Group{group})
	entry, ok := board.Entry(group.Key)
	require.True(t, ok)
	require.Equal(t, StatusCorrect, entry.Status)
	require.Equal(t, "c2", entry.LatestCountID)

	_, changed := board.Apply(newGroupUpdated(group, group.Latest(), false))
	require.False(t, changed)
}
