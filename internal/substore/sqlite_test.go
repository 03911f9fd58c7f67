package substore

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"evmindexer/internal/chainevent"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testSub() *chainevent.Subscription {
	ev := &abi.Event{Name: "Increment", ID: common.BytesToHash([]byte("increment"))}
	return chainevent.NewSubscription(1, "Counter", common.HexToAddress("0x01"), ev, 0, chainevent.LatestToBlock(), nil)
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testSub()

	require.NoError(t, s.Save(ctx, sub))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, sub.ID, got.ID)
	require.Equal(t, sub.ChainID, got.ChainID)
	require.Equal(t, sub.ContractAddress, got.ContractAddress)
	require.Equal(t, sub.Topic0, got.Topic0)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Nil(t, got)
}

// property 4: restarting with a populated store resumes from the
// persisted cursor.
func TestUpdateThenAllReflectsCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testSub()
	require.NoError(t, s.Save(ctx, sub))

	require.NoError(t, s.Update(ctx, sub.ID, Cursor{IndexedToBlock: 42, IndexedToLogIndex: 3}))

	all, err := s.All(ctx, sub.ChainID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(42), all[0].IndexedToBlock)
	require.Equal(t, uint(3), all[0].IndexedToLogIndex)
}

func TestUpdateUnknownIDErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), "missing", Cursor{})
	require.Error(t, err)
}

func TestDeleteRemovesSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testSub()
	require.NoError(t, s.Save(ctx, sub))
	require.NoError(t, s.Delete(ctx, sub.ID))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveUpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testSub()
	require.NoError(t, s.Save(ctx, sub))

	sub.ContractName = "CounterV2"
	require.NoError(t, s.Save(ctx, sub))

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, "CounterV2", got.ContractName)
}

func TestAllFiltersByChainID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub1 := testSub()
	require.NoError(t, s.Save(ctx, sub1))

	ev := &abi.Event{Name: "Increment", ID: common.BytesToHash([]byte("increment"))}
	sub2 := chainevent.NewSubscription(2, "Counter", common.HexToAddress("0x02"), ev, 0, chainevent.LatestToBlock(), nil)
	require.NoError(t, s.Save(ctx, sub2))

	all, err := s.All(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, sub1.ID, all[0].ID)
}
