package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"evmindexer/internal/chainevent"
	"evmindexer/internal/queue"
)

// fakeRegistry is the minimal handlerctx.Registry + growth-tracking
// collaborator the Processor expects, mirroring engine.Registry's shape.
type fakeRegistry struct {
	grew bool
}

func (r *fakeRegistry) Add(sub *chainevent.Subscription) { r.grew = true }
func (r *fakeRegistry) Remove(id string)                 {}
func (r *fakeRegistry) ConsumeGrew() bool {
	g := r.grew
	r.grew = false
	return g
}

func newTestSub(addr common.Address) *chainevent.Subscription {
	ev := &abi.Event{Name: "Increment", ID: common.BytesToHash([]byte("increment"))}
	return chainevent.NewSubscription(1, "Counter", addr, ev, 0, chainevent.LatestToBlock(), nil)
}

func TestDrainProcessesEventsInOrderAndAdvancesCursor(t *testing.T) {
	addr := common.HexToAddress("0x01")
	sub := newTestSub(addr)

	lookup := func(a common.Address, topic common.Hash) (*chainevent.Subscription, bool) {
		if a == addr {
			return sub, true
		}
		return nil, false
	}

	var dispatched []uint64
	onEvent := func(h chainevent.HandlerContext) error {
		dispatched = append(dispatched, h.Event().BlockNumber)
		return nil
	}

	q := queue.New()
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 2, LogIndex: 0})
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 0, LogIndex: 0})

	p := New(Deps{Registry: &fakeRegistry{}, Lookup: lookup, OnEvent: onEvent}, q)
	result, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, result.ProcessedCount)
	require.False(t, result.HasNewSubscriptions)
	require.Equal(t, []uint64{0, 2}, dispatched)
	require.Equal(t, int64(2), sub.IndexedToBlock)
}

func TestDrainDropsEventsWithNoMatchingSubscription(t *testing.T) {
	q := queue.New()
	q.Push(chainevent.Event{Address: common.HexToAddress("0x99"), BlockNumber: 1})

	called := false
	p := New(Deps{
		Registry: &fakeRegistry{},
		Lookup:   func(common.Address, common.Hash) (*chainevent.Subscription, bool) { return nil, false },
		OnEvent:  func(chainevent.HandlerContext) error { called = true; return nil },
	}, q)

	result, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedCount)
	require.False(t, called)
}

func TestDrainDropsAlreadyDispatchedEvents(t *testing.T) {
	addr := common.HexToAddress("0x01")
	sub := newTestSub(addr)
	sub.AdvanceCursor(5, 2)

	q := queue.New()
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 5, LogIndex: 1})

	called := false
	p := New(Deps{
		Registry: &fakeRegistry{},
		Lookup:   func(common.Address, common.Hash) (*chainevent.Subscription, bool) { return sub, true },
		OnEvent:  func(chainevent.HandlerContext) error { called = true; return nil },
	}, q)

	result, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedCount)
	require.False(t, called)
}

func TestDrainStopsOnHandlerError(t *testing.T) {
	addr := common.HexToAddress("0x01")
	sub := newTestSub(addr)

	q := queue.New()
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 1, LogIndex: 0})
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 2, LogIndex: 0})

	boom := errors.New("boom")
	p := New(Deps{
		Registry: &fakeRegistry{},
		Lookup:   func(common.Address, common.Hash) (*chainevent.Subscription, bool) { return sub, true },
		OnEvent:  func(chainevent.HandlerContext) error { return boom },
	}, q)

	_, err := p.Drain(context.Background(), 1)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	// the failing block-1 event must not advance the cursor from its initial value.
	require.Equal(t, int64(-1), sub.IndexedToBlock)
}

func TestDrainDetectsGrowthMidDrainAndRequeuesRemainder(t *testing.T) {
	addr := common.HexToAddress("0x01")
	sub := newTestSub(addr)

	q := queue.New()
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 1, LogIndex: 0})
	q.Push(chainevent.Event{Address: addr, Topic0: sub.Topic0, BlockNumber: 2, LogIndex: 0})

	registry := &fakeRegistry{}
	p := New(Deps{
		Registry: registry,
		Lookup:   func(common.Address, common.Hash) (*chainevent.Subscription, bool) { return sub, true },
		OnEvent: func(chainevent.HandlerContext) error {
			registry.grew = true // simulate SubscribeToContract happening inside the handler
			return nil
		},
	}, q)

	result, err := p.Drain(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, result.HasNewSubscriptions)
	require.Equal(t, 1, result.ProcessedCount)
	require.Equal(t, 1, q.Size(), "unprocessed events must be requeued")
}
