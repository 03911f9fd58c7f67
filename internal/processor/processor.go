// Package processor implements the EventProcessor of spec §4.7: draining
// the queue, invoking handlers, advancing cursors and detecting
// subscription-set growth mid-drain.
package processor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/handlerctx"
	"evmindexer/internal/queue"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/substore"
)

// LookupFunc resolves the subscription watching (address, topic0), mirroring
// the fetcher's lookup so decode-time and dispatch-time routing agree.
type LookupFunc func(address common.Address, topic0 common.Hash) (*chainevent.Subscription, bool)

// Result is the §4.7 step-6 signal returned to the poll loop.
type Result struct {
	HasNewSubscriptions bool
	ProcessedCount      int

	// Dispatched records the IDs of subscriptions that had at least one
	// event delivered (and their cursor advanced) during this drain. The
	// poll loop consults this to avoid clobbering a precise cursor with
	// the coarser (resolved, 0) reset it applies to untouched
	// subscriptions.
	Dispatched map[string]bool
}

// Deps bundles the processor's external collaborators.
type Deps struct {
	Cache        cache.Cache
	Rpc          *rpcclient.Client
	Store        substore.SubscriptionStore
	Registry     handlerctx.Registry
	Lookup       LookupFunc
	OnEvent      chainevent.Handler
	OnProgress   func(currentBlock uint64, pendingEventsCount int)
	PendingCount func() int
}

// Processor drains an EventQueue snapshot into user handlers in strict
// order, per spec §4.7.
type Processor struct {
	deps            Deps
	q               *queue.EventQueue
	lastReportedBlk int64
}

// New builds a Processor.
func New(deps Deps, q *queue.EventQueue) *Processor {
	return &Processor{deps: deps, q: q, lastReportedBlk: -1}
}

// Drain pulls every currently-buffered event and processes it in order.
func (p *Processor) Drain(ctx context.Context, chainID uint64) (Result, error) {
	events := p.q.Drain()
	return p.process(ctx, chainID, events)
}

func (p *Processor) process(ctx context.Context, chainID uint64, events []chainevent.Event) (Result, error) {
	result := Result{Dispatched: make(map[string]bool)}

	for i, ev := range events {
		sub, ok := p.deps.Lookup(ev.Address, ev.Topic0)
		if !ok {
			// Subscription was removed since this event was fetched; drop
			// silently per spec §4.7 step 1.
			continue
		}

		if !sub.ShouldDispatch(ev.BlockNumber, ev.LogIndex) {
			continue
		}

		hctx := handlerctx.New(ctx, ev, chainID, p.deps.Cache, p.deps.Rpc, p.deps.Registry)

		if sub.Handler != nil {
			if err := sub.Handler(hctx); err != nil {
				return result, fmt.Errorf("processor: subscription handler for %s: %w", sub.ID, err)
			}
		}
		if p.deps.OnEvent != nil {
			if err := p.deps.OnEvent(hctx); err != nil {
				return result, fmt.Errorf("processor: onEvent handler: %w", err)
			}
		}

		sub.AdvanceCursor(ev.BlockNumber, ev.LogIndex)
		result.Dispatched[sub.ID] = true
		if p.deps.Store != nil {
			if err := p.deps.Store.Update(ctx, sub.ID, substore.Cursor{
				IndexedToBlock:    sub.IndexedToBlock,
				IndexedToLogIndex: sub.IndexedToLogIndex,
			}); err != nil {
				return result, fmt.Errorf("processor: persist cursor for %s: %w", sub.ID, err)
			}
		}

		result.ProcessedCount++

		if int64(ev.BlockNumber) > p.lastReportedBlk {
			p.lastReportedBlk = int64(ev.BlockNumber)
			if p.deps.OnProgress != nil {
				pending := 0
				if p.deps.PendingCount != nil {
					pending = p.deps.PendingCount()
				}
				p.deps.OnProgress(ev.BlockNumber, pending)
			}
		}

		if p.deps.Registry != nil {
			if grower, ok := p.deps.Registry.(interface{ ConsumeGrew() bool }); ok && grower.ConsumeGrew() {
				for _, rest := range events[i+1:] {
					p.q.Push(rest)
				}
				result.HasNewSubscriptions = true
				return result, nil
			}
		}
	}

	return result, nil
}
