// Package engine implements IndexerCore: the top-level state machine and
// poll loop of spec §4.8, wiring together the FetchPlanner, LogFetcher,
// EventQueue and EventProcessor.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/fetcher"
	"evmindexer/internal/planner"
	"evmindexer/internal/processor"
	"evmindexer/internal/queue"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/substore"
)

// DefaultPollDelay is the default delay between poll iterations when
// watching the chain tip, per spec §6.
const DefaultPollDelay = 4 * time.Second

// InvariantError signals a violated engine invariant (e.g. IndexToBlock
// called on an already-running engine).
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "engine: " + e.Msg }

// HandlerError wraps an error returned by a per-subscription or global
// event handler, per spec §4.7 step 3. The poll loop does not construct
// it: the processor wraps handler errors with fmt.Errorf("%w"), so a
// caller reaches the handler's own error with errors.Is/errors.As, while
// errors.As into *HandlerError does not match.
type HandlerError struct {
	SubscriptionID string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("engine: handler error for subscription %s: %v", e.SubscriptionID, e.Err)
}
func (e *HandlerError) Unwrap() error { return e.Err }

// Engine is IndexerCore: it owns the subscription registry, the EventQueue
// and the lifecycle state (spec §3 "Lifecycle/ownership").
type Engine struct {
	chainID  uint64
	rpc      *rpcclient.Client
	cache    cache.Cache
	store    substore.SubscriptionStore
	registry *Registry
	q        *queue.EventQueue
	fetcher  *fetcher.LogFetcher
	proc     *processor.Processor

	pollDelay time.Duration
	log       *logrus.Entry

	mu            sync.Mutex
	state         State
	stopCh        chan struct{}
	stopOnce      sync.Once
	currentTarget uint64

	onProgress func(currentBlock, targetBlock uint64, pendingEventsCount int)
	onError    func(error)
	onStopped  func()
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registry exposes the subscription registry, e.g. for the HTTP façade to
// report subscription counts.
func (e *Engine) Registry() *Registry { return e.registry }

// IndexToBlock runs the poll loop until the subscription set reaches block
// target, then stops the engine, per spec §4.8.
func (e *Engine) IndexToBlock(ctx context.Context, target uint64) error {
	if err := e.start(); err != nil {
		return err
	}
	return e.runLoop(ctx, chainevent.FiniteToBlock(target))
}

// Watch runs the poll loop against the moving chain tip until Stop is
// called or ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	return e.runLoop(ctx, chainevent.LatestToBlock())
}

func (e *Engine) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return &InvariantError{Msg: fmt.Sprintf("cannot start engine in state %s", e.state)}
	}
	// Reaching a finite targetBlock transitions to Stopped without closing
	// stopCh (see poll loop below), so a Stopped engine may be resumed with
	// a new, further-out IndexToBlock/Watch call — the in-memory
	// subscription cursors are untouched and pick up where they left off.
	// An engine stopped via Stop() has a closed stopCh and will observe it
	// immediately on the next runLoop iteration, stopping again at once.
	e.state = StateRunning
	return nil
}

// Stop clears the pending poll timer and resolves the completion signal.
// An in-flight handler or RPC call continues to completion (spec §5
// "Cancellation & timeouts").
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) transitionStopped() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateStopped
}

func (e *Engine) runLoop(ctx context.Context, target chainevent.ToBlock) error {
	for {
		select {
		case <-ctx.Done():
			e.transitionStopped()
			return ctx.Err()
		case <-e.stopCh:
			e.transitionStopped()
			if e.onStopped != nil {
				e.onStopped()
			}
			return nil
		default:
		}

		grew, resolved, err := e.poll(ctx, target)
		if err != nil {
			e.transitionStopped()
			if e.onError != nil {
				e.onError(err)
			}
			return err
		}

		if grew {
			// Step 5: re-plan immediately, zero delay.
			continue
		}

		if !target.Latest && resolved >= target.Value {
			e.transitionStopped()
			if e.onStopped != nil {
				e.onStopped()
			}
			return nil
		}

		select {
		case <-ctx.Done():
			e.transitionStopped()
			return ctx.Err()
		case <-e.stopCh:
			e.transitionStopped()
			if e.onStopped != nil {
				e.onStopped()
			}
			return nil
		case <-time.After(e.pollDelay):
		}
	}
}

// poll executes one iteration of spec §4.8's poll() algorithm, returning
// whether the subscription set grew mid-drain and the resolved target
// block for this iteration.
func (e *Engine) poll(ctx context.Context, target chainevent.ToBlock) (bool, uint64, error) {
	resolved := target.Value
	if target.Latest {
		latest, err := e.rpc.GetLastBlockNumber(ctx)
		if err != nil {
			return false, 0, fmt.Errorf("engine: resolve latest block: %w", err)
		}
		resolved = latest
	}
	e.currentTarget = resolved

	subs := e.registry.All()

	plan, err := planner.Plan(ctx, subs, resolved, e.cache, e.q)
	if err != nil {
		return false, resolved, err
	}

	if err := e.fetcher.Run(ctx, plan, e.registry.Lookup); err != nil {
		return false, resolved, err
	}

	touched := make([]*chainevent.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Done(resolved) {
			continue
		}
		s.FetchedToBlock = int64(resolved)
		touched = append(touched, s)
	}

	result, err := e.proc.Drain(ctx, e.chainID)
	if err != nil {
		return false, resolved, err
	}

	if result.HasNewSubscriptions {
		e.log.WithField("target_block", resolved).Debug("subscription set grew mid-drain, re-planning")
		return true, resolved, nil
	}

	for _, s := range touched {
		if result.Dispatched[s.ID] {
			// processor.process already advanced and persisted this
			// subscription's cursor to the exact (blockNumber, logIndex) of
			// its last dispatched event; don't clobber it with the coarser
			// (resolved, 0) bound below.
			continue
		}
		s.IndexedToBlock = int64(resolved)
		s.IndexedToLogIndex = 0
		if e.store != nil {
			if err := e.store.Update(ctx, s.ID, substore.Cursor{
				IndexedToBlock:    s.IndexedToBlock,
				IndexedToLogIndex: s.IndexedToLogIndex,
			}); err != nil {
				return false, resolved, fmt.Errorf("engine: persist cursor for %s: %w", s.ID, err)
			}
		}
	}

	if e.onProgress != nil {
		e.onProgress(resolved, resolved, e.q.Size())
	}

	return false, resolved, nil
}

// init loads persisted subscriptions for chainID, merging their cursors
// into the config-derived static subscriptions (which carry ABI/Handler,
// spec §4.2's persistence layout cannot serialize either). Static
// subscriptions absent from the store are registered and saved; persisted
// subscriptions absent from the static config are skipped (their ABI and
// Handler cannot be reconstructed, so they can no longer decode or
// dispatch anything).
func (e *Engine) init(ctx context.Context, staticSubs []*chainevent.Subscription) error {
	var persisted []*chainevent.Subscription
	if e.store != nil {
		var err error
		persisted, err = e.store.All(ctx, e.chainID)
		if err != nil {
			return fmt.Errorf("engine: load persisted subscriptions: %w", err)
		}
	}

	persistedByID := make(map[string]*chainevent.Subscription, len(persisted))
	for _, p := range persisted {
		persistedByID[p.ID] = p
	}

	for _, s := range staticSubs {
		if p, ok := persistedByID[s.ID]; ok {
			s.FetchedToBlock = p.FetchedToBlock
			s.IndexedToBlock = p.IndexedToBlock
			s.IndexedToLogIndex = p.IndexedToLogIndex
			delete(persistedByID, s.ID)
		} else if e.store != nil {
			if err := e.store.Save(ctx, s); err != nil {
				return fmt.Errorf("engine: save subscription %s: %w", s.ID, err)
			}
		}
		e.registry.Add(s)
	}

	for id := range persistedByID {
		e.log.WithField("subscription_id", id).Warn("persisted subscription has no matching contract config, skipping")
	}

	return nil
}
