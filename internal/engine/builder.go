package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/fetcher"
	"evmindexer/internal/processor"
	"evmindexer/internal/queue"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/substore"
)

// Builder assembles an Engine, mirroring the teacher's chainable
// `indexer.New(cfg, client, sink)` construction style, extended to accept
// the Cache/SubscriptionStore/handler configuration of spec §6.
type Builder struct {
	chainID    uint64
	rpc        *rpcclient.Client
	cache      cache.Cache
	store      substore.SubscriptionStore
	staticSubs []*chainevent.Subscription
	pollDelay  time.Duration

	onEvent    chainevent.Handler
	onProgress func(currentBlock, targetBlock uint64, pendingEventsCount int)
	onError    func(error)
	onStopped  func()
}

// NewBuilder starts a Builder for chainID, driven by rpc.
func NewBuilder(chainID uint64, rpc *rpcclient.Client) *Builder {
	return &Builder{chainID: chainID, rpc: rpc, pollDelay: DefaultPollDelay}
}

// WithCache attaches the durable log/contract-read cache. May be left nil.
func (b *Builder) WithCache(c cache.Cache) *Builder {
	b.cache = c
	return b
}

// WithSubscriptionStore attaches the durable cursor store. May be left nil,
// in which case the engine only tracks cursors in memory.
func (b *Builder) WithSubscriptionStore(s substore.SubscriptionStore) *Builder {
	b.store = s
	return b
}

// WithSubscriptions registers the statically-configured subscriptions
// (from contract config), carrying their ABI and handler.
func (b *Builder) WithSubscriptions(subs ...*chainevent.Subscription) *Builder {
	b.staticSubs = append(b.staticSubs, subs...)
	return b
}

// WithPollDelay overrides DefaultPollDelay.
func (b *Builder) WithPollDelay(d time.Duration) *Builder {
	b.pollDelay = d
	return b
}

// WithOnEvent sets the global handler invoked for every dispatched event,
// in addition to each subscription's own handler.
func (b *Builder) WithOnEvent(h chainevent.Handler) *Builder {
	b.onEvent = h
	return b
}

// WithOnProgress sets the progress callback, per spec §4.8 step 6/§2
// "Progress/Event emitter".
func (b *Builder) WithOnProgress(f func(currentBlock, targetBlock uint64, pendingEventsCount int)) *Builder {
	b.onProgress = f
	return b
}

// WithOnError sets the callback invoked when the poll loop terminates with
// a fatal error.
func (b *Builder) WithOnError(f func(error)) *Builder {
	b.onError = f
	return b
}

// WithOnStopped sets the callback invoked when the engine transitions to
// Stopped via Stop() or by reaching a finite target. It is not invoked
// when ctx is cancelled or when the poll loop ends with an error.
func (b *Builder) WithOnStopped(f func()) *Builder {
	b.onStopped = f
	return b
}

// Build constructs the Engine, initializing it per spec §4.8 init(): load
// persisted subscriptions or register the static ones from config.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.rpc == nil {
		return nil, fmt.Errorf("engine: builder requires an RpcClient")
	}

	registry := NewRegistry()
	q := queue.New()

	e := &Engine{
		chainID:   b.chainID,
		rpc:       b.rpc,
		cache:     b.cache,
		store:     b.store,
		registry:  registry,
		q:         q,
		fetcher:   fetcher.New(b.rpc, b.cache, q),
		pollDelay: b.pollDelay,
		log:       logrus.WithField("component", "engine"),
		state:     StateInitial,
		stopCh:    make(chan struct{}),

		onProgress: b.onProgress,
		onError:    b.onError,
		onStopped:  b.onStopped,
	}

	e.proc = processor.New(processor.Deps{
		Cache:    b.cache,
		Rpc:      b.rpc,
		Store:    b.store,
		Registry: registry,
		Lookup:   registry.Lookup,
		OnEvent:  b.onEvent,
		OnProgress: func(currentBlock uint64, pendingEventsCount int) {
			if b.onProgress != nil {
				b.onProgress(currentBlock, e.currentTarget, pendingEventsCount)
			}
		},
		PendingCount: q.Size,
	}, q)

	if b.store != nil {
		if err := b.store.Init(ctx); err != nil {
			return nil, fmt.Errorf("engine: init subscription store: %w", err)
		}
	}

	if err := e.init(ctx, b.staticSubs); err != nil {
		return nil, err
	}
	registry.ConsumeGrew()

	return e, nil
}
