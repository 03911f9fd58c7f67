// Package substore persists per-subscription cursors so an engine can
// resume indexing across process restarts (spec §4.2).
package substore

import (
	"context"

	"evmindexer/internal/chainevent"
)

// Cursor is the (indexedToBlock, indexedToLogIndex) pair persisted after
// every poll, per spec §4.2/§7.
type Cursor struct {
	IndexedToBlock    int64
	IndexedToLogIndex uint
}

// SubscriptionStore is the durable-cursor contract. All operations are
// idempotent; Save is an upsert keyed by subscription ID.
type SubscriptionStore interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, sub *chainevent.Subscription) error
	Get(ctx context.Context, id string) (*chainevent.Subscription, error)
	Delete(ctx context.Context, id string) error
	All(ctx context.Context, chainID uint64) ([]*chainevent.Subscription, error)
	Update(ctx context.Context, id string, cursor Cursor) error
	Close() error
}
