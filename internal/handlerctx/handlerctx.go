// Package handlerctx builds the per-event handler argument bundle
// described in spec §9: an explicit value carrying references to cache,
// RPC client and the subscription registry rather than a closure capturing
// hidden engine state.
package handlerctx

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/rpcclient"
)

// Registry is the subset of the engine's subscription registry a handler
// is allowed to mutate: add/remove subscriptions. Declared here (rather
// than imported from engine) to avoid a handlerctx<->engine import cycle.
type Registry interface {
	Add(sub *chainevent.Subscription)
	Remove(id string)
}

// Context implements chainevent.HandlerContext for a single in-flight
// event.
type Context struct {
	ctx      context.Context
	event    chainevent.Event
	chainID  uint64
	cache    cache.Cache
	rpc      *rpcclient.Client
	registry Registry
}

// New builds a handler context for event.
func New(ctx context.Context, event chainevent.Event, chainID uint64, c cache.Cache, rpc *rpcclient.Client, registry Registry) *Context {
	return &Context{ctx: ctx, event: event, chainID: chainID, cache: c, rpc: rpc, registry: registry}
}

func (c *Context) Event() chainevent.Event    { return c.event }
func (c *Context) ChainID() uint64            { return c.chainID }
func (c *Context) Context() context.Context   { return c.ctx }

// ReadContract consults the cache before the RPC, per spec §9's resolved
// open question: a configured cache is mandatory to check first.
func (c *Context) ReadContract(ctx context.Context, address common.Address, data []byte, functionName string, blockNumber uint64) ([]byte, error) {
	if c.cache != nil {
		if cached, ok, err := c.cache.GetContractRead(ctx, c.chainID, address, data, functionName, blockNumber); err != nil {
			return nil, err
		} else if ok {
			return cached, nil
		}
	}

	result, err := c.rpc.ReadContract(ctx, address, data, blockNumber)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.InsertContractRead(ctx, c.chainID, address, data, functionName, blockNumber, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetBlock resolves a block's (hash, timestamp), consulting the cache
// first when one is configured.
func (c *Context) GetBlock(ctx context.Context, blockNumber uint64) (common.Hash, uint64, error) {
	if c.cache != nil {
		if meta, err := c.cache.GetBlockByNumber(ctx, c.chainID, blockNumber); err != nil {
			return common.Hash{}, 0, err
		} else if meta != nil {
			return meta.BlockHash, meta.Timestamp, nil
		}
	}

	info, err := c.rpc.GetBlockByNumber(ctx, blockNumber)
	if err != nil {
		return common.Hash{}, 0, err
	}
	if info == nil {
		return common.Hash{}, 0, fmt.Errorf("handlerctx: block %d not yet available", blockNumber)
	}

	if c.cache != nil {
		if err := c.cache.InsertBlock(ctx, c.chainID, blockNumber, info.Hash, info.Timestamp); err != nil {
			return common.Hash{}, 0, err
		}
	}
	return info.Hash, info.Timestamp, nil
}

// SubscribeToContract registers a new subscription, typically with
// FromBlock pinned to the currently-processed event's block number.
func (c *Context) SubscribeToContract(sub *chainevent.Subscription) { c.registry.Add(sub) }

// UnsubscribeFromContract removes a subscription by ID.
func (c *Context) UnsubscribeFromContract(id string) { c.registry.Remove(id) }
