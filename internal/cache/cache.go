// Package cache implements the durable store of fetched log ranges,
// decoded events, contract-read results and block metadata described in
// spec §4.1, grounded on the teacher's CSV sink layout but backed by SQL
// as spec §6 requires.
package cache

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"evmindexer/internal/chainevent"
)

// LogRange is a closed, inclusive block interval known to be fully fetched
// for a given (chainID, address).
type LogRange struct {
	ChainID   uint64
	Address   common.Address
	FromBlock uint64
	ToBlock   uint64
}

// Adjacent reports whether a and b touch or overlap, per spec §3: two
// ranges are adjacent if |a.toBlock - b.fromBlock| <= 1 (with overlap).
func (a LogRange) Adjacent(b LogRange) bool {
	return a.ToBlock+1 >= b.FromBlock && b.ToBlock+1 >= a.FromBlock
}

// EventsResult is the Cache.GetEvents response: the contiguous prefix of
// the requested range that is fully covered by a stored LogRange.
type EventsResult struct {
	FromBlock uint64
	ToBlock   uint64
	Events    []chainevent.Event
}

// InsertEventsInput is the atomic Cache.InsertEvents request.
type InsertEventsInput struct {
	ChainID   uint64
	Address   common.Address
	FromBlock uint64
	ToBlock   uint64
	Events    []chainevent.Event
}

// BlockMeta is the cached (blockHash, timestamp) pair for a block number.
type BlockMeta struct {
	BlockHash common.Hash
	Timestamp uint64
}

// Cache is the storage-plane contract used by the FetchPlanner, LogFetcher
// and handler context. Implementations must make InsertEvents atomic: the
// event upserts and the log-range merge happen inside a single transaction
// (spec §4.1 "Range-merge correctness").
type Cache interface {
	GetEvents(ctx context.Context, chainID uint64, address common.Address, topic0 common.Hash, fromBlock, toBlock uint64) (*EventsResult, error)
	InsertEvents(ctx context.Context, in InsertEventsInput) error

	GetBlockByNumber(ctx context.Context, chainID, blockNumber uint64) (*BlockMeta, error)
	InsertBlock(ctx context.Context, chainID, blockNumber uint64, hash common.Hash, timestamp uint64) error

	GetContractRead(ctx context.Context, chainID uint64, address common.Address, calldata []byte, functionName string, blockNumber uint64) ([]byte, bool, error)
	InsertContractRead(ctx context.Context, chainID uint64, address common.Address, calldata []byte, functionName string, blockNumber uint64, result []byte) error

	Close() error
}
