package chainevent

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ToBlock represents the `toBlock ∈ ℕ ∪ {latest}` field of a Subscription.
type ToBlock struct {
	Latest bool
	Value  uint64
}

// FiniteToBlock builds a ToBlock fixed at the given block number.
func FiniteToBlock(v uint64) ToBlock { return ToBlock{Value: v} }

// LatestToBlock builds the moving "latest" target.
func LatestToBlock() ToBlock { return ToBlock{Latest: true} }

// Resolve returns the effective numeric bound given the current targetBlock
// (the chain head when Latest, or a fixed literal).
func (t ToBlock) Resolve(targetBlock uint64) uint64 {
	if t.Latest {
		return targetBlock
	}
	return t.Value
}

// HandlerContext is the read-only/mutating view of engine state exposed to a
// user event handler while it processes a single event. Implementations
// live in package handlerctx; chainevent only declares the contract so the
// data-model package never depends on the engine wiring.
type HandlerContext interface {
	Event() Event
	ChainID() uint64
	Context() context.Context
	ReadContract(ctx context.Context, address common.Address, data []byte, functionName string, blockNumber uint64) ([]byte, error)
	GetBlock(ctx context.Context, blockNumber uint64) (hash common.Hash, timestamp uint64, err error)
	SubscribeToContract(sub *Subscription)
	UnsubscribeFromContract(id string)
}

// Handler is the signature of both per-subscription and global onEvent
// handlers.
type Handler func(HandlerContext) error

// Subscription is a (contract, address, event) triple with a durable
// cursor, per spec §3.
type Subscription struct {
	ID      string
	ChainID uint64

	ABI             *abi.Event
	ContractName    string
	ContractAddress common.Address
	EventName       string
	Topic0          common.Hash

	FromBlock uint64
	ToBlock   ToBlock

	// FetchedToBlock tracks how far the LogFetcher has fetched (cache +
	// RPC) regardless of whether those events have been dispatched yet.
	// Its initial value, FromBlock-1 (-1 when FromBlock is 0), means
	// "nothing fetched yet".
	FetchedToBlock int64

	// IndexedToBlock/IndexedToLogIndex is the durable dispatch cursor.
	IndexedToBlock    int64
	IndexedToLogIndex uint

	Handler Handler
}

// NewSubscription builds a Subscription in its initial state: fetchedToBlock
// and indexedToBlock are both set to fromBlock-1 (or -1 when fromBlock is 0),
// satisfying the invariant `fromBlock ≤ indexedToBlock+1`.
func NewSubscription(chainID uint64, contractName string, address common.Address, ev *abi.Event, fromBlock uint64, toBlock ToBlock, handler Handler) *Subscription {
	init := int64(fromBlock) - 1
	return &Subscription{
		ID:                SubscriptionID(chainID, address, ev.ID),
		ChainID:           chainID,
		ABI:               ev,
		ContractName:      contractName,
		ContractAddress:   address,
		EventName:         ev.Name,
		Topic0:            ev.ID,
		FromBlock:         fromBlock,
		ToBlock:           toBlock,
		FetchedToBlock:    init,
		IndexedToBlock:    init,
		IndexedToLogIndex: 0,
		Handler:           handler,
	}
}

// WindowStart computes the `from` of spec §4.4 step 1: the earliest
// not-yet-fetched block for this subscription.
func (s *Subscription) WindowStart() uint64 {
	maxDone := s.FetchedToBlock
	if s.IndexedToBlock > maxDone {
		maxDone = s.IndexedToBlock
	}
	start := maxDone + 1
	if start < int64(s.FromBlock) {
		start = int64(s.FromBlock)
	}
	return uint64(start)
}

// ShouldDispatch reports whether an event at (blockNumber, logIndex)
// should be delivered to this subscription, per the cursor guard in §3.
func (s *Subscription) ShouldDispatch(blockNumber uint64, logIndex uint) bool {
	if int64(blockNumber) > s.IndexedToBlock {
		return true
	}
	return int64(blockNumber) == s.IndexedToBlock && logIndex >= s.IndexedToLogIndex
}

// AdvanceCursor moves the in-memory dispatch cursor to (blockNumber,
// logIndex), literally per spec §4.7 step 4 ("advance the cursor to
// (event.blockNumber, event.logIndex)"). A restart that resumes from this
// exact position may re-check (and, per the cursor guard's >=, re-dispatch)
// the same event — the spec's own non-goal ("handlers may re-run for
// events whose cursor update was not yet persisted").
func (s *Subscription) AdvanceCursor(blockNumber uint64, logIndex uint) {
	s.IndexedToBlock = int64(blockNumber)
	s.IndexedToLogIndex = logIndex
}

// Done reports whether this subscription's window is fully satisfied for
// the given target, per step 1's skip condition.
func (s *Subscription) Done(targetBlock uint64) bool {
	return s.IndexedToBlock >= int64(targetBlock)
}
