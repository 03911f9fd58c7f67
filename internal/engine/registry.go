package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"evmindexer/internal/chainevent"
)

// registryKey indexes subscriptions by the (address, topic0) pair used to
// route a decoded log to its subscription, per spec §3/§4.7.
type registryKey struct {
	address common.Address
	topic0  common.Hash
}

// Registry is the in-memory subscription map IndexerCore owns (spec §3
// "Lifecycle/ownership"). It tracks whether new subscriptions were added
// since the last ConsumeGrew call, which the EventProcessor uses to detect
// subscription-set growth mid-drain (spec §4.7 step 6).
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*chainevent.Subscription
	byKey map[registryKey]*chainevent.Subscription
	grew  bool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*chainevent.Subscription),
		byKey: make(map[registryKey]*chainevent.Subscription),
	}
}

// Add registers (or replaces) a subscription and marks the registry as
// grown.
func (r *Registry) Add(sub *chainevent.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sub.ID] = sub
	r.byKey[registryKey{address: sub.ContractAddress, topic0: sub.Topic0}] = sub
	r.grew = true
}

// Remove unregisters a subscription by ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byKey, registryKey{address: sub.ContractAddress, topic0: sub.Topic0})
}

// Get returns the subscription with id, if any.
func (r *Registry) Get(id string) (*chainevent.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Lookup resolves the subscription watching (address, topic0).
func (r *Registry) Lookup(address common.Address, topic0 common.Hash) (*chainevent.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byKey[registryKey{address: address, topic0: topic0}]
	return sub, ok
}

// All returns a snapshot slice of every registered subscription.
func (r *Registry) All() []*chainevent.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*chainevent.Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		out = append(out, sub)
	}
	return out
}

// ConsumeGrew reports whether Add was called since the last ConsumeGrew
// call, resetting the flag.
func (r *Registry) ConsumeGrew() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	grew := r.grew
	r.grew = false
	return grew
}
