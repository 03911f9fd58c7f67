// Package chainevent holds the core data model shared by every component of
// the indexer: decoded events, subscriptions and their cursors.
package chainevent

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Event is an immutable decoded log. Equality is defined by
// (chainID, blockNumber, logIndex).
type Event struct {
	ChainID         uint64
	Name            string
	Params          map[string]interface{}
	Address         common.Address // raw 20 bytes; compared by value, so letter case never matters
	Topic0          common.Hash
	TransactionHash common.Hash
	BlockNumber     uint64
	LogIndex        uint
}

// Key returns the (blockNumber, logIndex) ordering key used everywhere
// events must be compared or sorted.
func (e Event) Key() (uint64, uint) { return e.BlockNumber, e.LogIndex }

// Less reports whether e sorts strictly before o by (blockNumber, logIndex).
func (e Event) Less(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// AddressLower returns the lowercase hex representation of the event
// address (spec §3: "address (lowercase 20-byte)"). Subscription lookups
// key on the common.Address value itself and the cache keys on its
// checksummed Hex() form; neither goes through this helper.
func (e Event) AddressLower() string {
	return strings.ToLower(e.Address.Hex())
}

// SubscriptionID builds the "<chainId>-<address>-<topic0>" identifier
// described in spec §3.
func SubscriptionID(chainID uint64, address common.Address, topic0 common.Hash) string {
	return fmt.Sprintf("%d-%s-%s", chainID, strings.ToLower(address.Hex()), strings.ToLower(topic0.Hex()))
}
