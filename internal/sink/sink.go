package sink

import "evmindexer/internal/chainevent"

// Record is the persisted shape of a dispatched chain event: the decoded
// chainevent.Event plus the contract name resolved from config (the ABI/topic
// match alone only gives an address). Back-ends serialize the fixed fields
// plus whatever the event's decoded Params contributed, keyed by name.
type Record struct {
	ChainID         uint64
	ContractName    string
	ContractAddress string
	EventName       string
	TransactionHash string
	BlockNumber     uint64
	LogIndex        uint
	Params          map[string]interface{}
}

// RecordFromChainEvent builds the Record a sink persists from a dispatched
// chainevent.Event, resolving the contract name the event's address maps to
// in config (the decoded event itself carries only the address).
func RecordFromChainEvent(ev chainevent.Event, contractName string) Record {
	return Record{
		ChainID:         ev.ChainID,
		ContractName:    contractName,
		ContractAddress: ev.Address.Hex(),
		EventName:       ev.Name,
		TransactionHash: ev.TransactionHash.Hex(),
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		Params:          ev.Params,
	}
}

// columns flattens a Record into the generic field-name/value pairs a
// column-oriented back-end (CSV, and similarly-shaped future back-ends)
// writes out, mirroring the teacher's field names ("tx_hash", "block_number",
// "contract", "contract_name", "event_name", "chain_id") so existing CSV
// layouts stay readable.
func (r Record) columns() map[string]interface{} {
	out := map[string]interface{}{
		"chain_id":      r.ChainID,
		"contract":      r.ContractAddress,
		"contract_name": r.ContractName,
		"event_name":    r.EventName,
		"tx_hash":       r.TransactionHash,
		"block_number":  r.BlockNumber,
		"log_index":     r.LogIndex,
	}
	for k, v := range r.Params {
		out[k] = v
	}
	return out
}

// Sink defines the behaviour expected from any storage back-end used by the
// indexer (e.g. CSV files, MySQL, Postgres, webhooks, etc.).
//
// Implementations should be thread-safe if they will be accessed concurrently.
//
// Returning an error allows the indexer to trigger the retry mechanism
// configured at a higher level.
type Sink interface {
	// Write persists the provided record and returns an error if the
	// operation fails for any reason.
	Write(Record) error
}
