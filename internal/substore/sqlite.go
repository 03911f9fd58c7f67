package substore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"evmindexer/internal/chainevent"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id                   TEXT PRIMARY KEY,
	chain_id             INTEGER NOT NULL,
	contract_name        TEXT NOT NULL,
	contract_address     TEXT NOT NULL,
	event_name           TEXT NOT NULL,
	topic0               TEXT NOT NULL,
	from_block           INTEGER NOT NULL,
	to_block             TEXT NOT NULL,
	indexed_to_block     INTEGER NOT NULL,
	indexed_to_log_index INTEGER NOT NULL
);
`

// SQLiteStore persists subscription cursors in an embedded SQLite database,
// following the same storage choice as cache.SQLiteCache so the engine can
// ship with a single-file, dependency-light default.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a subscription store at
// path. Pass ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("substore: open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("substore: apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func toBlockWire(tb chainevent.ToBlock) string {
	if tb.Latest {
		return "latest"
	}
	return fmt.Sprintf("%d", tb.Value)
}

func parseToBlockWire(raw string) chainevent.ToBlock {
	if raw == "latest" {
		return chainevent.LatestToBlock()
	}
	var v uint64
	fmt.Sscanf(raw, "%d", &v)
	return chainevent.FiniteToBlock(v)
}

// Save upserts a subscription's identity and cursor fields.
func (s *SQLiteStore) Save(ctx context.Context, sub *chainevent.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, chain_id, contract_name, contract_address, event_name, topic0, from_block, to_block, indexed_to_block, indexed_to_log_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chain_id=excluded.chain_id, contract_name=excluded.contract_name,
			contract_address=excluded.contract_address, event_name=excluded.event_name,
			topic0=excluded.topic0, from_block=excluded.from_block, to_block=excluded.to_block,
			indexed_to_block=excluded.indexed_to_block, indexed_to_log_index=excluded.indexed_to_log_index`,
		sub.ID, sub.ChainID, sub.ContractName, sub.ContractAddress.Hex(), sub.EventName, sub.Topic0.Hex(),
		sub.FromBlock, toBlockWire(sub.ToBlock), sub.IndexedToBlock, sub.IndexedToLogIndex,
	)
	if err != nil {
		return fmt.Errorf("substore: save %s: %w", sub.ID, err)
	}
	return nil
}

func scanSubscription(row interface {
	Scan(dest ...interface{}) error
}) (*chainevent.Subscription, error) {
	var (
		id, contractName, contractAddrHex, eventName, topic0Hex, toBlockRaw string
		chainID                                                             uint64
		fromBlock                                                           uint64
		indexedToBlock                                                      int64
		indexedToLogIndex                                                   uint
	)
	if err := row.Scan(&id, &chainID, &contractName, &contractAddrHex, &eventName, &topic0Hex, &fromBlock, &toBlockRaw, &indexedToBlock, &indexedToLogIndex); err != nil {
		return nil, err
	}
	return &chainevent.Subscription{
		ID:                id,
		ChainID:           chainID,
		ContractName:      contractName,
		ContractAddress:   common.HexToAddress(contractAddrHex),
		EventName:         eventName,
		Topic0:            common.HexToHash(topic0Hex),
		FromBlock:         fromBlock,
		ToBlock:           parseToBlockWire(toBlockRaw),
		FetchedToBlock:    indexedToBlock,
		IndexedToBlock:    indexedToBlock,
		IndexedToLogIndex: indexedToLogIndex,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*chainevent.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, contract_name, contract_address, event_name, topic0, from_block, to_block, indexed_to_block, indexed_to_log_index
		FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("substore: get %s: %w", id, err)
	}
	return sub, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("substore: delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) All(ctx context.Context, chainID uint64) ([]*chainevent.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chain_id, contract_name, contract_address, event_name, topic0, from_block, to_block, indexed_to_block, indexed_to_log_index
		FROM subscriptions WHERE chain_id = ?`, chainID)
	if err != nil {
		return nil, fmt.Errorf("substore: all: %w", err)
	}
	defer rows.Close()

	var out []*chainevent.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Update advances the persisted cursor for id.
func (s *SQLiteStore) Update(ctx context.Context, id string, cursor Cursor) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET indexed_to_block = ?, indexed_to_log_index = ? WHERE id = ?`,
		cursor.IndexedToBlock, cursor.IndexedToLogIndex, id)
	if err != nil {
		return fmt.Errorf("substore: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("substore: update %s: subscription not found", id)
	}
	return nil
}
