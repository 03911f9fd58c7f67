package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"evmindexer/internal/chainevent"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	chain_id         INTEGER NOT NULL,
	name             TEXT NOT NULL,
	params           TEXT NOT NULL,
	address          TEXT NOT NULL,
	topic0           TEXT NOT NULL,
	transaction_hash TEXT NOT NULL,
	block_number     INTEGER NOT NULL,
	log_index        INTEGER NOT NULL,
	PRIMARY KEY (chain_id, block_number, log_index)
);
CREATE TABLE IF NOT EXISTS log_ranges (
	chain_id   INTEGER NOT NULL,
	address    TEXT NOT NULL,
	from_block INTEGER NOT NULL,
	to_block   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_ranges_lookup ON log_ranges(chain_id, address, from_block, to_block);
CREATE TABLE IF NOT EXISTS contract_reads (
	chain_id      INTEGER NOT NULL,
	address       TEXT NOT NULL,
	calldata      TEXT NOT NULL,
	function_name TEXT NOT NULL,
	block_number  INTEGER NOT NULL,
	result        TEXT NOT NULL,
	PRIMARY KEY (chain_id, address, calldata, function_name, block_number)
);
CREATE TABLE IF NOT EXISTS blocks (
	chain_id     INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	block_hash   TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	PRIMARY KEY (chain_id, block_hash)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_by_number ON blocks(chain_id, block_number);
`

// SQLiteCache implements Cache on top of an embedded modernc.org/sqlite
// database, following the teacher's preference for a self-contained,
// dependency-light storage backend (the teacher used flat CSV files; this
// is its durable, queryable successor).
type SQLiteCache struct {
	db  *sql.DB
	log *logrus.Entry
}

// OpenSQLiteCache opens (creating if necessary) a SQLite database at path
// and ensures the schema exists. Pass ":memory:" for an ephemeral cache.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite %q: %w", path, err)
	}
	// modernc.org/sqlite does not support concurrent writers; the indexer's
	// single poll-loop model (spec §5) makes one connection sufficient and
	// avoids SQLITE_BUSY under concurrent handler/cache access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}

	return &SQLiteCache{db: db, log: logrus.WithField("component", "cache")}, nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }

// GetEvents returns the contiguous prefix of [fromBlock, toBlock] covered by
// a stored LogRange for (chainId, address), per spec §4.1.
func (c *SQLiteCache) GetEvents(ctx context.Context, chainID uint64, address common.Address, topic0 common.Hash, fromBlock, toBlock uint64) (*EventsResult, error) {
	addr := normalizeAddr(address)

	row := c.db.QueryRowContext(ctx, `
		SELECT from_block, to_block FROM log_ranges
		WHERE chain_id = ? AND address = ? AND from_block <= ? AND to_block >= ?
		ORDER BY from_block ASC LIMIT 1`,
		chainID, addr, fromBlock, fromBlock)

	var rangeFrom, rangeTo uint64
	if err := row.Scan(&rangeFrom, &rangeTo); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get_events range lookup: %w", err)
	}

	resFrom := fromBlock
	if rangeFrom > resFrom {
		resFrom = rangeFrom
	}
	resTo := toBlock
	if rangeTo < resTo {
		resTo = rangeTo
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT name, params, topic0, transaction_hash, block_number, log_index
		FROM events
		WHERE chain_id = ? AND address = ? AND topic0 = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number ASC, log_index ASC`,
		chainID, addr, topic0.Hex(), resFrom, resTo)
	if err != nil {
		return nil, fmt.Errorf("cache: get_events select events: %w", err)
	}
	defer rows.Close()

	var events []chainevent.Event
	for rows.Next() {
		var (
			name, paramsRaw, topic0Hex, txHashHex string
			blockNumber                           uint64
			logIndex                              uint
		)
		if err := rows.Scan(&name, &paramsRaw, &topic0Hex, &txHashHex, &blockNumber, &logIndex); err != nil {
			return nil, fmt.Errorf("cache: get_events scan: %w", err)
		}
		params, err := decodeParams(paramsRaw)
		if err != nil {
			return nil, err
		}
		events = append(events, chainevent.Event{
			ChainID:         chainID,
			Name:            name,
			Params:          params,
			Address:         address,
			Topic0:          common.HexToHash(topic0Hex),
			TransactionHash: common.HexToHash(txHashHex),
			BlockNumber:     blockNumber,
			LogIndex:        logIndex,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &EventsResult{FromBlock: resFrom, ToBlock: resTo, Events: events}, nil
}

// InsertEvents atomically upserts events and merges the LogRange for
// (chainId, address), per spec §4.1.
func (c *SQLiteCache) InsertEvents(ctx context.Context, in InsertEventsInput) error {
	if in.ToBlock < in.FromBlock {
		return fmt.Errorf("cache: insert_events: toBlock %d < fromBlock %d", in.ToBlock, in.FromBlock)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: insert_events begin tx: %w", err)
	}
	defer tx.Rollback()

	addr := normalizeAddr(in.Address)

	for _, ev := range in.Events {
		paramsJSON, err := encodeParams(ev.Params)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (chain_id, name, params, address, topic0, transaction_hash, block_number, log_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chain_id, block_number, log_index) DO UPDATE SET
				name=excluded.name, params=excluded.params, address=excluded.address,
				topic0=excluded.topic0, transaction_hash=excluded.transaction_hash`,
			in.ChainID, ev.Name, paramsJSON, addr, ev.Topic0.Hex(), ev.TransactionHash.Hex(), ev.BlockNumber, ev.LogIndex,
		); err != nil {
			return fmt.Errorf("cache: insert_events upsert event: %w", err)
		}
	}

	if err := mergeLogRange(ctx, tx, in.ChainID, addr, in.FromBlock, in.ToBlock); err != nil {
		return err
	}

	return tx.Commit()
}

// mergeLogRange implements spec §4.1's range-merge algorithm: find all
// stored ranges touching/overlapping [fromBlock, toBlock], delete them, and
// insert their union with the new range.
func mergeLogRange(ctx context.Context, tx *sql.Tx, chainID uint64, addr string, fromBlock, toBlock uint64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT rowid, from_block, to_block FROM log_ranges
		WHERE chain_id = ? AND address = ? AND to_block >= ? AND from_block <= ?`,
		chainID, addr, fromBlock-boundedSub(fromBlock), toBlock+1)
	if err != nil {
		return fmt.Errorf("cache: merge range lookup: %w", err)
	}

	type stored struct {
		rowid            int64
		fromBlock, toBlock uint64
	}
	var touching []stored
	for rows.Next() {
		var s stored
		if err := rows.Scan(&s.rowid, &s.fromBlock, &s.toBlock); err != nil {
			rows.Close()
			return err
		}
		// Apply the exact adjacency test from spec §3 (the query above is a
		// cheap overfetch; this refines it precisely).
		if s.toBlock+1 >= fromBlock && toBlock+1 >= s.fromBlock {
			touching = append(touching, s)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	mergedFrom, mergedTo := fromBlock, toBlock
	ids := make([]int64, 0, len(touching))
	for _, s := range touching {
		if s.fromBlock < mergedFrom {
			mergedFrom = s.fromBlock
		}
		if s.toBlock > mergedTo {
			mergedTo = s.toBlock
		}
		ids = append(ids, s.rowid)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM log_ranges WHERE rowid = ?`, id); err != nil {
			return fmt.Errorf("cache: merge delete stale range: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_ranges (chain_id, address, from_block, to_block) VALUES (?, ?, ?, ?)`,
		chainID, addr, mergedFrom, mergedTo,
	); err != nil {
		return fmt.Errorf("cache: merge insert merged range: %w", err)
	}

	return nil
}

// boundedSub returns 1 if fromBlock >= 1, else 0, avoiding a uint64
// underflow in the `fromBlock-1` overfetch bound above when fromBlock is 0.
func boundedSub(fromBlock uint64) uint64 {
	if fromBlock == 0 {
		return 0
	}
	return 1
}

func (c *SQLiteCache) GetBlockByNumber(ctx context.Context, chainID, blockNumber uint64) (*BlockMeta, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT block_hash, timestamp FROM blocks WHERE chain_id = ? AND block_number = ?`,
		chainID, blockNumber)
	var hashHex string
	var ts uint64
	if err := row.Scan(&hashHex, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get_block_by_number: %w", err)
	}
	return &BlockMeta{BlockHash: common.HexToHash(hashHex), Timestamp: ts}, nil
}

func (c *SQLiteCache) InsertBlock(ctx context.Context, chainID, blockNumber uint64, hash common.Hash, timestamp uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO blocks (chain_id, block_number, block_hash, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, block_hash) DO UPDATE SET timestamp=excluded.timestamp`,
		chainID, blockNumber, hash.Hex(), timestamp)
	if err != nil {
		return fmt.Errorf("cache: insert_block: %w", err)
	}
	return nil
}

func (c *SQLiteCache) GetContractRead(ctx context.Context, chainID uint64, address common.Address, calldata []byte, functionName string, blockNumber uint64) ([]byte, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT result FROM contract_reads
		WHERE chain_id = ? AND address = ? AND calldata = ? AND function_name = ? AND block_number = ?`,
		chainID, normalizeAddr(address), common.Bytes2Hex(calldata), functionName, blockNumber)
	var resultHex string
	if err := row.Scan(&resultHex); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: get_contract_read: %w", err)
	}
	return common.FromHex(resultHex), true, nil
}

func (c *SQLiteCache) InsertContractRead(ctx context.Context, chainID uint64, address common.Address, calldata []byte, functionName string, blockNumber uint64, result []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO contract_reads (chain_id, address, calldata, function_name, block_number, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address, calldata, function_name, block_number) DO UPDATE SET result=excluded.result`,
		chainID, normalizeAddr(address), common.Bytes2Hex(calldata), functionName, blockNumber, common.Bytes2Hex(result))
	if err != nil {
		return fmt.Errorf("cache: insert_contract_read: %w", err)
	}
	return nil
}

func normalizeAddr(a common.Address) string {
	return a.Hex()
}
