// Package fetcher executes a FetchPlanner plan with adaptive range
// splitting on range-too-wide errors, per spec §4.5.
package fetcher

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"evmindexer/internal/cache"
	"evmindexer/internal/chainevent"
	"evmindexer/internal/planner"
	"evmindexer/internal/queue"
	"evmindexer/internal/rpcclient"
	"evmindexer/internal/rpcerr"
)

// Lookup resolves the subscription interested in logs from address at the
// given topic0, mirroring the (chainId, address, topic0) key of spec §3.
type Lookup func(address common.Address, topic0 common.Hash) (*chainevent.Subscription, bool)

// LogFetcher drives getLogs calls for a plan, decoding and queueing events
// and populating the Cache.
type LogFetcher struct {
	rpc   *rpcclient.Client
	cache cache.Cache
	queue *queue.EventQueue
	log   *logrus.Entry
}

// New builds a LogFetcher. cache may be nil, disabling both the read
// short-circuit (handled upstream by the planner) and the write-back below.
func New(rpc *rpcclient.Client, c cache.Cache, q *queue.EventQueue) *LogFetcher {
	return &LogFetcher{rpc: rpc, cache: c, queue: q, log: logrus.WithField("component", "fetcher")}
}

// Run executes every group in plan, pushing decoded events onto the queue
// and writing fetched ranges back to the cache.
func (f *LogFetcher) Run(ctx context.Context, plan []planner.Group, lookup Lookup) error {
	for _, group := range plan {
		if err := f.runGroup(ctx, group, lookup); err != nil {
			return err
		}
	}
	return nil
}

func (f *LogFetcher) runGroup(ctx context.Context, group planner.Group, lookup Lookup) error {
	cursor := group.FromBlock
	window := group.ToBlock - group.FromBlock + 1

	for cursor <= group.ToBlock {
		windowEnd := cursor + window - 1
		if windowEnd > group.ToBlock {
			windowEnd = group.ToBlock
		}

		logs, err := f.rpc.GetLogs(ctx, rpcclient.GetLogsQuery{
			Addresses: group.Addresses,
			FromBlock: cursor,
			ToBlock:   windowEnd,
		})
		if err != nil {
			if rpcerr.IsRangeTooWide(err) {
				if window == 1 {
					return fmt.Errorf("fetcher: range too wide at single-block granularity [%d,%d]: %w", cursor, windowEnd, err)
				}
				window = (window + 1) / 2
				if window < 1 {
					window = 1
				}
				f.log.WithFields(logrus.Fields{"from": cursor, "window": window}).Debug("splitting range after range-too-wide error")
				continue
			}
			return fmt.Errorf("fetcher: getLogs [%d,%d]: %w", cursor, windowEnd, err)
		}

		perAddress, err := f.decodeAndQueue(group.ChainID, logs, lookup)
		if err != nil {
			return err
		}

		if f.cache != nil {
			for _, addr := range group.Addresses {
				if err := f.cache.InsertEvents(ctx, cache.InsertEventsInput{
					ChainID:   group.ChainID,
					Address:   addr,
					FromBlock: cursor,
					ToBlock:   windowEnd,
					Events:    perAddress[addr],
				}); err != nil {
					return fmt.Errorf("fetcher: cache insert_events [%d,%d] %s: %w", cursor, windowEnd, addr.Hex(), err)
				}
			}
		}

		cursor = windowEnd + 1
		if cursor <= group.ToBlock {
			window *= 2
			if remaining := group.ToBlock - cursor + 1; window > remaining {
				window = remaining
			}
			if window < 1 {
				window = 1
			}
		}
	}

	return nil
}

// decodeAndQueue canonicalises, looks up and ABI-decodes every log, pushing
// successfully decoded events to the queue and bucketing them per address
// for the cache write-back.
func (f *LogFetcher) decodeAndQueue(chainID uint64, logs []types.Log, lookup Lookup) (map[common.Address][]chainevent.Event, error) {
	perAddress := make(map[common.Address][]chainevent.Event)

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if lg.TxHash == (common.Hash{}) {
			return nil, &rpcerr.PendingBlockError{Op: "decode"}
		}
		if len(lg.Topics) == 0 {
			continue
		}

		addr := common.HexToAddress(lg.Address.Hex())
		topic0 := lg.Topics[0]

		sub, ok := lookup(addr, topic0)
		if !ok {
			continue
		}

		event, err := decodeEvent(chainID, sub, lg)
		if err != nil {
			f.log.WithFields(logrus.Fields{
				"block":       lg.BlockNumber,
				"tx":          lg.TxHash.Hex(),
				"contract":    sub.ContractName,
				"event":       sub.EventName,
			}).Debugf("decode failed, skipping log: %v", err)
			continue
		}

		f.queue.Push(event)
		perAddress[addr] = append(perAddress[addr], event)
	}

	return perAddress, nil
}

func decodeEvent(chainID uint64, sub *chainevent.Subscription, lg types.Log) (chainevent.Event, error) {
	params := make(map[string]interface{})

	var indexedArgs abi.Arguments
	for _, input := range sub.ABI.Inputs {
		if input.Indexed {
			indexedArgs = append(indexedArgs, input)
		}
	}

	nonIndexed := make(abi.Arguments, 0, len(sub.ABI.Inputs))
	for _, input := range sub.ABI.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(params, lg.Data); err != nil {
			return chainevent.Event{}, fmt.Errorf("unpack data: %w", err)
		}
	}

	for i, arg := range indexedArgs {
		if len(lg.Topics) <= i+1 {
			break
		}
		topicVals := make(map[string]interface{})
		if err := abi.ParseTopicsIntoMap(topicVals, abi.Arguments{arg}, []common.Hash{lg.Topics[i+1]}); err != nil {
			return chainevent.Event{}, fmt.Errorf("parse indexed topic %s: %w", arg.Name, err)
		}
		for k, v := range topicVals {
			params[k] = v
		}
	}

	return chainevent.Event{
		ChainID:         chainID,
		Name:            sub.EventName,
		Params:          params,
		Address:         common.HexToAddress(lg.Address.Hex()),
		Topic0:          lg.Topics[0],
		TransactionHash: lg.TxHash,
		BlockNumber:     lg.BlockNumber,
		LogIndex:        uint(lg.Index),
	}, nil
}
