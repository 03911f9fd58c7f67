package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"evmindexer/internal/chainevent"
)

// BuildSubscriptions turns every contract's configured subscriptions into
// chainevent.Subscription values (without a per-subscription Handler —
// callers attach one afterwards by contract/event name, or rely solely on
// the engine's global onEvent handler).
func BuildSubscriptions(cfg *Config) ([]*chainevent.Subscription, error) {
	var subs []*chainevent.Subscription

	for _, c := range cfg.Contracts {
		if c.ParsedABI == nil {
			return nil, fmt.Errorf("contract '%s' has no parsed ABI", c.Name)
		}
		address := common.HexToAddress(c.Address)

		for _, sc := range c.Subscriptions {
			evDef, ok := c.ParsedABI.Events[sc.Event]
			if !ok {
				return nil, fmt.Errorf("contract '%s': event '%s' not found in ABI", c.Name, sc.Event)
			}
			toBlock, err := sc.ResolveToBlock()
			if err != nil {
				return nil, fmt.Errorf("contract '%s': %w", c.Name, err)
			}

			ev := evDef
			sub := chainevent.NewSubscription(cfg.Chain.ID, c.Name, address, &ev, sc.FromBlock, toBlock, nil)
			subs = append(subs, sub)
		}
	}

	return subs, nil
}
