package cache

import (
	"encoding/json"
	"fmt"
	"math/big"

	"evmindexer/internal/chainevent"
)

// encodeParams serialises decoded ABI params to JSON, tagging each *big.Int
// that is a top-level param or an element of a []interface{} with the
// {"type":"bigint","value":"..."} convention from spec §6 so the blob stays
// compatible with a non-Go build of this cache. Big integers inside typed
// slices (such as []*big.Int), arrays or structs are not tagged and keep
// encoding/json's default number form.
func encodeParams(params map[string]interface{}) (string, error) {
	wire := make(map[string]interface{}, len(params))
	for k, v := range params {
		wire[k] = wrapBigInts(v)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("cache: encode params: %w", err)
	}
	return string(b), nil
}

func wrapBigInts(v interface{}) interface{} {
	switch t := v.(type) {
	case *big.Int:
		return chainevent.NewBigInt(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = wrapBigInts(e)
		}
		return out
	default:
		return v
	}
}

// decodeParams reverses encodeParams, recognising the bigint tag and
// producing *big.Int values in its place.
func decodeParams(raw string) (map[string]interface{}, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("cache: decode params: %w", err)
	}
	out := make(map[string]interface{}, len(generic))
	for k, v := range generic {
		out[k] = unwrapBigInts(v)
	}
	return out, nil
}

func unwrapBigInts(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if typ, ok := t["type"].(string); ok && typ == "bigint" {
			if s, ok := t["value"].(string); ok {
				if n, ok := new(big.Int).SetString(s, 10); ok {
					return n
				}
			}
		}
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = unwrapBigInts(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = unwrapBigInts(e)
		}
		return out
	default:
		return v
	}
}
