package chainevent

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BigInt wraps *big.Int so it serialises using the cache's on-disk
// convention: {"type":"bigint","value":"<decimal-string>"}. This keeps the
// Go cache implementation byte-compatible with any existing cache produced
// by a non-Go build of this system.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v, treating a nil v as zero.
func NewBigInt(v *big.Int) BigInt {
	if v == nil {
		return BigInt{Int: new(big.Int)}
	}
	return BigInt{Int: v}
}

type bigIntWire struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (b BigInt) MarshalJSON() ([]byte, error) {
	v := b.Int
	if v == nil {
		v = new(big.Int)
	}
	return json.Marshal(bigIntWire{Type: "bigint", Value: v.String()})
}

// UnmarshalJSON implements json.Unmarshaler. It accepts both the tagged
// {"type":"bigint","value":"..."} shape and a bare JSON number/string for
// leniency with hand-written configs.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	var wire bigIntWire
	if err := json.Unmarshal(data, &wire); err == nil && wire.Type == "bigint" {
		v, ok := new(big.Int).SetString(wire.Value, 10)
		if !ok {
			return fmt.Errorf("chainevent: invalid bigint value %q", wire.Value)
		}
		b.Int = v
		return nil
	}

	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chainevent: cannot unmarshal bigint from %s: %w", data, err)
	}
	v, ok := new(big.Int).SetString(raw.String(), 10)
	if !ok {
		return fmt.Errorf("chainevent: invalid bigint literal %q", raw.String())
	}
	b.Int = v
	return nil
}
