package chainevent

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBigIntRoundTrip(t *testing.T) {
	in := NewBigInt(big.NewInt(123456789))

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"bigint","value":"123456789"}`, string(data))

	var out BigInt
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.String(), out.String())
}

func TestBigIntUnmarshalLeniency(t *testing.T) {
	var out BigInt
	require.NoError(t, json.Unmarshal([]byte(`42`), &out))
	assert.Equal(t, "42", out.String())
}

func TestBigIntNilWrap(t *testing.T) {
	b := NewBigInt(nil)
	assert.Equal(t, "0", b.String())
}
