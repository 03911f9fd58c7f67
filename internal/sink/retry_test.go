package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	failUntil int
	calls     int
	last      Record
}

func (s *countingSink) Write(r Record) error {
	s.calls++
	s.last = r
	if s.calls < s.failUntil {
		return errors.New("transient failure")
	}
	return nil
}

func TestRetrySinkRetriesUntilSuccess(t *testing.T) {
	inner := &countingSink{failUntil: 3}
	rs := NewRetrySink(inner, 5, 1)

	err := rs.Write(sampleRecord())
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestRetrySinkPropagatesLastErrorAfterExhaustingAttempts(t *testing.T) {
	inner := &countingSink{failUntil: 100}
	rs := NewRetrySink(inner, 2, 1)

	err := rs.Write(sampleRecord())
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestNewRetrySinkNilInnerReturnsNil(t *testing.T) {
	assert.Nil(t, NewRetrySink(nil, 3, 1))
}
