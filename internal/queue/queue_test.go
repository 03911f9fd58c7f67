package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"evmindexer/internal/chainevent"
)

func ev(block uint64, idx uint) chainevent.Event {
	return chainevent.Event{BlockNumber: block, LogIndex: idx}
}

func TestDrainOrdersByBlockThenLogIndex(t *testing.T) {
	q := New()
	q.Push(ev(5, 2))
	q.Push(ev(1, 0))
	q.Push(ev(5, 0))
	q.Push(ev(3, 9))
	q.Push(ev(1, 1))

	out := q.Drain()
	assert.Equal(t, []chainevent.Event{
		ev(1, 0), ev(1, 1), ev(3, 9), ev(5, 0), ev(5, 2),
	}, out)
}

func TestDrainEmptiesQueue(t *testing.T) {
	q := New()
	q.Push(ev(1, 0))
	assert.Equal(t, 1, q.Size())
	q.Drain()
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, q.Drain())
}

func TestSizeTracksPushes(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(ev(uint64(i), 0))
	}
	assert.Equal(t, 5, q.Size())
}
