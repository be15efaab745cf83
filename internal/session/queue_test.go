package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeepsOrderAndWakes(t *testing.T) {
	q := newQueue()
	var got []int
	for i := range 100 {
		require.True(t, q.push(func() { got = append(got, i) }))
	}

	select {
	case <-q.wake:
	default:
		t.Fatal("push did not wake the loop")
	}

	for _, fn := range q.drain() {
		fn()
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Nil(t, q.drain())
}

func TestClosedQueueRefusesWork(t *testing.T) {
	q := newQueue()
	q.push(func() {})
	q.close()

	assert.False(t, q.push(func() {}))
	assert.Nil(t, q.drain())
}
