package eftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundQueuePreservesFIFO(t *testing.T) {
	q := newInboundQueue(4)
	for i := int64(1); i <= 3; i++ {
		ok := q.push(inboundEnvelope{seq: i})
		require.True(t, ok)
	}

	for i := int64(1); i <= 3; i++ {
		env, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, i, env.seq)
	}
}

func TestInboundQueueCloseUnblocksPop(t *testing.T) {
	q := newInboundQueue(1)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	q.close()
	assert.False(t, <-done)
}

func TestInboundQueuePushAfterCloseFails(t *testing.T) {
	q := newInboundQueue(1)
	q.close()
	assert.False(t, q.push(inboundEnvelope{}))
}
