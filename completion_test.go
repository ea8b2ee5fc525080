package eftl

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionSignalOnce(t *testing.T) {
	c := newCompletion()
	c.signal(ErrCodeOK, "", nil)
	c.signal(ErrCodeTimeout, "late", nil) // must be a no-op

	code, reason, _, err := c.wait(time.Second)
	assert.Equal(t, ErrCodeOK, code)
	assert.Empty(t, reason)
	assert.NoError(t, err)
}

func TestCompletionConcurrentSignallersExactlyOneWins(t *testing.T) {
	c := newCompletion()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.signal(ErrCodeOK, "", NewMessage())
		}(i)
	}
	wg.Wait()

	_, _, msg, err := c.wait(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestCompletionWaitTimeout(t *testing.T) {
	c := newCompletion()
	_, _, _, err := c.wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCompletionWaitReturnsServerError(t *testing.T) {
	c := newCompletion()
	c.signal(ErrCodeMaxPendingAcks, "too many", nil)

	code, reason, _, err := c.wait(time.Second)
	assert.Equal(t, ErrCodeMaxPendingAcks, code)
	assert.Equal(t, "too many", reason)
	require.Error(t, err)
}
