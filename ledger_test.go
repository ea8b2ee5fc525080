package eftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerSnapshotIsFIFO(t *testing.T) {
	l := newLedger()
	l.append(&pending{seq: 1, compl: newCompletion()})
	l.append(&pending{seq: 2, compl: newCompletion()})
	l.append(&pending{seq: 3, compl: newCompletion()})

	snap := l.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{snap[0].seq, snap[1].seq, snap[2].seq})
}

func TestLedgerCompleteRemovesEntry(t *testing.T) {
	l := newLedger()
	l.append(&pending{seq: 1, compl: newCompletion()})

	p, ok := l.complete(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), p.seq)
	assert.Equal(t, 0, l.len())

	_, ok = l.complete(1)
	assert.False(t, ok, "completing an already-removed seq must report false")
}

func TestLedgerSnapshotPreservesSendOrderAfterPartialCompletion(t *testing.T) {
	l := newLedger()
	l.append(&pending{seq: 1})
	l.append(&pending{seq: 2})
	l.append(&pending{seq: 3})

	l.complete(2)

	snap := l.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].seq)
	assert.Equal(t, int64(3), snap[1].seq)
}

func TestLedgerDrainSignalsAllWaiters(t *testing.T) {
	l := newLedger()
	c1, c2 := newCompletion(), newCompletion()
	l.append(&pending{seq: 1, compl: c1})
	l.append(&pending{seq: 2, compl: c2})

	l.drain(ErrCodeConnectionLost, "closed")

	assert.Equal(t, 0, l.len())
	code, _, _, err := c1.wait(0)
	assert.Equal(t, ErrCodeConnectionLost, code)
	assert.Error(t, err)
	code, _, _, err = c2.wait(0)
	assert.Equal(t, ErrCodeConnectionLost, code)
	assert.Error(t, err)
}
