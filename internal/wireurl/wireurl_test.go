package wireurl

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSplitsAndTrims(t *testing.T) {
	l, err := Parse("ws://a:1| ws://b:2 |wss://c:3")
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, "ws://a:1", l.Current())
}

func TestParseRejectsBadScheme(t *testing.T) {
	_, err := Parse("http://a:1")
	assert.Error(t, err)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse("   ")
	assert.Error(t, err)
}

func TestAdvanceWrapsAround(t *testing.T) {
	l, err := Parse("ws://a:1|ws://b:2")
	require.NoError(t, err)

	assert.Equal(t, "ws://a:1", l.Current())
	l.Advance()
	assert.Equal(t, "ws://b:2", l.Current())
	l.Advance()
	assert.Equal(t, "ws://a:1", l.Current())
}

func TestShuffleIsDeterministicWithSeededRand(t *testing.T) {
	l, err := Parse("ws://a:1|ws://b:2|ws://c:3|ws://d:4")
	require.NoError(t, err)

	l.Shuffle(rand.New(rand.NewSource(1)))
	first := l.Current()

	l2, _ := Parse("ws://a:1|ws://b:2|ws://c:3|ws://d:4")
	l2.Shuffle(rand.New(rand.NewSource(1)))
	assert.Equal(t, first, l2.Current())
}
