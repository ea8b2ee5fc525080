package eftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFieldRoundTrip(t *testing.T) {
	m := NewMessage()
	m.SetString("text", "hello")
	m.SetLong("count", 42)
	m.SetDouble("ratio", 3.5)
	m.SetBool("flag", true)
	m.SetOpaque("blob", []byte{0x01, 0x02, 0x03})

	body, err := marshalBody(m)
	require.NoError(t, err)

	decoded, err := unmarshalBody(body)
	require.NoError(t, err)

	text, ok := decoded.GetString("text")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	count, ok := decoded.GetLong("count")
	assert.True(t, ok)
	assert.Equal(t, int64(42), count)

	ratio, ok := decoded.GetDouble("ratio")
	assert.True(t, ok)
	assert.InDelta(t, 3.5, ratio, 0.0001)

	flag, ok := decoded.GetBool("flag")
	assert.True(t, ok)
	assert.True(t, flag)
}

func TestMessageOpaqueFieldCodec(t *testing.T) {
	m := NewMessage()
	raw := []byte("binary payload")
	m.SetOpaque("blob", raw)

	got, ok := m.GetOpaque("blob")
	require.True(t, ok)
	assert.Equal(t, raw, got)
}

func TestMessageNestedSubmessage(t *testing.T) {
	inner := NewMessage()
	inner.SetString("city", "SF")

	outer := NewMessage()
	outer.SetMessage("address", inner)

	body, err := marshalBody(outer)
	require.NoError(t, err)

	decoded, err := unmarshalBody(body)
	require.NoError(t, err)

	sub, ok := decoded.GetMessage("address")
	require.True(t, ok)
	city, ok := sub.GetString("city")
	assert.True(t, ok)
	assert.Equal(t, "SF", city)
}

func TestMessageGetMissingFieldReturnsFalse(t *testing.T) {
	m := NewMessage()
	_, ok := m.GetString("missing")
	assert.False(t, ok)
}

func TestMessageIsRequestReflectsReplyTo(t *testing.T) {
	m := NewMessage()
	assert.False(t, m.IsRequest())
	m.replyTo = "_inbox.abc"
	assert.True(t, m.IsRequest())
}
