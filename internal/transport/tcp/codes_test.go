package tcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlCode_WireForm(t *testing.T) {
	assert.Equal(t, []byte{
		'r', 0, 'e', 0, 'c', 0, 'e', 0, 'i', 0, 'v', 0, 'e', 0, 'd', 0,
	}, Received.Bytes())

	for _, code := range knownCodes {
		assert.Len(t, code.Bytes(), 16, string(code))
	}
	assert.Nil(t, ControlCode("whatever").Bytes())
}

func TestControlCode_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, code := range knownCodes {
		require.NoError(t, WriteCode(&buf, code))
	}
	for _, want := range knownCodes {
		got, err := ReadCode(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestControlCode_Unknown(t *testing.T) {
	assert.ErrorIs(t, WriteCode(&bytes.Buffer{}, "bogus"), ErrUnknownControlCode)

	raw := []byte{'g', 0, 'a', 0, 'r', 0, 'b', 0, 'a', 0, 'g', 0, 'e', 0, '!', 0}
	_, err := ReadCode(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnknownControlCode)
}

func TestControlCode_ShortRead(t *testing.T) {
	_, err := ReadCode(bytes.NewReader(Received.Bytes()[:10]))
	assert.Error(t, err)
}
