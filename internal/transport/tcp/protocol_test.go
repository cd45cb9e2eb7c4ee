package tcp

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte{}))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4])

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	empty, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, empty)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))

	_, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("truncated")))
	buf.Truncate(buf.Len() - 3)

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrame_TruncatedPrefix(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 0}))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrame_RejectsOversizedPrefix(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
