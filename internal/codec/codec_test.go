package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/codec"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := codec.NewWriter()
	w.PutUint32(42)
	w.PutString("hello")
	w.PutFloat64(3.25)
	w.Pad()

	require.Equal(t, 0, w.Len()%codec.WordSize)

	r := codec.NewReader(w.Bytes())
	n, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), n)

	s, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	f, err := r.Float64()
	require.NoError(t, err)
	require.Equal(t, 3.25, f)
}

func TestReaderOverflow(t *testing.T) {
	r := codec.NewReader([]byte{1, 2})
	_, err := r.Uint32()
	require.ErrorIs(t, err, codec.ErrOverflow)
}

func TestStringUnterminated(t *testing.T) {
	r := codec.NewReader([]byte("no-terminator"))
	_, err := r.String()
	require.Error(t, err)
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	body := make([]byte, 16)
	frame := codec.EncodeFrame(5, 0, body)
	words, typ, flags, err := codec.DecodeFrameHeader(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(2), words)
	require.Equal(t, uint8(5), typ)
	require.Equal(t, uint8(0), flags)
}
