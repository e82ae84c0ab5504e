package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/wire"
)

func TestParamsRoundTrip(t *testing.T) {
	params := []wire.Value{
		{Type: wire.ValInteger, I: 42},
		{Type: wire.ValFloat, F: 3.5},
		{Type: wire.ValText, S: "hello"},
		{Type: wire.ValNull},
		{Type: wire.ValBlob, B: []byte{1, 2, 3, 4, 5}},
	}
	w := codec.NewWriter()
	require.NoError(t, wire.EncodeParams(w, params))

	r := codec.NewReader(w.Bytes())
	got, err := wire.DecodeParams(r)
	require.NoError(t, err)
	require.Equal(t, params, got)
	require.Zero(t, r.Remaining())
}

func TestParamsTooMany(t *testing.T) {
	params := make([]wire.Value, 256)
	w := codec.NewWriter()
	require.Error(t, wire.EncodeParams(w, params))
}

func TestRowBatchRoundTrip(t *testing.T) {
	columns := []string{"id", "name"}
	rows := []wire.Row{
		{{Type: wire.ValInteger, I: 1}, {Type: wire.ValText, S: "alice"}},
		{{Type: wire.ValInteger, I: 2}, {Type: wire.ValNull}},
	}
	w := codec.NewWriter()
	require.NoError(t, wire.EncodeRowBatch(w, columns, rows, true))

	r := codec.NewReader(w.Bytes())
	gotCols, gotRows, done, err := wire.DecodeRowBatch(r)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, columns, gotCols)
	require.Equal(t, rows, gotRows)
}

func TestRowBatchPartial(t *testing.T) {
	w := codec.NewWriter()
	require.NoError(t, wire.EncodeRowBatch(w, []string{"x"}, []wire.Row{
		{{Type: wire.ValInteger, I: 7}},
	}, false))

	r := codec.NewReader(w.Bytes())
	_, rows, done, err := wire.DecodeRowBatch(r)
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, rows, 1)
}

func TestRowBatchOddColumnCount(t *testing.T) {
	columns := []string{"a", "b", "c"}
	rows := []wire.Row{
		{
			{Type: wire.ValInteger, I: 1},
			{Type: wire.ValInteger, I: 2},
			{Type: wire.ValInteger, I: 3},
		},
	}
	w := codec.NewWriter()
	require.NoError(t, wire.EncodeRowBatch(w, columns, rows, true))

	r := codec.NewReader(w.Bytes())
	_, gotRows, done, err := wire.DecodeRowBatch(r)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, rows, gotRows)
}

func TestEncodeFrame(t *testing.T) {
	body := codec.NewWriter()
	body.PutUint64(1)
	buf := wire.EncodeFrame(wire.RespEmpty, 0, body.Bytes())
	_, typ, flags, err := codec.DecodeFrameHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.RespEmpty), typ)
	require.Equal(t, uint8(0), flags)
}
