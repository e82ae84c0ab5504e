// Package wire implements the client wire protocol (spec.md §4.5.1,
// §6.1, component C9): request/response type enums, the opening
// handshake magics, parameter tuple encoding, and row batch encoding
// with its ROWS_PART/ROWS_DONE sentinels, all built on internal/codec
// (C1) for the underlying byte primitives.
//
// Grounded on spec.md §4.5.1/§6.1 directly: the teacher talks to
// go.etcd.io/raft/v3's own protobuf messages and has no client wire
// protocol of its own to generalize from.
package wire

import (
	"fmt"

	"github.com/sqlraftdb/sqlraft/internal/codec"
)

// Handshake magics, spec.md §6.1.
const (
	ClientMagic      uint64 = 0x86104dd760433fe5
	RaftUpgradeMagic uint64 = 0x60c1f653be904bd1
)

// RequestType is the u8 request type tag, spec.md §4.5.1.
type RequestType uint8

const (
	ReqLeader RequestType = iota
	ReqClient
	ReqHeartbeat
	ReqOpen
	ReqPrepare
	ReqExec
	ReqQuery
	ReqFinalize
	ReqExecSQL
	ReqQuerySQL
	ReqInterrupt
)

func (t RequestType) String() string {
	switch t {
	case ReqLeader:
		return "LEADER"
	case ReqClient:
		return "CLIENT"
	case ReqHeartbeat:
		return "HEARTBEAT"
	case ReqOpen:
		return "OPEN"
	case ReqPrepare:
		return "PREPARE"
	case ReqExec:
		return "EXEC"
	case ReqQuery:
		return "QUERY"
	case ReqFinalize:
		return "FINALIZE"
	case ReqExecSQL:
		return "EXEC_SQL"
	case ReqQuerySQL:
		return "QUERY_SQL"
	case ReqInterrupt:
		return "INTERRUPT"
	default:
		return "UNKNOWN"
	}
}

// ResponseType is the u8 response type tag, spec.md §4.5.1.
type ResponseType uint8

const (
	RespFailure ResponseType = iota
	RespServer
	RespWelcome
	RespServers
	RespDB
	RespStmt
	RespResult
	RespRows
	RespEmpty
)

// ValueType is a parameter/column type code, spec.md §4.5.1.
type ValueType uint8

const (
	ValInteger  ValueType = 1
	ValFloat    ValueType = 2
	ValText     ValueType = 3
	ValBlob     ValueType = 4
	ValNull     ValueType = 5
	ValUnixtime ValueType = 9
	ValISO8601  ValueType = 10
	ValBoolean  ValueType = 11
)

// Value is one parameter or column value, tagged with its wire type.
type Value struct {
	Type ValueType
	I    int64
	F    float64
	S    string
	B    []byte
}

// Rows batch sentinels, spec.md §4.5.1: emitted as the final u64 in a
// query response body in place of another row.
const (
	RowsPart uint64 = 0xEEEEEEEEEEEEEEEE
	RowsDone uint64 = 0xFFFFFFFFFFFFFFFF
)

// EncodeFrame wraps body (already 8-byte aligned) in the full wire
// frame header, spec.md §4.5.1.
func EncodeFrame(typ ResponseType, flags uint8, body []byte) []byte {
	return codec.EncodeFrame(uint8(typ), flags, body)
}

// EncodeParams writes a parameter tuple: `u8 n`, n type bytes padded
// to 8, then n values in order.
func EncodeParams(w *codec.Writer, params []Value) error {
	if len(params) > 255 {
		return fmt.Errorf("wire: too many parameters (%d)", len(params))
	}
	w.PutUint8(uint8(len(params)))
	for _, p := range params {
		w.PutUint8(uint8(p.Type))
	}
	w.Pad()
	for _, p := range params {
		if err := encodeValue(w, p); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(w *codec.Writer, v Value) error {
	switch v.Type {
	case ValInteger, ValUnixtime, ValBoolean:
		w.PutUint64(uint64(v.I))
	case ValFloat:
		w.PutFloat64(v.F)
	case ValText, ValISO8601:
		w.PutString(v.S)
	case ValBlob:
		w.PutUint64(uint64(len(v.B)))
		w.PutRaw(v.B)
		w.Pad()
	case ValNull:
		// no payload
	default:
		return fmt.Errorf("wire: unknown value type %d", v.Type)
	}
	return nil
}

// DecodeParams reads back a parameter tuple written by EncodeParams.
func DecodeParams(r *codec.Reader) ([]Value, error) {
	n, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	types := make([]ValueType, n)
	for i := range types {
		t, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		types[i] = ValueType(t)
	}
	r.SkipPad()
	out := make([]Value, n)
	for i, t := range types {
		v, err := decodeValue(r, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeValue(r *codec.Reader, t ValueType) (Value, error) {
	switch t {
	case ValInteger, ValUnixtime, ValBoolean:
		n, err := r.Uint64()
		return Value{Type: t, I: int64(n)}, err
	case ValFloat:
		f, err := r.Float64()
		return Value{Type: t, F: f}, err
	case ValText, ValISO8601:
		s, err := r.String()
		return Value{Type: t, S: s}, err
	case ValBlob:
		n, err := r.Uint64()
		if err != nil {
			return Value{}, err
		}
		b, err := r.Raw(int(n))
		if err != nil {
			return Value{}, err
		}
		r.SkipPad()
		return Value{Type: t, B: append([]byte(nil), b...)}, nil
	case ValNull:
		return Value{Type: t}, nil
	default:
		return Value{}, fmt.Errorf("wire: unknown value type %d", t)
	}
}

// Row is one decoded result row: one Value per column, in column order.
type Row []Value

// EncodeRowBatch writes a row batch: `u64 column_count`, column-name
// strings, then each row as a packed 4-bit type-tag header (two tags
// per byte, low nibble first) padded to 8, followed by the values,
// followed by the RowsPart/RowsDone sentinel.
func EncodeRowBatch(w *codec.Writer, columns []string, rows []Row, done bool) error {
	w.PutUint64(uint64(len(columns)))
	for _, c := range columns {
		w.PutString(c)
	}
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("wire: row has %d values, want %d columns", len(row), len(columns))
		}
		writeNibbleHeader(w, row)
		for _, v := range row {
			if err := encodeValue(w, v); err != nil {
				return err
			}
		}
	}
	if done {
		w.PutUint64(RowsDone)
	} else {
		w.PutUint64(RowsPart)
	}
	return nil
}

func writeNibbleHeader(w *codec.Writer, row Row) {
	packed := make([]byte, (len(row)+1)/2)
	for i, v := range row {
		nib := byte(v.Type) & 0x0F
		if i%2 == 0 {
			packed[i/2] |= nib
		} else {
			packed[i/2] |= nib << 4
		}
	}
	w.PutRaw(packed)
	w.Pad()
}

// DecodeRowBatch reads back columns and rows until a RowsPart/RowsDone
// sentinel, returning whether the batch (and therefore the query) is
// fully done.
func DecodeRowBatch(r *codec.Reader) (columns []string, rows []Row, done bool, err error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, nil, false, err
	}
	columns = make([]string, n)
	for i := range columns {
		columns[i], err = r.String()
		if err != nil {
			return nil, nil, false, err
		}
	}
	for r.Remaining() > 0 {
		// Peek: a bare u64 sentinel has no columns of its own, so
		// distinguishing it from a nibble header requires knowing
		// we're at a row boundary, which we always are here.
		if r.Remaining() == 8 {
			v, err := r.Uint64()
			if err != nil {
				return nil, nil, false, err
			}
			switch v {
			case RowsDone:
				return columns, rows, true, nil
			case RowsPart:
				return columns, rows, false, nil
			default:
				return nil, nil, false, fmt.Errorf("wire: expected sentinel, got %#x", v)
			}
		}
		row, err := decodeRow(r, columns)
		if err != nil {
			return nil, nil, false, err
		}
		rows = append(rows, row)
	}
	return nil, nil, false, fmt.Errorf("wire: row batch missing terminating sentinel")
}

func decodeRow(r *codec.Reader, columns []string) (Row, error) {
	n := len(columns)
	packed, err := r.Raw((n + 1) / 2)
	if err != nil {
		return nil, err
	}
	r.SkipPad()
	types := make([]ValueType, n)
	for i := 0; i < n; i++ {
		var nib byte
		if i%2 == 0 {
			nib = packed[i/2] & 0x0F
		} else {
			nib = packed[i/2] >> 4
		}
		types[i] = ValueType(nib)
	}
	row := make(Row, n)
	for i, t := range types {
		v, err := decodeValue(r, t)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}
