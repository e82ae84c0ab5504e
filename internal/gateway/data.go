package gateway

import (
	"context"
	"database/sql"

	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/wire"
)

// rowBatchBudget caps how many rows accumulate before a partial batch
// is flushed, keeping each wire message roughly bounded regardless of
// row width (spec.md §4.5.2's "response buffer up to the static
// size").
const rowBatchBudget = 256

func (c *clientConn) handleOpen(ctx context.Context, body []byte) {
	name, err := readString(body)
	if err != nil {
		c.writeFailure(err)
		return
	}
	db, err := c.gw.cfg.OpenDB(ctx, name)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "open %q", name))
		return
	}
	c.mu.Lock()
	c.db = db
	c.dbName = name
	c.mu.Unlock()

	w := codec.NewWriter()
	w.PutUint64(1)
	c.write(wire.EncodeFrame(wire.RespDB, 0, w.Bytes()))
}

func (c *clientConn) currentDB() (*sql.DB, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return nil, errs.New(errs.KindProto, "no database open on this connection")
	}
	return db, nil
}

func (c *clientConn) handlePrepare(ctx context.Context, body []byte) {
	db, err := c.currentDB()
	if err != nil {
		c.writeFailure(err)
		return
	}
	sqlText, err := readString(body)
	if err != nil {
		c.writeFailure(err)
		return
	}
	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindParse, "prepare"))
		return
	}
	id := c.stmts.add(stmt)
	w := codec.NewWriter()
	w.PutUint32(id)
	w.Pad()
	c.write(wire.EncodeFrame(wire.RespStmt, 0, w.Bytes()))
}

func (c *clientConn) handleFinalize(body []byte) {
	r := codec.NewReader(body)
	id, err := r.Uint32()
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed FINALIZE"))
		return
	}
	if !c.stmts.finalize(id) {
		c.writeFailure(errs.New(errs.KindNotFound, "no stmt with id %d", id))
		return
	}
	c.write(encodeEmpty())
}

func (c *clientConn) handleExec(ctx context.Context, body []byte) {
	r := codec.NewReader(body)
	id, err := r.Uint32()
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed EXEC"))
		return
	}
	r.SkipPad()
	stmt, ok := c.stmts.get(id)
	if !ok {
		c.writeFailure(errs.New(errs.KindNotFound, "no stmt with id %d", id))
		return
	}
	params, err := wire.DecodeParams(r)
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed EXEC parameters"))
		return
	}
	res, err := stmt.ExecContext(ctx, toArgs(params)...)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "exec"))
		return
	}
	c.write(encodeResult(res))
}

func (c *clientConn) handleExecSQL(ctx context.Context, body []byte) {
	db, err := c.currentDB()
	if err != nil {
		c.writeFailure(err)
		return
	}
	r := codec.NewReader(body)
	sqlText, err := r.String()
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed EXEC_SQL"))
		return
	}
	params, err := wire.DecodeParams(r)
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed EXEC_SQL parameters"))
		return
	}
	res, err := db.ExecContext(ctx, sqlText, toArgs(params)...)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "exec"))
		return
	}
	c.write(encodeResult(res))
}

func encodeResult(res sql.Result) []byte {
	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	w := codec.NewWriter()
	w.PutUint64(uint64(lastID))
	w.PutUint64(uint64(affected))
	return wire.EncodeFrame(wire.RespResult, 0, w.Bytes())
}

func (c *clientConn) handleQuery(ctx context.Context, body []byte) {
	r := codec.NewReader(body)
	id, err := r.Uint32()
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed QUERY"))
		return
	}
	r.SkipPad()
	stmt, ok := c.stmts.get(id)
	if !ok {
		c.writeFailure(errs.New(errs.KindNotFound, "no stmt with id %d", id))
		return
	}
	params, err := wire.DecodeParams(r)
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed QUERY parameters"))
		return
	}
	rows, err := stmt.QueryContext(ctx, toArgs(params)...)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "query"))
		return
	}
	c.streamRows(rows)
}

func (c *clientConn) handleQuerySQL(ctx context.Context, body []byte) {
	db, err := c.currentDB()
	if err != nil {
		c.writeFailure(err)
		return
	}
	r := codec.NewReader(body)
	sqlText, err := r.String()
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed QUERY_SQL"))
		return
	}
	params, err := wire.DecodeParams(r)
	if err != nil {
		c.writeFailure(errs.New(errs.KindProto, "malformed QUERY_SQL parameters"))
		return
	}
	rows, err := db.QueryContext(ctx, sqlText, toArgs(params)...)
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "query"))
		return
	}
	c.streamRows(rows)
}

// streamRows drains rows into one or more RespRows frames, each a
// self-contained row batch (columns repeated per spec.md §4.5.2 —
// see DESIGN.md's Open Question decision on this), ending with the
// RowsDone sentinel. A mid-stream scan or driver error aborts the
// cursor and is reported as FAILURE instead of a further ROWS frame,
// since spec.md doesn't otherwise provide a way to signal an error
// once rows have started streaming.
func (c *clientConn) streamRows(rows *sql.Rows) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "columns"))
		return
	}
	n := len(columns)
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var batch []wire.Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			c.writeFailure(errs.Wrapf(err, errs.KindEngine, "scan"))
			return
		}
		batch = append(batch, toRow(vals))
		if len(batch) >= rowBatchBudget {
			c.flushRows(columns, batch, false)
			batch = nil
		}
	}
	if err := rows.Err(); err != nil {
		c.writeFailure(errs.Wrapf(err, errs.KindEngine, "rows"))
		return
	}
	c.flushRows(columns, batch, true)
}

func (c *clientConn) flushRows(columns []string, batch []wire.Row, done bool) {
	w := codec.NewWriter()
	if err := wire.EncodeRowBatch(w, columns, batch, done); err != nil {
		c.writeFailure(err)
		return
	}
	c.write(wire.EncodeFrame(wire.RespRows, 0, w.Bytes()))
}

func readString(body []byte) (string, error) {
	r := codec.NewReader(body)
	return r.String()
}

func toArgs(params []wire.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		switch p.Type {
		case wire.ValInteger, wire.ValUnixtime:
			args[i] = p.I
		case wire.ValBoolean:
			args[i] = p.I != 0
		case wire.ValFloat:
			args[i] = p.F
		case wire.ValText, wire.ValISO8601:
			args[i] = p.S
		case wire.ValBlob:
			args[i] = p.B
		case wire.ValNull:
			args[i] = nil
		}
	}
	return args
}

func toRow(vals []any) wire.Row {
	row := make(wire.Row, len(vals))
	for i, v := range vals {
		row[i] = toValue(v)
	}
	return row
}

func toValue(v any) wire.Value {
	switch t := v.(type) {
	case nil:
		return wire.Value{Type: wire.ValNull}
	case int64:
		return wire.Value{Type: wire.ValInteger, I: t}
	case float64:
		return wire.Value{Type: wire.ValFloat, F: t}
	case bool:
		i := int64(0)
		if t {
			i = 1
		}
		return wire.Value{Type: wire.ValBoolean, I: i}
	case []byte:
		return wire.Value{Type: wire.ValBlob, B: t}
	case string:
		return wire.Value{Type: wire.ValText, S: t}
	default:
		return wire.Value{Type: wire.ValNull}
	}
}
