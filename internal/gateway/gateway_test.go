package gateway_test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/raft/v3"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	sqlite3vfs "github.com/ncruces/go-sqlite3/vfs"

	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/gateway"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	sqlvfs "github.com/sqlraftdb/sqlraft/internal/vfs"
	"github.com/sqlraftdb/sqlraft/internal/walrepl"
	"github.com/sqlraftdb/sqlraft/internal/wire"
)

type noLeader struct{}

func (noLeader) Status() etcdraft.Status { return etcdraft.Status{} }

type noAddresses struct{}

func (noAddresses) Address(uint64) (string, bool) { return "", false }

func startGateway(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	gw := gateway.New(gateway.Config{
		OpenDB: func(ctx context.Context, name string) (*sql.DB, error) {
			return sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared")
		},
		Leader:           noLeader{},
		Addresses:        noAddresses{},
		HeartbeatTimeout: 5 * time.Second,
	})
	go gw.Serve(ln)
	return ln.Addr()
}

// loopbackProposer applies a Command immediately through Hook.Apply,
// simulating a single-node cluster where every proposal commits at
// once — the same shape as internal/walrepl's own test proposer, here
// reused to drive it from behind a real gateway/database.sql.
type loopbackProposer struct {
	appliedFrames int32
}

func (p *loopbackProposer) wire(v *sqlvfs.VFS) *walrepl.Hook {
	var hook *walrepl.Hook
	hook = walrepl.New(v, proposeFunc(func(_ context.Context, cmd raftpb.Command) error {
		atomic.AddInt32(&p.appliedFrames, int32(len(cmd.Frames)))
		return hook.Apply(cmd)
	}))
	return hook
}

type proposeFunc func(context.Context, raftpb.Command) error

func (f proposeFunc) Propose(ctx context.Context, cmd raftpb.Command) error { return f(ctx, cmd) }

// startGatewayWithReplication wires the gateway against the real
// in-memory VFS (C2) behind the WAL replication hook (C7), exactly as
// cmd/sqlraftd does, instead of ncruces' own built-in mode=memory VFS
// — so a write made through the gateway is only visible because it
// travelled through Hook.Apply, not because SQLite wrote it directly.
func startGatewayWithReplication(t *testing.T) (net.Addr, *loopbackProposer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	v := sqlvfs.New()
	proposer := &loopbackProposer{}
	hook := proposer.wire(v)
	vfsName := fmt.Sprintf("sqlraft-test-%s", t.Name())
	sqlite3vfs.Register(vfsName, hook)

	gw := gateway.New(gateway.Config{
		OpenDB: func(ctx context.Context, name string) (*sql.DB, error) {
			db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?vfs=%s", name, vfsName))
			if err != nil {
				return nil, err
			}
			db.SetMaxOpenConns(1)
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, err
			}
			return db, nil
		},
		Leader:           noLeader{},
		Addresses:        noAddresses{},
		HeartbeatTimeout: 5 * time.Second,
	})
	go gw.Serve(ln)
	return ln.Addr(), proposer
}

// wireClient is a minimal hand-rolled client speaking the same frame
// format internal/wire defines, used only to exercise the gateway
// end-to-end without a real client SDK.
type wireClient struct {
	conn net.Conn
}

func dial(t *testing.T, addr net.Addr) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	w := codec.NewWriter()
	w.PutUint64(wire.ClientMagic)
	_, err = conn.Write(w.Bytes())
	require.NoError(t, err)
	return &wireClient{conn: conn}
}

func (c *wireClient) send(t *testing.T, typ wire.RequestType, body []byte) {
	t.Helper()
	_, err := c.conn.Write(wire.EncodeFrame(uint8(typ), 0, body))
	require.NoError(t, err)
}

func (c *wireClient) recv(t *testing.T) (wire.ResponseType, []byte) {
	t.Helper()
	var hdr [8]byte
	_, err := readFull(c.conn, hdr[:])
	require.NoError(t, err)
	words, typ, _, err := codec.DecodeFrameHeader(hdr[:])
	require.NoError(t, err)
	body := make([]byte, int(words)*codec.WordSize)
	if len(body) > 0 {
		_, err = readFull(c.conn, body)
		require.NoError(t, err)
	}
	return wire.ResponseType(typ), body
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func stringBody(s string) []byte {
	w := codec.NewWriter()
	w.PutString(s)
	return w.Bytes()
}

func TestGatewayOpenPrepareExecQuery(t *testing.T) {
	addr := startGateway(t)
	c := dial(t, addr)

	c.send(t, wire.ReqOpen, stringBody("gateway-test.db"))
	typ, _ := c.recv(t)
	require.Equal(t, wire.RespDB, typ)

	c.send(t, wire.ReqPrepare, stringBody("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)"))
	typ, body := c.recv(t)
	require.Equal(t, wire.RespStmt, typ)
	createID := mustStmtID(t, body)

	w := codec.NewWriter()
	w.PutUint32(createID)
	w.Pad()
	require.NoError(t, wire.EncodeParams(w, nil))
	c.send(t, wire.ReqExec, w.Bytes())
	typ, _ = c.recv(t)
	require.Equal(t, wire.RespResult, typ)

	c.send(t, wire.ReqPrepare, stringBody("INSERT INTO t (name) VALUES (?)"))
	typ, body = c.recv(t)
	require.Equal(t, wire.RespStmt, typ)
	insertID := mustStmtID(t, body)

	w = codec.NewWriter()
	w.PutUint32(insertID)
	w.Pad()
	require.NoError(t, wire.EncodeParams(w, []wire.Value{{Type: wire.ValText, S: "alice"}}))
	c.send(t, wire.ReqExec, w.Bytes())
	typ, _ = c.recv(t)
	require.Equal(t, wire.RespResult, typ)

	c.send(t, wire.ReqQuerySQL, func() []byte {
		w := codec.NewWriter()
		w.PutString("SELECT id, name FROM t")
		require.NoError(t, wire.EncodeParams(w, nil))
		return w.Bytes()
	}())
	typ, body = c.recv(t)
	require.Equal(t, wire.RespRows, typ)
	r := codec.NewReader(body)
	columns, rows, done, err := wire.DecodeRowBatch(r)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []string{"id", "name"}, columns)
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0][1].S)

	c.send(t, wire.ReqFinalize, finalizeBody(insertID))
	typ, _ = c.recv(t)
	require.Equal(t, wire.RespEmpty, typ)
}

// TestGatewayReplicatesThroughWALHook runs the same OPEN/PREPARE/
// EXEC/QUERY scenario as TestGatewayOpenPrepareExecQuery, but against
// the real internal/vfs + internal/walrepl stack instead of ncruces'
// own mode=memory VFS — proving the gateway's SQL execution actually
// produces WAL frames that travel through Hook.Apply, not just that
// SQLite answers queries locally.
func TestGatewayReplicatesThroughWALHook(t *testing.T) {
	addr, proposer := startGatewayWithReplication(t)
	c := dial(t, addr)

	c.send(t, wire.ReqOpen, stringBody("replicated.db"))
	typ, _ := c.recv(t)
	require.Equal(t, wire.RespDB, typ)

	c.send(t, wire.ReqPrepare, stringBody("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)"))
	typ, body := c.recv(t)
	require.Equal(t, wire.RespStmt, typ)
	createID := mustStmtID(t, body)

	w := codec.NewWriter()
	w.PutUint32(createID)
	w.Pad()
	require.NoError(t, wire.EncodeParams(w, nil))
	c.send(t, wire.ReqExec, w.Bytes())
	typ, _ = c.recv(t)
	require.Equal(t, wire.RespResult, typ)

	require.Greater(t, atomic.LoadInt32(&proposer.appliedFrames), int32(0),
		"CREATE TABLE should have produced WAL frames replicated through Hook.Apply")

	c.send(t, wire.ReqPrepare, stringBody("INSERT INTO t (name) VALUES (?)"))
	typ, body = c.recv(t)
	require.Equal(t, wire.RespStmt, typ)
	insertID := mustStmtID(t, body)

	before := atomic.LoadInt32(&proposer.appliedFrames)

	w = codec.NewWriter()
	w.PutUint32(insertID)
	w.Pad()
	require.NoError(t, wire.EncodeParams(w, []wire.Value{{Type: wire.ValText, S: "alice"}}))
	c.send(t, wire.ReqExec, w.Bytes())
	typ, _ = c.recv(t)
	require.Equal(t, wire.RespResult, typ)

	require.Greater(t, atomic.LoadInt32(&proposer.appliedFrames), before,
		"INSERT should have proposed additional WAL frames")

	c.send(t, wire.ReqQuerySQL, func() []byte {
		w := codec.NewWriter()
		w.PutString("SELECT id, name FROM t")
		require.NoError(t, wire.EncodeParams(w, nil))
		return w.Bytes()
	}())
	typ, body = c.recv(t)
	require.Equal(t, wire.RespRows, typ)
	r := codec.NewReader(body)
	columns, rows, done, err := wire.DecodeRowBatch(r)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []string{"id", "name"}, columns)
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0][1].S)
}

func TestGatewayFinalizeUnknownStmt(t *testing.T) {
	addr := startGateway(t)
	c := dial(t, addr)

	c.send(t, wire.ReqFinalize, finalizeBody(99))
	typ, _ := c.recv(t)
	require.Equal(t, wire.RespFailure, typ)
}

func TestGatewayHeartbeat(t *testing.T) {
	addr := startGateway(t)
	c := dial(t, addr)

	c.send(t, wire.ReqHeartbeat, nil)
	typ, _ := c.recv(t)
	require.Equal(t, wire.RespServers, typ)
}

func TestGatewayClientHandshakeWelcome(t *testing.T) {
	addr := startGateway(t)
	c := dial(t, addr)

	c.send(t, wire.ReqClient, nil)
	typ, body := c.recv(t)
	require.Equal(t, wire.RespWelcome, typ)
	r := codec.NewReader(body)
	timeoutMs, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(5*time.Second/time.Millisecond), timeoutMs)
}

func TestGatewayLeaderUnknown(t *testing.T) {
	addr := startGateway(t)
	c := dial(t, addr)

	c.send(t, wire.ReqLeader, nil)
	typ, _ := c.recv(t)
	require.Equal(t, wire.RespFailure, typ)
}

func mustStmtID(t *testing.T, body []byte) uint32 {
	t.Helper()
	r := codec.NewReader(body)
	id, err := r.Uint32()
	require.NoError(t, err)
	return id
}

func finalizeBody(id uint32) []byte {
	w := codec.NewWriter()
	w.PutUint32(id)
	w.Pad()
	return w.Bytes()
}
