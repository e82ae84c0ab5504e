package gateway

import (
	"context"
	"database/sql"
	"net"
	"sync"
	"time"

	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/wire"
)

// clientConn is the per-connection state spec.md §3.5 describes: an
// id, a heartbeat clock, up to one open database handle, and a dense
// statement table, plus the two-context concurrency accounting of
// §4.5.2.
type clientConn struct {
	gw   *Gateway
	id   uint64
	conn net.Conn

	wmu sync.Mutex // serializes frame writes to conn

	mu            sync.Mutex
	lastHeartbeat time.Time
	db            *sql.DB
	dbName        string
	stmts         *stmtTable

	dataBusy   bool
	dataCancel context.CancelFunc

	closeOnce sync.Once
}

func newClientConn(gw *Gateway, conn net.Conn) *clientConn {
	gw.cfg.Metrics.OpenClients.Inc()
	return &clientConn{
		gw:            gw,
		id:            gw.nextConnID(),
		conn:          conn,
		lastHeartbeat: time.Now(),
		stmts:         newStmtTable(),
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.gw.cfg.Metrics.OpenClients.Dec()
		c.mu.Lock()
		if c.dataCancel != nil {
			c.dataCancel()
		}
		c.mu.Unlock()
		c.stmts.closeAll()
		c.conn.Close()
	})
}

func (c *clientConn) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// watchHeartbeat evicts the connection once its heartbeat has gone
// stale, spec.md §5's per-client timeout (default 15s).
func (c *clientConn) watchHeartbeat() {
	timeout := c.gw.cfg.HeartbeatTimeout
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		last := c.lastHeartbeat
		c.mu.Unlock()
		if time.Since(last) > timeout {
			c.gw.log.WithField("client", c.id).Warn("gateway: heartbeat timeout, evicting client")
			c.close()
			return
		}
	}
}

func (c *clientConn) write(frame []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.Write(frame)
}

// writeFailure encodes err as a FAILURE response, counting it against
// the gateway's per-kind failure metric first.
func (c *clientConn) writeFailure(err error) {
	kind := errs.KindError
	if e, ok := errs.As(err); ok {
		kind = e.Kind
	}
	c.gw.cfg.Metrics.Failures.WithLabelValues(kind.String()).Inc()
	c.write(encodeFailure(err))
}

// dispatch handles one request frame, returning false if the
// connection should be closed (protocol violation or write failure).
func (c *clientConn) dispatch(req wire.RequestType, body []byte) bool {
	c.gw.cfg.Metrics.Requests.WithLabelValues(req.String()).Inc()
	switch req {
	case wire.ReqLeader:
		c.handleLeader()
	case wire.ReqClient:
		c.handleClientHandshake()
	case wire.ReqHeartbeat:
		c.handleHeartbeat()
	case wire.ReqInterrupt:
		c.handleInterrupt()
	case wire.ReqOpen, wire.ReqPrepare, wire.ReqExec, wire.ReqQuery,
		wire.ReqFinalize, wire.ReqExecSQL, wire.ReqQuerySQL:
		c.dispatchData(req, body)
	default:
		return false
	}
	return true
}

// dispatchData enforces the single-in-flight-data-request slot of
// spec.md §4.5.2, running the handler on its own goroutine so the
// read loop immediately returns to servicing HEARTBEAT/INTERRUPT.
func (c *clientConn) dispatchData(req wire.RequestType, body []byte) {
	c.mu.Lock()
	if c.dataBusy {
		c.mu.Unlock()
		c.writeFailure(errs.New(errs.KindProto, "concurrent request limit exceeded"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.dataBusy = true
	c.dataCancel = cancel
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		c.dataBusy = false
		c.dataCancel = nil
		c.mu.Unlock()
		cancel()
	}

	go func() {
		defer done()
		c.runData(ctx, req, body)
	}()
}

func (c *clientConn) runData(ctx context.Context, req wire.RequestType, body []byte) {
	switch req {
	case wire.ReqOpen:
		c.handleOpen(ctx, body)
	case wire.ReqPrepare:
		c.handlePrepare(ctx, body)
	case wire.ReqExec:
		c.handleExec(ctx, body)
	case wire.ReqQuery:
		c.handleQuery(ctx, body)
	case wire.ReqFinalize:
		c.handleFinalize(body)
	case wire.ReqExecSQL:
		c.handleExecSQL(ctx, body)
	case wire.ReqQuerySQL:
		c.handleQuerySQL(ctx, body)
	}
}

// handleHeartbeat and handleInterrupt occupy the control slot; unlike
// the data slot they never reject a second concurrent caller on the
// same connection, since the client's own framing already serializes
// its own requests — the slot exists to let a control request
// interleave with an in-flight data request, not with another control
// request.
//
// A HEARTBEAT answers with the current roster (dqlite's
// DQLITE_RESPONSE_SERVERS), so a client's periodic heartbeat also
// doubles as its way of learning about membership changes.
func (c *clientConn) handleHeartbeat() {
	c.touchHeartbeat()
	if c.gw.cfg.Roster == nil {
		w := codec.NewWriter()
		w.PutUint64(0)
		c.write(wire.EncodeFrame(wire.RespServers, 0, w.Bytes()))
		return
	}
	members := c.gw.cfg.Roster.Members()
	w := codec.NewWriter()
	w.PutUint64(uint64(len(members)))
	for _, m := range members {
		w.PutUint64(m.ID)
		w.PutUint64(uint64(m.Role))
		w.PutString(m.Address)
	}
	c.write(wire.EncodeFrame(wire.RespServers, 0, w.Bytes()))
}

func (c *clientConn) handleInterrupt() {
	c.mu.Lock()
	cancel := c.dataCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.write(encodeEmpty())
}

func (c *clientConn) handleLeader() {
	status := c.gw.cfg.Leader.Status()
	if status.Lead == 0 {
		c.writeFailure(errs.New(errs.KindNotFound, "no known leader"))
		return
	}
	addr, ok := c.gw.cfg.Addresses.Address(status.Lead)
	if !ok {
		c.writeFailure(errs.New(errs.KindNotFound, "no known leader"))
		return
	}
	w := codec.NewWriter()
	w.PutUint64(status.Lead)
	w.PutString(addr)
	c.write(wire.EncodeFrame(wire.RespServer, 0, w.Bytes()))
}

// handleClientHandshake answers the opening CLIENT request with a
// WELCOME carrying the heartbeat timeout the client must honor
// (dqlite's DQLITE_RESPONSE_WELCOME), per spec.md §5's per-client
// heartbeat timeout.
func (c *clientConn) handleClientHandshake() {
	w := codec.NewWriter()
	w.PutUint64(uint64(c.gw.cfg.HeartbeatTimeout / time.Millisecond))
	c.write(wire.EncodeFrame(wire.RespWelcome, 0, w.Bytes()))
}
