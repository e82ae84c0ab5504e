// Package gateway implements the client-facing server (spec.md §4.5,
// §3.5, component C8): one dispatcher per accepted connection,
// two-context concurrency cap, a dense prepared-statement table, row
// streaming, and heartbeat-driven eviction, speaking the wire format
// of internal/wire (C9).
//
// Grounded on internal/membership_teacher/types.go's Config
// interface-composition idiom (small capability interfaces —
// Logger()/Dial()/Reporter() — composed into one Config) for this
// package's own Config, and on dqlite's gateway_.h/test_gateway.c (see
// SPEC_FULL.md §3) for the request-handler shape: one opened database
// handle plus a dense statement table per connection, synchronous
// replies for control requests, asynchronous replies for data
// requests.
package gateway

import (
	"context"
	"database/sql"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	etcdraft "go.etcd.io/raft/v3"

	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	"github.com/sqlraftdb/sqlraft/internal/wire"
)

// DefaultHeartbeatTimeout matches spec.md §5/§6.3's default of 15s.
const DefaultHeartbeatTimeout = 15 * time.Second

// Leader is the subset of *engine.Engine the LEADER request needs.
type Leader interface {
	Status() etcdraft.Status
}

// Addresses resolves a member id to its dial address, satisfied by
// *membership.Pool (and by engine.AddressBook).
type Addresses interface {
	Address(id uint64) (string, bool)
}

// Roster is the subset of *membership.Pool the HEARTBEAT request's
// server-list response needs.
type Roster interface {
	Members() []raftpb.Member
}

// OpenFunc opens (or returns a cached) *sql.DB for the named database,
// backed by the "github.com/ncruces/go-sqlite3/driver" database/sql
// driver pointed at our in-memory VFS — see cmd/sqlraftd for the
// concrete wiring.
type OpenFunc func(ctx context.Context, name string) (*sql.DB, error)

// Config configures a Gateway.
type Config struct {
	OpenDB           OpenFunc
	Leader           Leader
	Addresses        Addresses
	Roster           Roster
	SelfID           uint64
	HeartbeatTimeout time.Duration
	Logger           *logrus.Logger
	Metrics          *Metrics

	// OnRaftUpgrade is invoked, instead of the client dispatch path,
	// when a connection's opening magic is the Raft-transport upgrade
	// magic (spec.md §6.1): id and address are read off the wire
	// exactly as that section specifies.
	OnRaftUpgrade func(id uint64, address string, conn net.Conn)
}

// Gateway accepts client connections and dispatches wire requests.
type Gateway struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	nextConn uint64
}

func New(cfg Config) *Gateway {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Gateway{cfg: cfg, log: log}
}

// Serve accepts connections from ln until it returns an error (e.g.
// because ln was closed).
func (g *Gateway) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go g.handleConn(conn)
	}
}

func (g *Gateway) handleConn(conn net.Conn) {
	magic, err := readMagic(conn)
	if err != nil {
		conn.Close()
		return
	}
	switch magic {
	case wire.ClientMagic:
		g.serveClient(conn)
	case wire.RaftUpgradeMagic:
		g.serveRaftUpgrade(conn)
	default:
		conn.Close()
	}
}

func readMagic(conn net.Conn) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		return 0, err
	}
	r := codec.NewReader(buf[:])
	return r.Uint64()
}

func readFull(conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		k, err := conn.Read(buf[n:])
		n += k
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) serveRaftUpgrade(conn net.Conn) {
	var hdr [16]byte
	if err := readFull(conn, hdr[:]); err != nil {
		conn.Close()
		return
	}
	r := codec.NewReader(hdr[:])
	id, _ := r.Uint64()
	alen, _ := r.Uint64()
	padded := make([]byte, codec.PadLen(int(alen)))
	if err := readFull(conn, padded); err != nil {
		conn.Close()
		return
	}
	address := string(padded[:alen])
	if g.cfg.OnRaftUpgrade == nil {
		conn.Close()
		return
	}
	g.cfg.OnRaftUpgrade(id, address, conn)
}

// nextConnID returns a dense, process-local client id (spec.md §3.5).
func (g *Gateway) nextConnID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextConn++
	return g.nextConn
}

// serveClient runs one client connection's frame loop until it closes
// or its heartbeat expires. The data requests (OPEN, PREPARE, EXEC,
// QUERY, FINALIZE, EXEC_SQL, QUERY_SQL) are dispatched asynchronously
// so a concurrent HEARTBEAT/INTERRUPT is never starved (spec.md
// §4.5.2); LEADER, CLIENT, HEARTBEAT and INTERRUPT run inline before
// the next frame is read.
func (g *Gateway) serveClient(conn net.Conn) {
	c := newClientConn(g, conn)
	defer c.close()

	go c.watchHeartbeat()

	for {
		req, body, err := readRequest(conn)
		if err != nil {
			return
		}
		if !c.dispatch(req, body) {
			return
		}
	}
}

func readRequest(conn net.Conn) (wire.RequestType, []byte, error) {
	var hdr [8]byte
	if err := readFull(conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	words, typ, _, err := codec.DecodeFrameHeader(hdr[:])
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, int(words)*codec.WordSize)
	if len(body) > 0 {
		if err := readFull(conn, body); err != nil {
			return 0, nil, err
		}
	}
	return wire.RequestType(typ), body, nil
}

// encodeFailure builds the FAILURE response frame for err; used by
// clientConn.writeFailure.
func encodeFailure(err error) []byte {
	kind := errs.KindError
	msg := err.Error()
	code := 0
	if e, ok := errs.As(err); ok {
		kind = e.Kind
		msg = e.Error()
		if e.Kind == errs.KindEngine {
			code = e.Code
		}
	}
	w := codec.NewWriter()
	w.PutUint32(uint32(code)<<8 | uint32(kind))
	w.Pad()
	w.PutString(msg)
	return wire.EncodeFrame(wire.RespFailure, 0, w.Bytes())
}

func encodeEmpty() []byte {
	return wire.EncodeFrame(wire.RespEmpty, 0, nil)
}
