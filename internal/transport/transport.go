// Package transport implements the TCP Raft transport (spec.md
// §4.3.4, component C5): a length-free handshake exchanging
// {protocol, server_id, address}, one outbound connection per peer
// with a bounded pending-send queue and fixed-interval reconnect.
//
// Grounded on mocks_teacher/transport (the Config/Dial surface shape).
// Each message goes out on the peer's TCP connection as a {u64 len,
// payload} frame; nothing is written to or synced on disk here.
package transport

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftlog"
)

// maxConcurrentHandshakes bounds how many accepted connections may be
// mid-handshake at once, so a burst of connects can't spin up
// unbounded goroutines each blocked on a slow/malicious peer's
// handshake read.
const maxConcurrentHandshakes = 64

const (
	protocolVersion   = 1
	maxPendingPerPeer = 3
	reconnectDelay    = time.Second
)

// Dial opens an outbound stream to addr.
type Dial func(ctx context.Context, addr string) (net.Conn, error)

// Accept is invoked once per accepted connection, after its handshake
// has been read, with the sender's id, address, and stream.
type Accept func(id uint64, address string, conn net.Conn)

// Handshake is {u64 protocol, u64 server_id, u64 address_len,
// address_bytes (8-byte padded)}, spec.md §4.3.4.
type Handshake struct {
	ServerID uint64
	Address  string
}

func WriteHandshake(conn net.Conn, h Handshake) error {
	addrPadded := padTo8([]byte(h.Address))
	buf := make([]byte, 24+len(addrPadded))
	binary.LittleEndian.PutUint64(buf[0:8], protocolVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.ServerID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(h.Address)))
	copy(buf[24:], addrPadded)
	_, err := conn.Write(buf)
	return err
}

func ReadHandshake(conn net.Conn) (Handshake, error) {
	var hdr [24]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		return Handshake{}, err
	}
	proto := binary.LittleEndian.Uint64(hdr[0:8])
	if proto != protocolVersion {
		return Handshake{}, errs.New(errs.KindProto, "transport: unsupported protocol %d", proto)
	}
	id := binary.LittleEndian.Uint64(hdr[8:16])
	alen := binary.LittleEndian.Uint64(hdr[16:24])
	padded := make([]byte, padLen(int(alen)))
	if _, err := readFull(conn, padded); err != nil {
		return Handshake{}, err
	}
	return Handshake{ServerID: id, Address: string(padded[:alen])}, nil
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

func padLen(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

func padTo8(b []byte) []byte {
	out := make([]byte, padLen(len(b)))
	copy(out, b)
	return out
}

// pendingSend is one queued outbound message.
type pendingSend struct {
	payload []byte
	done    func(error)
}

// peer manages the single outbound connection to one remote server.
type peer struct {
	mu      sync.Mutex
	id      uint64
	addr    string
	conn    net.Conn
	pending []pendingSend
	closed  bool
}

// Transport is the per-node TCP transport.
type Transport struct {
	selfID  uint64
	dial    Dial
	accept  Accept
	log     raftlog.Logger
	ln      net.Listener

	mu    sync.Mutex
	peers map[uint64]*peer
	done  chan struct{}

	handshakeSem *semaphore.Weighted
}

func New(selfID uint64, dial Dial, accept Accept, log raftlog.Logger) *Transport {
	return &Transport{
		selfID:       selfID,
		dial:         dial,
		accept:       accept,
		log:          log,
		peers:        make(map[uint64]*peer),
		done:         make(chan struct{}),
		handshakeSem: semaphore.NewWeighted(maxConcurrentHandshakes),
	}
}

// Listen serves incoming connections on addr until the Transport is
// closed.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "transport: listen %q", addr)
	}
	t.ln = ln
	go t.acceptLoop(ln)
	return nil
}

// ListenAddr returns the address the transport is actually listening
// on, useful after Listen was given a ":0" port.
func (t *Transport) ListenAddr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Errorf("transport: accept: %v", err)
			return
		}
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	if err := t.handshakeSem.Acquire(context.Background(), 1); err != nil {
		conn.Close()
		return
	}
	defer t.handshakeSem.Release(1)

	hs, err := ReadHandshake(conn)
	if err != nil {
		t.log.Errorf("transport: handshake: %v", err)
		conn.Close()
		return
	}
	t.accept(hs.ServerID, hs.Address, conn)
}

// Send enqueues payload for delivery to peer id at addr. If the
// per-peer queue is already at its cap of 3, the oldest pending send
// is evicted and failed with NOCONNECTION, per spec.md §4.3.4.
func (t *Transport) Send(id uint64, addr string, payload []byte, done func(error)) {
	t.mu.Lock()
	p, ok := t.peers[id]
	if !ok {
		p = &peer{id: id, addr: addr}
		t.peers[id] = p
		go t.runPeer(p)
	}
	t.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		done(errs.New(errs.KindCanceled, "transport: closed"))
		return
	}
	if len(p.pending) >= maxPendingPerPeer {
		evicted := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()
		evicted.done(errs.New(errs.KindNoConnection, "transport: pending queue full for peer %d", id))
		p.mu.Lock()
	}
	p.pending = append(p.pending, pendingSend{payload: payload, done: done})
	p.mu.Unlock()
}

// runPeer owns the outbound connection lifecycle for one peer: dial,
// drain the pending queue, reconnect with a fixed delay on failure,
// per spec.md §4.3.4 ("at most one connection per peer ... currently
// a fixed 1s retry").
func (t *Transport) runPeer(p *peer) {
	for {
		select {
		case <-t.done:
			t.failAllPending(p, errs.New(errs.KindCanceled, "transport: shutting down"))
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := t.dial(ctx, p.addr)
		cancel()
		if err != nil {
			t.log.Warningf("transport: dial %s: %v", p.addr, err)
			if !t.sleepOrDone(reconnectDelay) {
				t.failAllPending(p, errs.New(errs.KindCanceled, "transport: shutting down"))
				return
			}
			continue
		}
		if err := WriteHandshake(conn, Handshake{ServerID: t.selfID}); err != nil {
			conn.Close()
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		if !t.drain(p, conn) {
			return
		}
	}
}

func (t *Transport) sleepOrDone(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.done:
		return false
	}
}

// drain writes every queued message until the connection fails or the
// transport is closed; returns false if the transport is shutting
// down.
func (t *Transport) drain(p *peer, conn net.Conn) bool {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			select {
			case <-t.done:
				conn.Close()
				return false
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		msg := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		err := writeFrame(conn, msg.payload)
		msg.done(err)
		if err != nil {
			conn.Close()
			return true
		}
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "transport: write length")
	}
	if _, err := conn.Write(payload); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "transport: write payload")
	}
	return nil
}

func (t *Transport) failAllPending(p *peer, err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.closed = true
	p.mu.Unlock()
	for _, msg := range pending {
		msg.done(err)
	}
}

// Close shuts down the transport: the listener, every peer connection,
// and fails any concurrently-reconnecting peer with CANCELED per
// spec.md §4.3.4.
func (t *Transport) Close() error {
	close(t.done)
	if t.ln != nil {
		t.ln.Close()
	}
	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
		}
		p.mu.Unlock()
	}
	return nil
}
