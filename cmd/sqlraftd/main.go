// Command sqlraftd is the process entrypoint wiring every component
// of spec.md together: the in-memory VFS (C2) behind the WAL
// replication hook (C7), the segment/snapshot/metadata stores (C3/C4,
// term-vote persistence), the Raft core (C6) over the TCP transport
// (C5), the membership pool, and the client gateway (C8) speaking the
// wire protocol (C9).
package main

import (
	"context"
	"database/sql"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	etcdraft "go.etcd.io/raft/v3"
	etcdraftpb "go.etcd.io/raft/v3/raftpb"

	"github.com/sqlraftdb/sqlraft/internal/config"
	"github.com/sqlraftdb/sqlraft/internal/engine"
	"github.com/sqlraftdb/sqlraft/internal/gateway"
	"github.com/sqlraftdb/sqlraft/internal/membership"
	"github.com/sqlraftdb/sqlraft/internal/metadata"
	"github.com/sqlraftdb/sqlraft/internal/raftlog"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	"github.com/sqlraftdb/sqlraft/internal/segment"
	"github.com/sqlraftdb/sqlraft/internal/snapshot"
	"github.com/sqlraftdb/sqlraft/internal/transport"
	sqlvfs "github.com/sqlraftdb/sqlraft/internal/vfs"
	"github.com/sqlraftdb/sqlraft/internal/walrepl"
)

// addressBookFunc adapts a plain function to engine.AddressBook,
// mirroring the net/http.HandlerFunc idiom.
type addressBookFunc func(id uint64) (string, bool)

func (f addressBookFunc) Address(id uint64) (string, bool) { return f(id) }

func main() {
	var (
		id         = flag.Uint64("id", 1, "this node's Raft member id")
		dataDir    = flag.String("data-dir", "data", "directory for segments, snapshots, and term/vote state")
		raftAddr   = flag.String("raft-addr", "127.0.0.1:9090", "address the Raft transport listens on")
		clientAddr = flag.String("client-addr", "127.0.0.1:9091", "address the client gateway listens on")
		metricAddr = flag.String("metric-addr", "127.0.0.1:9092", "address /metrics is served on, empty to disable")
		peersFlag  = flag.String("peers", "", "comma-separated id=addr list of the initial cluster, including this node")
		vfsName    = flag.String("vfs-name", "sqlraft", "name this node's VFS registers under")
	)
	flag.Parse()

	log := raftlog.NewZap(nil)

	if err := run(*id, *dataDir, *raftAddr, *clientAddr, *metricAddr, *peersFlag, *vfsName, log); err != nil {
		log.Fatal(err)
	}
}

func run(id uint64, dataDir, raftAddr, clientAddr, metricAddr, peersFlag, vfsName string, log raftlog.Logger) error {
	cfg := config.New(
		config.WithLogger(log),
		config.WithVFS(vfsName),
	)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("sqlraftd: create data dir: %w", err)
	}

	segment.SetNanosSource(func() int64 { return time.Now().UnixNano() })
	segs, err := segment.Open(dataDir, cfg.SegmentSize, log, true)
	if err != nil {
		return fmt.Errorf("sqlraftd: open segment store: %w", err)
	}
	snaps := snapshot.Open(dataDir, true, func() int64 { return time.Now().UnixNano() })
	meta, err := metadata.Open(dataDir)
	if err != nil {
		return fmt.Errorf("sqlraftd: open metadata store: %w", err)
	}

	peers, initial, err := parsePeers(peersFlag)
	if err != nil {
		return err
	}

	var pool *membership.Pool
	addresses := addressBookFunc(func(mid uint64) (string, bool) {
		if pool == nil {
			return "", false
		}
		return pool.Address(mid)
	})

	var eng *engine.Engine

	xport := transport.New(id, dialFunc(id, raftAddr), acceptFunc(func() *engine.Engine { return eng }, log), log)

	var hook *walrepl.Hook

	eng = engine.New(engine.Config{
		ID:            id,
		Peers:         peers,
		ElectionTick:  10,
		HeartbeatTick: 1,
		Segments:      segs,
		Snapshots:     snaps,
		Metadata:      meta,
		Transport:     xport,
		Addresses:     addresses,
		Logger:        log,
		OnCommand: func(cmd raftpb.Command) error {
			return hook.Apply(cmd)
		},
		OnChange: func(change raftpb.Change) {
			if pool != nil {
				pool.Restore(change.Members)
			}
		},
		OnRestoreConfiguration: func(members []raftpb.Member) {
			if pool != nil {
				pool.Restore(members)
			}
		},
	})

	pool = membership.New(eng)
	pool.Restore(initial)

	v := sqlvfs.New()
	hook = walrepl.New(v, eng, walrepl.WithCheckpointThreshold(cfg.CheckpointThreshold))
	vfs.Register(vfsName, hook)

	// The gateway's OnRaftUpgrade hook exists for a single-port
	// deployment (spec.md §6.1: a client connection can upgrade to a
	// Raft peer stream). This entrypoint instead runs the Raft
	// transport on its own dedicated listener, so OnRaftUpgrade is
	// left unset and any such connection is simply closed.
	if err := xport.Listen(raftAddr); err != nil {
		return fmt.Errorf("sqlraftd: listen raft %q: %w", raftAddr, err)
	}

	gwMetrics := gateway.NewMetrics()
	gw := gateway.New(gateway.Config{
		OpenDB:           openDBFunc(vfsName),
		Leader:           eng,
		Addresses:        addresses,
		Roster:           pool,
		SelfID:           id,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Logger:           logrus.New(),
		Metrics:          gwMetrics,
	})

	ln, err := net.Listen("tcp", clientAddr)
	if err != nil {
		return fmt.Errorf("sqlraftd: listen client %q: %w", clientAddr, err)
	}

	if metricAddr != "" {
		reg := prometheus.NewRegistry()
		if err := gwMetrics.Register(reg); err != nil {
			return fmt.Errorf("sqlraftd: register metrics: %w", err)
		}
		go serveMetrics(metricAddr, reg, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	go func() {
		if err := gw.Serve(ln); err != nil {
			log.Errorf("sqlraftd: gateway serve: %v", err)
		}
	}()

	log.Infof("sqlraftd: node %d serving clients on %s, raft on %s", id, clientAddr, raftAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("sqlraftd: shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return eng.Shutdown(shutdownCtx)
}

// dialFunc opens an outbound Raft transport connection and performs
// transport's own {protocol, server_id, address} handshake.
func dialFunc(selfID uint64, selfAddr string) transport.Dial {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if err := transport.WriteHandshake(conn, transport.Handshake{ServerID: selfID, Address: selfAddr}); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// acceptFunc is transport.Accept: once a peer's handshake is read, it
// owns reading {u64 len, payload} frames off the connection for the
// rest of its life and feeding each decoded etcdraftpb.Message to the
// engine (engine.send on the sending side is the mirror of this: it
// marshals a Message and calls Transport.Send). getEng is indirected
// through a closure since the transport is constructed before the
// engine that will consume its messages exists.
func acceptFunc(getEng func() *engine.Engine, log raftlog.Logger) transport.Accept {
	return func(id uint64, address string, conn net.Conn) {
		go func() {
			defer conn.Close()
			for {
				var lenBuf [8]byte
				if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
					return
				}
				n := binary.LittleEndian.Uint64(lenBuf[:])
				buf := make([]byte, n)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
				var msg etcdraftpb.Message
				if err := msg.Unmarshal(buf); err != nil {
					log.Errorf("sqlraftd: unmarshal raft message from %d: %v", id, err)
					continue
				}
				if eng := getEng(); eng != nil {
					if err := eng.Step(context.Background(), msg); err != nil {
						log.Errorf("sqlraftd: step raft message from %d: %v", id, err)
					}
				}
			}
		}()
	}
}

// openDBFunc returns an OpenFunc that opens name against the named
// VFS through database/sql, per the gateway's grounding on the
// database/sql + driver/embed pattern (see DESIGN.md C8). The WAL
// journal mode is forced immediately after opening, the same way the
// pack's own sqlite-backed stores do it
// (e.g. _examples/other_examples/07b50e5d_.../sqlite-store.go.go,
// .../e2f13e24_.../db.go.go): without it SQLite defaults to a
// rollback journal, and internal/walrepl only ever sees WAL frames.
func openDBFunc(vfsName string) gateway.OpenFunc {
	return func(ctx context.Context, name string) (*sql.DB, error) {
		dsn := fmt.Sprintf("file:%s?vfs=%s", name, vfsName)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlraftd: set journal_mode=wal: %w", err)
		}
		return db, nil
	}
}

func parsePeers(peersFlag string) ([]etcdraft.Peer, []raftpb.Member, error) {
	if peersFlag == "" {
		return nil, nil, nil
	}
	var peers []etcdraft.Peer
	var members []raftpb.Member
	for _, entry := range strings.Split(peersFlag, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("sqlraftd: malformed -peers entry %q, want id=addr", entry)
		}
		pid, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlraftd: malformed -peers id %q: %w", parts[0], err)
		}
		peers = append(peers, etcdraft.Peer{ID: pid})
		members = append(members, raftpb.Member{ID: pid, Address: parts[1], Role: raftpb.RoleVoter})
	}
	return peers, members, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log raftlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("sqlraftd: metrics server: %v", err)
	}
}
