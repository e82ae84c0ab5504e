package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	etcdraft "go.etcd.io/raft/v3"

	"github.com/sqlraftdb/sqlraft/internal/engine"
	"github.com/sqlraftdb/sqlraft/internal/metadata"
	"github.com/sqlraftdb/sqlraft/internal/raftlog"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	"github.com/sqlraftdb/sqlraft/internal/segment"
	"github.com/sqlraftdb/sqlraft/internal/snapshot"
)

type noopTransport struct{}

func (noopTransport) Send(to uint64, addr string, payload []byte, done func(error)) { done(nil) }

type noopAddresses struct{}

func (noopAddresses) Address(id uint64) (string, bool) { return "", false }

func TestSingleNodeCommitsCommand(t *testing.T) {
	dir := t.TempDir()
	segs, err := segment.Open(dir, 1<<20, raftlog.Discard, true)
	require.NoError(t, err)
	snaps := snapshot.Open(t.TempDir(), false, func() int64 { return 0 })
	meta, err := metadata.Open(t.TempDir())
	require.NoError(t, err)

	commands := make(chan raftpb.Command, 1)
	eng := engine.New(engine.Config{
		ID:            1,
		Peers:         []etcdraft.Peer{{ID: 1}},
		ElectionTick:  10,
		HeartbeatTick: 1,
		TickInterval:  10 * time.Millisecond,
		Segments:      segs,
		Snapshots:     snaps,
		Metadata:      meta,
		Transport:     noopTransport{},
		Addresses:     noopAddresses{},
		Logger:        raftlog.Discard,
		OnCommand: func(cmd raftpb.Command) error {
			commands <- cmd
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	require.NoError(t, eng.Campaign(context.Background()))

	require.Eventually(t, func() bool {
		return eng.Status().Lead == 1
	}, 2*time.Second, 10*time.Millisecond)

	proposeCtx, proposeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer proposeCancel()
	err = eng.Propose(proposeCtx, raftpb.Command{DBName: "test.db", PageSize: 4096})
	require.NoError(t, err)

	select {
	case cmd := <-commands:
		require.Equal(t, "test.db", cmd.DBName)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not applied")
	}

	require.NoError(t, eng.Shutdown(context.Background()))
}
