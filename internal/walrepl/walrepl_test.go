package walrepl_test

import (
	"context"
	"testing"

	"github.com/ncruces/go-sqlite3/vfs"
	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	sqlvfs "github.com/sqlraftdb/sqlraft/internal/vfs"
	"github.com/sqlraftdb/sqlraft/internal/walrepl"
)

// loopbackProposer applies a Command immediately through apply,
// simulating a single-node cluster where every proposal commits at
// once — exercising the same code path a real Raft commit would.
type loopbackProposer struct {
	apply func(raftpb.Command) error
}

func (p *loopbackProposer) Propose(_ context.Context, cmd raftpb.Command) error {
	return p.apply(cmd)
}

func openMainDB(t *testing.T, v *sqlvfs.VFS, name string) vfs.File {
	t.Helper()
	f, _, err := v.Open(name, vfs.OPEN_MAIN_DB|vfs.OPEN_CREATE|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	return f
}

func TestFramesReplicatesThroughApply(t *testing.T) {
	inner := sqlvfs.New()
	db := openMainDB(t, inner, "test.db")
	defer db.Close()

	header := make([]byte, 100)
	header[16], header[17] = 0x10, 0x00 // page size 4096, big-endian per SQLite's header layout
	_, err := db.WriteAt(header, 0)
	require.NoError(t, err)

	var hook *walrepl.Hook
	hook = walrepl.New(inner, &loopbackProposer{apply: func(cmd raftpb.Command) error {
		return hook.Apply(cmd)
	}})

	f, _, err := hook.Open("test.db-wal", vfs.OPEN_WAL|vfs.OPEN_CREATE|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer f.Close()

	walHeader := make([]byte, 32)
	_, err = f.WriteAt(walHeader, 0)
	require.NoError(t, err)

	page := make([]byte, 4096)
	page[0] = 0xAB
	frame := make([]byte, 24+4096)
	frame[3] = 1 // page number 1, big-endian
	frame[7] = 1 // dbSizeAfterCommit 1 -> this frame commits
	copy(frame[24:], page)

	_, err = f.WriteAt(frame, 32)
	require.NoError(t, err)

	raw, err := inner.ReadFile("test.db-wal")
	require.NoError(t, err)
	require.Equal(t, 32+24+4096, len(raw))
	require.Equal(t, page[0], raw[32+24])
}

func TestCheckpointThresholdFires(t *testing.T) {
	inner := sqlvfs.New()
	db := openMainDB(t, inner, "test.db")
	defer db.Close()
	header := make([]byte, 100)
	_, err := db.WriteAt(header, 0)
	require.NoError(t, err)

	var hook *walrepl.Hook
	fired := make(chan string, 1)
	hook = walrepl.New(inner, &loopbackProposer{apply: func(cmd raftpb.Command) error {
		return hook.Apply(cmd)
	}}, walrepl.WithCheckpointThreshold(1), walrepl.WithCheckpointNotify(func(dbName string) {
		fired <- dbName
	}))

	f, _, err := hook.Open("test.db-wal", vfs.OPEN_WAL|vfs.OPEN_CREATE|vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 32), 0)
	require.NoError(t, err)

	frame := make([]byte, 24+4096)
	frame[3] = 1
	frame[7] = 1
	_, err = f.WriteAt(frame, 32)
	require.NoError(t, err)

	select {
	case dbName := <-fired:
		require.Equal(t, "test.db", dbName)
	default:
		t.Fatal("checkpoint notify did not fire")
	}
}
