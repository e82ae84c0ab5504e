package snapshot_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	"github.com/sqlraftdb/sqlraft/internal/snapshot"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	var clock int64
	s := snapshot.Open(dir, false, func() int64 { clock++; return clock })

	conf := []raftpb.Member{{ID: 1, Address: "a:1", Role: raftpb.RoleVoter}}
	require.NoError(t, s.Put(1, 10, conf, []byte("payload-one"), nil))

	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Term)
	require.Equal(t, uint64(10), got.Index)
	require.Equal(t, []byte("payload-one"), got.Payload)
	require.Equal(t, conf, got.Configuration)
}

func TestPutRetainsOnlyTwoNewest(t *testing.T) {
	dir := t.TempDir()
	var clock int64
	s := snapshot.Open(dir, true, func() int64 { clock++; return clock })

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.Put(1, i, nil, []byte("p"), nil))
	}
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.Index)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 4) // two data+meta pairs
}
