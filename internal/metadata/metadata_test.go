package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/metadata"
)

func TestStoreAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := metadata.Open(dir)
	require.NoError(t, err)
	require.Equal(t, metadata.Record{}, s.Current())

	require.NoError(t, s.Store(1, 1))
	require.NoError(t, s.Store(2, 1))
	require.NoError(t, s.Store(2, 3))

	s2, err := metadata.Open(dir)
	require.NoError(t, err)
	got := s2.Current()
	require.Equal(t, uint64(3), got.Version)
	require.Equal(t, uint64(2), got.Term)
	require.Equal(t, uint64(3), got.VotedFor)
}

func TestAlternatesFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := metadata.Open(dir)
	require.NoError(t, err)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.Store(i, 0))
	}
	// With 4 stores, version 4 (even) should be the survivor in
	// metadata2, and version 3's metadata1 should still be on disk as
	// the other half of the alternation -- both files must exist.
	require.FileExists(t, dir+"/metadata1")
	require.FileExists(t, dir+"/metadata2")
}
