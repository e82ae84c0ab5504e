package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	sqlite3vfs "github.com/ncruces/go-sqlite3/vfs"

	sqlvfs "github.com/sqlraftdb/sqlraft/internal/vfs"
)

func openMain(t *testing.T, v *sqlvfs.VFS, name string) sqlite3vfs.File {
	t.Helper()
	f, _, err := v.Open(name, sqlite3vfs.OPEN_MAIN_DB|sqlite3vfs.OPEN_CREATE|sqlite3vfs.OPEN_READWRITE)
	require.NoError(t, err)
	return f
}

func TestOpenCreateAndWriteRead(t *testing.T) {
	v := sqlvfs.New()
	f := openMain(t, v, "test.db")
	defer f.Close()

	page := make([]byte, 4096)
	copy(page, "hello world")
	// SQLite's header carries the page size at offset 16 (big-endian
	// u16); the VFS latches its page size from the first write to a
	// MAIN_DB file the same way real SQLite pages are framed.
	page[16] = 0x10
	page[17] = 0x00

	n, err := f.WriteAt(page, 0)
	require.NoError(t, err)
	require.Equal(t, len(page), n)

	out := make([]byte, len(page))
	n, err = f.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, len(page), n)
	require.Equal(t, page, out)
}

func TestOpenWALWithoutDBFails(t *testing.T) {
	v := sqlvfs.New()
	_, _, err := v.Open("missing.db-wal", sqlite3vfs.OPEN_WAL|sqlite3vfs.OPEN_CREATE|sqlite3vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestOpenWALAfterDBSucceeds(t *testing.T) {
	v := sqlvfs.New()
	dbFile := openMain(t, v, "test.db")
	defer dbFile.Close()

	walFile, _, err := v.Open("test.db-wal", sqlite3vfs.OPEN_WAL|sqlite3vfs.OPEN_CREATE|sqlite3vfs.OPEN_READWRITE)
	require.NoError(t, err)
	defer walFile.Close()
}

func TestOpenExclusiveExistingFails(t *testing.T) {
	v := sqlvfs.New()
	f := openMain(t, v, "test.db")
	defer f.Close()

	_, _, err := v.Open("test.db", sqlite3vfs.OPEN_MAIN_DB|sqlite3vfs.OPEN_CREATE|sqlite3vfs.OPEN_EXCLUSIVE)
	require.Error(t, err)
}

func TestOpenWithoutCreateMissingFails(t *testing.T) {
	v := sqlvfs.New()
	_, _, err := v.Open("nope.db", sqlite3vfs.OPEN_MAIN_DB|sqlite3vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestMaxOpenNames(t *testing.T) {
	v := sqlvfs.New()
	for i := 0; i < sqlvfs.MaxOpenNames; i++ {
		f := openMain(t, v, string(rune('a'+i%26))+string(rune(i)))
		defer f.Close()
	}
	_, _, err := v.Open("one-too-many.db", sqlite3vfs.OPEN_MAIN_DB|sqlite3vfs.OPEN_CREATE|sqlite3vfs.OPEN_READWRITE)
	require.Error(t, err)
}

func TestDeleteRefusesWhileOpen(t *testing.T) {
	v := sqlvfs.New()
	f := openMain(t, v, "held.db")
	defer f.Close()

	err := v.Delete("held.db", false)
	require.Error(t, err)
}

func TestDeleteMissingFails(t *testing.T) {
	v := sqlvfs.New()
	err := v.Delete("nope.db", false)
	require.Error(t, err)
}

func TestAccess(t *testing.T) {
	v := sqlvfs.New()
	ok, err := v.Access("nope.db", 0)
	require.NoError(t, err)
	require.False(t, ok)

	f := openMain(t, v, "here.db")
	defer f.Close()
	ok, err = v.Access("here.db", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFullPathnameIsIdentity(t *testing.T) {
	v := sqlvfs.New()
	got, err := v.FullPathname("anything.db")
	require.NoError(t, err)
	require.Equal(t, "anything.db", got)
}

func TestWriteFileReadFileRoundTrip(t *testing.T) {
	v := sqlvfs.New()
	data := make([]byte, 4096*3)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, v.WriteFile("restored.db", data, 4096))

	got, err := v.ReadFile("restored.db")
	require.NoError(t, err)
	require.Equal(t, data, got)
}
