package segment_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/raftlog"
	"github.com/sqlraftdb/sqlraft/internal/segment"
)

func appendSync(t *testing.T, s *segment.Store, entries []segment.Entry) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	var appendErr error
	s.Append(segment.AppendRequest{Entries: entries, Done: func(err error) {
		appendErr = err
		wg.Done()
	}})
	wg.Wait()
	require.NoError(t, appendErr)
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := segment.Open(dir, 1<<20, raftlog.Discard, true)
	require.NoError(t, err)

	appendSync(t, s, []segment.Entry{{Term: 1, Data: []byte("hello")}})
	appendSync(t, s, []segment.Entry{{Term: 1, Data: []byte("world")}})

	release, err := s.Barrier(3, false)
	require.NoError(t, err)
	release()

	s2, err := segment.Open(dir, 1<<20, raftlog.Discard, true)
	require.NoError(t, err)
	require.NotNil(t, s2)
}

func TestBlockingBarrierSuspendsAppends(t *testing.T) {
	dir := t.TempDir()
	s, err := segment.Open(dir, 1<<20, raftlog.Discard, true)
	require.NoError(t, err)

	appendSync(t, s, []segment.Entry{{Term: 1, Data: []byte("a")}})

	release, err := s.Barrier(5, true)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		appendSync(t, s, []segment.Entry{{Term: 1, Data: []byte("b")}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("append completed before barrier release")
	default:
	}
	release()
	<-done
}
