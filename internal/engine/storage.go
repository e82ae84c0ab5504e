package engine

import (
	"sync"

	etcdraft "go.etcd.io/raft/v3"
	etcdraftpb "go.etcd.io/raft/v3/raftpb"

	"github.com/sqlraftdb/sqlraft/internal/metadata"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	"github.com/sqlraftdb/sqlraft/internal/segment"
	"github.com/sqlraftdb/sqlraft/internal/snapshot"
)

// raftStorage backs etcd raft's Storage with the segment and snapshot
// stores. Which of COMMAND/BARRIER/CHANGE (raftpb.EntryKind) a log
// entry represents is carried in segment.Entry.Kind rather than in
// etcd raft's own EntryType, since membership changes here are applied
// by our own code path (spec.md §4.4.4) rather than through raft's
// joint-consensus ConfChange machinery.
type raftStorage struct {
	mu    sync.Mutex
	segs  segment.Appender
	snaps *snapshot.Store
	meta  *metadata.Store

	hardState etcdraftpb.HardState
	confState etcdraftpb.ConfState
}

// newRaftStorage wires C3 (segs), C4 (snaps) and the term/vote
// persistence of spec.md §4.3.1 (meta) behind raft's Storage
// interface. meta may be nil, e.g. in tests that don't care about
// surviving a restart — HardState is then kept in memory only. segs
// is narrowed to segment.Appender so tests can substitute a mock.
func newRaftStorage(segs segment.Appender, snaps *snapshot.Store, meta *metadata.Store) *raftStorage {
	s := &raftStorage{segs: segs, snaps: snaps, meta: meta}
	if meta != nil {
		rec := meta.Current()
		s.hardState = etcdraftpb.HardState{Term: rec.Term, Vote: rec.VotedFor}
	}
	return s
}

func (s *raftStorage) InitialState() (etcdraftpb.HardState, etcdraftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, s.confState, nil
}

// SetHardState persists Term/Vote via the metadata1/metadata2
// alternating-file scheme (spec.md §4.3.1) on every call; Commit is
// not part of that record, since it is recoverable from the log.
func (s *raftStorage) SetHardState(hs etcdraftpb.HardState) error {
	if s.meta != nil {
		if err := s.meta.Store(hs.Term, hs.Vote); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return nil
}

func (s *raftStorage) SetConfState(cs etcdraftpb.ConfState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confState = cs
}

func (s *raftStorage) Entries(lo, hi, maxSize uint64) ([]etcdraftpb.Entry, error) {
	entries, err := s.segs.Entries(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]etcdraftpb.Entry, 0, len(entries))
	var size uint64
	for _, e := range entries {
		out = append(out, toEtcdEntry(e))
		size += uint64(len(e.Data))
		if maxSize != 0 && size >= maxSize && len(out) > 1 {
			break
		}
	}
	return out, nil
}

func (s *raftStorage) Term(i uint64) (uint64, error) {
	term, ok := s.segs.TermAt(i)
	if !ok {
		snap, err := s.snaps.Get()
		if err == nil && snap.Index == i {
			return snap.Term, nil
		}
		return 0, etcdraft.ErrCompacted
	}
	return term, nil
}

func (s *raftStorage) LastIndex() (uint64, error) {
	_, last := s.segs.Bounds()
	return last, nil
}

func (s *raftStorage) FirstIndex() (uint64, error) {
	first, _ := s.segs.Bounds()
	if first == 0 {
		return 1, nil
	}
	return first, nil
}

func (s *raftStorage) Snapshot() (etcdraftpb.Snapshot, error) {
	snap, err := s.snaps.Get()
	if err != nil {
		return etcdraftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
	}
	return etcdraftpb.Snapshot{
		Data: snap.Payload,
		Metadata: etcdraftpb.SnapshotMetadata{
			Index:     snap.Index,
			Term:      snap.Term,
			ConfState: membersToConfState(snap.Configuration),
		},
	}, nil
}

func toEtcdEntry(e segment.Entry) etcdraftpb.Entry {
	typ := etcdraftpb.EntryNormal
	return etcdraftpb.Entry{Term: e.Term, Index: e.Index, Type: typ, Data: append([]byte{e.Kind}, e.Data...)}
}

func fromEtcdEntry(e etcdraftpb.Entry) segment.Entry {
	var kind uint8
	data := e.Data
	if len(data) > 0 {
		kind = data[0]
		data = data[1:]
	}
	return segment.Entry{Term: e.Term, Index: e.Index, Kind: kind, Data: data}
}

func membersToConfState(members []raftpb.Member) etcdraftpb.ConfState {
	var cs etcdraftpb.ConfState
	for _, m := range members {
		if m.Role == raftpb.RoleVoter {
			cs.Voters = append(cs.Voters, m.ID)
		} else {
			cs.Learners = append(cs.Learners, m.ID)
		}
	}
	return cs
}
