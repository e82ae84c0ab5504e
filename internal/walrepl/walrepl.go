// Package walrepl implements the WAL-replication hook (spec.md §4.4,
// component C7): the Begin/Frames/Undo/End contract, reconstructed as
// an interception layer over WAL-classified writes in the in-memory
// VFS (C2), per the REDESIGN NOTE in SPEC_FULL.md §0 (no Go SQLite
// binding exposes dqlite's patched sqlite3_wal_replication hook).
//
// Grounded on raftengine_teacher/engine.go's ProposeReplicate
// suspend-until-resolved shape (here: Hook.Frames calling
// Proposer.Propose and blocking on its result) and spec.md §4.4.2-3
// directly for the leader/follower/apply semantics themselves, since
// the teacher has no WAL or SQLite concept to ground that part on.
package walrepl

import (
	"context"
	"sync"

	"github.com/ncruces/go-sqlite3/vfs"

	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
	sqlvfs "github.com/sqlraftdb/sqlraft/internal/vfs"
)

// Proposer is the subset of internal/engine.Engine the hook needs.
type Proposer interface {
	Propose(ctx context.Context, cmd raftpb.Command) error
}

// DefaultCheckpointThreshold is spec.md §6.3 opcode 5's default: the
// WAL frame count at or above which a member checkpoints locally.
const DefaultCheckpointThreshold = 1000

// Hook wraps a sqlvfs.VFS, intercepting writes to WAL-classified
// files so every committed write reaches the VFS only through
// Raft, on every member including the leader (spec.md §4.4.2 step 3).
type Hook struct {
	inner               *sqlvfs.VFS
	proposer            Proposer
	checkpointThreshold uint64
	onCheckpoint        func(dbName string)

	mu     sync.Mutex
	txns   map[string]*txnState // keyed by db name
	frames map[string]uint64    // WAL frame count since last checkpoint, keyed by db name
}

type txnState struct {
	pending  []raftpb.Frame
	truncate uint32 // nTruncate: nonzero shrinks the db to this many pages on commit
}

// Option configures a Hook beyond its required constructor arguments.
type Option func(*Hook)

// WithCheckpointThreshold overrides DefaultCheckpointThreshold.
func WithCheckpointThreshold(n uint64) Option {
	return func(h *Hook) { h.checkpointThreshold = n }
}

// WithCheckpointNotify registers a callback fired (from within the
// engine's apply path, so it must not block) when a database's WAL
// has crossed the checkpoint threshold and is due for a local
// checkpoint. The caller is expected to run SQLite's own checkpoint
// against its real connection for dbName; our VFS has no connection
// of its own to drive one.
func WithCheckpointNotify(fn func(dbName string)) Option {
	return func(h *Hook) { h.onCheckpoint = fn }
}

func New(inner *sqlvfs.VFS, proposer Proposer, opts ...Option) *Hook {
	h := &Hook{
		inner:               inner,
		proposer:            proposer,
		checkpointThreshold: DefaultCheckpointThreshold,
		txns:                make(map[string]*txnState),
		frames:              make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Apply is the engine's OnCommand callback: it is what spec.md §4.4.3
// calls "the follower apply path", run identically on every member
// (including the proposing leader) once a COMMAND entry commits.
//
// Checkpointing itself is never proposed (spec.md §4.4.3: "Checkpoints
// are local ... each member checkpoints independently"): every member
// applies the same frames in the same order, so the frame count this
// tallies, and the threshold crossing it detects, is identical
// everywhere without needing Raft's involvement.
func (h *Hook) Apply(cmd raftpb.Command) error {
	if len(cmd.Frames) == 0 {
		return nil
	}
	frames := make([]sqlvfs.Frame, len(cmd.Frames))
	for i, fr := range cmd.Frames {
		frames[i] = sqlvfs.Frame{PageNumber: fr.PageNumber, Page: fr.Page}
	}
	var commitDBSize uint32
	if cmd.Commit {
		commitDBSize = highestPage(cmd.Frames)
	}
	if err := h.inner.AppendWALFrames(cmd.DBName, cmd.PageSize, frames, commitDBSize); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "walrepl: append frames %q", cmd.DBName)
	}
	if cmd.Commit && cmd.Truncate != 0 {
		if err := h.inner.TruncateMainDB(cmd.DBName, cmd.Truncate); err != nil {
			return errs.Wrapf(err, errs.KindIOErr, "walrepl: truncate db %q", cmd.DBName)
		}
	}

	h.mu.Lock()
	h.frames[cmd.DBName] += uint64(len(cmd.Frames))
	due := h.frames[cmd.DBName] >= h.checkpointThreshold
	if due {
		h.frames[cmd.DBName] = 0
	}
	h.mu.Unlock()

	if due && h.onCheckpoint != nil {
		h.onCheckpoint(cmd.DBName)
	}
	return nil
}

func highestPage(frames []raftpb.Frame) uint32 {
	var max uint32
	for _, f := range frames {
		if f.PageNumber > max {
			max = f.PageNumber
		}
	}
	return max
}

// Open wraps the inner VFS's Open, decorating WAL-class handles with
// the Begin/Frames/Undo/End interception; every other class passes
// through untouched.
func (h *Hook) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	f, outFlags, err := h.inner.Open(name, flags)
	if err != nil {
		return nil, outFlags, err
	}
	if flags&vfs.OPEN_WAL == 0 {
		return f, outFlags, nil
	}
	return &replicatedFile{File: f, hook: h, dbName: dbNameFromWAL(name)}, outFlags, nil
}

func (h *Hook) Delete(name string, syncDir bool) error {
	return h.inner.Delete(name, syncDir)
}

func (h *Hook) Access(name string, flag vfs.AccessFlag) (bool, error) {
	return h.inner.Access(name, flag)
}

func (h *Hook) FullPathname(name string) (string, error) {
	return h.inner.FullPathname(name)
}

var _ vfs.VFS = (*Hook)(nil)

func dbNameFromWAL(walName string) string {
	const suffix = "-wal"
	if len(walName) > len(suffix) && walName[len(walName)-len(suffix):] == suffix {
		return walName[:len(walName)-len(suffix)]
	}
	return walName
}

func (h *Hook) txnFor(dbName string) *txnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.txns[dbName]
	if !ok {
		t = &txnState{}
		h.txns[dbName] = t
	}
	return t
}

// SetPendingTruncate records that dbName's in-flight write transaction
// should shrink the database to pages pages when it commits (the
// nTruncate argument of SQLite's xFrames hook, spec.md §4.4.2 step 1).
// The gateway (C8) calls this just before executing a statement it
// knows truncates the file, such as VACUUM.
func (h *Hook) SetPendingTruncate(dbName string, pages uint32) {
	t := h.txnFor(dbName)
	h.mu.Lock()
	t.truncate = pages
	h.mu.Unlock()
}

func (h *Hook) clearTxn(dbName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.txns, dbName)
}

// replicatedFile decorates a WAL-class vfs.File: header writes pass
// straight through (pure bookkeeping, not a transaction's content),
// frame writes are buffered and, on the commit frame, handed to
// Frames (spec.md §4.4.1-2). Frame bytes reach the underlying content
// only through Hook.Apply, never here, matching spec.md §4.4.2 step 3;
// the header write and Truncate are the only calls passed through.
type replicatedFile struct {
	vfs.File
	hook     *Hook
	dbName   string
	pageSize uint32
}

// Frames implements spec.md §4.4.2's leader path: serialize, propose,
// suspend until commit or rejection.
func (f *replicatedFile) Frames(ctx context.Context, commit bool) error {
	t := f.hook.txnFor(f.dbName)
	f.hook.mu.Lock()
	pending := t.pending
	truncate := t.truncate
	t.pending = nil
	t.truncate = 0
	f.hook.mu.Unlock()

	if len(pending) == 0 && !commit {
		return nil
	}
	cmd := raftpb.Command{
		DBName:   f.dbName,
		PageSize: f.pageSize,
		Commit:   commit,
		Truncate: truncate,
		Frames:   pending,
	}
	if err := f.hook.proposer.Propose(ctx, cmd); err != nil {
		return errs.Wrapf(err, errs.KindNotLeader, "walrepl: frames %q", f.dbName)
	}
	return nil
}

func (f *replicatedFile) WriteAt(p []byte, off int64) (int, error) {
	if off == 0 {
		return f.File.WriteAt(p, off)
	}
	if f.pageSize == 0 {
		f.pageSize = uint32(f.hook.inner.PageSize(f.dbName))
	}
	frame, commit, err := decodeFrame(p, f.pageSize)
	if err != nil {
		return 0, err
	}
	t := f.hook.txnFor(f.dbName)
	f.hook.mu.Lock()
	t.pending = append(t.pending, frame)
	f.hook.mu.Unlock()

	if commit {
		if err := f.Frames(context.Background(), true); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Truncate passes straight through to the underlying file. A
// truncate-to-zero only ever arrives here as the tail end of a local
// SQLite checkpoint (spec.md §4.1.2's "truncation to zero is the only
// allowed WAL truncation"); since every member's WAL content is
// already byte-identical, there is nothing left to agree on by the
// time this runs, so it is not proposed.
func (f *replicatedFile) Truncate(size int64) error {
	return f.File.Truncate(size)
}

// Close approximates the Undo/End half of the Begin/Frames/Undo/End
// contract: any frames buffered but never committed (a rolled-back
// transaction) are simply dropped, since we never proposed them.
func (f *replicatedFile) Close() error {
	f.hook.clearTxn(f.dbName)
	return f.File.Close()
}

func decodeFrame(p []byte, pageSize uint32) (raftpb.Frame, bool, error) {
	if pageSize == 0 || len(p) != int(24+pageSize) {
		return raftpb.Frame{}, false, errs.New(errs.KindIOErr, "walrepl: unexpected wal write size %d", len(p))
	}
	pageNumber := be32(p[0:4])
	dbSizeAfterCommit := be32(p[4:8])
	page := append([]byte(nil), p[24:]...)
	return raftpb.Frame{PageNumber: pageNumber, Page: page}, dbSizeAfterCommit != 0, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
