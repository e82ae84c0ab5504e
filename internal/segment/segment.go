// Package segment implements the Raft log segment store (spec.md
// §4.2, component C3): an append-only, batched, CRC-checked log split
// across closed segments (named "<first>-<last>") and a single
// growing open segment ("open-N"), loaded back at startup with the
// same gap/corruption tolerance rules the C source applies.
//
// Grounded on storage_teacher/disk (file naming/listing: zero-padded
// hex names, directory listing sorted and reversed) generalized from
// its fixed snapshot/wal split to the closed/open segment split
// spec.md §4.2 describes, plus storage_teacher/raftwal/utils.go for
// the CRC-per-record idiom.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"

	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftlog"
)

const blockAlign = 8

// diskFormatVersion is the 8-byte little-endian format tag every
// segment file (open or closed) begins with, spec.md §3.2. It has
// never changed in the format this store implements, so load only
// ever checks it against this one value.
const diskFormatVersion uint64 = 1

const formatHeaderSize = 8

// batchHeaderSize returns the size of a batch header block: a u64
// entry count followed by n fixed 16-byte per-entry headers
// (u64 term, u8 type, 3 bytes pad, u32 len), spec.md §3.2.
func batchHeaderSize(n int) int {
	return 8 + 16*n
}

// Entry is one Raft log record as the segment store sees it: the
// engine's raftpb.Entry reduced to the fields the store must persist.
type Entry struct {
	Term  uint64
	Index uint64
	Kind  uint8
	Data  []byte
}

// AppendRequest is one pipelined append, spec.md §4.2.1.
type AppendRequest struct {
	Entries []Entry
	Done    func(error)
}

// Store is the append pipeline plus the on-disk segment directory,
// spec.md §4.2.
type Store struct {
	dir         string
	segmentSize int64
	log         raftlog.Logger

	mu             sync.Mutex
	closed         []closedSegment // first_index ascending
	open           *openSegment
	nextCounter    int
	appendNext     uint64
	pending        []AppendRequest
	writing        bool
	pool           []*openSegment // pre-prepared segments, spec.md §4.2.1 step 1
	blockingBarrier chan struct{}  // non-nil while a blocking barrier is in effect

	// cache mirrors every entry currently covered by the on-disk log
	// (closed + open segments) so the Raft core's hot-path Entries/Term
	// lookups (engine.go's raft.Storage adapter) never hit disk; pruned
	// by Compact on snapshot install.
	cache map[uint64]Entry
}

type closedSegment struct {
	path  string
	first uint64
	last  uint64
}

type openSegment struct {
	path     string
	counter  int
	f        *os.File
	used     int64
	first    uint64 // 0 until the first entry is written
	last     uint64
	finalize bool
}

// Open loads (or initializes) the segment directory per spec.md
// §4.2.4 and returns a ready Store. autoRecover enables the
// corrupt-quarantine-and-retry-once policy.
func Open(dir string, segmentSize int64, log raftlog.Logger, autoRecover bool) (*Store, error) {
	s := &Store{dir: dir, segmentSize: segmentSize, log: log, cache: make(map[uint64]Entry)}
	if err := s.load(autoRecover); err != nil {
		return nil, err
	}
	return s, nil
}

// Appender is the subset of *Store the Raft core (internal/engine)
// depends on, narrowed to an interface so engine tests can substitute
// a mock rather than standing up a real on-disk log.
type Appender interface {
	Entries(lo, hi uint64) ([]Entry, error)
	TermAt(index uint64) (uint64, bool)
	Bounds() (first, last uint64)
	Append(req AppendRequest)
	Compact(upTo uint64)
}

var _ Appender = (*Store)(nil)

// Entries returns the cached entries in [lo, hi), matching the slice
// semantics go.etcd.io/raft/v3's Storage.Entries expects.
func (s *Store) Entries(lo, hi uint64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		e, ok := s.cache[i]
		if !ok {
			return nil, errs.New(errs.KindNotFound, "segment: entry %d not cached", i)
		}
		out = append(out, e)
	}
	return out, nil
}

// TermAt returns the term of the cached entry at index, or 0, false if
// it isn't cached (compacted away or not yet appended).
func (s *Store) TermAt(index uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[index]
	return e.Term, ok
}

// Bounds returns the lowest and highest indices currently cached.
func (s *Store) Bounds() (first, last uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstLocked(), s.lastLocked()
}

func (s *Store) firstLocked() uint64 {
	if len(s.closed) > 0 {
		return s.closed[0].first
	}
	if s.open != nil && s.open.first != 0 {
		return s.open.first
	}
	return 0
}

func (s *Store) lastLocked() uint64 {
	if s.open != nil && s.open.last != 0 {
		return s.open.last
	}
	if len(s.closed) > 0 {
		return s.closed[len(s.closed)-1].last
	}
	return 0
}

// Compact drops every cached entry with index <= upTo, called after a
// snapshot install sets the new compaction boundary.
func (s *Store) Compact(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.cache {
		if idx <= upTo {
			delete(s.cache, idx)
		}
	}
}

func segmentName(first, last uint64) string {
	return fmt.Sprintf("%016x-%016x", first, last)
}

func openName(counter int) string {
	return fmt.Sprintf("open-%d", counter)
}

// load implements spec.md §4.2.4.
func (s *Store) load(autoRecover bool) error {
	if !fileutil.Exist(s.dir) {
		if err := fileutil.TouchDirAll(s.dir); err != nil {
			return errs.Wrapf(err, errs.KindIOErr, "segment: create dir %q", s.dir)
		}
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: read dir %q", s.dir)
	}

	var closedNames, openNames []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "tmp-"):
			_ = os.Remove(filepath.Join(s.dir, name))
		case strings.HasPrefix(name, "corrupt-"):
			// left for operator inspection
		case strings.HasPrefix(name, "open-"):
			openNames = append(openNames, name)
		case strings.Contains(name, "-") && !strings.HasPrefix(name, "snapshot"):
			closedNames = append(closedNames, name)
		}
	}

	sort.Strings(closedNames)
	sort.Slice(openNames, func(i, j int) bool {
		return openCounter(openNames[i]) < openCounter(openNames[j])
	})

	for _, name := range closedNames {
		first, last, ok := parseSegmentName(name)
		if !ok {
			continue
		}
		cs := closedSegment{path: filepath.Join(s.dir, name), first: first, last: last}
		if err := s.verifyClosed(cs, autoRecover); err != nil {
			return err
		}
		s.closed = append(s.closed, cs)
	}

	for i := 1; i < len(s.closed); i++ {
		if s.closed[i].first != s.closed[i-1].last+1 {
			s.closed = s.closed[:i] // gap: truncate kept list
			break
		}
	}

	nextIndex := uint64(1)
	if len(s.closed) > 0 {
		nextIndex = s.closed[len(s.closed)-1].last + 1
	}
	for _, name := range openNames {
		counter := openCounter(name)
		if counter+1 > s.nextCounter {
			s.nextCounter = counter + 1
		}
		before := len(s.cache)
		if err := s.recoverOpen(filepath.Join(s.dir, name), counter, autoRecover, nextIndex); err != nil {
			return err
		}
		nextIndex += uint64(len(s.cache) - before)
	}

	if len(s.closed) > 0 {
		s.appendNext = s.closed[len(s.closed)-1].last + 1
	}
	if s.open != nil && s.open.last >= s.appendNext {
		s.appendNext = s.open.last + 1
	}
	return nil
}

func openCounter(name string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(name, "open-"))
	return n
}

func parseSegmentName(name string) (first, last uint64, ok bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	f, err1 := strconv.ParseUint(parts[0], 16, 64)
	l, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return f, l, true
}

// checkFormatHeader validates the 8-byte format version every segment
// begins with, spec.md §3.2. A corrupt (including all-zero, per
// spec.md §9's "zeroing the format version" quarantine scenario)
// header is reported as a decode error so callers route it through
// the same autoRecover/quarantine path as any other corruption.
func checkFormatHeader(data []byte) error {
	if len(data) < formatHeaderSize {
		return errors.New("segment: truncated format header")
	}
	if v := binary.LittleEndian.Uint64(data[:formatHeaderSize]); v != diskFormatVersion {
		return fmt.Errorf("segment: unknown format version %d", v)
	}
	return nil
}

// verifyClosed decodes a closed segment batch-by-batch, verifying
// CRCs, per spec.md §4.2.4.
func (s *Store) verifyClosed(cs closedSegment, autoRecover bool) error {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: read %q", cs.path)
	}
	if err := checkFormatHeader(data); err != nil {
		if autoRecover {
			return s.quarantineAndRetry(cs.path, err)
		}
		return errs.New(errs.KindCorrupt, "segment: corrupt closed segment %q: %v", cs.path, err)
	}
	entries, err := decodeBatches(data[formatHeaderSize:], cs.first)
	if err != nil {
		if autoRecover {
			return s.quarantineAndRetry(cs.path, err)
		}
		return errs.New(errs.KindCorrupt, "segment: corrupt closed segment %q: %v", cs.path, err)
	}
	for _, e := range entries {
		s.cache[e.Index] = e
	}
	return nil
}

// recoverOpen reads an open segment tolerantly: trailing zeros are
// "not yet written" and get the segment truncated+renamed in place.
// startIndex is the index the segment's first entry must carry, since
// the format never stores indices on disk (spec.md §3.2) — it is the
// preceding closed segment's last index + 1, or 1 if there is none.
func (s *Store) recoverOpen(path string, counter int, autoRecover bool, startIndex uint64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: read %q", path)
	}
	if err := checkFormatHeader(data); err != nil {
		if autoRecover {
			return s.quarantineAndRetry(path, err)
		}
		return errs.New(errs.KindCorrupt, "segment: corrupt open segment %q: %v", path, err)
	}
	bodyUsed, first, last, entries, err := scanOpenTrailing(data[formatHeaderSize:], startIndex)
	if err != nil {
		if autoRecover {
			return s.quarantineAndRetry(path, err)
		}
		return errs.New(errs.KindCorrupt, "segment: corrupt open segment %q: %v", path, err)
	}
	for _, e := range entries {
		s.cache[e.Index] = e
	}
	used := int64(formatHeaderSize) + bodyUsed
	if used < int64(len(data)) {
		// truncate the garbage/zero tail then finalize in place.
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return errs.Wrapf(err, errs.KindIOErr, "segment: reopen %q", path)
		}
		if err := f.Truncate(used); err != nil {
			f.Close()
			return errs.Wrapf(err, errs.KindIOErr, "segment: truncate %q", path)
		}
		f.Close()
	}
	if bodyUsed == 0 {
		_ = os.Remove(path)
		return nil
	}
	finalPath := filepath.Join(s.dir, segmentName(first, last))
	if err := os.Rename(path, finalPath); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: rename %q", path)
	}
	if err := fsyncDir(s.dir); err != nil {
		return err
	}
	s.closed = append(s.closed, closedSegment{path: finalPath, first: first, last: last})
	return nil
}

func (s *Store) quarantineAndRetry(path string, cause error) error {
	base := filepath.Base(path)
	quarantined := filepath.Join(s.dir, fmt.Sprintf("corrupt-%d-%s", nowNanos(), base))
	if err := os.Rename(path, quarantined); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: quarantine %q", path)
	}
	return s.load(false) // single retry only
}

// Append enqueues req, batching it with any other pending requests on
// the current open segment, per spec.md §4.2.1.
func (s *Store) Append(req AppendRequest) {
	s.mu.Lock()
	for s.blockingBarrier != nil {
		ch := s.blockingBarrier
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if err := s.ensureCapacity(req); err != nil {
		req.Done(err)
		return
	}
	s.pending = append(s.pending, req)
	if !s.writing {
		s.flushLocked()
	}
}

func (s *Store) ensureCapacity(req AppendRequest) error {
	size := encodedSize(req.Entries)
	if s.open == nil || s.open.used+int64(size) > s.segmentSize {
		if s.open != nil {
			s.open.finalize = true
			s.scheduleFinalize(s.open)
		}
		seg, err := s.allocateSegment()
		if err != nil {
			return err
		}
		s.open = seg
	}
	return nil
}

func (s *Store) allocateSegment() (*openSegment, error) {
	if len(s.pool) > 0 {
		seg := s.pool[0]
		s.pool = s.pool[1:]
		return seg, nil
	}
	counter := s.nextCounter
	s.nextCounter++
	path := filepath.Join(s.dir, openName(counter))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrapf(err, errs.KindIOErr, "segment: create %q", path)
	}
	// Pre-allocate the segment's full capacity up front (spec.md
	// §4.2.1's "pool of pre-prepared segments" rationale: avoid
	// extending the file one batch at a time).
	if err := fileutil.Preallocate(f, s.segmentSize, true); err != nil {
		f.Close()
		return nil, errs.Wrapf(err, errs.KindIOErr, "segment: preallocate %q", path)
	}
	var header [formatHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], diskFormatVersion)
	if _, err := f.WriteAt(header[:], 0); err != nil {
		f.Close()
		return nil, errs.Wrapf(err, errs.KindIOErr, "segment: write format header %q", path)
	}
	return &openSegment{path: path, counter: counter, f: f, used: formatHeaderSize}, nil
}

// flushLocked coalesces all pending requests into one batch write.
// Called with s.mu held; s.mu is dropped for the actual write.
func (s *Store) flushLocked() {
	batch := s.pending
	s.pending = nil
	s.writing = true
	seg := s.open

	buf, first, last := encodeBatch(batch, s.appendNext)
	s.appendNext = last + 1
	if seg.first == 0 {
		seg.first = first
	}
	seg.last = last

	s.mu.Unlock()
	_, err := seg.f.WriteAt(buf, seg.used)
	if err == nil {
		err = seg.f.Sync()
	}
	s.mu.Lock()
	s.writing = false

	if err != nil {
		wrapped := errs.Wrapf(err, errs.KindIOErr, "segment: write %q", seg.path)
		for _, r := range batch {
			r.Done(wrapped)
		}
		seg.finalize = true
		s.scheduleFinalize(seg)
		if len(s.pending) > 0 {
			rewound := s.pending
			s.pending = nil
			for _, r := range rewound {
				r.Done(wrapped)
			}
		}
		return
	}

	seg.used += int64(len(buf))
	for _, r := range batch {
		for _, e := range r.Entries {
			s.cache[e.Index] = e
		}
		r.Done(nil)
	}
	if len(s.pending) > 0 {
		s.flushLocked()
	}
}

// scheduleFinalize runs finalize synchronously; the store serializes
// all appends under s.mu already, which gives the "segment N+1 never
// finalizes before segment N" ordering spec.md §4.2.3 asks for without
// a separate threadpool slot.
func (s *Store) scheduleFinalize(seg *openSegment) {
	if seg.used <= formatHeaderSize {
		seg.f.Close()
		_ = os.Remove(seg.path)
		return
	}
	_ = seg.f.Truncate(seg.used)
	seg.f.Close()
	finalPath := filepath.Join(s.dir, segmentName(seg.first, seg.last))
	if err := os.Rename(seg.path, finalPath); err != nil {
		s.log.Errorf("segment: finalize rename %q: %v", seg.path, err)
		return
	}
	if err := fsyncDir(s.dir); err != nil {
		s.log.Errorf("segment: finalize dir fsync: %v", err)
	}
	s.closed = append(s.closed, closedSegment{path: finalPath, first: seg.first, last: seg.last})
}

// Barrier implements spec.md §4.2.2: wait for all in-flight/pending
// appends to finish and their segments to finalize, retarget
// append_next_index, and optionally block new appends until release
// is called.
func (s *Store) Barrier(nextIndex uint64, blocking bool) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.writing || len(s.pending) > 0 {
		s.mu.Unlock()
		s.mu.Lock()
	}
	if s.open != nil {
		s.open.finalize = true
		s.scheduleFinalize(s.open)
		s.open = nil
	}
	s.appendNext = nextIndex

	if !blocking {
		return func() {}, nil
	}
	ch := make(chan struct{})
	s.blockingBarrier = ch
	return func() {
		s.mu.Lock()
		if s.blockingBarrier == ch {
			close(ch)
			s.blockingBarrier = nil
		}
		s.mu.Unlock()
	}, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: open dir %q", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "segment: fsync dir %q", dir)
	}
	return nil
}

// encodedSize computes a batch's on-disk size: two CRCs, the batch
// header block (u64 count + one 16-byte entry header each), the
// payload block (each entry's data individually padded to 8 bytes),
// the whole thing then padded once more to the block alignment,
// spec.md §3.2.
func encodedSize(entries []Entry) int {
	n := 4 + 4 + batchHeaderSize(len(entries)) // two CRCs + header block
	for _, e := range entries {
		n += padTo(len(e.Data), blockAlign)
	}
	return padTo(n, blockAlign)
}

func padTo(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

// encodeBatch encodes one coalesced batch in spec.md §3.2's exact
// layout — [crc32 header][crc32 data][u64 n_entries], a header block
// of fixed 16-byte per-entry records (term, type, 3 bytes pad, len),
// and a payload block of each entry's data individually padded to 8
// bytes — and returns the first/last indices covered (indices are
// assigned sequentially starting at startIndex for entries that don't
// already carry one; the index itself is never written to disk, since
// it is always recoverable from a segment's position, matching the
// original C format this is grounded on).
func encodeBatch(reqs []AppendRequest, startIndex uint64) (buf []byte, first, last uint64) {
	var all []*Entry
	idx := startIndex
	for _, r := range reqs {
		for i := range r.Entries {
			e := &r.Entries[i]
			if e.Index == 0 {
				e.Index = idx
			}
			idx = e.Index + 1
			if first == 0 {
				first = e.Index
			}
			last = e.Index
			all = append(all, e)
		}
	}

	header := make([]byte, batchHeaderSize(len(all)))
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(all)))
	var payload []byte
	off := 8
	for _, e := range all {
		binary.LittleEndian.PutUint64(header[off:off+8], e.Term)
		header[off+8] = e.Kind
		// header[off+9:off+12] left zero (unused padding)
		binary.LittleEndian.PutUint32(header[off+12:off+16], uint32(len(e.Data)))
		off += 16

		payload = append(payload, e.Data...)
		for len(payload)%blockAlign != 0 {
			payload = append(payload, 0)
		}
	}

	crc1 := crc32.ChecksumIEEE(header)
	crc2 := crc32.ChecksumIEEE(payload)

	out := make([]byte, 8, 8+len(header)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], crc1)
	binary.LittleEndian.PutUint32(out[4:8], crc2)
	out = append(out, header...)
	out = append(out, payload...)
	for len(out)%blockAlign != 0 {
		out = append(out, 0)
	}
	return out, first, last
}

// decodeBatches decodes every batch in data (a closed segment with
// its format header already stripped), assigning sequential indices
// starting at startIndex — the same positional scheme the segment's
// own filename-derived first index drives in the original format.
func decodeBatches(data []byte, startIndex uint64) ([]Entry, error) {
	var out []Entry
	off := 0
	idx := startIndex
	for off < len(data) {
		if off+8 > len(data) {
			break
		}
		crc1 := binary.LittleEndian.Uint32(data[off : off+4])
		crc2 := binary.LittleEndian.Uint32(data[off+4 : off+8])
		entries, consumed, err := decodeBatch(data[off+8:], crc1, crc2, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		idx += uint64(len(entries))
		off += 8 + padTo(consumed, blockAlign)
	}
	return out, nil
}

// decodeBatch decodes exactly one batch's header and payload blocks
// out of body (body starts right after the two CRCs), verifying both
// checksums, and returns the entries plus how many bytes of body the
// batch's header+payload blocks occupied (before the whole-batch
// trailing pad).
func decodeBatch(body []byte, crc1, crc2 uint32, startIndex uint64) ([]Entry, int, error) {
	if len(body) < 8 {
		return nil, 0, errors.New("segment: truncated batch header")
	}
	n := binary.LittleEndian.Uint64(body[0:8])
	headerLen := batchHeaderSize(int(n))
	if headerLen > len(body) {
		return nil, 0, errors.New("segment: truncated batch header")
	}
	header := body[:headerLen]
	if crc32.ChecksumIEEE(header) != crc1 {
		return nil, 0, errors.New("segment: batch header CRC mismatch")
	}

	type entryHeader struct {
		term uint64
		kind uint8
		n    uint32
	}
	headers := make([]entryHeader, n)
	off := 8
	for i := range headers {
		headers[i].term = binary.LittleEndian.Uint64(header[off : off+8])
		headers[i].kind = header[off+8]
		headers[i].n = binary.LittleEndian.Uint32(header[off+12 : off+16])
		off += 16
	}

	payload := body[headerLen:]
	out := make([]Entry, n)
	poff := 0
	for i, h := range headers {
		padded := padTo(int(h.n), blockAlign)
		if poff+padded > len(payload) {
			return nil, 0, errors.New("segment: truncated entry payload")
		}
		data := append([]byte(nil), payload[poff:poff+int(h.n)]...)
		out[i] = Entry{Term: h.term, Index: startIndex + uint64(i), Kind: h.kind, Data: data}
		poff += padded
	}
	if crc32.ChecksumIEEE(payload[:poff]) != crc2 {
		return nil, 0, errors.New("segment: batch data CRC mismatch")
	}
	return out, headerLen + poff, nil
}

// scanOpenTrailing finds the used-bytes boundary of a tolerantly-read
// open segment (format header already stripped): the longest
// valid-batch prefix, stopping at the first batch that looks like an
// all-zero (unwritten) tail. Indices are assigned sequentially
// starting at startIndex, the same scheme decodeBatches uses.
func scanOpenTrailing(data []byte, startIndex uint64) (used int64, first, last uint64, entries []Entry, err error) {
	off := 0
	idx := startIndex
	for off < len(data) {
		if off+8 > len(data) || allZero(data[off:]) {
			break
		}
		crc1 := binary.LittleEndian.Uint32(data[off : off+4])
		crc2 := binary.LittleEndian.Uint32(data[off+4 : off+8])
		batchEntries, consumed, derr := decodeBatch(data[off+8:], crc1, crc2, idx)
		if derr != nil {
			if allZero(data[off:]) {
				break
			}
			return 0, 0, 0, nil, errors.New("segment: corrupt open segment tail")
		}
		for _, e := range batchEntries {
			if first == 0 {
				first = e.Index
			}
			last = e.Index
			entries = append(entries, e)
		}
		idx += uint64(len(batchEntries))
		off += 8 + padTo(consumed, blockAlign)
	}
	return int64(off), first, last, entries, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func nowNanos() int64 {
	return nanosSource()
}

// nanosSource is a seam over a clock source; production wiring
// supplies wall-clock nanoseconds (time.Now().UnixNano()) via
// SetNanosSource in cmd/sqlraftd. The default returns 0.
var nanosSource = func() int64 { return 0 }

// SetNanosSource overrides the clock used to name quarantined files.
func SetNanosSource(f func() int64) { nanosSource = f }
