// Package snapshot implements the Raft snapshot store (spec.md
// §4.3.2-§4.3.3, component C4): a snapshot pair (data file + CRC'd
// meta file) per (term, index, timestamp), retaining only the two
// newest pairs and optionally LZ4-framing the payload.
//
// Grounded on storage_teacher/raftwal (metaFile: fixed-layout binary
// metadata with an explicit snapshot slot, fsync discipline) and
// storage_teacher/disk/ls.go's listing convention, generalized to the
// separate meta+data file pair spec.md §4.3.2 describes.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/lz4"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"

	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
)

// Snapshot is what Get returns, spec.md §4.3.3.
type Snapshot struct {
	Term          uint64
	Index         uint64
	Configuration []raftpb.Member
	Payload       []byte
}

// Store manages the snapshot-pair directory.
type Store struct {
	dir       string
	compress  bool
	nowNanos  func() int64
}

func Open(dir string, compress bool, nowNanos func() int64) *Store {
	if nowNanos == nil {
		nowNanos = func() int64 { return 0 }
	}
	return &Store{dir: dir, compress: compress, nowNanos: nowNanos}
}

type pairName struct {
	term, index uint64
	ts          int64
	dataPath    string
	metaPath    string
}

func (s *Store) list() ([]pairName, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrapf(err, errs.KindIOErr, "snapshot: read dir %q", s.dir)
	}
	byKey := map[string]*pairName{}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snapshot-") {
			continue
		}
		isMeta := strings.HasSuffix(name, ".meta")
		key := strings.TrimSuffix(name, ".meta")
		parts := strings.SplitN(strings.TrimPrefix(key, "snapshot-"), "-", 3)
		if len(parts) != 3 {
			continue
		}
		term, err1 := strconv.ParseUint(parts[0], 16, 64)
		index, err2 := strconv.ParseUint(parts[1], 16, 64)
		ts, err3 := strconv.ParseInt(parts[2], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		p, ok := byKey[key]
		if !ok {
			p = &pairName{term: term, index: index, ts: ts}
			byKey[key] = p
		}
		if isMeta {
			p.metaPath = filepath.Join(s.dir, name)
		} else {
			p.dataPath = filepath.Join(s.dir, name)
		}
	}
	var out []pairName
	for _, p := range byKey {
		if p.dataPath != "" && p.metaPath != "" {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].term != out[j].term {
			return out[i].term < out[j].term
		}
		if out[i].index != out[j].index {
			return out[i].index < out[j].index
		}
		return out[i].ts < out[j].ts
	})
	return out, nil
}

func baseName(term, index uint64, ts int64) string {
	return fmt.Sprintf("snapshot-%016x-%016x-%016x", term, index, ts)
}

type metaLayout struct {
	Format    uint32
	CRC       uint32
	ConfIndex uint64
	ConfLen   uint32
}

// Put writes a new snapshot pair and prunes everything older than the
// two newest, per spec.md §4.3.2. segmentPrune, if non-nil, is called
// with the snapshot's index; applying the trailing policy to drop
// closed log segments is left to the caller.
func (s *Store) Put(term, index uint64, conf []raftpb.Member, payload []byte, segmentPrune func(keepFrom uint64)) error {
	if err := fileutil.TouchDirAll(s.dir); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "snapshot: mkdir %q", s.dir)
	}
	ts := s.nowNanos()
	base := baseName(term, index, ts)

	confBytes := encodeConfiguration(conf)
	meta := metaLayout{Format: 1, ConfIndex: index, ConfLen: uint32(len(confBytes))}
	meta.CRC = crc32.ChecksumIEEE(confBytesForCRC(index, confBytes))

	metaBuf := make([]byte, 20+len(confBytes))
	binary.LittleEndian.PutUint32(metaBuf[0:4], meta.Format)
	binary.LittleEndian.PutUint32(metaBuf[4:8], meta.CRC)
	binary.LittleEndian.PutUint64(metaBuf[8:16], meta.ConfIndex)
	binary.LittleEndian.PutUint32(metaBuf[16:20], meta.ConfLen)
	copy(metaBuf[20:], confBytes)

	metaPath := filepath.Join(s.dir, base+".meta")
	if err := makeFile(metaPath, metaBuf); err != nil {
		return err
	}

	dataPath := filepath.Join(s.dir, base)
	data := payload
	if s.compress {
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return errs.Wrapf(err, errs.KindIOErr, "snapshot: lz4 compress")
		}
		if err := w.Close(); err != nil {
			return errs.Wrapf(err, errs.KindIOErr, "snapshot: lz4 close")
		}
		data = buf.Bytes()
	}
	if err := makeFile(dataPath, data); err != nil {
		return err
	}

	if err := fsyncDir(s.dir); err != nil {
		return err
	}

	if err := s.pruneOldButTwo(); err != nil {
		return err
	}
	if segmentPrune != nil {
		segmentPrune(index)
	}
	return nil
}

func confBytesForCRC(index uint64, confBytes []byte) []byte {
	var idxBuf [8]byte
	binary.LittleEndian.PutUint64(idxBuf[:], index)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(confBytes)))
	out := append([]byte{}, idxBuf[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, confBytes...)
	return out
}

func makeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "snapshot: create %q", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "snapshot: write %q", path)
	}
	return f.Sync()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errs.Wrapf(err, errs.KindIOErr, "snapshot: open dir %q", dir)
	}
	defer d.Close()
	return d.Sync()
}

func (s *Store) pruneOldButTwo() error {
	pairs, err := s.list()
	if err != nil {
		return err
	}
	if len(pairs) <= 2 {
		return nil
	}
	for _, p := range pairs[:len(pairs)-2] {
		_ = os.Remove(p.dataPath)
		_ = os.Remove(p.metaPath)
	}
	return nil
}

// Get returns the newest snapshot pair, per spec.md §4.3.3.
func (s *Store) Get() (*Snapshot, error) {
	pairs, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, errs.New(errs.KindNotFound, "snapshot: no snapshot present")
	}
	newest := pairs[len(pairs)-1]

	metaBuf, err := os.ReadFile(newest.metaPath)
	if err != nil {
		return nil, errs.Wrapf(err, errs.KindIOErr, "snapshot: read %q", newest.metaPath)
	}
	if len(metaBuf) < 20 {
		return nil, errs.New(errs.KindCorrupt, "snapshot: short meta %q", newest.metaPath)
	}
	gotCRC := binary.LittleEndian.Uint32(metaBuf[4:8])
	confIndex := binary.LittleEndian.Uint64(metaBuf[8:16])
	confLen := binary.LittleEndian.Uint32(metaBuf[16:20])
	if int(20+confLen) > len(metaBuf) {
		return nil, errs.New(errs.KindCorrupt, "snapshot: truncated meta %q", newest.metaPath)
	}
	confBytes := metaBuf[20 : 20+confLen]
	wantCRC := crc32.ChecksumIEEE(confBytesForCRC(confIndex, confBytes))
	if gotCRC != wantCRC {
		return nil, errs.New(errs.KindCorrupt, "snapshot: meta CRC mismatch %q", newest.metaPath)
	}
	conf, err := decodeConfiguration(confBytes)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(newest.dataPath)
	if err != nil {
		return nil, errs.Wrapf(err, errs.KindIOErr, "snapshot: read %q", newest.dataPath)
	}
	payload := raw
	if s.compress {
		r := lz4.NewReader(bytes.NewReader(raw))
		decoded, err := readAll(r)
		if err == nil {
			payload = decoded
		}
	}

	return &Snapshot{
		Term:          newest.term,
		Index:         newest.index,
		Configuration: conf,
		Payload:       payload,
	}, nil
}

func readAll(r *lz4.Reader) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

func encodeConfiguration(members []raftpb.Member) []byte {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(members)))
	buf.Write(n[:])
	for _, m := range members {
		var rec [8 + 1]byte
		binary.LittleEndian.PutUint64(rec[0:8], m.ID)
		rec[8] = byte(m.Role)
		buf.Write(rec[:])
		var alen [4]byte
		binary.LittleEndian.PutUint32(alen[:], uint32(len(m.Address)))
		buf.Write(alen[:])
		buf.WriteString(m.Address)
	}
	return buf.Bytes()
}

func decodeConfiguration(b []byte) ([]raftpb.Member, error) {
	if len(b) < 4 {
		return nil, errs.New(errs.KindCorrupt, "snapshot: truncated configuration")
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	out := make([]raftpb.Member, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+9+4 > len(b) {
			return nil, errs.New(errs.KindCorrupt, "snapshot: truncated configuration entry")
		}
		id := binary.LittleEndian.Uint64(b[off : off+8])
		role := raftpb.Role(b[off+8])
		off += 9
		alen := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		if off+int(alen) > len(b) {
			return nil, errs.New(errs.KindCorrupt, "snapshot: truncated configuration address")
		}
		addr := string(b[off : off+int(alen)])
		off += int(alen)
		out = append(out, raftpb.Member{ID: id, Address: addr, Role: role})
	}
	return out, nil
}
