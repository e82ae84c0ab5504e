package vfs

import (
	"io"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/vfs"
)

// File is a handle onto a shared content. Lock state is per-handle;
// everything else is shared with every other handle on the same name.
type File struct {
	vfs      *VFS
	content  *content
	readOnly bool
	lock     vfs.LockLevel
}

var (
	_ vfs.File          = (*File)(nil)
	_ vfs.FileLockState = (*File)(nil)
	_ vfs.FileSizeHint  = (*File)(nil)
)

func (f *File) Close() error {
	f.content.mu.Lock()
	f.content.refs--
	f.content.mu.Unlock()
	return f.Unlock(vfs.LOCK_NONE)
}

// ReadAt implements spec.md §4.1.2's read contract: reads of
// unwritten ranges return IOERR_SHORT_READ with the buffer zero
// filled, matching what SQLite requires to treat a hole as "not yet
// written" rather than corruption.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	c := f.content
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.class {
	case ClassMainDB:
		return readPages(c, p, off)
	case ClassWAL:
		return readFlat(append(c.walHeader, c.walBody...), p, off)
	default:
		return readFlat(c.raw, p, off)
	}
}

func readFlat(buf []byte, p []byte, off int64) (int, error) {
	if off >= int64(len(buf)) {
		clearBytes(p)
		return 0, sqlite3.IOERR_SHORT_READ
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		clearBytes(p[n:])
		return n, sqlite3.IOERR_SHORT_READ
	}
	return n, nil
}

func readPages(c *content, p []byte, off int64) (int, error) {
	if c.pageSize == 0 {
		clearBytes(p)
		return 0, sqlite3.IOERR_SHORT_READ
	}
	total := int64(len(c.pages)) * int64(c.pageSize)
	if off >= total {
		clearBytes(p)
		return 0, sqlite3.IOERR_SHORT_READ
	}
	n := 0
	for n < len(p) {
		pageIdx := int((off + int64(n)) / int64(c.pageSize))
		pageOff := int((off + int64(n)) % int64(c.pageSize))
		if pageIdx >= len(c.pages) {
			clearBytes(p[n:])
			return n, sqlite3.IOERR_SHORT_READ
		}
		copied := copy(p[n:], c.pages[pageIdx][pageOff:])
		n += copied
	}
	return n, nil
}

func clearBytes(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// WriteAt implements spec.md §4.1.2/§4.1.1's write contract: the
// first write to a fresh MAIN_DB latches the page size, subsequent
// writes must be page-aligned and cannot leave a hole; the first
// write to an empty WAL must be the 32-byte header.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	c := f.content
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.class {
	case ClassMainDB:
		return writeDB(c, p, off)
	case ClassWAL:
		return writeWAL(c, p, off)
	default:
		return writeRaw(c, p, off)
	}
}

func writeDB(c *content, p []byte, off int64) (int, error) {
	if len(c.pages) == 0 {
		// First write: either the 100-byte header alone, or a full
		// page. Either way it latches the page size.
		if off != 0 || len(p) < 100 {
			return 0, sqlite3.IOERR_WRITE
		}
		ps := pageSizeFromHeader(p)
		if ps == 0 {
			ps = 4096
		}
		c.pageSize = ps
		page := make([]byte, ps)
		copy(page, p)
		c.pages = append(c.pages, page)
		return len(p), nil
	}

	ps := c.pageSize
	if off%int64(ps) != 0 || len(p)%ps != 0 {
		return 0, sqlite3.IOERR_WRITE
	}
	startPage := int(off / int64(ps))
	if startPage > len(c.pages) {
		return 0, sqlite3.IOERR_WRITE // would leave a hole
	}
	n := 0
	for i := 0; n < len(p); i++ {
		pageIdx := startPage + i
		chunk := p[n : n+ps]
		if pageIdx == len(c.pages) {
			page := make([]byte, ps)
			copy(page, chunk)
			c.pages = append(c.pages, page)
		} else {
			copy(c.pages[pageIdx], chunk)
		}
		n += ps
	}
	return n, nil
}

func pageSizeFromHeader(hdr []byte) int {
	if len(hdr) < 18 {
		return 0
	}
	v := int(hdr[16])<<8 | int(hdr[17])
	if v == 1 {
		return 65536
	}
	return v
}

func writeWAL(c *content, p []byte, off int64) (int, error) {
	if len(c.walHeader) == 0 {
		if off != 0 || len(p) != 32 {
			return 0, sqlite3.IOERR_WRITE
		}
		c.walHeader = append([]byte(nil), p...)
		return len(p), nil
	}
	bodyOff := off - 32
	if bodyOff < 0 {
		return 0, sqlite3.IOERR_WRITE
	}
	end := bodyOff + int64(len(p))
	if end > int64(len(c.walBody)) {
		grown := make([]byte, end)
		copy(grown, c.walBody)
		c.walBody = grown
	}
	copy(c.walBody[bodyOff:], p)
	return len(p), nil
}

func writeRaw(c *content, p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(c.raw)) {
		grown := make([]byte, end)
		copy(grown, c.raw)
		c.raw = grown
	}
	copy(c.raw[off:], p)
	return len(p), nil
}

// Truncate implements spec.md §4.1.2's truncation rules: page-aligned
// and shrink-only for MAIN_DB, zero-only for WAL, rejected for
// journals.
func (f *File) Truncate(size int64) error {
	c := f.content
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.class {
	case ClassMainDB:
		if c.pageSize == 0 {
			return nil
		}
		if size%int64(c.pageSize) != 0 {
			return sqlite3.IOERR_TRUNCATE
		}
		n := int(size / int64(c.pageSize))
		if n > len(c.pages) {
			return sqlite3.IOERR_TRUNCATE // growing via truncate is forbidden
		}
		c.pages = c.pages[:n]
		return nil
	case ClassWAL:
		if size != 0 {
			return sqlite3.IOERR_TRUNCATE
		}
		c.walHeader = nil
		c.walBody = nil
		return nil
	default:
		return sqlite3.IOERR_TRUNCATE
	}
}

func (f *File) Sync(vfs.SyncFlag) error { return nil }

func (f *File) Size() (int64, error) {
	c := f.content
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.class {
	case ClassMainDB:
		return int64(len(c.pages)) * int64(c.pageSize), nil
	case ClassWAL:
		if len(c.walHeader) == 0 {
			return 0, nil
		}
		return int64(len(c.walHeader) + len(c.walBody)), nil
	default:
		return int64(len(c.raw)), nil
	}
}

func (f *File) SizeHint(size int64) error { return nil }

// Lock raises this handle's level on SQLite's NONE/SHARED/RESERVED/
// PENDING/EXCLUSIVE ladder. The level is recorded per handle only:
// other handles on the same content are not consulted, so no level
// is ever refused as BUSY. A read-only handle is refused RESERVED and
// above. This governs the single legacy (non-byte-range) lock used
// for journal-mode files; WAL-index locking uses the 8 shm slots
// (ShmLock, below).
func (f *File) Lock(lock vfs.LockLevel) error {
	if f.lock >= lock {
		return nil
	}
	if f.readOnly && lock >= vfs.LOCK_RESERVED {
		return sqlite3.IOERR_LOCK
	}
	f.lock = lock
	return nil
}

func (f *File) Unlock(lock vfs.LockLevel) error {
	if f.lock <= lock {
		return nil
	}
	f.lock = lock
	return nil
}

func (f *File) CheckReservedLock() (bool, error) {
	return f.lock >= vfs.LOCK_RESERVED, nil
}

func (f *File) LockState() vfs.LockLevel { return f.lock }

func (f *File) SectorSize() int { return 0 }

func (f *File) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_ATOMIC | vfs.IOCAP_SAFE_APPEND | vfs.IOCAP_SEQUENTIAL | vfs.IOCAP_POWERSAFE_OVERWRITE
}

// FileControl implements the PRAGMA file-controls spec.md §4.1.3
// names: page_size may be set once (returns NOTFOUND, which SQLite
// reads as "proceed with the default handling"), any later attempt to
// change it is an error; journal_mode is forced to "wal".
func (f *File) FileControl(op int, ptr []byte) error {
	const (
		fcntlPageSize = 99901
		fcntlJournal  = 99902
	)
	switch op {
	case fcntlPageSize:
		c := f.content
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pageSize == 0 {
			return sqlite3.NOTFOUND
		}
		return sqlite3.IOERR
	case fcntlJournal:
		mode := string(ptr)
		if mode != "" && mode != "wal" {
			return sqlite3.IOERR
		}
		return nil
	default:
		return sqlite3.NOTFOUND
	}
}

var _ io.Closer = (*File)(nil)

// ShmFlag mirrors SQLite's xShmLock flag bits (SQLITE_SHM_{UNLOCK,
// LOCK,SHARED,EXCLUSIVE}), kept local rather than imported because the
// exact shared-memory extension surface varies across Go SQLite
// bindings; walrepl and the gateway only ever go through these named
// constants.
type ShmFlag int

const (
	ShmUnlock ShmFlag = 1 << iota
	ShmLock
	ShmShared
	ShmExclusive
)

// ShmMap implements the WAL-index shared-memory mapping of spec.md
// §3.1: region 0 is allocated (and, if extend is set, subsequent
// regions too) in shmBlockSize chunks, shared by every handle open on
// the same content.
func (f *File) ShmMap(region, size int, extend bool) ([]byte, error) {
	c := f.content
	c.shm.mu.Lock()
	defer c.shm.mu.Unlock()

	for len(c.shm.blocks) <= region {
		if !extend {
			return nil, nil
		}
		c.shm.blocks = append(c.shm.blocks, make([]byte, shmBlockSize))
	}
	return c.shm.blocks[region], nil
}

// ShmLock implements the 8-slot byte-range lock ladder spec.md
// §3.1/§4.1.3 describes: SHARED succeeds unless any targeted slot is
// held EXCLUSIVE; EXCLUSIVE succeeds only if every targeted slot is
// completely unheld (no shared count, not exclusive); UNLOCK on a slot
// that is not held is a no-op. Slot state is shared by every handle
// on the content; which handle took a lock is not recorded.
func (f *File) ShmLock(offset, n int, flags ShmFlag) error {
	c := f.content
	c.shm.mu.Lock()
	defer c.shm.mu.Unlock()

	if offset < 0 || offset+n > shmLockCount {
		return sqlite3.IOERR_SHMLOCK
	}

	switch {
	case flags&ShmUnlock != 0:
		for i := offset; i < offset+n; i++ {
			slot := &c.shm.locks[i]
			if slot.shared > 0 {
				slot.shared--
			}
			if flags&ShmExclusive != 0 {
				slot.exclusive = false
			}
		}
		return nil

	case flags&ShmShared != 0:
		for i := offset; i < offset+n; i++ {
			if c.shm.locks[i].exclusive {
				return sqlite3.BUSY
			}
		}
		for i := offset; i < offset+n; i++ {
			c.shm.locks[i].shared++
		}
		return nil

	case flags&ShmExclusive != 0:
		for i := offset; i < offset+n; i++ {
			if c.shm.locks[i].exclusive || c.shm.locks[i].shared > 0 {
				return sqlite3.BUSY
			}
		}
		for i := offset; i < offset+n; i++ {
			c.shm.locks[i].exclusive = true
		}
		return nil

	default:
		return sqlite3.MISUSE
	}
}

// ShmUnmap with deleteFlag discards the backing blocks and the lock
// slots at once (mirroring SQLite's "last connection wipes the
// wal-index" behavior after a checkpoint); other handles still open on
// the content are not counted. Without deleteFlag it does nothing.
func (f *File) ShmUnmap(deleteFlag bool) {
	if !deleteFlag {
		return
	}
	c := f.content
	c.shm.mu.Lock()
	defer c.shm.mu.Unlock()
	c.shm.blocks = nil
	c.shm.locks = [shmLockCount]lockSlot{}
}

// ShmBarrier is a memory barrier in SQLite's C implementation; our
// shmRegion.mu already provides the needed ordering on every access,
// so there is nothing additional to do here.
func (f *File) ShmBarrier() {}
