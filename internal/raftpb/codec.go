package raftpb

import (
	"github.com/sqlraftdb/sqlraft/internal/codec"
	"github.com/sqlraftdb/sqlraft/internal/errs"
)

// EncodeCommand serializes a Command to the byte layout spec.md
// §4.4.2 step 1 describes, reusing the word-aligned codec shared with
// the client wire protocol (spec.md §4.5.1) rather than a bespoke
// format, since both are "little-endian, NUL-terminated strings,
// 8-byte aligned".
func EncodeCommand(c Command) []byte {
	w := codec.NewWriter()
	w.PutString(c.DBName)
	w.PutUint32(c.PageSize)
	w.PutUint32(uint32(len(c.Frames)))
	if c.Commit {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
	w.Pad()
	w.PutUint32(c.Truncate)
	w.Pad()
	for _, fr := range c.Frames {
		w.PutUint32(fr.PageNumber)
		w.PutUint32(uint32(len(fr.Page)))
		w.PutRaw(fr.Page)
		w.Pad()
	}
	return w.Bytes()
}

// EncodeChange serializes a Change (a full configuration replacement,
// spec.md §4.4.4) using the same word-aligned codec.
func EncodeChange(c Change) []byte {
	w := codec.NewWriter()
	w.PutUint32(uint32(len(c.Members)))
	w.Pad()
	for _, m := range c.Members {
		w.PutUint64(m.ID)
		w.PutUint8(uint8(m.Role))
		w.Pad()
		w.PutString(m.Address)
	}
	return w.Bytes()
}

// DecodeChange is EncodeChange's inverse.
func DecodeChange(buf []byte) (Change, error) {
	r := codec.NewReader(buf)
	var c Change
	n, err := r.Uint32()
	if err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode change: n")
	}
	r.SkipPad()
	c.Members = make([]Member, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.Uint64()
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode change: member %d id", i)
		}
		role, err := r.Uint8()
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode change: member %d role", i)
		}
		r.SkipPad()
		addr, err := r.String()
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode change: member %d address", i)
		}
		c.Members = append(c.Members, Member{ID: id, Role: Role(role), Address: addr})
	}
	return c, nil
}

// DecodeCommand is EncodeCommand's inverse.
func DecodeCommand(buf []byte) (Command, error) {
	r := codec.NewReader(buf)
	var c Command
	var err error
	if c.DBName, err = r.String(); err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode command: db_name")
	}
	if c.PageSize, err = r.Uint32(); err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode command: pgsz")
	}
	n, err := r.Uint32()
	if err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode command: n")
	}
	commit, err := r.Uint8()
	if err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode command: commit")
	}
	c.Commit = commit != 0
	r.SkipPad()
	if c.Truncate, err = r.Uint32(); err != nil {
		return c, errs.Wrapf(err, errs.KindParse, "decode command: truncate")
	}
	r.SkipPad()
	c.Frames = make([]Frame, 0, n)
	for i := uint32(0); i < n; i++ {
		pn, err := r.Uint32()
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode command: frame %d page_number", i)
		}
		plen, err := r.Uint32()
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode command: frame %d len", i)
		}
		page, err := r.Raw(int(plen))
		if err != nil {
			return c, errs.Wrapf(err, errs.KindParse, "decode command: frame %d page", i)
		}
		c.Frames = append(c.Frames, Frame{PageNumber: pn, Page: append([]byte(nil), page...)})
		r.SkipPad()
	}
	return c, nil
}
