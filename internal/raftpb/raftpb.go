// Package raftpb defines the plain data types exchanged between the
// engine (C6), the segment store (C3), and the membership layer:
// cluster members and the three Raft log entry kinds spec.md §3
// names (COMMAND, BARRIER, CHANGE).
package raftpb

// Role is a cluster member's voting role, spec.md §3.2.
type Role uint8

const (
	RoleSpare Role = iota
	RoleStandby
	RoleVoter
)

func (r Role) String() string {
	switch r {
	case RoleVoter:
		return "voter"
	case RoleStandby:
		return "standby"
	default:
		return "spare"
	}
}

// Member is one entry in the cluster configuration, spec.md §3.2.
type Member struct {
	ID      uint64
	Address string
	Role    Role
}

// EntryKind tags what an entry's Data means, spec.md §4.4.4:
// COMMAND entries carry WAL frames and are handed to the VFS; BARRIER
// and CHANGE entries are applied by the engine itself.
type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryBarrier
	EntryChange
)

// Command is the decoded payload of a COMMAND entry, spec.md §4.4.2
// step 1: "{db_name, pgsz, n, commit, truncate, [page_number,
// page_bytes]*n}".
type Command struct {
	DBName   string
	PageSize uint32
	Commit   bool
	Truncate uint32
	Frames   []Frame
}

// Frame is one WAL frame: a page number and its page-sized payload.
type Frame struct {
	PageNumber uint32
	Page       []byte
}

// Change is the decoded payload of a CHANGE entry: a full replacement
// of the cluster configuration.
type Change struct {
	Members []Member
}
