// Package membership implements the cluster configuration pool
// (spec.md §3.2): the set of `{ID, Address, Role}` members, kept in
// sync across the cluster as `CHANGE` log entries (spec.md §4.4.4).
//
// Grounded on internal/membership_teacher/types.go's
// Member/Pool/Reporter/Config interface split, retargeted from the
// teacher's live-connection-carrying Member (it owns a transport
// stream per peer) to dqlite-style {ID, Address, Role} records, since
// connection ownership here belongs to internal/transport, not to the
// membership pool.
package membership

import (
	"context"
	"sync"

	"github.com/sqlraftdb/sqlraft/internal/errs"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
)

// Changer is the subset of internal/engine.Engine membership needs to
// commit a new configuration.
type Changer interface {
	ProposeChange(ctx context.Context, change raftpb.Change) error
}

// Pool is the cluster's roster of members, restored from the most
// recent snapshot's Configuration and kept current by applying
// committed CHANGE entries (spec.md §4.4.4).
//
// Grounded on membership_teacher/types.go's Pool interface
// (NextID/Members/Add/Update/Remove/Snapshot/Restore), trimmed of the
// teacher's live-member lifecycle (Get/TearDown/RegisterTypeMatcher)
// since this pool holds data, not connections.
type Pool struct {
	changer Changer

	mu      sync.RWMutex
	members map[uint64]raftpb.Member
}

func New(changer Changer) *Pool {
	return &Pool{changer: changer, members: make(map[uint64]raftpb.Member)}
}

// Members returns a snapshot of the current roster.
func (p *Pool) Members() []raftpb.Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]raftpb.Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	return out
}

// Get looks up a member by id.
func (p *Pool) Get(id uint64) (raftpb.Member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[id]
	return m, ok
}

// Address implements engine.AddressBook, resolving a member id to the
// dial address internal/transport needs to send it a message.
func (p *Pool) Address(id uint64) (string, bool) {
	m, ok := p.Get(id)
	if !ok {
		return "", false
	}
	return m.Address, true
}

// NextID returns one more than the largest id in use, spec.md §3.2's
// join path: a joining server with no id yet is assigned one.
func (p *Pool) NextID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max uint64
	for id := range p.members {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Add proposes adding member to the cluster configuration, spec.md
// §3.2's join path. The member joins with the Role it carries; the
// zero Role is RoleSpare, and promotion is a separate Change.
func (p *Pool) Add(ctx context.Context, m raftpb.Member) error {
	p.mu.RLock()
	_, exists := p.members[m.ID]
	p.mu.RUnlock()
	if exists {
		return errs.New(errs.KindDuplicateID, "membership: id %d already in use", m.ID)
	}
	for _, existing := range p.Members() {
		if existing.Address == m.Address {
			return errs.New(errs.KindDuplicateAddress, "membership: address %q already in use", m.Address)
		}
	}
	return p.propose(ctx, m)
}

// Update proposes changing an existing member's address or role.
func (p *Pool) Update(ctx context.Context, m raftpb.Member) error {
	p.mu.RLock()
	_, exists := p.members[m.ID]
	p.mu.RUnlock()
	if !exists {
		return errs.New(errs.KindNotFound, "membership: no such member %d", m.ID)
	}
	return p.propose(ctx, m)
}

// Remove proposes dropping a member from the configuration.
func (p *Pool) Remove(ctx context.Context, id uint64) error {
	p.mu.RLock()
	_, exists := p.members[id]
	snapshot := make(map[uint64]raftpb.Member, len(p.members))
	for k, v := range p.members {
		snapshot[k] = v
	}
	p.mu.RUnlock()
	if !exists {
		return errs.New(errs.KindNotFound, "membership: no such member %d", id)
	}
	delete(snapshot, id)
	return p.changer.ProposeChange(ctx, raftpb.Change{Members: flatten(snapshot)})
}

func (p *Pool) propose(ctx context.Context, m raftpb.Member) error {
	p.mu.RLock()
	snapshot := make(map[uint64]raftpb.Member, len(p.members)+1)
	for k, v := range p.members {
		snapshot[k] = v
	}
	p.mu.RUnlock()
	snapshot[m.ID] = m
	return p.changer.ProposeChange(ctx, raftpb.Change{Members: flatten(snapshot)})
}

func flatten(m map[uint64]raftpb.Member) []raftpb.Member {
	out := make([]raftpb.Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Snapshot returns the roster to embed in a Raft snapshot (spec.md
// §4.3.2 step 2's conf_bytes).
func (p *Pool) Snapshot() []raftpb.Member {
	return p.Members()
}

// Restore replaces the roster wholesale, called both from loading a
// snapshot (spec.md §4.3.3) and from OnChange when a CHANGE entry
// commits (spec.md §4.4.4) — both are "install this configuration"
// and need no diffing against the old one.
func (p *Pool) Restore(members []raftpb.Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = make(map[uint64]raftpb.Member, len(members))
	for _, m := range members {
		p.members[m.ID] = m
	}
}

// Voters returns the ids of members with RoleVoter, the set etcd
// raft's leadership/quorum math should be seeded from.
func (p *Pool) Voters() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []uint64
	for id, m := range p.members {
		if m.Role == raftpb.RoleVoter {
			out = append(out, id)
		}
	}
	return out
}
