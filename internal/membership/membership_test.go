package membership_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/membership"
	"github.com/sqlraftdb/sqlraft/internal/raftpb"
)

type fakeChanger struct {
	last raftpb.Change
}

func (c *fakeChanger) ProposeChange(_ context.Context, change raftpb.Change) error {
	c.last = change
	return nil
}

func TestAddRejectsDuplicateIDAndAddress(t *testing.T) {
	changer := &fakeChanger{}
	pool := membership.New(changer)
	pool.Restore([]raftpb.Member{{ID: 1, Address: "a:1", Role: raftpb.RoleVoter}})

	require.Error(t, pool.Add(context.Background(), raftpb.Member{ID: 1, Address: "b:2"}))
	require.Error(t, pool.Add(context.Background(), raftpb.Member{ID: 2, Address: "a:1"}))

	require.NoError(t, pool.Add(context.Background(), raftpb.Member{ID: 2, Address: "b:2", Role: raftpb.RoleSpare}))
	require.Len(t, changer.last.Members, 2)
}

func TestAddressResolvesFromPool(t *testing.T) {
	pool := membership.New(&fakeChanger{})
	pool.Restore([]raftpb.Member{{ID: 7, Address: "host:9001", Role: raftpb.RoleVoter}})

	addr, ok := pool.Address(7)
	require.True(t, ok)
	require.Equal(t, "host:9001", addr)

	_, ok = pool.Address(8)
	require.False(t, ok)
}

func TestNextIDSkipsUsed(t *testing.T) {
	pool := membership.New(&fakeChanger{})
	pool.Restore([]raftpb.Member{{ID: 1}, {ID: 3}})
	require.Equal(t, uint64(4), pool.NextID())
}

func TestRemove(t *testing.T) {
	changer := &fakeChanger{}
	pool := membership.New(changer)
	pool.Restore([]raftpb.Member{{ID: 1, Address: "a:1"}, {ID: 2, Address: "b:2"}})

	require.NoError(t, pool.Remove(context.Background(), 1))
	require.Len(t, changer.last.Members, 1)
	require.Equal(t, uint64(2), changer.last.Members[0].ID)

	require.Error(t, pool.Remove(context.Background(), 99))
}
