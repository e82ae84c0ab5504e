package raftpb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/raftpb"
)

func TestCommandRoundTrip(t *testing.T) {
	cmd := raftpb.Command{
		DBName:   "test.db",
		PageSize: 4096,
		Commit:   true,
		Truncate: 3,
		Frames: []raftpb.Frame{
			{PageNumber: 1, Page: make([]byte, 4096)},
			{PageNumber: 2, Page: []byte("short page, not actually pagesize")},
		},
	}
	buf := raftpb.EncodeCommand(cmd)
	got, err := raftpb.DecodeCommand(buf)
	require.NoError(t, err)
	require.Equal(t, cmd.DBName, got.DBName)
	require.Equal(t, cmd.PageSize, got.PageSize)
	require.Equal(t, cmd.Commit, got.Commit)
	require.Equal(t, cmd.Truncate, got.Truncate)
	require.Len(t, got.Frames, 2)
	require.Equal(t, cmd.Frames[0].Page, got.Frames[0].Page)
	require.Equal(t, cmd.Frames[1].Page, got.Frames[1].Page)
}

func TestCommandRoundTripNoFrames(t *testing.T) {
	cmd := raftpb.Command{DBName: "empty.db", PageSize: 4096, Commit: false}
	got, err := raftpb.DecodeCommand(raftpb.EncodeCommand(cmd))
	require.NoError(t, err)
	require.Equal(t, cmd.DBName, got.DBName)
	require.False(t, got.Commit)
	require.Empty(t, got.Frames)
}

func TestChangeRoundTrip(t *testing.T) {
	change := raftpb.Change{
		Members: []raftpb.Member{
			{ID: 1, Address: "10.0.0.1:9090", Role: raftpb.RoleVoter},
			{ID: 2, Address: "10.0.0.2:9090", Role: raftpb.RoleStandby},
			{ID: 3, Address: "10.0.0.3:9090", Role: raftpb.RoleSpare},
		},
	}
	got, err := raftpb.DecodeChange(raftpb.EncodeChange(change))
	require.NoError(t, err)
	require.Equal(t, change.Members, got.Members)
}

func TestChangeRoundTripEmpty(t *testing.T) {
	got, err := raftpb.DecodeChange(raftpb.EncodeChange(raftpb.Change{}))
	require.NoError(t, err)
	require.Empty(t, got.Members)
}

func TestDecodeCommandTruncated(t *testing.T) {
	buf := raftpb.EncodeCommand(raftpb.Command{DBName: "x.db", PageSize: 4096, Commit: true})
	_, err := raftpb.DecodeCommand(buf[:len(buf)-8])
	require.Error(t, err)
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "voter", raftpb.RoleVoter.String())
	require.Equal(t, "standby", raftpb.RoleStandby.String())
	require.Equal(t, "spare", raftpb.RoleSpare.String())
}
