package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlraftdb/sqlraft/internal/config"
)

func TestDefaults(t *testing.T) {
	c := config.New()
	require.Equal(t, 15000*time.Millisecond, c.HeartbeatTimeout)
	require.Equal(t, 4096, c.PageSize)
	require.Equal(t, uint64(1000), c.CheckpointThreshold)
	require.Equal(t, int64(8*1024*1024), c.SegmentSize)
	require.Equal(t, uint64(8192), c.SnapshotTrailing)
	require.Equal(t, 2, c.SegmentPoolSize)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := config.New(
		config.WithPageSize(512),
		config.WithCheckpointThreshold(1),
		config.WithMetrics(true),
	)
	require.Equal(t, 512, c.PageSize)
	require.Equal(t, uint64(1), c.CheckpointThreshold)
	require.True(t, c.Metrics)
}

func TestOpcodeStringer(t *testing.T) {
	require.Equal(t, "CHECKPOINT_THRESHOLD", config.OpCheckpointThreshold.String())
	require.Equal(t, "METRICS", config.OpMetrics.String())
}
