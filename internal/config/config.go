// Package config implements the configuration opcode table spec.md
// §6.3 exposes across the C ABI boundary: 7 options (LOGGER through
// METRICS), each with a documented default, plus the related
// operational defaults (segment target size, snapshot trailing,
// connect retry, prepared-segment pool size) spec.md §6.3 lists
// alongside them.
//
// Grounded on spec.md §6.3 directly (the teacher has no equivalent
// opcode table — `linka-cloud-raft` is configured through Go struct
// fields and functional options, referenced only by name in
// raftengine_teacher/engine.go's unretrieved `raft.WithInitCluster`).
// The functional-options constructor shape below mirrors that
// reference.
package config

import (
	"time"

	"github.com/sqlraftdb/sqlraft/internal/raftlog"
)

// Opcode identifies one of the 7 recognized configuration options,
// spec.md §6.3.
type Opcode uint8

const (
	OpLogger Opcode = iota
	OpVFS
	OpWALReplication
	OpHeartbeatTimeout
	OpPageSize
	OpCheckpointThreshold
	OpMetrics
)

func (o Opcode) String() string {
	switch o {
	case OpLogger:
		return "LOGGER"
	case OpVFS:
		return "VFS"
	case OpWALReplication:
		return "WAL_REPLICATION"
	case OpHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case OpPageSize:
		return "PAGE_SIZE"
	case OpCheckpointThreshold:
		return "CHECKPOINT_THRESHOLD"
	case OpMetrics:
		return "METRICS"
	default:
		return "UNKNOWN"
	}
}

// Defaults for the values spec.md §6.3 names, whether or not they are
// one of the 7 numbered opcodes.
const (
	DefaultHeartbeatTimeout    = 15000 * time.Millisecond
	DefaultPageSize            = 4096
	DefaultCheckpointThreshold = 1000
	DefaultSegmentSize         = 8 * 1024 * 1024
	DefaultSnapshotTrailing    = 8192
	DefaultConnectRetryDelay   = 1000 * time.Millisecond
	DefaultSegmentPoolSize     = 2
)

// Config is the resolved set of options after applying opcodes 0..6
// over their defaults.
type Config struct {
	Logger              raftlog.Logger
	VFSName             string
	WALReplicationName  string
	HeartbeatTimeout    time.Duration
	PageSize            int
	CheckpointThreshold uint64
	Metrics             bool

	SegmentSize       int64
	SnapshotTrailing  uint64
	ConnectRetryDelay time.Duration
	SegmentPoolSize   int
}

// Option applies one configuration opcode.
type Option func(*Config)

// WithLogger is opcode 0, LOGGER.
func WithLogger(l raftlog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithVFS is opcode 1, VFS: the name of the VFS module to use.
func WithVFS(name string) Option {
	return func(c *Config) { c.VFSName = name }
}

// WithWALReplication is opcode 2, WAL_REPLICATION.
func WithWALReplication(name string) Option {
	return func(c *Config) { c.WALReplicationName = name }
}

// WithHeartbeatTimeout is opcode 3, HEARTBEAT_TIMEOUT (milliseconds
// on the wire; taken here as a time.Duration).
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatTimeout = d }
}

// WithPageSize is opcode 4, PAGE_SIZE.
func WithPageSize(bytes int) Option {
	return func(c *Config) { c.PageSize = bytes }
}

// WithCheckpointThreshold is opcode 5, CHECKPOINT_THRESHOLD.
func WithCheckpointThreshold(frames uint64) Option {
	return func(c *Config) { c.CheckpointThreshold = frames }
}

// WithMetrics is opcode 6, METRICS.
func WithMetrics(enabled bool) Option {
	return func(c *Config) { c.Metrics = enabled }
}

// WithSegmentSize overrides the default segment target size.
func WithSegmentSize(bytes int64) Option {
	return func(c *Config) { c.SegmentSize = bytes }
}

// WithSnapshotTrailing overrides the default trailing-entries policy.
func WithSnapshotTrailing(n uint64) Option {
	return func(c *Config) { c.SnapshotTrailing = n }
}

// WithConnectRetryDelay sets ConnectRetryDelay. The transport's
// reconnect delay is a fixed constant and does not read this field.
func WithConnectRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.ConnectRetryDelay = d }
}

// WithSegmentPoolSize sets SegmentPoolSize. The segment store does not
// read this field; it creates segments on demand.
func WithSegmentPoolSize(n int) Option {
	return func(c *Config) { c.SegmentPoolSize = n }
}

// New builds a Config from its documented defaults, then applies opts
// in order (later options win on conflicting fields).
func New(opts ...Option) *Config {
	c := &Config{
		Logger:              raftlog.Discard,
		VFSName:             "memory",
		WALReplicationName:  "raft",
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		PageSize:            DefaultPageSize,
		CheckpointThreshold: DefaultCheckpointThreshold,
		SegmentSize:         DefaultSegmentSize,
		SnapshotTrailing:    DefaultSnapshotTrailing,
		ConnectRetryDelay:   DefaultConnectRetryDelay,
		SegmentPoolSize:     DefaultSegmentPoolSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
