// Package config loads the node configuration from a JSON file. Fields left
// empty in the file take their defaults, and cobra flags override both.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds every runtime option of a node.
type Config struct {
	DataDir string `json:"data_dir"`

	StoreBackend string `json:"store_backend"`
	SQLitePath   string `json:"sqlite_path"`

	WALEnabled bool   `json:"wal_enabled"`
	WALSync    bool   `json:"wal_sync"`
	WALPath    string `json:"wal_path"`

	SnapshotDir      string   `json:"snapshot_dir"`
	SnapshotKeep     int      `json:"snapshot_keep"`
	SnapshotInterval Duration `json:"snapshot_interval"`
	CheckpointEvery  uint32   `json:"checkpoint_every"`
	HistoryDir       string   `json:"history_dir"`
	HTTPAddr         string   `json:"http_addr"`
	GRPCAddr         string   `json:"grpc_addr"`
	FollowAddr       string   `json:"follow_addr"`
	FeedBuffer       int      `json:"feed_buffer"`
	LogLevel         string   `json:"log_level"`
	LogFormat        string   `json:"log_format"`
	TracingEndpoint  string   `json:"tracing_endpoint"`
	TracingService   string   `json:"tracing_service"`
	ShutdownTimeout  Duration `json:"shutdown_timeout"`
	RequestBodyLimit int64    `json:"request_body_limit"`
	CloseTimeout     Duration `json:"close_timeout"`
	RequireAPIKeys   bool     `json:"require_api_keys"`
}

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration of a single local node.
func Default() *Config {
	return &Config{
		DataDir:          "data",
		StoreBackend:     BackendMemory,
		WALEnabled:       true,
		SnapshotKeep:     3,
		SnapshotInterval: Duration(5 * time.Minute),
		CheckpointEvery:  100,
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		FeedBuffer:       64,
		LogLevel:         "info",
		LogFormat:        "json",
		TracingService:   "cloudledger",
		ShutdownTimeout:  Duration(10 * time.Second),
		RequestBodyLimit: 4 << 20,
		CloseTimeout:     Duration(30 * time.Second),
	}
}

// Load reads path and fills unset fields from Default. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	def := Default()
	if path == "" {
		return def, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	c := Default()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeInvalidInput, "parse config "+path, err)
	}
	c.merge(def)
	return c, nil
}

// merge copies def into fields the file set to their zero value.
func (c *Config) merge(def *Config) {
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.StoreBackend == "" {
		c.StoreBackend = def.StoreBackend
	}
	if c.SnapshotKeep == 0 {
		c.SnapshotKeep = def.SnapshotKeep
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = def.CheckpointEvery
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = def.GRPCAddr
	}
	if c.FeedBuffer == 0 {
		c.FeedBuffer = def.FeedBuffer
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.TracingService == "" {
		c.TracingService = def.TracingService
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RequestBodyLimit == 0 {
		c.RequestBodyLimit = def.RequestBodyLimit
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = def.CloseTimeout
	}
}

// Resolve fills the file locations that were left empty with paths under
// DataDir.
func (c *Config) Resolve() {
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.WALPath == "" {
		c.WALPath = filepath.Join(c.DataDir, "wal", "entries.wal")
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.HistoryDir == "" {
		c.HistoryDir = filepath.Join(c.DataDir, "history")
	}
}

// Validate rejects configurations a node cannot start with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return ledgerErr.Newf(ledgerErr.ErrorTypeInvalidInput, format, args...)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite:
	default:
		return invalid("unknown store backend %q", c.StoreBackend)
	}
	if c.DataDir == "" {
		return invalid("data_dir is empty")
	}
	if c.HTTPAddr == "" {
		return invalid("http_addr is empty")
	}
	if c.GRPCAddr == "" {
		return invalid("grpc_addr is empty")
	}
	if c.SnapshotKeep < 1 {
		return invalid("snapshot_keep must be at least 1, got %d", c.SnapshotKeep)
	}
	if c.FeedBuffer < 1 {
		return invalid("feed_buffer must be positive, got %d", c.FeedBuffer)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return invalid("unknown log format %q", c.LogFormat)
	}
	return nil
}
