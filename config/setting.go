package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// projectConfig is the top-level document read from setting.json.
type projectConfig struct {
	Log  logConfig  `json:"log"`
	Node NodeConfig `json:"node"`
}

type logConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// NodeConfig describes one mesh node. Unknown keys in the file are
// ignored.
type NodeConfig struct {
	NodeID       uint64   `json:"node_id"`
	ListenAddr   string   `json:"listen_addr"`
	ConnectAddrs []string `json:"connect_addrs"`

	// Transport is "tcp", "tls", or "quic".
	Transport string    `json:"transport"`
	TLS       TLSConfig `json:"tls"`

	PingIntervalMs uint64 `json:"ping_interval_ms"`
	IdleTimeoutMs  uint64 `json:"idle_timeout_ms"`

	Storage StorageConfig `json:"storage"`

	AckIntervalMs uint64 `json:"ack_interval_ms"`
	AckBatchSize  uint32 `json:"ack_batch_size"`
	RecvWindow    uint32 `json:"recv_window"`

	NeighborsBootstrap          []uint64 `json:"neighbors_bootstrap"`
	TopologyRecomputeIntervalMs uint64   `json:"topology_recompute_interval_ms"`
	MaxFrameSize                int      `json:"max_frame_size"`

	MetricsAddr string `json:"metrics_addr"`
}

// TLSConfig carries certificate material paths and the identity policy.
type TLSConfig struct {
	CertFile     string `json:"cert"`
	KeyFile      string `json:"key"`
	CAFile       string `json:"ca"`
	SNI          string `json:"sni"`
	VerifyNodeID bool   `json:"verify_node_id"`
}

// StorageConfig selects the reliability store backend.
type StorageConfig struct {
	Mode         string `json:"mode"`
	DataDir      string `json:"data_dir"`
	SegmentBytes int64  `json:"segment_bytes"`
	FsyncEvery   int    `json:"fsync_every"`
}

// GlobalCfg is the configuration in effect.
var GlobalCfg *projectConfig

func init() {
	// The config file path can be overridden through the environment.
	path := os.Getenv("MESHD_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	cfg, err := load(path)
	if err != nil {
		// Not fatal here: main reloads with the -config flag and fails
		// hard there.
		cfg = &projectConfig{}
		cfg.Node.fillDefaults()
	}
	GlobalCfg = cfg
}

func load(path string) (*projectConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Node.verify(); err != nil {
		return nil, fmt.Errorf("verify %s: %w", path, err)
	}
	return &cfg, nil
}

// Reload replaces the global configuration from the given path.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

// Log accessors for the logging setup.
func (c *projectConfig) LogLevel() string { return c.Log.Level }
func (c *projectConfig) LogPath() string  { return c.Log.Path }

// verify fills defaults and rejects invalid combinations.
func (c *NodeConfig) verify() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node_id must be nonzero")
	}
	c.fillDefaults()
	switch c.Transport {
	case "tcp":
	case "tls", "quic":
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" || c.TLS.CAFile == "" {
			return fmt.Errorf("%s transport requires tls cert, key, and ca", c.Transport)
		}
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	switch c.Storage.Mode {
	case "memory":
	case "file":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("file storage requires data_dir")
		}
	default:
		return fmt.Errorf("invalid storage mode %q", c.Storage.Mode)
	}
	return nil
}

func (c *NodeConfig) fillDefaults() {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.PingIntervalMs == 0 {
		c.PingIntervalMs = 10_000
	}
	if c.IdleTimeoutMs == 0 {
		c.IdleTimeoutMs = 30_000
	}
	if c.AckIntervalMs == 0 {
		c.AckIntervalMs = 20
	}
	if c.AckBatchSize == 0 {
		c.AckBatchSize = 256
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = 32 * 1024 * 1024
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = "memory"
	}
	if c.Storage.SegmentBytes == 0 {
		c.Storage.SegmentBytes = 128 * 1024 * 1024
	}
	if c.Storage.FsyncEvery == 0 {
		c.Storage.FsyncEvery = 1
	}
	if c.TopologyRecomputeIntervalMs == 0 {
		c.TopologyRecomputeIntervalMs = 30_000
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 16 * 1024 * 1024
	}
}
