package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setting.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `{"node": {"node_id": 1001}}`)
	cfg, err := load(path)
	require.NoError(t, err)

	n := cfg.Node
	assert.Equal(t, uint64(1001), n.NodeID)
	assert.Equal(t, "tcp", n.Transport)
	assert.Equal(t, uint64(10_000), n.PingIntervalMs)
	assert.Equal(t, uint64(30_000), n.IdleTimeoutMs)
	assert.Equal(t, uint64(20), n.AckIntervalMs)
	assert.Equal(t, uint32(256), n.AckBatchSize)
	assert.Equal(t, uint32(32*1024*1024), n.RecvWindow)
	assert.Equal(t, "memory", n.Storage.Mode)
	assert.Equal(t, 16*1024*1024, n.MaxFrameSize)
}

func TestLoadRejectsZeroNodeID(t *testing.T) {
	path := writeConfig(t, `{"node": {}}`)
	_, err := load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadTransport(t *testing.T) {
	path := writeConfig(t, `{"node": {"node_id": 1, "transport": "carrier-pigeon"}}`)
	_, err := load(path)
	assert.Error(t, err)
}

func TestLoadRequiresTLSMaterial(t *testing.T) {
	path := writeConfig(t, `{"node": {"node_id": 1, "transport": "tls"}}`)
	_, err := load(path)
	assert.Error(t, err)
}

func TestLoadRequiresDataDirForFileStorage(t *testing.T) {
	path := writeConfig(t, `{"node": {"node_id": 1, "storage": {"mode": "file"}}}`)
	_, err := load(path)
	assert.Error(t, err)
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"node": {"node_id": 1, "future_knob": true}, "extra": 1}`)
	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.Node.NodeID)
}

func TestReload(t *testing.T) {
	path := writeConfig(t, `{"log": {"level": "debug"}, "node": {"node_id": 7}}`)
	require.NoError(t, Reload(path))
	assert.Equal(t, uint64(7), GlobalCfg.Node.NodeID)
	assert.Equal(t, "debug", GlobalCfg.LogLevel())

	assert.Error(t, Reload(filepath.Join(t.TempDir(), "missing.json")))
}
