package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.Node.DataDir)
	assert.Equal(t, TopologyStandalone, cfg.Node.Topology)
	assert.Equal(t, StrategyNone, cfg.Node.Strategy)

	assert.NotEmpty(t, cfg.Network.ListenSwim)
	assert.NotEmpty(t, cfg.Network.ListenGossip)
	assert.NotNil(t, cfg.Network.Peers)
}

func TestSaveLoadConfig(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "fleetsup-test")
	assert.NoError(t, err)
	defer os.RemoveAll(tempDir)

	cfg := DefaultConfig()
	cfg.Node.ID = "test-node"
	cfg.Node.DataDir = filepath.Join(tempDir, "data")
	cfg.Network.ListenSwim = "127.0.0.1:9001"
	cfg.Network.ListenGossip = "127.0.0.1:9001"
	cfg.Network.Peers = []string{"127.0.0.1:9638"}

	configFile := filepath.Join(tempDir, "config.yaml")
	err = cfg.SaveConfig(configFile)
	assert.NoError(t, err)

	loaded, err := LoadConfig(configFile)
	assert.NoError(t, err)

	assert.Equal(t, cfg.Node.ID, loaded.Node.ID)
	assert.Equal(t, cfg.Node.DataDir, loaded.Node.DataDir)
	assert.Equal(t, cfg.Network.ListenSwim, loaded.Network.ListenSwim)
	assert.Equal(t, cfg.Network.ListenGossip, loaded.Network.ListenGossip)
	assert.Equal(t, cfg.Network.Peers, loaded.Network.Peers)
}

func TestLoadConfigNonExistent(t *testing.T) {
	cfg, err := LoadConfig("/non/existent/file.yaml")

	assert.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.Node.DataDir)
}

func TestParseTopology(t *testing.T) {
	_, err := ParseTopology("leader")
	assert.NoError(t, err)

	_, err = ParseTopology("bogus")
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	_, err := ParseStrategy("rolling")
	assert.NoError(t, err)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}

func TestValidateListenAddr(t *testing.T) {
	assert.NoError(t, ValidateListenAddr("0.0.0.0:9638"))
	assert.Error(t, ValidateListenAddr("not-an-addr"))
}