package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMasterDefaultsWithNoFileOrFlags(t *testing.T) {
	cfg, err := LoadMaster("", flag.NewFlagSet("master", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.PublishAddr)
	assert.Equal(t, 8080, cfg.HTTPPort)
}

func TestLoadMasterFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9090\n"), 0o644))

	cfg, err := LoadMaster(path, flag.NewFlagSet("master", flag.ContinueOnError), []string{"--http-port", "7070"})
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTPPort)
}

func TestLoadMasterEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9090\n"), 0o644))

	t.Setenv("RALLY_HTTP_PORT", "6060")

	cfg, err := LoadMaster(path, flag.NewFlagSet("master", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.HTTPPort)
}

func TestLoadAgentDefaultsAgentIDEmpty(t *testing.T) {
	cfg, err := LoadAgent("", flag.NewFlagSet("agent", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.AgentID)
	assert.Equal(t, "127.0.0.1:1234", cfg.SubscribeURL)
}
