package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Context.RetainThreshold)
	assert.Equal(t, 50, cfg.Context.MaxWindow)
	assert.Equal(t, 30*time.Second, cfg.Approval.ApprovalTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Approval.ExecutionTimeout.Std())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: text
active_provider: openai
providers:
  - id: openai
    api_key: sk-test
    model: gpt-4o-mini
    vision: true
fallback_provider: anthropic
tool_servers:
  - id: files
    command: /usr/local/bin/file-server
    args: ["--root", "/tmp"]
    enabled: true
roles:
  - id: coder
    name: Coder
    prompt: "You write code."
    keywords: [code, bug, compile]
approval:
  approval_timeout: 10s
  execution_timeout: 2m
plugins:
  dir: ./capabilities
  stop_grace_period: 3s
  watch: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Approval.ApprovalTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Approval.ExecutionTimeout.Std())
	assert.Equal(t, 20, cfg.Context.RetainThreshold, "defaults survive partial files")
	assert.True(t, cfg.Plugins.Watch)

	p, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.True(t, p.Vision)

	role, ok := cfg.Role("coder")
	require.True(t, ok)
	assert.Contains(t, role.Keywords, "bug")

	require.Len(t, cfg.ToolServers, 1)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.ToolServers[0].Args)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	badWindow := filepath.Join(dir, "window.yaml")
	require.NoError(t, os.WriteFile(badWindow, []byte("context:\n  retain_threshold: 30\n  max_window: 10\n"), 0o600))
	_, err := Load(badWindow)
	require.Error(t, err)

	dupServer := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dupServer, []byte(`
tool_servers:
  - {id: files, command: a, enabled: true}
  - {id: files, command: b, enabled: true}
`), 0o600))
	_, err = Load(dupServer)
	require.Error(t, err)

	badDuration := filepath.Join(dir, "dur.yaml")
	require.NoError(t, os.WriteFile(badDuration, []byte("approval:\n  approval_timeout: soon\n"), 0o600))
	_, err = Load(badDuration)
	require.Error(t, err)
}
