package viper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Channel struct {
		Tag        string        `mapstructure:"tag"`
		HardDelete bool          `mapstructure:"hardDelete"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"channel"`
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9000"
channel:
  tag: devices
  hardDelete: true
  timeout: 3s
`)
	cfg := New("")
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, path, cfg.ConfigFileUsed())
	assert.True(t, cfg.IsSet("channel.tag"))

	var out testConfig
	require.NoError(t, cfg.Unmarshal(&out))
	assert.Equal(t, ":9000", out.Server.Addr)
	assert.Equal(t, "devices", out.Channel.Tag)
	assert.True(t, out.Channel.HardDelete)
	assert.Equal(t, 3*time.Second, out.Channel.Timeout)
}

func TestDefaultsAndEnv(t *testing.T) {
	t.Setenv("PUSHTEST_SERVER_ADDR", ":7000")

	cfg := New("PUSHTEST")
	cfg.SetDefault("server.addr", ":8080")
	cfg.SetDefault("channel.tag", "default")

	var out testConfig
	require.NoError(t, cfg.Unmarshal(&out))
	assert.Equal(t, ":7000", out.Server.Addr)
	assert.Equal(t, "default", out.Channel.Tag)
}

func TestUnmarshalKey(t *testing.T) {
	path := writeFile(t, "config.json", `{"channel": {"tag": "json-tag"}}`)
	cfg := New("")
	require.NoError(t, cfg.LoadFile(path))

	var channel struct {
		Tag string `mapstructure:"tag"`
	}
	require.NoError(t, cfg.UnmarshalKey("channel", &channel))
	assert.Equal(t, "json-tag", channel.Tag)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := New("")
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
