package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8720", c.ListenAddr)
	assert.False(t, c.TrustLoopback, "trust_loopback should default off")
	assert.Equal(t, 6, c.CompressionLevel)
	assert.Equal(t, 7*24*time.Hour, c.AttemptRetention)
	assert.Equal(t, 30*24*time.Hour, c.RollupRetention)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAUDELENS_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("CLAUDELENS_TRUST_LOOPBACK", "true")
	t.Setenv("CLAUDELENS_SIGNING_SECRET", "sekrit")
	t.Setenv("CLAUDELENS_SHUTDOWN_GRACE", "3s")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", c.ListenAddr)
	assert.True(t, c.TrustLoopback, "trust_loopback not read from env")
	assert.Equal(t, "sekrit", c.SigningSecret)
	assert.Equal(t, 3*time.Second, c.ShutdownGrace)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claudelens.yaml")
	body := "listen_addr: 10.0.0.1:8000\nlog_level: debug\ncompression_level: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CLAUDELENS_LISTEN_ADDR", "10.0.0.2:8001")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2:8001", c.ListenAddr, "env should win over file")
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 9, c.CompressionLevel)
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err, "missing named config file should fail")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"compression too low", func(c *Config) { c.CompressionLevel = 0 }},
		{"compression too high", func(c *Config) { c.CompressionLevel = 10 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load("")
			require.NoError(t, err)
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
