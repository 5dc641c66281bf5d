package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return v
}

func TestLoadDefaults(t *testing.T) {
	v := newViper(t, "api:\n  base_url: https://api.example.com/\n")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.NDT7.Duration)
	assert.Equal(t, 32<<10, cfg.NDT7.ChunkSize)
	assert.Equal(t, 1<<20, cfg.NDT7.MaxBacklog)
	assert.Equal(t, 256, cfg.HTTP.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Session.ExpiryMargin)
	assert.Equal(t, ProxySourceFile, cfg.Proxy.Source)
	assert.Equal(t, "https://api.example.com/api/speedtest/report", cfg.API.ReportURL())
	assert.Equal(t, "https://api.example.com/api/user/profile", cfg.API.ProfileURL())
}

func TestLoadOverrides(t *testing.T) {
	v := newViper(t, `
api:
  base_url: https://api.example.com
proxy:
  enabled: true
  source: database
  max_retries: 5
schedule:
  interval: 30m
  account_delay: 5s
http:
  origin: https://app.example.com
  referer: https://app.example.com/speedtest
`)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.True(t, cfg.Proxy.Enabled)
	assert.Equal(t, ProxySourceDatabase, cfg.Proxy.Source)
	assert.Equal(t, 5, cfg.Proxy.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, 5*time.Second, cfg.Schedule.AccountDelay)

	h := cfg.HTTP.Header()
	assert.Equal(t, "https://app.example.com", h.Get("Origin"))
	assert.Equal(t, "https://app.example.com/speedtest", h.Get("Referer"))
	assert.NotEmpty(t, h.Get("User-Agent"))
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing base url", yaml: "proxy:\n  enabled: false\n"},
		{name: "bad proxy source", yaml: "api:\n  base_url: http://x\nproxy:\n  source: redis\n"},
		{name: "zero retries", yaml: "api:\n  base_url: http://x\nproxy:\n  max_retries: 0\n"},
		{name: "backlog below chunk", yaml: "api:\n  base_url: http://x\nndt7:\n  max_backlog: 1024\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadOfflineWithoutAPI(t *testing.T) {
	v := newViper(t, "accounts_file: tokens.txt\nsession:\n  expiry_margin: 2m\n")

	_, err := Load(v)
	assert.Error(t, err)

	cfg, err := LoadOffline(v)
	require.NoError(t, err)
	assert.Equal(t, "tokens.txt", cfg.AccountsFile)
	assert.Equal(t, 2*time.Minute, cfg.Session.ExpiryMargin)
}

func TestLoadOfflineValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "negative margin", yaml: "session:\n  expiry_margin: -1s\n"},
		{name: "empty accounts file", yaml: "accounts_file: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadOffline(newViper(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "ndt", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/ndt?sslmode=disable", c.DSN())
}
