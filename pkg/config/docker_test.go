package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveLoopback(t *testing.T) {
	tests := []struct {
		host        string
		inContainer bool
		expected    string
	}{
		{"localhost", true, dockerHostAlias},
		{"127.0.0.1", true, dockerHostAlias},
		{"db.internal", true, "db.internal"},
		{"localhost", false, "localhost"},
		{"127.0.0.1", false, "127.0.0.1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, resolveLoopback(tt.host, tt.inContainer), "host=%s container=%v", tt.host, tt.inContainer)
	}
}

func TestResolveServiceHosts(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Host: "localhost"},
		Redis:    RedisConfig{Host: ""},
	}
	cfg.resolveServiceHosts(true)
	assert.Equal(t, dockerHostAlias, cfg.Database.Host)
	assert.Equal(t, "", cfg.Redis.Host, "disabled redis stays disabled")

	cfg = &Config{
		Database: DatabaseConfig{Host: "localhost"},
		Redis:    RedisConfig{Host: "127.0.0.1"},
	}
	cfg.resolveServiceHosts(false)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "127.0.0.1", cfg.Redis.Host)
}
