package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ws://localhost:8080", cfg.WSURL)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.MaxViolations)
	assert.Equal(t, ViolationStoreMemory, cfg.ViolationStore)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WS_URL", "wss://exam.example.com/")
	t.Setenv("TEST_ID", "4")
	t.Setenv("RECONNECT_DELAY_MS", "250")
	t.Setenv("MAX_VIOLATIONS", "3")
	t.Setenv("VIOLATION_STORE", "redis")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("QUESTIONS_PER_TEST", "not-a-number")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "wss://exam.example.com", cfg.WSURL)
	assert.Equal(t, 4, cfg.TestID)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 3, cfg.MaxViolations)
	assert.Equal(t, ViolationStoreRedis, cfg.ViolationStore)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 5, cfg.QuestionsPerTest, "unparsable values fall back")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":         func(c *Config) { c.LogLevel = "loud" },
		"ws url":            func(c *Config) { c.WSURL = "" },
		"delay ordering":    func(c *Config) { c.MaxReconnectDelay = c.ReconnectDelay / 2 },
		"max violations":    func(c *Config) { c.MaxViolations = 0 },
		"store backend":     func(c *Config) { c.ViolationStore = "disk" },
		"redis url missing": func(c *Config) { c.ViolationStore = ViolationStoreRedis; c.RedisURL = "" },
		"short secret":      func(c *Config) { c.JWTSecret = "abc" },
		"port":              func(c *Config) { c.ServerPort = "http" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "user:3:test:2:attempt", CacheKey.AttemptKey(3, 2))
	assert.Equal(t, "assessment:3:2:cheats", CacheKey.CheatLogKey(ViolationSubject(3, 2)))
	assert.Equal(t, "assessment:a1:violations", CacheKey.ViolationRecordKey("a1"))
}
