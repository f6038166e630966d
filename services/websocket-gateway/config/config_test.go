package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "redis", cfg.BroadcastBackend)
	require.Equal(t, DefaultChatConfig(), cfg.Chat)
	require.NoError(t, cfg.Chat.Validate())
	require.Equal(t, 30*time.Second, cfg.Presence.HeartbeatWindow)
}

func TestLoadConfigChatOverrides(t *testing.T) {
	t.Setenv("CHAT_MESSAGE_WINDOW", "10")
	t.Setenv("CHAT_CACHE_TTL_SECONDS", "60")
	t.Setenv("BROADCAST_BACKEND", "nats")

	cfg := LoadConfig()
	require.Equal(t, 10, cfg.Chat.Window)
	require.Equal(t, time.Minute, cfg.Chat.CacheTTL)
	require.Equal(t, "nats", cfg.BroadcastBackend)
}

func TestChatConfigValidate(t *testing.T) {
	c := DefaultChatConfig()
	c.Window = 0
	require.Error(t, c.Validate())
}
