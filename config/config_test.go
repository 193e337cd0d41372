package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("SERVER_TYPE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "websocket", cfg.ServerType)
	assert.Equal(t, 500*time.Millisecond, cfg.CascadeCeiling)
	assert.Equal(t, "sqlite", cfg.EventDBDriver)
	assert.False(t, cfg.CascadeKillSwitch)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SERVER_TYPE", "both")
	t.Setenv("CALL_TIMEOUT", "5")
	t.Setenv("CASCADE_CEILING_MS", "250")
	t.Setenv("CASCADE_KILL_SWITCH", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "both", cfg.ServerType)
	assert.Equal(t, 5*time.Minute, cfg.CallTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.CascadeCeiling)
	assert.True(t, cfg.CascadeKillSwitch)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                "eighty",
		"SERVER_TYPE":         "grpc",
		"EVENT_DB_DRIVER":     "mysql",
		"CASCADE_KILL_SWITCH": "maybe",
		"MAX_CALLS":           "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
