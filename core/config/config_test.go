package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaultsRunMode(t *testing.T) {
	for _, mode := range []string{"", "polling", " LongPoll "} {
		cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: mode}}
		require.NoError(t, Normalize(cfg), mode)
		assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode, mode)
	}
}

func TestNormalizeReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Telegram:  TelegramConfig{RunMode: "webhook"},
		Logging:   LoggingConfig{MaxBackups: -1},
		RateLimit: RateLimitConfig{ExcludeUpdates: []string{"poll"}},
	}
	err := Normalize(cfg)
	require.Error(t, err)
	for _, want := range []string{"token", "webhook.url", "webhook.listen", "webhook.port", "rotation", "poll"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNormalizeRejectsUnknownRunMode(t *testing.T) {
	err := Normalize(&Config{Telegram: TelegramConfig{Token: "t", RunMode: "pigeon"}})
	assert.ErrorContains(t, err, "pigeon")
}

func TestNormalizeWebhook(t *testing.T) {
	cfg := &Config{
		Telegram: TelegramConfig{Token: "t", RunMode: "WEBHOOK"},
		Webhook:  WebhookConfig{URL: "https://bot.example", Listen: "0.0.0.0", Port: 8443},
	}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, RunModeWebhook, cfg.Telegram.RunMode)
}

func TestNormalizeRateLimitExcludes(t *testing.T) {
	cfg := &Config{
		Telegram:  TelegramConfig{Token: "t"},
		RateLimit: RateLimitConfig{IntervalMS: 500, ExcludeUpdates: []string{" Callback", "", "MESSAGE"}},
	}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, []string{UpdateCallback, UpdateMessage}, cfg.RateLimit.ExcludeUpdates)

	cfg.RateLimit.Burst = -1
	assert.Error(t, Normalize(cfg))
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "telegram:\n  token: from-file\n  admin_id: 7\nrate_limit:\n  exclude_updates: [Callback]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("BOT_TOKEN", "from-env")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, int64(7), cfg.Telegram.AdminID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{UpdateCallback}, cfg.RateLimit.ExcludeUpdates)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
