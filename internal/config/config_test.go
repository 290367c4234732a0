package config

import (
	"os"
	"testing"
	"time"

	"github.com/kapu/nominator-track-go/pkg/errors"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OSU_CLIENT_ID", "1234")
	t.Setenv("OSU_CLIENT_SECRET", "secret")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.com/api/webhooks/1/abc")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://osu.ppy.sh", cfg.Osu.BaseURL)
	require.Equal(t, "127.0.0.1:8080", cfg.Osu.CallbackAddr)
	require.Equal(t, 32, cfg.Osu.ProbationGroupID)
	require.Equal(t, 28, cfg.Osu.FullGroupID)
	require.Equal(t, time.Minute, cfg.Poll.CheckInterval)
	require.Equal(t, 30*time.Minute, cfg.Poll.SyncInterval)
	require.Equal(t, []string{"change"}, cfg.Notification.Events)
	require.True(t, cfg.Notification.RetryOn429)
	require.Equal(t, time.Hour, cfg.Notification.DedupeTTL)
	require.Empty(t, cfg.Redis.Host)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHECK_INTERVAL_SECONDS", "15")
	t.Setenv("SYNC_INTERVAL_MINUTES", "5")
	t.Setenv("NOTIFY_EVENTS", "probation_change, full_change")
	t.Setenv("WEBHOOK_RETRY_ON_429", "false")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("OSU_ACCESS_TOKEN", "access")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.Poll.CheckInterval)
	require.Equal(t, 5*time.Minute, cfg.Poll.SyncInterval)
	require.Equal(t, []string{"probation_change", "full_change"}, cfg.Notification.Events)
	require.False(t, cfg.Notification.RetryOn429)
	require.Equal(t, "redis", cfg.Redis.Host)
	require.Equal(t, 6380, cfg.Redis.Port)
	require.Equal(t, "access", cfg.Token.AccessToken)
}

func TestLoadLogFile(t *testing.T) {
	tests := []struct {
		name  string
		set   bool
		value string
		want  string
	}{
		{name: "unset uses default path", want: "logs/tracker.log"},
		{name: "explicit path", set: true, value: "/var/log/tracker.log", want: "/var/log/tracker.log"},
		{name: "empty selects stdout", set: true, value: "", want: ""},
		{name: "dash selects stdout", set: true, value: "-", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			if tt.set {
				t.Setenv("LOG_FILE", tt.value)
			} else {
				t.Setenv("LOG_FILE", "")
				require.NoError(t, os.Unsetenv("LOG_FILE"))
			}

			cfg, err := Load()
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg.Logging.File)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Osu:          OsuConfig{ClientID: "1", ClientSecret: "s", ProbationGroupID: 32, FullGroupID: 28},
			Poll:         PollConfig{CheckInterval: time.Minute, SyncInterval: time.Hour},
			Notification: NotificationConfig{WebhookURL: "https://example.com/hook", Events: []string{"change"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "missing client id", mutate: func(c *Config) { c.Osu.ClientID = "" }, field: "OSU_CLIENT_ID"},
		{name: "missing secret", mutate: func(c *Config) { c.Osu.ClientSecret = "" }, field: "OSU_CLIENT_SECRET"},
		{name: "missing webhook", mutate: func(c *Config) { c.Notification.WebhookURL = "" }, field: "DISCORD_WEBHOOK_URL"},
		{name: "zero check interval", mutate: func(c *Config) { c.Poll.CheckInterval = 0 }, field: "CHECK_INTERVAL_SECONDS"},
		{name: "unknown event", mutate: func(c *Config) { c.Notification.Events = []string{"deleted"} }, field: "NOTIFY_EVENTS"},
		{name: "no events", mutate: func(c *Config) { c.Notification.Events = nil }, field: "NOTIFY_EVENTS"},
		{name: "same groups", mutate: func(c *Config) { c.Osu.FullGroupID = 32 }, field: "OSU_FULL_GROUP_ID"},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.True(t, errors.IsConfig(err))
			require.Contains(t, err.Error(), tt.field)
		})
	}
}
