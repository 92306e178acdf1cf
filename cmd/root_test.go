package cmd

import (
	"fmt"
	"github.com/arcward/fortunebot/fortunebot"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// restoreEnv clears the environment, and restores it once the test
// finishes
func restoreEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	restoreEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

FB_DATABASE=/home/foo/fortunebot.sqlite3
FB_DATABASE_TYPE=sqlite
FB_DATABASE_LOG_LEVEL=INFO
FB_DATABASE_SLOW_THRESHOLD=150ms
FB_LOG_LEVEL=DEBUG
FB_STARTUP_TIMEOUT=20s
FB_SHUTDOWN_TIMEOUT=45s

# Discord bot config

FB_DISCORD_TOKEN=your-discord-bot-token
FB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
FB_DISCORD_LOG_LEVEL=WARN
FB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
FB_DISCORD_STARTUP_MESSAGE="Back again!"
FB_DISCORD_NOTIFICATION_CHANNEL_ID=123456
FB_DISCORD_CUSTOM_STATUS="!advice for advice"
FB_DISCORD_GATEWAY_INTENTS=37377

# Dispenser config

FB_DISPENSER_PREFIX=?
FB_DISPENSER_COOLDOWN=12h
FB_DISPENSER_SHARED_POOL=true
FB_DISPENSER_FORTUNE_RETIRED=false
FB_DISPENSER_CONTENT_FILE=/etc/fortunebot/content.yaml

# API server

FB_API_ENABLED=true
FB_API_LISTEN=127.0.0.1:5050
FB_API_LISTEN_NETWORK=tcp4
FB_API_SECRET=your-api-secret
FB_API_LOG_LEVEL=DEBUG
FB_API_AUTH_RATE_LIMIT=0.5
FB_API_READ_TIMEOUT=6s
FB_API_READ_HEADER_TIMEOUT=7s
FB_API_WRITE_TIMEOUT=11s
FB_API_IDLE_TIMEOUT=31s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/fortunebot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("dispenser.cooldown"))

	// the global config is populated by the root command
	assert.Equal(t, "/home/foo/fortunebot.sqlite3", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, "?", cfg.Dispenser.Prefix)

	var config fortunebot.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/fortunebot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 150*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
	assert.Equal(t, 20*time.Second, config.StartupTimeout)
	assert.Equal(t, 45*time.Second, config.ShutdownTimeout)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Back again!", config.Discord.StartupMessage)
	assert.Equal(t, "123456", config.Discord.NotificationChannelID)
	assert.Equal(t, "!advice for advice", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(37377), config.Discord.GatewayIntents)

	require.NotNil(t, config.Dispenser)
	assert.Equal(t, "?", config.Dispenser.Prefix)
	assert.Equal(t, 12*time.Hour, config.Dispenser.Cooldown)
	assert.True(t, config.Dispenser.SharedPool)
	assert.False(t, config.Dispenser.FortuneRetired)
	assert.Equal(t, "/etc/fortunebot/content.yaml", config.Dispenser.ContentFile)

	require.NotNil(t, config.API)
	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", config.API.Listen)
	assert.Equal(t, "tcp4", config.API.ListenNetwork)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(t, 0.5, config.API.AuthRateLimit)
	assert.Equal(t, 6*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 7*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 11*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 31*time.Second, config.API.IdleTimeout)

	assert.NoError(t, config.Validate())
}

func TestLevelToStringHookFunc(t *testing.T) {
	var target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &target,
		},
	)
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(map[string]any{"level": "warn"}))
	assert.Equal(t, slog.LevelWarn, target.Level.Level())

	assert.Error(t, decoder.Decode(map[string]any{"level": "loud"}))
}
