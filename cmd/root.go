package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/fortunebot/fortunebot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = fortunebot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "fortunebot [flags]",
	Short: "A discord bot handing out one piece of advice per user, per day",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Fprintln(os.Stderr, "loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", fortunebot.DefaultDatabase)
	viper.SetDefault("database_type", fortunebot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		fortunebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		fortunebot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", fortunebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", fortunebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", fortunebot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		fortunebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		fortunebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		fortunebot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		fortunebot.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", fortunebot.DefaultDiscordCustomStatus)

	// Dispenser config
	viper.SetDefault("dispenser.prefix", fortunebot.DefaultCommandPrefix)
	viper.SetDefault("dispenser.cooldown", fortunebot.DefaultCooldown)
	viper.SetDefault("dispenser.shared_pool", false)
	viper.SetDefault("dispenser.fortune_retired", fortunebot.DefaultFortuneRetired)
	viper.SetDefault("dispenser.content_file", "")

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", fortunebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", fortunebot.DefaultAPIListenNetwork)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", fortunebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.auth_rate_limit", fortunebot.DefaultAPIAuthRateLimit)
	viper.SetDefault("api.read_timeout", fortunebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		fortunebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", fortunebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", fortunebot.DefaultIdleTimeout)

	envPrefix := os.Getenv(fortunebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = fortunebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
