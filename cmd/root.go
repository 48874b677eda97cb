package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/manifestbot/manifestbot"
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
	cfg        = manifestbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "manifestbot [flags]",
	Short: "Discord bot that serves Steam depot manifests from GitHub",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return decodeConfig(cfg)
	},
}

// decodeConfig unmarshals the current viper settings into config
func decodeConfig(config *manifestbot.Config) error {
	return viper.Unmarshal(
		config,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		func(c *mapstructure.DecoderConfig) {
			// replace default slices rather than overwriting them in place
			c.ZeroFields = true
		},
	)
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

// LevelToStringHookFunc decodes a level name ("INFO", "debug", ...)
// into a *slog.LevelVar
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
		return levelStringToLevelVar(data.(string))
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level, err := getLogLevel(lvl)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(level)
	return lvlVar, nil
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", manifestbot.DefaultDatabase)
	viper.SetDefault("database_type", manifestbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", manifestbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", manifestbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", manifestbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", manifestbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", manifestbot.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", manifestbot.DefaultRuntimeConfigTTL)

	// GitHub
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.api_url", manifestbot.DefaultGitHubAPIURL)
	viper.SetDefault("github.repositories", manifestbot.DefaultGitHubRepositories)
	viper.SetDefault("github.cdn_templates", manifestbot.DefaultGitHubCDNTemplates)
	viper.SetDefault(
		"github.max_requests_per_second",
		manifestbot.DefaultGitHubMaxRequestsPerSecond,
	)
	viper.SetDefault("github.download_concurrency", manifestbot.DefaultGitHubDownloadConcurrency)
	viper.SetDefault("github.download_rounds", manifestbot.DefaultGitHubDownloadRounds)
	viper.SetDefault("github.request_timeout", manifestbot.DefaultGitHubRequestTimeout)
	viper.SetDefault("github.log_level", manifestbot.DefaultGitHubLogLevel.String())

	// Manifest workspace
	viper.SetDefault("manifest.dir", manifestbot.DefaultManifestDir)
	viper.SetDefault("manifest.keep_files", false)
	viper.SetDefault("manifest.command_timeout", manifestbot.DefaultManifestCommandTimeout)

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", manifestbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		manifestbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", manifestbot.DefaultDiscordGatewayIntent)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		manifestbot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", manifestbot.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		manifestbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", manifestbot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", manifestbot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		manifestbot.DefaultDiscordWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	// API
	viper.SetDefault("api.listen", manifestbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", manifestbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", manifestbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", manifestbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", manifestbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", manifestbot.DefaultIdleTimeout)
	viper.SetDefault("api.pprof", false)

	// API: SSL
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS
	viper.SetDefault("api.cors.allow_headers", manifestbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", manifestbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", manifestbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", manifestbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", manifestbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(manifestbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = manifestbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env)",
	)
}
