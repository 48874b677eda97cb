//nolint:lll // struct tags can't be split
package manifestbot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "MANIFESTBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "MB"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "manifestbot.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DiscordSlashCommandManifest              = "manifest"
	DefaultManifestCommandDescription        = "Download Steam depot manifests"
	DefaultManifestCommandOptionDescription  = "Steam AppID, ex: 730"
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsGuilds

	DefaultDiscordWebhookLogLevel = slog.LevelInfo
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordErrorMessage    = "sorry, something went wrong!"
	DefaultDiscordPausedMessage   = "I'm taking a break right now, try again later!"
	DefaultDiscordCustomStatus    = "/manifest <app_id>"
	discordMaxMessageLength       = 2000
	DefaultAPIListen              = "127.0.0.1:5000"
	DefaultAPITLSMinVersion       = tls.VersionTLS12

	DefaultGitHubAPIURL               = "https://api.github.com"
	DefaultGitHubMaxRequestsPerSecond = 5.0
	DefaultGitHubDownloadConcurrency  = 4
	DefaultGitHubDownloadRounds       = 3
	DefaultGitHubRequestTimeout       = 30 * time.Second
	DefaultGitHubLogLevel             = slog.LevelInfo

	DefaultManifestDir            = "manifests"
	DefaultManifestCommandTimeout = 5 * time.Minute

	// maxManifestAttachments is the most manifests sent as individual
	// attachments. Above this, they're sent as a single zip archive.
	maxManifestAttachments = 10

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	// DefaultGitHubRepositories are the manifest repositories searched
	// for an AppID branch.
	DefaultGitHubRepositories = []string{
		"SteamAutoCracks/ManifestHub",
	}

	// DefaultGitHubCDNTemplates are tried in order, for each file, when
	// downloading manifest content. {repo}, {sha} and {path} are replaced
	// with the repository, commit SHA and file path.
	DefaultGitHubCDNTemplates = []string{
		"https://raw.githubusercontent.com/{repo}/{sha}/{path}",
		"https://cdn.jsdelivr.net/gh/{repo}@{sha}/{path}",
	}
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// GitHub configures where manifests are fetched from
	GitHub *GitHubConfig `yaml:"github" mapstructure:"github" json:"github" binding:"required"`

	// Manifest configures the /manifest command's local workspace
	Manifest *ManifestConfig `yaml:"manifest" mapstructure:"manifest" json:"manifest" binding:"required"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// If above 0, the config will be refreshed from the database at least
	// every TTL duration (useful when running multiple instances against
	// the same database).
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// GitHubConfig configures manifest lookups against the GitHub API and
// file downloads from the configured CDNs.
type GitHubConfig struct {
	// Optional personal access token. Unauthenticated requests are limited
	// to 60/hour.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Base URL of the GitHub REST API
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`

	// Repositories searched for a branch named after the AppID. When more
	// than one has the branch, the most recently committed one is used.
	Repositories []string `yaml:"repositories" mapstructure:"repositories" json:"repositories" binding:"required,min=1,dive,required"`

	// CDN URL templates, with {repo}, {sha} and {path} placeholders
	CDNTemplates []string `yaml:"cdn_templates" mapstructure:"cdn_templates" json:"cdn_templates" binding:"required,min=1,dive,required"`

	// Paces outgoing requests. 0 disables pacing.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gte=0"`

	// Maximum number of manifest files downloaded at once
	DownloadConcurrency int `yaml:"download_concurrency" mapstructure:"download_concurrency" json:"download_concurrency" binding:"min=1,max=32"`

	// Number of passes over CDNTemplates before giving up on a file
	DownloadRounds int `yaml:"download_rounds" mapstructure:"download_rounds" json:"download_rounds" binding:"min=1,max=10"`

	// Timeout for a single HTTP request
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ManifestConfig configures the local scratch space used by /manifest.
type ManifestConfig struct {
	// Root directory. Each invocation gets its own subdirectory.
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir" binding:"required"`

	// If true, invocation directories are left on disk after replying
	KeepFiles bool `yaml:"keep_files" mapstructure:"keep_files" json:"keep_files"`

	// Upper bound on a single invocation. The interaction token lifetime
	// is always an upper bound as well.
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout" json:"command_timeout" binding:"min=1s"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord
// webhook server, used to receive interactions over HTTP instead of the
// gateway.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Leave unset to serve plain HTTP.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	// Leave empty to disable the API.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Bearer token required for all endpoints except the health check
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_with=Listen,omitempty,min=16"`

	// Configuration for SSL/TLS. Leave unset to serve plain HTTP.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// If true, runtime profiles are served under /api/debug/pprof
	Pprof bool `yaml:"pprof" mapstructure:"pprof" json:"pprof"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file" binding:"required,file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file" binding:"required,file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// validateGitHubConfig is registered as a struct-level validator for
// GitHubConfig, and checks each CDN template contains a {path}
// placeholder.
func validateGitHubConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(GitHubConfig)
	if !ok {
		return
	}
	for _, tmpl := range cfg.CDNTemplates {
		if !cdnTemplateValid(tmpl) {
			sl.ReportError(
				cfg.CDNTemplates,
				"cdn_templates",
				"CDNTemplates",
				"cdn_template",
				tmpl,
			)
		}
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	githubLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	githubLogLevel.Set(DefaultGitHubLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	repos := make([]string, len(DefaultGitHubRepositories))
	copy(repos, DefaultGitHubRepositories)
	cdns := make([]string, len(DefaultGitHubCDNTemplates))
	copy(cdns, DefaultGitHubCDNTemplates)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		GitHub: &GitHubConfig{
			APIURL:               DefaultGitHubAPIURL,
			Repositories:         repos,
			CDNTemplates:         cdns,
			MaxRequestsPerSecond: DefaultGitHubMaxRequestsPerSecond,
			DownloadConcurrency:  DefaultGitHubDownloadConcurrency,
			DownloadRounds:       DefaultGitHubDownloadRounds,
			RequestTimeout:       DefaultGitHubRequestTimeout,
			LogLevel:             githubLogLevel,
		},
		Manifest: &ManifestConfig{
			Dir:            DefaultManifestDir,
			CommandTimeout: DefaultManifestCommandTimeout,
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:           false,
				Listen:            DefaultDiscordWebhookServerListen,
				ListenNetwork:     defaultListenNetwork,
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
