package manifestbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"log/slog"
)

// CommandOptions are the settings that affect how a single command
// is executed, and are passed to each InteractionHandler.
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message to send to the user if an interaction can't be handled
	// at all (ex: an unknown command)
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// Message sent when a command is received while the bot is paused
	DiscordPausedMessage string `json:"discord_paused_message" gorm:"type:string"`
}

// RuntimeConfig holds settings that can be changed while the bot is
// running, and are persisted across restarts (ex: being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection.
	// If the bot receives slash commands via gateway, this is required.
	// If the bot receives commands via webhook, enabling this allows the
	// bot to appear online and set its status.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// ManifestCommandDescription is the description for the 'manifest' command.
	ManifestCommandDescription string `json:"manifest_command_description" gorm:"type:string" binding:"min=1,max=100"`

	// ManifestCommandOptionDescription is the description for the
	// 'manifest' command's app_id option.
	ManifestCommandOptionDescription string `json:"manifest_command_option_description" gorm:"type:string" binding:"min=1,max=100"`

	// GitHubMaxRequestsPerSecond paces requests to the GitHub API and CDNs.
	// 0 disables pacing.
	GitHubMaxRequestsPerSecond float64 `json:"github_max_requests_per_second" gorm:"column:github_max_requests_per_second;not null;default:5" binding:"gte=0,lte=1000"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// GitHubLogLevel is the logging level for the manifest fetcher.
	GitHubLogLevel DBLogLevel `gorm:"default:INFO;column:github_log_level;type:string;check:github_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"github_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// DiscordWebhookLogLevel is the logging level for Discord webhook operations.
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			RecoverPanic:         false,
			DiscordErrorMessage:  DefaultDiscordErrorMessage,
			DiscordPausedMessage: DefaultDiscordPausedMessage,
		},
		DiscordGatewayEnabled:            true,
		DiscordCustomStatus:              DefaultDiscordCustomStatus,
		ManifestCommandDescription:       DefaultManifestCommandDescription,
		ManifestCommandOptionDescription: DefaultManifestCommandOptionDescription,
		GitHubMaxRequestsPerSecond:       DefaultGitHubMaxRequestsPerSecond,
		LogLevel:                         DBLogLevelInfo,
		GitHubLogLevel:                   DBLogLevelInfo,
		DiscordLogLevel:                  DBLogLevelInfo,
		DiscordGoLogLevel:                DBLogLevelWarn,
		DatabaseLogLevel:                 DBLogLevelInfo,
		DiscordWebhookLogLevel:           DBLogLevelInfo,
		APILogLevel:                      DBLogLevelInfo,
	}
}

// RuntimeConfigUpdate is a partial update to RuntimeConfig. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage   *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordPausedMessage  *string `json:"discord_paused_message,omitempty" binding:"omitnil,min=1,max=2000"`

	ManifestCommandDescription       *string `json:"manifest_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	ManifestCommandOptionDescription *string `json:"manifest_command_option_description,omitempty" binding:"omitnil,min=1,max=100"`

	GitHubMaxRequestsPerSecond *float64 `json:"github_max_requests_per_second,omitempty" binding:"omitnil,gte=0,lte=1000"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	GitHubLogLevel         *DBLogLevel `json:"github_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// columns returns the update as a map of column name to new value,
// including only the fields that were set.
func (b RuntimeConfigUpdate) columns() (map[string]any, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("error marshaling update: %w", err)
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("error unmarshaling update: %w", err)
	}
	return updates, nil
}

// applyRuntimeConfigUpdate validates the update, writes it to the
// database and returns the resulting config. current is not modified.
// If the result fails validation, nothing is written.
func applyRuntimeConfigUpdate(
	ctx context.Context,
	db DBI,
	current RuntimeConfig,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return current, err
	}
	updates, err := update.columns()
	if err != nil {
		return current, err
	}
	if len(updates) == 0 {
		return current, nil
	}

	updated := current
	err = db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if txErr := tx.Model(&updated).Updates(updates).Error; txErr != nil {
				return txErr
			}
			if txErr := structValidator.Struct(updated); txErr != nil {
				return txErr
			}
			return nil
		},
	)
	if err != nil {
		return current, err
	}
	return updated, nil
}

// commandRegistrationChanged reports whether the slash command definition
// differs between two configs, meaning commands need to be re-registered
func commandRegistrationChanged(previous, current RuntimeConfig) bool {
	return previous.ManifestCommandDescription != current.ManifestCommandDescription ||
		previous.ManifestCommandOptionDescription != current.ManifestCommandOptionDescription
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
