package manifestbot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"time"
)

// InteractionLog records every interaction received, before any
// command-specific handling.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null;index"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	ApplicationID string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		ApplicationID: i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        method,
	}, nil
}

// Interaction holds the fields shared by commands invoked through a
// Discord interaction.
type Interaction struct {
	UserID         string `json:"user_id" gorm:"index;not null;default:null"`
	Username       string `json:"username" gorm:"type:string"`
	InteractionID  string `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	Token          string `json:"-" gorm:"type:string" log:"[redacted]"`
	TokenExpires   int64  `json:"token_expires"`
	ApplicationID  string `json:"application_id"`
	GuildID        string `json:"guild_id"`
	ChannelID      string `json:"channel_id"`
	CommandContext string `json:"context" gorm:"type:string"`

	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	Acknowledged bool       `json:"acknowledged"`

	// Response is the content of the final message sent to the user
	Response *string `json:"response" gorm:"type:string"`

	// Error is a string representation of error(s) encountered
	// while processing the request
	Error NullableString `json:"error"`
}

func newInteraction(i *discordgo.InteractionCreate, u *discordgo.User) Interaction {
	created := time.Now().UTC()
	r := Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   created.Add(discordInteractionTokenLifespan).UnixMilli(),
		ApplicationID:  i.AppID,
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: i.Context.String(),
	}
	if u != nil {
		r.UserID = u.ID
		r.Username = u.String()
	}
	return r
}

// Deadline is the time at which the interaction token expires, after
// which the response can no longer be edited.
func (i Interaction) Deadline() time.Time {
	return time.UnixMilli(i.TokenExpires).UTC()
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", i.UserID),
		slog.String("interaction_id", i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("guild_id", i.GuildID),
		slog.String("channel_id", i.ChannelID),
	)
}

// NullableString is a string stored as NULL when empty
type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ns = ""
	case string:
		*ns = NullableString(v)
	case []byte:
		*ns = NullableString(v)
	default:
		return errors.New("failed to cast to string")
	}
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}
