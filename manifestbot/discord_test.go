package manifestbot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// overwriteErrSession returns the given commands and error from
// ApplicationCommandBulkOverwrite
type overwriteErrSession struct {
	mockDiscordSession
	created []*discordgo.ApplicationCommand
	err     error
}

func (s overwriteErrSession) ApplicationCommandBulkOverwrite(
	string,
	string,
	[]*discordgo.ApplicationCommand,
	...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	s.record("ApplicationCommandBulkOverwrite")
	return s.created, s.err
}

func TestNewDiscord(t *testing.T) {
	publicKey, _ := generateDiscordKey(t)

	cfg := DefaultConfig().Discord
	cfg.WebhookServer.PublicKey = publicKey
	d, err := newDiscord(cfg)
	require.NoError(t, err)
	assert.Len(t, d.publicKey, 32)

	cfg.WebhookServer.PublicKey = ""
	d, err = newDiscord(cfg)
	require.NoError(t, err)
	assert.Empty(t, d.publicKey)

	cfg.WebhookServer.PublicKey = "zz"
	_, err = newDiscord(cfg)
	assert.Error(t, err)

	cfg.WebhookServer.PublicKey = strings.Repeat("ab", 16)
	_, err = newDiscord(cfg)
	assert.ErrorContains(t, err, "invalid public key length")
}

func TestAppCommandManifest(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cmd := (&Discord{}).appCommandManifest(cfg)

	assert.Equal(t, DiscordSlashCommandManifest, cmd.Name)
	assert.Equal(t, cfg.ManifestCommandDescription, cmd.Description)
	assert.Equal(t, discordgo.ChatApplicationCommand, cmd.Type)
	require.Len(t, cmd.Options, 1)

	opt := cmd.Options[0]
	assert.Equal(t, manifestCommandAppIDOption, opt.Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, opt.Type)
	assert.Equal(t, cfg.ManifestCommandOptionDescription, opt.Description)
	assert.True(t, opt.Required)
	require.NotNil(t, opt.MinLength)
	assert.Equal(t, 1, *opt.MinLength)
	assert.Equal(t, manifestAppIDMaxLength, opt.MaxLength)

	require.NotNil(t, cmd.Contexts)
	assert.Contains(t, *cmd.Contexts, discordgo.InteractionContextGuild)
	assert.Contains(t, *cmd.Contexts, discordgo.InteractionContextBotDM)
}

func TestRegisterCommands(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	session := bot.discord.session.(mockDiscordSession)

	created, err := bot.discord.registerCommands(bot.RuntimeConfig())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, DiscordSlashCommandManifest, created[0].Name)
	assert.Contains(t, session.Calls(), "ApplicationCommandBulkOverwrite")
}

func TestRegisterCommands_NoneCreated(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	bot.discord.session = overwriteErrSession{mockDiscordSession: newMockDiscordSession(t)}

	_, err := bot.discord.registerCommands(bot.RuntimeConfig())
	assert.ErrorIs(t, err, errNoCommandsCreated)
}

func TestRegisterCommands_Error(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	overwriteErr := errors.New("401 unauthorized")
	bot.discord.session = overwriteErrSession{
		mockDiscordSession: newMockDiscordSession(t),
		err:                overwriteErr,
	}

	_, err := bot.RegisterSlashCommands()
	assert.ErrorIs(t, err, overwriteErr)
}

func TestAckResponse(t *testing.T) {
	resp := (&Discord{}).ackResponse()
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	assert.Nil(t, resp.Data)
}

func TestGetDiscordUser(t *testing.T) {
	u := &discordgo.User{ID: "user_1"}
	member := &discordgo.User{ID: "member_1"}

	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Equal(t, u, getDiscordUser(i))

	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: member}},
	}
	assert.Equal(t, member, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestGatewayHandler(t *testing.T) {
	session := newMockDiscordSession(t)
	i := newManifestInteraction(t, newDiscordUser(t), "", "730")
	opts := DefaultRuntimeConfig().CommandOptions
	handler := GatewayHandler{
		session:     session,
		interaction: i,
		config:      opts,
		mu:          &sync.RWMutex{},
		logger:      slog.Default(),
	}
	ctx := context.Background()

	assert.Equal(t, discordInteractionReceiveMethodGateway, handler.InteractionReceiveMethod())
	assert.Equal(t, opts, handler.Config())
	assert.Equal(t, i, handler.GetInteraction())

	require.NoError(t, handler.Respond(ctx, (&Discord{}).ackResponse()))

	content := "done"
	msg, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, msg.Content)

	assert.Equal(
		t,
		[]string{"InteractionRespond", "InteractionResponseEdit"},
		session.Calls(),
	)
}
