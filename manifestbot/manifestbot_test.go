package manifestbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

// mockFetcher is a ManifestFetcher with expectations set per test
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Download(ctx context.Context, appID string, outputDir string) ([]string, error) {
	args := m.Called(ctx, appID, outputDir)
	paths, _ := args.Get(0).([]string)
	return paths, args.Error(1)
}

func (m *mockFetcher) RateLimit(ctx context.Context) (RateLimit, error) {
	args := m.Called(ctx)
	return args.Get(0).(RateLimit), args.Error(1)
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestHandleInteraction_Ping(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	handler := newStubInteractionHandler(
		t,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:   "ping_1",
				Type: discordgo.InteractionPing,
			},
		},
		bot.RuntimeConfig().CommandOptions,
	)

	bot.handleInteraction(context.Background(), handler)

	resp := waitForResponse(t, handler.callRespond)
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)

	var logged InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", "ping_1").Last(&logged).Error)
	assert.Equal(t, DiscordInteractionReceiveMethod("testcase"), logged.Method)
}

func TestHandleInteraction_ManifestCommand(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)
	fetcher.addManifests("730", 3)

	u := newDiscordUser(t)
	i := newManifestInteraction(t, u, "", "730")
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)

	ack := waitForResponse(t, handler.callRespond)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, ack.Type)

	edit := waitForEdit(t, handler.callEdit)
	assert.Len(t, edit.Files, 3)
	assert.Contains(t, *edit.Content, expectedRateLine(fetcher.rateLimit))

	bot.commandWG.Wait()
	saved := waitForManifestCommandState(t, bot, i.ID, ManifestCommandStateCompleted)
	assert.True(t, saved.Acknowledged)
	assert.Equal(t, u.ID, saved.UserID)
	assert.Equal(t, 3, saved.FileCount)
	assert.False(t, saved.Archived)
	assert.Equal(t, 45, saved.RateLimitUsed)
	assert.Equal(t, 60, saved.RateLimitLimit)
	assert.NotNil(t, saved.StartedAt)
	assert.NotNil(t, saved.FinishedAt)
	assert.Equal(t, int64(0), bot.manifestCommandsInProgress.Load())

	var logged InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).Last(&logged).Error)
	assert.Equal(t, u.ID, logged.UserID)
	assert.NotEmpty(t, logged.Payload)
}

func TestHandleInteraction_MemberUser(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)
	fetcher.addManifests("570", 1)

	u := newDiscordUser(t)
	i := newManifestInteraction(t, nil, "", "570")
	i.Member = &discordgo.Member{User: u}
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)
	waitForResponse(t, handler.callRespond)
	waitForEdit(t, handler.callEdit)
	bot.commandWG.Wait()

	saved := waitForManifestCommandState(t, bot, i.ID, ManifestCommandStateCompleted)
	assert.Equal(t, u.ID, saved.UserID)
}

func TestHandleInteraction_NoUser(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)
	fetcher.addManifests("730", 1)

	i := newManifestInteraction(t, nil, "", "730")
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)
	bot.commandWG.Wait()

	assert.Empty(t, handler.callRespond)
	assert.Empty(t, handler.callEdit)

	var count int64
	require.NoError(t, bot.db.Model(&ManifestCommand{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	require.NoError(t, bot.db.Model(&InteractionLog{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestHandleInteraction_BotUser(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)
	fetcher.addManifests("730", 1)

	u := newDiscordUser(t)
	u.Bot = true
	i := newManifestInteraction(t, u, "", "730")
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)
	bot.commandWG.Wait()

	assert.Empty(t, handler.callRespond)
	assert.Empty(t, handler.callEdit)
	_, downloaded := fetcher.seenEntries("730")
	assert.False(t, downloaded)

	// the interaction is still logged
	var logged InteractionLog
	require.NoError(t, bot.db.Where("interaction_id = ?", i.ID).Last(&logged).Error)
	assert.Equal(t, u.ID, logged.UserID)
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)

	i := newManifestInteraction(t, newDiscordUser(t), "", "730")
	data := i.ApplicationCommandData()
	data.Name = "depots"
	i.Data = data
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)

	resp := waitForResponse(t, handler.callRespond)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(
		t,
		DefaultDiscordErrorMessage+"\n"+expectedRateLine(fetcher.rateLimit),
		resp.Data.Content,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}

func TestHandleInteraction_Paused(t *testing.T) {
	bot, fetcher := newTestBot(t, nil)
	fetcher.addManifests("730", 2)
	ctx := context.Background()
	require.True(t, bot.Pause(ctx))

	i := newManifestInteraction(t, newDiscordUser(t), "", "730")
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(ctx, handler)
	bot.commandWG.Wait()

	resp := waitForResponse(t, handler.callRespond)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	expectedContent := DefaultDiscordPausedMessage + "\n" + expectedRateLine(fetcher.rateLimit)
	assert.Equal(t, expectedContent, resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Empty(t, handler.callEdit)

	_, downloaded := fetcher.seenEntries("730")
	assert.False(t, downloaded)

	saved := getManifestCommand(t, bot, i.ID)
	assert.Equal(t, ManifestCommandStateIgnored, saved.State)
	assert.False(t, saved.Acknowledged)
	require.NotNil(t, saved.Response)
	assert.Equal(t, expectedContent, *saved.Response)
}

func TestHandleInteraction_MockFetcher(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	fetcher := &mockFetcher{}
	bot.fetcher = fetcher

	fetcher.On("Download", mock.Anything, "440", mock.AnythingOfType("string")).
		Return(nil, ErrNoManifests).
		Once()
	fetcher.On("RateLimit", mock.Anything).
		Return(RateLimit{Limit: 60, Used: 60, Remaining: 0, Known: true}, nil).
		Once()

	i := newManifestInteraction(t, newDiscordUser(t), "", "440")
	handler := newStubInteractionHandler(t, i, bot.RuntimeConfig().CommandOptions)

	bot.handleInteraction(context.Background(), handler)
	waitForResponse(t, handler.callRespond)

	edit := waitForEdit(t, handler.callEdit)
	assert.Empty(t, edit.Files)
	assert.Contains(t, *edit.Content, "Error processing AppID 440: no manifests found")
	assert.Contains(t, *edit.Content, "60/60 requests used")
	assert.Contains(t, *edit.Content, "rate limit exhausted")

	bot.commandWG.Wait()
	saved := waitForManifestCommandState(t, bot, i.ID, ManifestCommandStateFailed)
	assert.Contains(t, string(saved.Error), ErrNoManifests.Error())
	fetcher.AssertExpectations(t)
}

func TestPauseResume(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	session := bot.discord.session.(mockDiscordSession)
	ctx := context.Background()

	require.True(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), session.LastStatus())

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.True(t, saved.Paused)

	require.True(t, bot.Resume(ctx))
	assert.False(t, bot.paused.Load())
	assert.False(t, bot.RuntimeConfig().Paused)
	assert.Equal(t, DefaultDiscordCustomStatus, session.LastStatus())

	require.NoError(t, bot.db.Last(&saved).Error)
	assert.False(t, saved.Paused)
}

func TestUpdateRuntimeConfig_DiscordGoLogLevel(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	session := bot.discord.session.(mockDiscordSession)

	level := DBLogLevelDebug
	updated, err := bot.UpdateRuntimeConfig(
		context.Background(),
		RuntimeConfigUpdate{DiscordGoLogLevel: &level},
	)
	require.NoError(t, err)
	assert.Equal(t, DBLogLevelDebug, updated.DiscordGoLogLevel)
	assert.Equal(t, slog.LevelDebug, bot.config.Discord.DiscordGoLogLevel.Level())
	assert.Contains(t, session.Calls(), "SetLogLevel:DEBUG")
}

func TestPausedAcrossRestart(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, _ := newTestBot(t, cfg)
	require.True(t, bot.Pause(context.Background()))

	restarted, _ := newTestBot(t, cfg)
	assert.True(t, restarted.paused.Load())
	assert.True(t, restarted.RuntimeConfig().Paused)
}

func TestRefreshRuntimeConfig(t *testing.T) {
	bot, _ := newTestBot(t, nil)
	ctx := context.Background()
	current := bot.RuntimeConfig()

	// another instance sharing the database updates the config
	time.Sleep(5 * time.Millisecond)
	paused := true
	_, err := applyRuntimeConfigUpdate(
		ctx,
		bot.writeDB,
		current,
		RuntimeConfigUpdate{Paused: &paused},
	)
	require.NoError(t, err)
	assert.False(t, bot.paused.Load())

	bot.refreshRuntimeConfig(ctx, false)
	assert.True(t, bot.paused.Load())
	assert.True(t, bot.RuntimeConfig().Paused)
}

func TestRunStop(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession(t)
	bot.discord.session = session
	fetcher := newStubFetcher()
	fetcher.addManifests("730", 1)
	bot.fetcher = fetcher
	t.Cleanup(
		func() {
			if bot.db == nil {
				return
			}
			sqlDB, _ := bot.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	calls := session.Calls()
	assert.Contains(t, calls, "SetIdentify")
	assert.Contains(t, calls, "AddHandler")
	assert.Contains(t, calls, "Open")

	// interactions received via the gateway go through the session
	handler := bot.getInteractionHandlerFunc(ctx, newManifestInteraction(t, newDiscordUser(t), "", "730"))
	_, ok := handler.(GatewayHandler)
	require.True(t, ok)
	bot.handleInteraction(ctx, handler)
	bot.commandWG.Wait()
	waitForManifestCommandState(t, bot, handler.GetInteraction().ID, ManifestCommandStateCompleted)

	calls = session.Calls()
	assert.Contains(t, calls, "InteractionRespond")
	assert.Contains(t, calls, "InteractionResponseEdit")

	require.True(t, bot.Stop())

	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.Contains(t, session.Calls(), "Close")
}
