package manifestbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/manifestbot/manifestbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var errShutdownTimeout = errors.New("commands did not finish before the shutdown deadline")

// ManifestBot is the main application struct. It ties together the
// Discord integration, the manifest fetcher, the database, and the
// API/webhook servers.
type ManifestBot struct {
	config *Config

	// Read-only GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, writes are serialized.
	writeDB DBI

	logger *slog.Logger

	// Handles discord integration, sessions
	discord *Discord

	// Downloads manifests and reports the GitHub rate limit
	fetcher ManifestFetcher

	// Hands out per-command output directories
	workspace *Workspace

	// Back-end admin API. Nil when APIConfig.Listen is empty.
	api *API

	// Receives Discord interactions via HTTP when the gateway isn't used
	discordWebhookServer *DiscordWebhookServer

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// While paused, commands get DiscordPausedMessage instead of running
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// getInteractionHandlerFunc returns the InteractionHandler used for
	// an incoming interaction, so command execution is the same for
	// webhook and gateway interactions
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings
	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	// tracks running ManifestCommand executions, so shutdown can wait
	// on them
	commandWG                  sync.WaitGroup
	manifestCommandsInProgress atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool

	// notifies other bot instances of config changes and stop requests
	notifier DBNotifier
}

// RuntimeConfig returns a copy of the current RuntimeConfig
func (d *ManifestBot) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	if d.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *d.runtimeConfig
}

// New creates a ManifestBot from the given config. Errors from each
// component are collected and returned together.
//
// Run must be called to connect to Discord and start handling commands.
func New(config *Config) (*ManifestBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &ManifestBot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	d.logger = slog.New(newLogHandler(d.config.LogLevel))
	slog.SetDefault(d.logger)

	if notifier, err := newDBNotifier(d); err == nil {
		d.notifier = notifier
	}

	githubClient := &http.Client{
		Transport: config.HTTPClient.Transport,
		Timeout:   config.GitHub.RequestTimeout,
	}
	d.fetcher = NewGitHubFetcher(
		config.GitHub,
		githubClient,
		newComponentLogger("github", config.GitHub.LogLevel),
	)
	d.workspace = NewWorkspace(
		config.Manifest.Dir,
		config.Manifest.KeepFiles,
		d.logger.With(loggerNameKey, "workspace"),
	)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: d.config.Discord}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(d.config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)
	disc.logger = newComponentLogger("discord", d.config.Discord.LogLevel)
	d.discord = disc
	disc.bot = d

	if config.API != nil && config.API.Listen != "" {
		api, apiErr := newAPI(d, config.API)
		errs = append(errs, apiErr)
		d.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(d, config.Discord.WebhookServer)
		errs = append(errs, e)
		d.discordWebhookServer = webhookServer
	}

	return d, errors.Join(errs...)
}

func (d *ManifestBot) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RegisterSlashCommands registers the bot's slash commands with Discord
func (d *ManifestBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(d.RuntimeConfig(), options...)
}

// Run starts the bot and blocks until ctx is canceled or a stop signal
// is received, then shuts down gracefully.
func (d *ManifestBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// canceling the runtime context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled")
		}
	}()

	if d.api != nil {
		go func() {
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil {
				d.api.Close()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeCfg := d.RuntimeConfig()

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if d.discordWebhookServer != nil {
		d.startWebhookServer(ctx, runtimeWG)
	} else if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err := d.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	d.startDBListeners(ctx, runtimeWG)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

// Stop signals Run to shut down. It returns false if Run isn't active,
// or a stop signal is already pending.
func (d *ManifestBot) Stop() bool {
	if d.signalStop == nil {
		return false
	}
	select {
	case d.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (d *ManifestBot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !d.paused.Load() {
		go func() {
			if statusErr := d.discord.updateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (d *ManifestBot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := d.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// startRuntimeConfigRefresher reloads RuntimeConfig from the database
// every RuntimeConfigTTL, or when triggerRuntimeConfigRefreshCh
// receives a value.
func (d *ManifestBot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := d.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerRuntimeConfigRefreshCh <- false:
						logger.Debug("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-d.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				d.refreshRuntimeConfig(refreshCtx, forceRefresh)
				refreshCancel()
			}
		}
	}()
}

// startDBListeners listens for notifications from other bot instances,
// when the database supports it
func (d *ManifestBot) startDBListeners(ctx context.Context, runtimeWG *sync.WaitGroup) {
	if d.notifier == nil {
		return
	}
	for _, channel := range []string{
		d.notifier.RuntimeConfigChannelName(),
		d.notifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if err := d.notifier.Listen(ctx, channel); err != nil {
				d.logger.ErrorContext(ctx, "db listener stopped", tint.Err(err), "channel", channel)
			}
		}()
	}
}

// refreshRuntimeConfig reloads RuntimeConfig from the database, if
// it's been updated since it was last loaded (or if force is set)
func (d *ManifestBot) refreshRuntimeConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	previous := DefaultRuntimeConfig()
	if d.runtimeConfig != nil {
		previous = *d.runtimeConfig
	}
	if !force && refreshConfig.UpdatedAt <= previous.UpdatedAt {
		d.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}
	d.unsafeApplyRuntimeConfig(ctx, previous, refreshConfig)
}

// unsafeApplyRuntimeConfig swaps in the given config, and updates the
// discord connection/status, log levels and pause state to match.
// The caller must hold cfgMu.
func (d *ManifestBot) unsafeApplyRuntimeConfig(
	ctx context.Context,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	d.runtimeConfig = &current
	d.setRuntimeLevels(current)

	wasPaused := d.paused.Swap(current.Paused)
	switch {
	case wasPaused && !current.Paused:
		logger.InfoContext(ctx, "unpaused bot")
	case current.Paused && !wasPaused:
		logger.WarnContext(ctx, "paused bot")
	}

	if d.discord.session != nil {
		d.updateDiscordStatus(ctx, logger, previous, current)
		if current.DiscordGoLogLevel != previous.DiscordGoLogLevel {
			if err := d.discord.session.SetLogLevel(current.DiscordGoLogLevel.Level()); err != nil {
				logger.ErrorContext(ctx, "error setting discordgo log level", tint.Err(err))
			}
		}
	}

	if commandRegistrationChanged(previous, current) && d.discord.session != nil {
		logger.InfoContext(ctx, "command fields changed, re-registering")
		if _, err := d.discord.registerCommands(current); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}
	logger.InfoContext(ctx, "applied runtime config")
}

// updateDiscordStatus opens/closes the gateway connection, or updates
// the bot's presence, based on what changed between the two configs.
func (d *ManifestBot) updateDiscordStatus(
	ctx context.Context,
	logger *slog.Logger,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	switch {
	case previous.DiscordGatewayEnabled && !current.DiscordGatewayEnabled:
		if discErr := d.discord.session.Close(); discErr != nil {
			logger.ErrorContext(ctx, "error closing discord connection", tint.Err(discErr))
		}
	case previous.DiscordGatewayEnabled && current.DiscordGatewayEnabled:
		switch {
		case current.Paused && !previous.Paused:
			if discErr := d.discord.updateStatusComplex(
				discordgo.UpdateStatusData{
					AFK:    true,
					Status: string(discordgo.StatusDoNotDisturb),
				},
			); discErr != nil {
				logger.ErrorContext(ctx, "error updating discord status", tint.Err(discErr))
			}
		case !current.Paused && (previous.Paused ||
			current.DiscordCustomStatus != previous.DiscordCustomStatus):
			if discErr := d.discord.updateCustomStatus(
				current.DiscordCustomStatus,
			); discErr != nil {
				logger.ErrorContext(ctx, "error updating discord status", tint.Err(discErr))
			}
		}
	case current.DiscordGatewayEnabled:
		d.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(current),
			},
		)
		if discErr := d.discord.session.Open(); discErr != nil {
			logger.ErrorContext(ctx, "error opening discord connection", tint.Err(discErr))
		}
	}
}

// UpdateRuntimeConfig applies the given update, persists it, and
// applies the result to the running bot. Other bot instances are
// notified to reload their config.
func (d *ManifestBot) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	updated, err := d.updateRuntimeConfig(ctx, update)
	if err != nil {
		return updated, err
	}
	if d.notifier != nil {
		d.notifier.ReloadRuntimeConfig(ctx)
	}
	return updated, nil
}

func (d *ManifestBot) updateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	previous := DefaultRuntimeConfig()
	if d.runtimeConfig != nil {
		previous = *d.runtimeConfig
	}
	updated, err := applyRuntimeConfigUpdate(ctx, d.writeDB, previous, update)
	if err != nil {
		return previous, err
	}
	d.unsafeApplyRuntimeConfig(ctx, previous, updated)
	return updated, nil
}

func (d *ManifestBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		d.forceClose()
		return errShutdownTimeout
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
		"commands_in_progress", d.manifestCommandsInProgress.Load(),
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight commands get to reply before the session closes
		d.commandWG.Wait()
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight commands",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping webhook http server")
				_ = d.discordWebhookServer.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				for _, h := range d.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				d.discord.discordgoRemoveHandlerFuncs = nil
				d.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
				"commands_in_progress", d.manifestCommandsInProgress.Load(),
			)
		case <-closeCtx.Done():
			d.logger.Warn("commands did not finish in time, forcing close")
			d.forceClose()
			return errShutdownTimeout
		}
	}
}

func (d *ManifestBot) forceClose() {
	if d.api != nil {
		go d.api.Close()
	}
	if d.discordWebhookServer != nil {
		go func() {
			_ = d.discordWebhookServer.httpServer.Close()
		}()
	}
}

// setRuntimeLevels sets component log levels and GitHub request pacing
// from the given RuntimeConfig
func (d *ManifestBot) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.GitHub.LogLevel.Set(state.GitHubLogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.Discord.WebhookServer.LogLevel.Set(state.DiscordWebhookLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	if d.config.API != nil && d.config.API.LogLevel != nil {
		d.config.API.LogLevel.Set(state.APILogLevel.Level())
	}
	if pacer, ok := d.fetcher.(interface{ SetMaxRequestsPerSecond(float64) }); ok {
		pacer.SetMaxRequestsPerSecond(state.GitHubMaxRequestsPerSecond)
	}
}

func (d *ManifestBot) initRun(ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// load or create the runtime config, so a bot that was paused
	// stays paused across restarts
	var botState RuntimeConfig
	getStateErr := d.db.WithContext(ctx).Last(&botState).Error
	if getStateErr != nil {
		if !errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
		botState = DefaultRuntimeConfig()
		if _, err := d.writeDB.Create(ctx, &botState); err != nil {
			return fmt.Errorf("error creating config: %w", err)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	d.cfgMu.Lock()
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.runtimeConfig = &botState
	d.cfgMu.Unlock()

	if err := clearOutputDirectory(ctx, d.logger, d.workspace.Root()); err != nil {
		d.logger.WarnContext(ctx, "unable to clear manifest directory", tint.Err(err))
	}
	return nil
}

func (d *ManifestBot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	gormLogger := newGORMLogger(
		newLogHandler(d.config.DatabaseLogLevel),
		d.config.DatabaseSlowThreshold,
	)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	d.db = db
	d.writeDB = NewDatabase(db, d.logger, d.config.DatabaseType == dbTypePostgres)

	if d.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")
	return nil
}

func (d *ManifestBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range d.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	identify.Presence = getDiscordPresenceStatusUpdate(d.RuntimeConfig())
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				config:      d.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: d.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// Pause stops the bot from running new commands, and reports whether
// the bot is now paused.
func (d *ManifestBot) Pause(ctx context.Context) bool {
	paused := true
	_, err := d.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused})
	if err != nil {
		d.logger.ErrorContext(ctx, "unable to pause", tint.Err(err))
	}
	return err == nil && d.paused.Load()
}

// Resume resumes command processing. It returns false if the bot
// couldn't be resumed.
func (d *ManifestBot) Resume(ctx context.Context) bool {
	paused := false
	_, err := d.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused})
	if err != nil {
		d.logger.ErrorContext(ctx, "unable to resume", tint.Err(err))
	}
	return err == nil && !d.paused.Load()
}

// cachedRateLimit returns the last rate limit seen by the fetcher,
// without making a request. Replies that must be sent immediately use
// this instead of ManifestFetcher.RateLimit.
func (d *ManifestBot) cachedRateLimit() RateLimit {
	if f, ok := d.fetcher.(interface{ CachedRateLimit() RateLimit }); ok {
		return f.CachedRateLimit()
	}
	return RateLimit{}
}

// handleRecover logs a recovered panic with its stack trace. This is
// used when executing slash commands with RuntimeConfig.RecoverPanic
// enabled.
func (*ManifestBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, retrieving responses,
// editing messages, and managing interaction lifecycle.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger

	// Config returns the command options for this handler.
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction", "files", len(wh.Files))
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes an incoming Discord interaction, received
// via either the gateway or webhook.
//
// Every interaction is logged to InteractionLog. Pings get a pong.
// Application commands are acknowledged with a deferred response, and
// /manifest commands are then executed in the background, tracked by
// commandWG.
func (d *ManifestBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	logger := handler.Logger()

	i := handler.GetInteraction()
	discordUser := getDiscordUser(i)
	if discordUser == nil && i.Type != discordgo.InteractionPing {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	if discordUser == nil {
		discordUser = &discordgo.User{}
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, createErr := d.writeDB.Create(context.WithoutCancel(ctx), interactionLog)
			logDBError(ctx, logger, "error logging interaction", createErr)
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		switch commandName {
		case DiscordSlashCommandManifest:
			d.handleManifestCommand(ctx, handler, i, discordUser)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			_ = handler.Respond(
				ctx,
				&discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: withRateLimit(
							handler.Config().DiscordErrorMessage,
							d.cachedRateLimit(),
						),
						Flags: discordgo.MessageFlagsEphemeral,
					},
				},
			)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// handleManifestCommand records a new ManifestCommand and acknowledges
// the interaction. Unless the bot is paused, the command is then
// executed in the background.
func (d *ManifestBot) handleManifestCommand(
	ctx context.Context,
	handler InteractionHandler,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	cmd := NewManifestCommand(i, u, handler)
	logger := cmd.logger
	ctx = WithLogger(ctx, logger)

	if d.paused.Load() {
		cmd.State = ManifestCommandStateIgnored
		msg := withRateLimit(handler.Config().DiscordPausedMessage, d.cachedRateLimit())
		cmd.Response = &msg
		if err := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: msg,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		); err != nil {
			cmd.Error = NullableString(err.Error())
		}
		_, createErr := d.writeDB.Create(context.WithoutCancel(ctx), cmd)
		logDBError(ctx, logger, "error saving manifest command", createErr)
		return
	}

	if _, err := d.writeDB.Create(ctx, cmd); err != nil {
		logger.ErrorContext(ctx, "error saving manifest command", tint.Err(err))
		return
	}
	logger = logger.With("manifest_command_id", cmd.ID)
	ctx = WithLogger(ctx, logger)

	if err := handler.Respond(ctx, d.discord.ackResponse()); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		cmd.State = ManifestCommandStateFailed
		cmd.Error = NullableString(err.Error())
		_, updErr := d.writeDB.Updates(
			context.WithoutCancel(ctx),
			cmd,
			map[string]any{
				columnManifestCommandState: cmd.State,
				columnManifestCommandError: cmd.Error,
			},
		)
		logDBError(ctx, logger, "error updating manifest command", updErr)
		return
	}

	cmd.Acknowledged = true
	_, updErr := d.writeDB.Update(ctx, cmd, columnManifestCommandAcknowledged, true)
	logDBError(ctx, logger, "error updating manifest command", updErr)

	// commands outlive the runtime context, so shutdown lets them
	// reply before closing the session
	runCtx := context.WithoutCancel(ctx)
	d.commandWG.Add(1)
	go func() {
		defer d.commandWG.Done()
		if err := cmd.execute(runCtx, d); err != nil {
			logger.WarnContext(runCtx, "manifest command finished with error", tint.Err(err))
		}
	}()
}
