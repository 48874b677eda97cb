package manifestbot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix               = "/api"
	apiPathHealth           = "/health"
	apiPathRateLimit        = "/rate_limit"
	apiPathManifestCommands = "/manifest_commands"
	apiPathConfig           = "/config"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathQuit             = "/quit"
	pprofPrefix             = "/debug/pprof"
	apiDiscordInteractions  = "/discord/interactions"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. Every route except the health check
// requires APIConfig.Secret as a bearer token.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	listenMu   sync.Mutex
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI configures the gin engine and HTTP server for the admin API
func newAPI(d *ManifestBot, config *APIConfig) (*API, error) {
	logger := newComponentLogger("api", config.LogLevel)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
	}
	apiHandlers := NewAPIHandlers(d)
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL, DefaultAPITLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(config.CORS.GINConfig()),
	)

	public := r.Group(apiPrefix)
	public.GET(apiPathHealth, apiHandlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))
	protected.GET(apiPathRateLimit, apiHandlers.getRateLimit)
	protected.GET(apiPathManifestCommands, apiHandlers.getManifestCommands)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	if config.Pprof {
		ginPprof.RouteRegister(protected, pprofPrefix)
	}

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	a.listenMu.Lock()
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			a.listenMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	if a.httpServer.TLSConfig != nil {
		return a.httpServer.ServeTLS(ln, "", "")
	}
	return a.httpServer.Serve(ln)
}

// Close immediately closes the server and its listener
func (a *API) Close() {
	if err := a.httpServer.Close(); err != nil {
		a.logger.Error("error closing http server", tint.Err(err))
	}
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

// APIHandlers holds the gin handlers for the admin API
type APIHandlers struct {
	bot *ManifestBot
}

func NewAPIHandlers(d *ManifestBot) *APIHandlers {
	return &APIHandlers{bot: d}
}

// healthCheck reports whether the bot is connected, paused, and the
// number of commands currently running
func (h *APIHandlers) healthCheck(c *gin.Context) {
	d := h.bot
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  d.paused.Load(),
			DiscordGatewayConnected: d.discord.connected.Load(),
			CommandsInProgress:      d.manifestCommandsInProgress.Load(),
			Workspaces:              d.workspace.Active(),
			Version:                 Version,
			Uptime:                  time.Since(d.startedAt).Round(time.Second).String(),
		},
	)
}

// getRateLimit returns the current GitHub API rate limit
func (h *APIHandlers) getRateLimit(c *gin.Context) {
	logger := ginContextLogger(c)
	rl, err := h.bot.fetcher.RateLimit(c.Request.Context())
	if err != nil {
		logger.ErrorContext(c, "error getting rate limit", tint.Err(err))
		c.JSON(http.StatusBadGateway, httpError{Error: "error getting rate limit"})
		return
	}
	c.JSON(http.StatusOK, rl)
}

// getManifestCommands returns recent ManifestCommand records
func (h *APIHandlers) getManifestCommands(c *gin.Context) {
	var query GetManifestCommandsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)

	db := h.bot.db.WithContext(c.Request.Context()).Model(&ManifestCommand{}).
		Limit(query.Limit).
		Offset(query.Offset)

	if query.AppID != "" {
		db = db.Where("app_id = ?", query.AppID)
	}
	if query.UserID != "" {
		db = db.Where("user_id = ?", query.UserID)
	}
	if query.State != "" {
		db = db.Where("state = ?", query.State)
	}

	switch query.Order {
	case Ascending:
		db = db.Order("created_at asc")
	default:
		db = db.Order("created_at desc")
	}

	commands := []ManifestCommand{}
	if err := db.Find(&commands).Error; err != nil {
		log.ErrorContext(c, "error getting manifest commands", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting manifest commands"},
		)
		return
	}
	c.JSON(http.StatusOK, commands)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.RuntimeConfig())
}

// updateRuntimeConfig applies a partial RuntimeConfigUpdate. The
// updated config is returned.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var updateRequest RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.ErrorContext(c, "bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(context.WithoutCancel(c.Request.Context()), logger)
	updated, err := h.bot.UpdateRuntimeConfig(ctx, updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error updating config", tint.Err(err))
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating config"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// discordRegisterCommands re-registers the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.InfoContext(c, "registering commands")

	createdCommands, err := h.bot.RegisterSlashCommands(
		discordgo.WithContext(c.Request.Context()),
	)
	if err != nil {
		log.ErrorContext(c, "error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// botQuit sends a stop signal, triggering a graceful shutdown of this
// bot and any others sharing its database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.WarnContext(c, "sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c), 30*time.Second)
	defer cancel()
	if !h.bot.notifier.Stop(ctx) {
		c.JSON(http.StatusConflict, httpError{Error: "stop already requested"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// GetManifestCommandsQuery represents the query parameters for fetching
// ManifestCommand records.
type GetManifestCommandsQuery struct {
	Pagination
	AppID  string               `form:"app_id" binding:"omitempty,numeric"`
	UserID string               `form:"user_id"`
	State  ManifestCommandState `form:"state" binding:"omitempty,oneof=received in_progress completed failed ignored"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

type Sort string

type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	Workspaces              int    `json:"workspaces"`
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires the given secret as a bearer token
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.WarnContext(c, "unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and sets it as a response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets it in the context for subsequent calls.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request after it's handled, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateGitHubConfig, GitHubConfig{})
}
