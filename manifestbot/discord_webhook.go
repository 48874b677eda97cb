package manifestbot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
)

const (
	headerSignatureEd25519   = "X-Signature-Ed25519"
	headerSignatureTimestamp = "X-Signature-Timestamp"

	// maxWebhookBodySize caps the size of an incoming interaction payload
	maxWebhookBodySize = 1 << 20
)

// DiscordWebhookServer receives Discord interactions via HTTP, as an
// alternative to the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	d.logger.InfoContext(ctx, "serving discord webhook", "addr", d.config.Listen)
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS")
		return d.httpServer.ListenAndServe()
	}
	return d.httpServer.ListenAndServeTLS("", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	d *ManifestBot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(d.discord.publicKey) == 0 {
		return nil, fmt.Errorf("webhook server requires a public key")
	}

	logger := newComponentLogger("discord_webhook", config.LogLevel)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	server := &DiscordWebhookServer{config: config, engine: r, logger: logger}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL, DefaultDiscordWebhookServerTLSminVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(d.discord.publicKey),
	)
	r.POST(apiDiscordInteractions, webhookReceiveHandler(d))
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body, everything
// else goes through the embedded InteractionHandler.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions
func webhookReceiveHandler(d *ManifestBot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		ctx := WithLogger(c.Request.Context(), logger)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize))
		if err != nil {
			logger.ErrorContext(ctx, "error reading body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(ctx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: d.getInteractionHandlerFunc(ctx, i),
		}
		d.handleInteraction(ctx, handler)
		if !c.Writer.Written() {
			c.Status(http.StatusNoContent)
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's Ed25519 signature over the timestamp
// header and body. The body is restored so it can be read again.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get(headerSignatureEd25519)
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get(headerSignatureTimestamp)
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(io.LimitReader(r.Body, maxWebhookBodySize), &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
