package officevulp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
)

const apiDiscordInteractions = "/discord/interactions"

type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	listener   net.Listener
}

// listen binds the configured address, if it isn't bound already
func (d *DiscordWebhookServer) listen(ctx context.Context) error {
	if d.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
	}
	d.listener = ln
	return nil
}

// Serve listens on the configured address, serving until the server is
// shut down
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if err := d.listen(ctx); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.listener.Addr().String())
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS")
		return d.httpServer.Serve(d.listener)
	}
	return d.httpServer.ServeTLS(d.listener, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))

	publicKey, err := hex.DecodeString(config.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid discord public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf(
			"invalid discord public key: expected %d bytes, got %d",
			ed25519.PublicKeySize,
			len(publicKey),
		)
	}

	r := gin.New()
	srv := &DiscordWebhookServer{config: config, engine: r}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
	}
	httpServer.TLSConfig = tlsCfg
	srv.httpServer = httpServer

	srv.logger = logger.With(loggerNameKey, "discord_webhook")

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		discordRequestAuthenticationMiddleware(publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			b.webhookInteractionHandler(c)
		},
	)
	return srv, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
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

// Respond writes the response as the HTTP response body. Only the first
// response for a request is written.
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	if w.ginContext.Writer.Written() {
		return errors.New("interaction already responded to")
	}
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.Handler] for handling Discord webhook
// interactions
func webhookReceiveHandler(ctx context.Context, b *Bot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				"method", c.Request.Method,
				xRequestIDHeader, requestID,
			),
		)

		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: b.getInteractionHandlerFunc(ctx, i),
		}
		b.handleInteraction(runCtx, handler)

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
		logger := ginContextLogger(c)
		if !verifyRequest(c.Request, publicKey) {
			logger.WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the authenticity of a Discord webhook request.
//
// The signature covers the timestamp header followed by the raw body. The
// body is restored afterward, so handlers can still read it.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
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

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
