package officevulp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"
	apiPathStatus           = "/status"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

// API is the status server: health checks, bot status, prometheus metrics
// and a couple of authenticated maintenance endpoints.
type API struct {
	config     *APIConfig   // Configuration for the API server
	httpServer *http.Server // The underlying HTTP server
	listener   net.Listener // Network listener for the HTTP server.
	engine     *gin.Engine  // Gin engine for routing HTTP requests
	logger     *slog.Logger // Logger for API-related events

	handlers *APIHandlers // API request handlers
}

// newAPI initializes and returns a new instance of the API struct.
//
// This function sets up the logger, configures the Gin engine, configures
// TLS, and sets up middleware and routes. Maintenance endpoints are only
// registered when an API secret is configured.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel)).With(
		loggerNameKey, "api",
	)

	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
	}
	apiHandlers := &APIHandlers{b: b, logger: logger}
	api.handlers = apiHandlers

	tlsCfg, e := tlsConfig(config.SSL)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiMetrics, gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})))

	if b.config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	apiGroup := r.Group(apiPrefix)
	apiGroup.GET(apiPathStatus, apiHandlers.status)

	if config.Secret == "" {
		logger.Warn("api secret not set, maintenance endpoints disabled")
	} else {
		protected := apiGroup.Group("")
		protected.Use(bearerAuthMiddleware(config.Secret))
		protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	}

	return api, nil
}

// listen binds the configured address, if it isn't bound already
func (a *API) listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	return nil
}

// Serve listens on the configured address, serving until the server is
// shut down
func (a *API) Serve(ctx context.Context) error {
	if err := a.listen(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	if a.httpServer.TLSConfig != nil {
		return a.httpServer.ServeTLS(a.listener, "", "")
	}
	return a.httpServer.Serve(a.listener)
}

type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

// healthCheck reports the process is up. It doesn't check the gateway
// connection, see [APIHandlers.status] for that.
func (*APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, healthCheckResponse{Status: "ok"})
}

// status reports build information, gateway state and the active
// panic bunker settings
func (h *APIHandlers) status(c *gin.Context) {
	b := h.b
	startedAt := b.startedAt()
	var uptime string
	if !startedAt.IsZero() {
		uptime = b.now().Sub(startedAt).Round(time.Second).String()
	}
	c.JSON(
		http.StatusOK, statusResponse{
			Version:                    Version,
			CommitSHA:                  CommitSHA,
			BuildTime:                  BuildTime,
			StartedAt:                  startedAt,
			Uptime:                     uptime,
			BotUserID:                  b.discord.BotUserID(),
			DiscordGatewayConnected:    b.discord.connected.Load(),
			DiscordGatewayConnects:     b.discord.metricConnects.Load(),
			DiscordGatewayDisconnects:  b.discord.metricDisconnects.Load(),
			JoinThreshold:              b.config.PanicBunker.JoinThreshold.String(),
			DeleteButtonTTL:            b.config.PanicBunker.DeleteButtonTTL.String(),
			DeleteButtonTimersRunning:  b.buttonTimersRunning.Load(),
			TriggerPatterns:            b.faq.Patterns,
			DiscordWebhookServerActive: b.discordWebhookServer != nil,
		},
	)
}

// discordRegisterCommands overwrites the bot's slash commands
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.b.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

type healthCheckResponse struct {
	Status string `json:"status"`
}

//nolint:lll // struct tags can't be split
type statusResponse struct {
	Version                    string    `json:"version"`
	CommitSHA                  string    `json:"commit_sha"`
	BuildTime                  string    `json:"build_time"`
	StartedAt                  time.Time `json:"started_at"`
	Uptime                     string    `json:"uptime"`
	BotUserID                  string    `json:"bot_user_id"`
	DiscordGatewayConnected    bool      `json:"discord_gateway_connected"`
	DiscordGatewayConnects     int64     `json:"discord_gateway_connects"`
	DiscordGatewayDisconnects  int64     `json:"discord_gateway_disconnects"`
	DiscordWebhookServerActive bool      `json:"discord_webhook_server_active"`
	JoinThreshold              string    `json:"join_threshold"`
	DeleteButtonTTL            string    `json:"delete_button_ttl"`
	DeleteButtonTimersRunning  int64     `json:"delete_button_timers_running"`
	TriggerPatterns            []string  `json:"trigger_patterns"`
}

// httpError represents an error message returned ot the client
type httpError struct {
	Error string `json:"error"`
}

// bearerAuthMiddleware rejects requests without an
// `Authorization: Bearer <secret>` header matching the given secret.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a request ID to each incoming request, under
// the key "X-Request-ID". A valid UUID sent by the client in the same
// header is kept.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setRequestLogger(c, slog.Default())
}

// setRequestLogger stores a logger derived from base, with request
// details added, in the gin context
func setRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP requests.
//
// It logs the request method, path, remote address, user agent, referer, and the duration
// of the request. If there are any errors, it logs them as well.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	if base == nil {
		base = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setRequestLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				response,
			)
		}
	}
}

// validatePanicBunkerConfig checks that a configured FAQ file exists
func validatePanicBunkerConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(PanicBunkerConfig)
	if !ok || cfg.FAQFile == "" {
		return
	}
	if _, err := os.Stat(cfg.FAQFile); err != nil {
		sl.ReportError(cfg.FAQFile, "FAQFile", "faq_file", "file", "")
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(
		validatePanicBunkerConfig,
		PanicBunkerConfig{},
	)
}
