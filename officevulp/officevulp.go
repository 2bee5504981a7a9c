package officevulp

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot answers panic bunker questions from recently joined members.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Status/metrics server. nil when disabled.
	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions in addition to the gateway. nil when disabled.
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	metrics *metrics

	// faq is the info card content, and patterns its compiled triggers
	faq      FAQ
	patterns patternSet

	// now is the clock used for join-date and expiry checks
	now func() time.Time

	// getInteractionHandlerFunc returns an InteractionHandler for an
	// incoming interaction. Commands are handled the same way regardless
	// of how they were received, only the response delivery differs.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// eventWG tracks message/interaction handlers and delete button
	// timers, so shutdown can wait on them
	eventWG sync.WaitGroup

	// deleteClaims holds the IDs of info messages a 'Delete' click has
	// claimed, so each is deleted at most once. Entries are dropped when
	// the control expires.
	deleteClaims sync.Map

	// buttonTimersRunning indicates the number of
	// [Bot.deleteButtonTimer] goroutines currently running.
	buttonTimersRunning atomic.Int64

	// signalReady has a value sent on it once the gateway connection is
	// open and the HTTP servers have started
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	started atomic.Pointer[time.Time]
}

// New validates the config and creates a new Bot. Config errors are
// returned together.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config required")
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		now:         time.Now,
		signalReady: make(chan struct{}, 1),
		metrics:     newMetrics(),
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	faq, err := LoadFAQ(config.PanicBunker.FAQFile)
	if err != nil {
		errs = append(errs, err)
	}
	b.faq = faq
	patterns, err := compilePatterns(faq.Patterns)
	if err != nil {
		errs = append(errs, err)
	}
	b.patterns = patterns

	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			config.Discord.DiscordGoLogLevel,
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(
			newLogHandler(defaultLogWriter, config.Discord.LogLevel),
		).With(loggerNameKey, "discord"),
		b.metrics,
	)
	b.getInteractionHandlerFunc = b.newGatewayHandler

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if config.API.Enabled {
		api, e := newAPI(b, config.API)
		if e != nil {
			errs = append(errs, e)
		}
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		if e != nil {
			errs = append(errs, e)
		}
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *Bot) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

func (b *Bot) startedAt() time.Time {
	if t := b.started.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// RegisterSlashCommands overwrites the bot's slash commands, globally or
// for the configured guild.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// Run connects to the discord gateway, starts the HTTP servers and handles
// events until ctx is cancelled (or a server fails), then shuts down
// gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	startedAt := b.now()
	b.started.Store(&startedAt)
	logger := b.logger

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.webhookInteractionHandler = webhookReceiveHandler(ctx, b)

	// bind listeners up front, so a bad address fails startup and the
	// addresses are known once ready is signaled
	if b.api != nil {
		if err := b.api.listen(ctx); err != nil {
			return err
		}
	}
	if b.discordWebhookServer != nil {
		if err := b.discordWebhookServer.listen(ctx); err != nil {
			if b.api != nil {
				_ = b.api.listener.Close()
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(b.api.Serve(ctx))
			},
		)
	}
	if b.discordWebhookServer != nil {
		g.Go(
			func() error {
				return ignoreServerClosed(b.discordWebhookServer.Serve(ctx))
			},
		)
	}

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, b.shutdown(ctx), g.Wait())
	}

	if err := b.openGateway(ctx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		cancel()
		return errors.Join(err, b.shutdown(ctx), g.Wait())
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the runtime context (generally an
	// interrupt), or one of the servers fails
	<-gctx.Done()
	cancel()

	shutdownErr := b.shutdown(ctx)
	return errors.Join(shutdownErr, g.Wait())
}

// openGateway opens the discord websocket connection, bounded by the
// configured startup timeout
func (b *Bot) openGateway(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	b.logger.InfoContext(ctx, "connecting to discord")
	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		if err != nil {
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}
	return nil
}

// initDiscordSession creates the discord session (if needed), sets the
// gateway intents and adds the event handlers. Each message and
// interaction is handled in its own goroutine.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIntents(b.config.Discord.GatewayIntents)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.eventWG.Add(1)
				go func() {
					defer b.eventWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				b.eventWG.Add(1)
				go func() {
					defer b.eventWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// shutdown closes the gateway connection and HTTP servers, then waits for
// in-flight handlers, up to the configured shutdown timeout.
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	var errs []error

	if b.discord.session != nil {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if b.api != nil {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
			errs = append(errs, err)
		}
	}
	if b.discordWebhookServer != nil {
		if err := b.discordWebhookServer.httpServer.Shutdown(closeCtx); err != nil {
			b.logger.ErrorContext(ctx, "error shutting down webhook server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		b.eventWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(
			ctx,
			"handlers finished",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		b.logger.ErrorContext(ctx, "handlers did not finish before the shutdown deadline")
		errs = append(errs, errors.New("handlers did not stop in time"))
	}
	return errors.Join(errs...)
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
