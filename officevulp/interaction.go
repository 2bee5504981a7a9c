package officevulp

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// InteractionHandler defines the interface for handling Discord interactions.
//
// Interactions arrive either over the gateway or via webhook, and only the
// way a response is delivered differs between the two.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// newGatewayHandler is the default getInteractionHandlerFunc
func (b *Bot) newGatewayHandler(
	_ context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	return GatewayHandler{
		session:     b.discord.session,
		interaction: i,
		logger: b.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

// handleInteraction routes an incoming interaction:
//   - pings get a pong
//   - `/panic-bunker-info` posts the info card
//   - 'Delete' button clicks go to [Bot.handleDeleteClick]
//
// Anything else is logged and ignored.
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		_, logger = b.getLogger(ctx)
	}
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if i == nil || i.Interaction == nil {
		logger.WarnContext(ctx, "empty interaction")
		return
	}

	logger.InfoContext(
		ctx,
		"received interaction",
		"method", handler.InteractionReceiveMethod(),
		"user", getDiscordUser(i),
	)

	switch i.Type {
	case discordgo.InteractionPing:
		if err := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandPanicBunkerInfo:
			b.handlePanicBunkerCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
		}
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		if isDeleteControlID(data.CustomID) {
			b.handleDeleteClick(ctx, handler)
			return
		}
		logger.WarnContext(ctx, "unknown component", "custom_id", data.CustomID)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}
