package officevulp

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	deleteControlPrefix    = "pb_delete"
	deleteControlSeparator = ":"
	deleteButtonLabel      = "Delete"

	deleteResponseUnauthorized   = "You can't delete this message!"
	deleteResponseDeleted        = "Deleted."
	deleteResponseAlreadyDeleted = "This message was already deleted."
	deleteResponseFailed         = "Couldn't delete this message, try again in a bit."
)

var errInvalidDeleteControl = errors.New("invalid delete control")

// DeleteControl is the state carried by the 'Delete' button attached to an
// info card. It's encoded into the button's custom ID, so it survives
// restarts without being stored anywhere. The target is always the message
// the button is attached to.
type DeleteControl struct {
	// AuthorizedUserID is the only user allowed to use the control. Empty
	// means anyone may.
	AuthorizedUserID string

	// ExpiresAt is when the control stops working
	ExpiresAt time.Time
}

func (c DeleteControl) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("authorized_user_id", c.AuthorizedUserID),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

// CustomID encodes the control as `pb_delete:<user id>:<expiry unix>`
func (c DeleteControl) CustomID() string {
	return strings.Join(
		[]string{
			deleteControlPrefix,
			c.AuthorizedUserID,
			strconv.FormatInt(c.ExpiresAt.Unix(), 10),
		},
		deleteControlSeparator,
	)
}

// Authorized reports whether the given user may use the control
func (c DeleteControl) Authorized(userID string) bool {
	return c.AuthorizedUserID == "" || c.AuthorizedUserID == userID
}

// Expired reports whether the control's window has lapsed at the given time
func (c DeleteControl) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// components returns the action row holding the control's button
func (c DeleteControl) components() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    deleteButtonLabel,
					Style:    discordgo.SecondaryButton,
					CustomID: c.CustomID(),
				},
			},
		},
	}
}

// isDeleteControlID reports whether the custom ID belongs to a delete control
func isDeleteControlID(customID string) bool {
	return strings.HasPrefix(customID, deleteControlPrefix+deleteControlSeparator)
}

// ParseDeleteControl decodes a custom ID created by [DeleteControl.CustomID]
func ParseDeleteControl(customID string) (DeleteControl, error) {
	var c DeleteControl
	parts := strings.Split(customID, deleteControlSeparator)
	if len(parts) != 3 || parts[0] != deleteControlPrefix {
		return c, fmt.Errorf("%w: %q", errInvalidDeleteControl, customID)
	}
	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return c, fmt.Errorf("%w: bad expiry in %q: %w", errInvalidDeleteControl, customID, err)
	}
	c.AuthorizedUserID = parts[1]
	c.ExpiresAt = time.Unix(expires, 0).UTC()
	return c, nil
}

// newDeleteControl returns a control bound to the given user, expiring
// after the configured TTL. The expiry is truncated to the second, the
// resolution of the custom ID, so clicks and the removal timer agree on it.
func (b *Bot) newDeleteControl(userID string) DeleteControl {
	expiresAt := b.now().Add(b.config.PanicBunker.DeleteButtonTTL)
	return DeleteControl{
		AuthorizedUserID: userID,
		ExpiresAt:        expiresAt.Truncate(time.Second).UTC(),
	}
}

// isOwnMessage reports whether m was authored by this bot
func (b *Bot) isOwnMessage(m *discordgo.Message, appID string) bool {
	if m == nil || m.Author == nil {
		return false
	}
	for _, id := range []string{
		b.discord.BotUserID(),
		b.config.Discord.ApplicationID,
		appID,
	} {
		if id != "" && m.Author.ID == id {
			return true
		}
	}
	return false
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// respondToClick sends the response to a 'Delete' click, logging failures
func respondToClick(
	ctx context.Context,
	handler InteractionHandler,
	logger *slog.Logger,
	response *discordgo.InteractionResponse,
) {
	if err := handler.Respond(ctx, response); err != nil {
		logger.ErrorContext(
			ctx,
			"error responding to delete click",
			"response_type", response.Type,
			tint.Err(err),
		)
	}
}

// handleDeleteClick handles a click on an info card's 'Delete' button.
//
// The bound user (or anyone, for an unbound control) deletes the card. The
// first successful click claims the message, so concurrent clicks delete it
// at most once. Clicks after the control expired are acknowledged silently,
// and the button is removed.
func (b *Bot) handleDeleteClick(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	data := i.MessageComponentData()
	control, err := ParseDeleteControl(data.CustomID)
	if err != nil {
		logger.ErrorContext(ctx, "unable to parse delete control", tint.Err(err))
		b.metrics.deleteClicks.WithLabelValues(deleteResultError).Inc()
		respondToClick(
			ctx,
			handler,
			logger,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
		)
		return
	}

	msg := i.Message
	if msg == nil {
		logger.ErrorContext(ctx, "component interaction has no message")
		b.metrics.deleteClicks.WithLabelValues(deleteResultError).Inc()
		return
	}
	logger = logger.With("control", control, "message_id", msg.ID)

	if control.Expired(b.now()) {
		logger.InfoContext(ctx, "delete control expired")
		b.metrics.deleteClicks.WithLabelValues(deleteResultExpired).Inc()
		if e := handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate},
		); e != nil {
			logger.ErrorContext(ctx, "error acknowledging expired control", tint.Err(e))
		}
		if e := b.removeDeleteButton(msg.ChannelID, msg.ID); e != nil {
			logger.ErrorContext(ctx, "error removing expired button", tint.Err(e))
		}
		return
	}

	u := getDiscordUser(i)
	if u == nil || !control.Authorized(u.ID) {
		logger.InfoContext(ctx, "unauthorized delete attempt", "user", u)
		b.metrics.deleteClicks.WithLabelValues(deleteResultUnauthorized).Inc()
		respondToClick(ctx, handler, logger, ephemeralResponse(deleteResponseUnauthorized))
		return
	}

	if !b.isOwnMessage(msg, i.AppID) {
		logger.WarnContext(ctx, "refusing to delete message not authored by the bot")
		b.metrics.deleteClicks.WithLabelValues(deleteResultError).Inc()
		respondToClick(ctx, handler, logger, ephemeralResponse(deleteResponseUnauthorized))
		return
	}

	if _, claimed := b.deleteClaims.LoadOrStore(msg.ID, control.ExpiresAt); claimed {
		logger.InfoContext(ctx, "message already deleted")
		b.metrics.deleteClicks.WithLabelValues(deleteResultAlreadyDeleted).Inc()
		respondToClick(ctx, handler, logger, ephemeralResponse(deleteResponseAlreadyDeleted))
		return
	}

	if err = b.discord.session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
		if isUnknownMessage(err) {
			logger.InfoContext(ctx, "message was deleted elsewhere")
			b.metrics.deleteClicks.WithLabelValues(deleteResultAlreadyDeleted).Inc()
			respondToClick(ctx, handler, logger, ephemeralResponse(deleteResponseAlreadyDeleted))
			return
		}
		b.deleteClaims.Delete(msg.ID)
		logger.ErrorContext(ctx, "error deleting message", tint.Err(err))
		b.metrics.deleteClicks.WithLabelValues(deleteResultError).Inc()
		respondToClick(ctx, handler, logger, ephemeralResponse(deleteResponseFailed))
		return
	}

	logger.InfoContext(ctx, "deleted info message", "user_id", u.ID)
	b.metrics.deleteClicks.WithLabelValues(deleteResultDeleted).Inc()
	if e := handler.Respond(ctx, ephemeralResponse(deleteResponseDeleted)); e != nil {
		logger.ErrorContext(ctx, "error confirming deletion", tint.Err(e))
	}
}

// removeDeleteButton strips all components from the given message
func (b *Bot) removeDeleteButton(channelID, messageID string) error {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.Components = &[]discordgo.MessageComponent{}
	_, err := b.discord.session.ChannelMessageEditComplex(edit)
	if isUnknownMessage(err) {
		return nil
	}
	return err
}

// isUnknownMessage reports whether err is discord's 'Unknown Message' error,
// meaning the message no longer exists
func isUnknownMessage(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage
}

// deleteButtonTimer removes the 'Delete' button from the given message once
// the control expires. resolve is called first to find the message, as
// command replies aren't available until the interaction response has been
// delivered.
func (b *Bot) deleteButtonTimer(
	ctx context.Context,
	control DeleteControl,
	resolve func() (*discordgo.Message, error),
) {
	b.buttonTimersRunning.Add(1)
	defer b.buttonTimersRunning.Add(-1)

	ctx, logger := b.getLogger(ctx)

	msg, err := resolve()
	if err != nil || msg == nil {
		logger.ErrorContext(ctx, "unable to find message for delete button timer", tint.Err(err))
		return
	}
	logger = logger.With("message_id", msg.ID, "control", control)

	removeIn := control.ExpiresAt.Sub(b.now())
	logger.DebugContext(
		ctx,
		fmt.Sprintf("scheduling delete button removal at: %s", control.ExpiresAt),
		"remove_in", removeIn,
	)

	timer := time.NewTimer(removeIn)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		logger.DebugContext(ctx, "context canceled, stopping delete button timer")
		return
	case <-timer.C:
	}

	defer b.deleteClaims.Delete(msg.ID)
	if _, deleted := b.deleteClaims.Load(msg.ID); deleted {
		return
	}
	if e := b.removeDeleteButton(msg.ChannelID, msg.ID); e != nil {
		logger.ErrorContext(ctx, "error removing expired delete button", tint.Err(e))
		return
	}
	logger.InfoContext(ctx, "removed expired delete button")
}

// commandResponseResolver returns a function which looks up the message
// created by responding to the interaction. Webhook responses are only
// delivered after the handler returns, so it retries briefly.
func (b *Bot) commandResponseResolver(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) func() (*discordgo.Message, error) {
	return func() (*discordgo.Message, error) {
		var errs []error
		for attempt := 0; attempt < commandResponseAttempts; attempt++ {
			msg, err := b.discord.session.InteractionResponse(i.Interaction)
			if err == nil {
				return msg, nil
			}
			errs = append(errs, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(commandResponseRetryDelay):
			}
		}
		return nil, errors.Join(errs...)
	}
}

const (
	commandResponseAttempts   = 3
	commandResponseRetryDelay = 2 * time.Second
)
