package officevulp

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const requestedByFooter = "Requested by %s"

var (
	errNoGuild      = errors.New("message wasn't sent in a guild")
	errNoJoinedDate = errors.New("member join date unavailable")
)

// infoMessageEmbed returns the panic bunker info card, with a footer
// naming the user who asked for it (directly or not)
func (b *Bot) infoMessageEmbed(requestedBy string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       b.faq.Title,
		Description: b.faq.Explanation,
		Color:       b.faq.Color,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(requestedByFooter, requestedBy),
		},
	}
}

// checkEligibility decides whether the message should get an automatic
// reply. It returns the author's guild member when it should, otherwise
// the reason it was skipped.
//
// Anything that can't be determined (no author, no join date) skips the
// message.
func (b *Bot) checkEligibility(
	ctx context.Context,
	m *discordgo.Message,
) (*discordgo.Member, string) {
	author := messageAuthor(m)
	if author == nil {
		return nil, skipReasonNoAuthor
	}
	if author.ID == b.discord.BotUserID() ||
		(author.Bot && !b.config.PanicBunker.ReplyToBots) {
		return nil, skipReasonBotAuthor
	}

	member, err := b.resolveMember(ctx, m, author)
	if err != nil {
		_, logger := b.getLogger(ctx)
		logger.DebugContext(ctx, "unable to resolve join date", tint.Err(err))
		return nil, skipReasonNoJoinDate
	}

	if b.now().Sub(member.JoinedAt) >= b.config.PanicBunker.JoinThreshold {
		return member, skipReasonMemberTooOld
	}

	if !b.patterns.Match(m.Content) {
		return member, skipReasonNoMatch
	}
	return member, ""
}

// resolveMember returns the guild member who authored the message, with
// a known join date. The member payload attached to the message is used
// when available, otherwise it's fetched.
func (b *Bot) resolveMember(
	_ context.Context,
	m *discordgo.Message,
	author *discordgo.User,
) (*discordgo.Member, error) {
	if m.GuildID == "" {
		return nil, errNoGuild
	}
	if m.Member != nil && !m.Member.JoinedAt.IsZero() {
		return m.Member, nil
	}
	member, err := b.discord.session.GuildMember(m.GuildID, author.ID)
	if err != nil {
		return nil, fmt.Errorf("error fetching guild member: %w", err)
	}
	if member == nil || member.JoinedAt.IsZero() {
		return nil, errNoJoinedDate
	}
	return member, nil
}

// handleDiscordMessage replies to panic bunker questions from recently
// joined members.
//
// This is called as a goroutine for each message received through the
// discord gateway. Each message is evaluated once, independently of any
// other, and skipped messages aren't revisited.
func (b *Bot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	ctx, logger := b.getLogger(ctx)
	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	b.metrics.messagesSeen.Inc()

	member, reason := b.checkEligibility(ctx, m.Message)
	if reason != "" {
		b.metrics.messagesSkipped.WithLabelValues(reason).Inc()
		logger.DebugContext(ctx, "skipping message", "reason", reason)
		return
	}

	author := messageAuthor(m.Message)
	if _, err := b.sendInfoReply(ctx, m.Message, author, member); err != nil {
		logger.ErrorContext(ctx, "error sending info message", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"sent panic bunker info",
		"joined_at", member.JoinedAt,
		"member_for", b.now().Sub(member.JoinedAt).Round(time.Second),
	)
}

// sendInfoReply sends the info card as a reply to m, with a 'Delete'
// button bound to the author.
func (b *Bot) sendInfoReply(
	ctx context.Context,
	m *discordgo.Message,
	author *discordgo.User,
	member *discordgo.Member,
) (*discordgo.Message, error) {
	control := b.newDeleteControl(author.ID)
	reply, err := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{b.infoMessageEmbed(displayName(author, member))},
			Components: control.components(),
			Reference:  m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse:       []discordgo.AllowedMentionType{},
				RepliedUser: true,
			},
		},
	)
	if err != nil {
		b.metrics.replyErrors.Inc()
		return nil, err
	}
	b.metrics.repliesSent.WithLabelValues(replyTriggerMessage).Inc()

	b.startDeleteButtonTimer(
		ctx, control, func() (*discordgo.Message, error) {
			return reply, nil
		},
	)
	return reply, nil
}

// handlePanicBunkerCommand responds to `/panic-bunker-info` with the info
// card, posted publicly in the channel the command was used in.
func (b *Bot) handlePanicBunkerCommand(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "no user found for command")
		return
	}

	control := b.newDeleteControl(u.ID)
	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{b.infoMessageEmbed(displayName(u, i.Member))},
				Components: control.components(),
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Parse: []discordgo.AllowedMentionType{},
				},
			},
		},
	)
	if err != nil {
		b.metrics.replyErrors.Inc()
		logger.ErrorContext(ctx, "error responding to command", tint.Err(err))
		return
	}
	b.metrics.repliesSent.WithLabelValues(replyTriggerCommand).Inc()
	logger.InfoContext(ctx, "sent panic bunker info", "user_id", u.ID)

	b.startDeleteButtonTimer(ctx, control, b.commandResponseResolver(ctx, i))
}

// startDeleteButtonTimer runs [Bot.deleteButtonTimer] in the background,
// tracked so shutdown waits on it.
func (b *Bot) startDeleteButtonTimer(
	ctx context.Context,
	control DeleteControl,
	resolve func() (*discordgo.Message, error),
) {
	b.eventWG.Add(1)
	go func() {
		defer b.eventWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
			}
		}()
		b.deleteButtonTimer(ctx, control, resolve)
	}()
}
