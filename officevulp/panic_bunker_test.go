package officevulp

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestCheckEligibility(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)
	threshold := bot.config.PanicBunker.JoinThreshold

	u := newDiscordUser(t)
	recent := testNow.Add(-2 * time.Hour)

	tests := []struct {
		name    string
		message func() *discordgo.Message
		reason  string
	}{
		{
			name: "recent member asking",
			message: func() *discordgo.Message {
				return newGuildMessage(t, u, "why panic bunker???", recent).Message
			},
		},
		{
			name: "no author",
			message: func() *discordgo.Message {
				m := newGuildMessage(t, u, "why panic bunker???", recent).Message
				m.Author = nil
				return m
			},
			reason: skipReasonNoAuthor,
		},
		{
			name: "bot author",
			message: func() *discordgo.Message {
				botUser := *u
				botUser.Bot = true
				return newGuildMessage(t, &botUser, "why panic bunker???", recent).Message
			},
			reason: skipReasonBotAuthor,
		},
		{
			name: "own message",
			message: func() *discordgo.Message {
				return newGuildMessage(
					t,
					&discordgo.User{ID: session.botUser.ID},
					"why panic bunker???",
					recent,
				).Message
			},
			reason: skipReasonBotAuthor,
		},
		{
			name: "direct message",
			message: func() *discordgo.Message {
				m := newGuildMessage(t, u, "why panic bunker???", recent).Message
				m.GuildID = ""
				m.Member = nil
				return m
			},
			reason: skipReasonNoJoinDate,
		},
		{
			name: "join date unavailable",
			message: func() *discordgo.Message {
				m := newGuildMessage(t, u, "why panic bunker???", recent).Message
				m.Member = nil
				return m
			},
			reason: skipReasonNoJoinDate,
		},
		{
			name: "old member",
			message: func() *discordgo.Message {
				return newGuildMessage(
					t, u, "why panic bunker???", testNow.Add(-30*24*time.Hour),
				).Message
			},
			reason: skipReasonMemberTooOld,
		},
		{
			name: "joined exactly at the threshold",
			message: func() *discordgo.Message {
				return newGuildMessage(t, u, "why panic bunker???", testNow.Add(-threshold)).Message
			},
			reason: skipReasonMemberTooOld,
		},
		{
			name: "joined just under the threshold",
			message: func() *discordgo.Message {
				return newGuildMessage(
					t, u, "why panic bunker???", testNow.Add(-threshold+time.Second),
				).Message
			},
		},
		{
			name: "unrelated content",
			message: func() *discordgo.Message {
				return newGuildMessage(t, u, "hello everyone", recent).Message
			},
			reason: skipReasonNoMatch,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				member, reason := bot.checkEligibility(ctx, tc.message())
				assert.Equal(t, tc.reason, reason)
				if tc.reason == "" {
					require.NotNil(t, member)
				}
			},
		)
	}
}

func TestCheckEligibility_FetchesMember(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	session.members[u.ID] = &discordgo.Member{
		User:     u,
		JoinedAt: testNow.Add(-time.Hour),
	}

	m := newGuildMessage(t, u, "what is this panic bunker thing", time.Time{}).Message
	member, reason := bot.checkEligibility(ctx, m)
	assert.Empty(t, reason)
	require.NotNil(t, member)
	assert.Equal(t, testNow.Add(-time.Hour), member.JoinedAt)
	assert.Equal(t, int64(1), session.guildMemberCalls.Load())

	// the member payload on the message is used when it has a join date
	m = newGuildMessage(t, u, "what is this panic bunker thing", testNow.Add(-time.Hour)).Message
	_, reason = bot.checkEligibility(ctx, m)
	assert.Empty(t, reason)
	assert.Equal(t, int64(1), session.guildMemberCalls.Load())

	// a failed lookup skips the message
	session.memberErr = errors.New("rate limited")
	m = newGuildMessage(t, u, "what is this panic bunker thing", time.Time{}).Message
	_, reason = bot.checkEligibility(ctx, m)
	assert.Equal(t, skipReasonNoJoinDate, reason)
}

func TestCheckEligibility_ReplyToBots(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)
	bot.config.PanicBunker.ReplyToBots = true
	recent := testNow.Add(-2 * time.Hour)

	otherBot := *newDiscordUser(t)
	otherBot.Bot = true
	m := newGuildMessage(t, &otherBot, "why panic bunker???", recent)
	member, reason := bot.checkEligibility(ctx, m.Message)
	assert.Empty(t, reason)
	assert.NotNil(t, member)

	// never itself
	self := newGuildMessage(t, session.botUser, "why panic bunker???", recent)
	_, reason = bot.checkEligibility(ctx, self.Message)
	assert.Equal(t, skipReasonBotAuthor, reason)
}

func TestCheckEligibility_MemberLookupArgs(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	m := newGuildMessage(t, u, "why panic bunker???", time.Time{}).Message

	lookup := &memberLookupMock{mockDiscordSession: session}
	lookup.On("GuildMember", m.GuildID, u.ID).
		Return(&discordgo.Member{User: u, JoinedAt: testNow.Add(-time.Minute)}, nil).
		Once()
	bot.discord.session = lookup

	member, reason := bot.checkEligibility(ctx, m)
	assert.Empty(t, reason)
	require.NotNil(t, member)
	lookup.AssertExpectations(t)

	// a member without a join date can't be judged
	lookup.On("GuildMember", m.GuildID, u.ID).
		Return(&discordgo.Member{User: u}, nil).
		Once()
	_, reason = bot.checkEligibility(ctx, m)
	assert.Equal(t, skipReasonNoJoinDate, reason)
	lookup.AssertExpectations(t)
}

func TestHandleDiscordMessage_Reply(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	m := newGuildMessage(t, u, "why panic bunker???", testNow.Add(-2*time.Hour))
	m.Member.Nick = "nick_" + u.ID

	bot.handleDiscordMessage(ctx, m)

	sent := waitForValue(t, session.messagesSent)
	assert.Equal(t, m.ChannelID, sent.ChannelID)

	data := sent.Data
	require.Len(t, data.Embeds, 1, prettyJSON(data))
	embed := data.Embeds[0]
	assert.Equal(t, DefaultFAQTitle, embed.Title)
	assert.Equal(t, DefaultFAQExplanation, embed.Description)
	assert.Equal(t, DefaultFAQColor, embed.Color)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, fmt.Sprintf(requestedByFooter, m.Member.Nick), embed.Footer.Text)

	// replies to the question, pinging only the asker
	require.NotNil(t, data.Reference)
	assert.Equal(t, m.ID, data.Reference.MessageID)
	assert.Equal(t, m.ChannelID, data.Reference.ChannelID)
	require.NotNil(t, data.AllowedMentions)
	assert.Empty(t, data.AllowedMentions.Parse)
	assert.True(t, data.AllowedMentions.RepliedUser)

	// the delete button is bound to the asker
	button := deleteButtonFrom(t, data.Components)
	assert.Equal(t, deleteButtonLabel, button.Label)
	assert.Equal(t, discordgo.SecondaryButton, button.Style)
	control, err := ParseDeleteControl(button.CustomID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, control.AuthorizedUserID)
	assert.Equal(t, testNow.Add(bot.config.PanicBunker.DeleteButtonTTL), control.ExpiresAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(bot.metrics.messagesSeen))
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.repliesSent.WithLabelValues(replyTriggerMessage)),
	)
}

func TestHandleDiscordMessage_FooterFallsBackToGlobalName(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	bot.handleDiscordMessage(
		ctx,
		newGuildMessage(t, u, "I have a question about the panic bunker", testNow.Add(-time.Hour)),
	)

	sent := waitForValue(t, session.messagesSent)
	require.Len(t, sent.Data.Embeds, 1)
	assert.Equal(
		t,
		fmt.Sprintf(requestedByFooter, u.GlobalName),
		sent.Data.Embeds[0].Footer.Text,
	)
}

func TestHandleDiscordMessage_Skipped(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)

	// long-standing member
	bot.handleDiscordMessage(
		ctx,
		newGuildMessage(t, u, "why panic bunker???", testNow.Add(-30*24*time.Hour)),
	)
	// nothing to do with the panic bunker
	bot.handleDiscordMessage(
		ctx,
		newGuildMessage(t, u, "good morning", testNow.Add(-time.Hour)),
	)
	// other bots
	botAuthor := *u
	botAuthor.Bot = true
	bot.handleDiscordMessage(
		ctx,
		newGuildMessage(t, &botAuthor, "why panic bunker???", testNow.Add(-time.Hour)),
	)
	// empty events are ignored entirely
	bot.handleDiscordMessage(ctx, nil)
	bot.handleDiscordMessage(ctx, &discordgo.MessageCreate{})

	assert.Empty(t, session.messagesSent)
	assert.Equal(t, 3.0, testutil.ToFloat64(bot.metrics.messagesSeen))
	for reason, expected := range map[string]float64{
		skipReasonMemberTooOld: 1,
		skipReasonNoMatch:      1,
		skipReasonBotAuthor:    1,
	} {
		assert.Equal(
			t,
			expected,
			testutil.ToFloat64(bot.metrics.messagesSkipped.WithLabelValues(reason)),
			reason,
		)
	}
}

func TestHandleDiscordMessage_SendError(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)
	session.sendErr = errors.New("missing permissions")

	u := newDiscordUser(t)
	bot.handleDiscordMessage(
		ctx,
		newGuildMessage(t, u, "why panic bunker???", testNow.Add(-time.Hour)),
	)

	assert.Equal(t, 1.0, testutil.ToFloat64(bot.metrics.replyErrors))
	assert.Equal(t, int64(0), bot.buttonTimersRunning.Load())
}

func TestHandlePanicBunkerCommand(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	i := newCommandInteraction(t, u, "")
	handler := newStubInteractionHandler(t, i)

	bot.handleInteraction(ctx, handler)

	resp := waitForValue(t, handler.responses)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral, "should be public")
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, DefaultFAQTitle, resp.Data.Embeds[0].Title)
	assert.Equal(
		t,
		fmt.Sprintf(requestedByFooter, u.GlobalName),
		resp.Data.Embeds[0].Footer.Text,
	)
	require.NotNil(t, resp.Data.AllowedMentions)
	assert.Empty(t, resp.Data.AllowedMentions.Parse)

	button := deleteButtonFrom(t, resp.Data.Components)
	control, err := ParseDeleteControl(button.CustomID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, control.AuthorizedUserID)

	assert.Empty(t, session.messagesSent)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.repliesSent.WithLabelValues(replyTriggerCommand)),
	)

	// the button removal is scheduled
	assert.Eventually(
		t,
		func() bool { return bot.buttonTimersRunning.Load() == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
}

func TestHandlePanicBunkerCommand_RespondError(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := testContext(t)

	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t, newCommandInteraction(t, u, ""))
	handler.respondErr = errors.New("interaction expired")

	bot.handleInteraction(ctx, handler)

	assert.Equal(t, 1.0, testutil.ToFloat64(bot.metrics.replyErrors))
	assert.Equal(t, int64(0), bot.buttonTimersRunning.Load())
}

// deleteButtonFrom returns the single button in the given components,
// failing the test if the layout is anything else
func deleteButtonFrom(t testing.TB, components []discordgo.MessageComponent) discordgo.Button {
	t.Helper()
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok, "expected an action row, got %T", components[0])
	require.Len(t, row.Components, 1)
	button, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok, "expected a button, got %T", row.Components[0])
	return button
}

// memberLookupMock records GuildMember calls with testify's mock, and
// passes everything else to the wrapped session
type memberLookupMock struct {
	*mockDiscordSession
	mock.Mock
}

func (m *memberLookupMock) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	args := m.Called(guildID, userID)
	member, _ := args.Get(0).(*discordgo.Member)
	return member, args.Error(1)
}
