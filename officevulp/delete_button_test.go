package officevulp

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestDeleteControl_CustomID(t *testing.T) {
	t.Parallel()
	control := DeleteControl{
		AuthorizedUserID: "1182436879546523730",
		ExpiresAt:        time.Unix(1717243200, 0).UTC(),
	}
	customID := control.CustomID()
	assert.Equal(t, "pb_delete:1182436879546523730:1717243200", customID)
	// discord's custom ID limit
	assert.LessOrEqual(t, len(customID), 100)
	assert.True(t, isDeleteControlID(customID))

	parsed, err := ParseDeleteControl(customID)
	require.NoError(t, err)
	assert.Equal(t, control, parsed)

	unbound := DeleteControl{ExpiresAt: control.ExpiresAt}
	parsed, err = ParseDeleteControl(unbound.CustomID())
	require.NoError(t, err)
	assert.Empty(t, parsed.AuthorizedUserID)
	assert.True(t, parsed.Authorized("anyone"))
}

func TestParseDeleteControl_Invalid(t *testing.T) {
	t.Parallel()
	for _, customID := range []string{
		"",
		"pb_delete",
		"pb_delete:123",
		"pb_delete:123:soon",
		"pb_delete:123:1717243200:extra",
		"other:123:1717243200",
	} {
		_, err := ParseDeleteControl(customID)
		assert.ErrorIs(t, err, errInvalidDeleteControl, customID)
	}
	assert.False(t, isDeleteControlID("pb_deleted:123:1"))
}

func TestDeleteControl_AuthorizedExpired(t *testing.T) {
	t.Parallel()
	control := DeleteControl{AuthorizedUserID: "asker", ExpiresAt: testNow}

	assert.True(t, control.Authorized("asker"))
	assert.False(t, control.Authorized("someone_else"))
	assert.False(t, control.Authorized(""))

	assert.False(t, control.Expired(testNow.Add(-time.Second)))
	assert.True(t, control.Expired(testNow))
	assert.True(t, control.Expired(testNow.Add(time.Second)))
}

func TestNewDeleteControl_MatchesCustomID(t *testing.T) {
	bot, _ := newTestBot(t)
	now := testNow.Add(1500 * time.Millisecond)
	bot.now = func() time.Time { return now }
	bot.config.PanicBunker.DeleteButtonTTL = time.Second

	control := bot.newDeleteControl("asker")
	assert.Equal(t, testNow.Add(2*time.Second), control.ExpiresAt)

	// clicks see the same expiry as the removal timer
	parsed, err := ParseDeleteControl(control.CustomID())
	require.NoError(t, err)
	assert.Equal(t, control, parsed)
	assert.False(t, parsed.Expired(now))
	assert.True(t, parsed.Expired(testNow.Add(2*time.Second)))
}

func TestHandleDeleteClick_Authorized(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)

	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	bot.handleInteraction(ctx, handler)

	deleted := waitForValue(t, session.messageDeletes)
	assert.Equal(t, reply.ID, deleted.MessageID)
	assert.Equal(t, reply.ChannelID, deleted.ChannelID)

	resp := waitForValue(t, handler.responses)
	assertEphemeral(t, resp, deleteResponseDeleted)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.deleteClicks.WithLabelValues(deleteResultDeleted)),
	)

	// a second click gets told it's gone
	handler = newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	bot.handleInteraction(ctx, handler)
	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseAlreadyDeleted)
	assert.Empty(t, session.messageDeletes)
}

func TestHandleDeleteClick_Unauthorized(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)

	other := &discordgo.User{ID: "someone_else", Username: "someone_else"}
	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, other, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	bot.handleInteraction(ctx, handler)

	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseUnauthorized)
	assert.Empty(t, session.messageDeletes)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.deleteClicks.WithLabelValues(deleteResultUnauthorized)),
	)

	// the asker can still delete it afterward
	handler = newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	bot.handleInteraction(ctx, handler)
	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseDeleted)
	assert.Equal(t, reply.ID, waitForValue(t, session.messageDeletes).MessageID)
}

func TestHandleDeleteClick_Concurrent(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)
	customID := deleteButtonFrom(t, reply.Components).CustomID

	const clicks = 10
	handlers := make([]*stubInteractionHandler, clicks)
	for i := range handlers {
		handlers[i] = newStubInteractionHandler(
			t,
			newComponentInteraction(t, asker, reply, customID),
		)
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *stubInteractionHandler) {
			defer wg.Done()
			bot.handleInteraction(ctx, h)
		}(h)
	}
	wg.Wait()

	var deleted, alreadyDeleted int
	for _, h := range handlers {
		resp := waitForValue(t, h.responses)
		switch resp.Data.Content {
		case deleteResponseDeleted:
			deleted++
		case deleteResponseAlreadyDeleted:
			alreadyDeleted++
		default:
			t.Errorf("unexpected response: %s", prettyJSON(resp))
		}
	}
	assert.Equal(t, 1, deleted)
	assert.Equal(t, clicks-1, alreadyDeleted)
	assert.Len(t, session.messageDeletes, 1)
}

func TestHandleDeleteClick_Expired(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := &discordgo.Message{
		ID:        "sent_expired",
		ChannelID: "channel_" + asker.ID,
		Author:    session.botUser,
	}
	control := DeleteControl{AuthorizedUserID: asker.ID, ExpiresAt: testNow}

	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, reply, control.CustomID()),
	)
	bot.handleInteraction(ctx, handler)

	resp := waitForValue(t, handler.responses)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, resp.Type)
	assert.Nil(t, resp.Data)

	edit := waitForValue(t, session.messageEdits)
	assert.Equal(t, reply.ID, edit.ID)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)

	assert.Empty(t, session.messageDeletes)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.deleteClicks.WithLabelValues(deleteResultExpired)),
	)
}

func TestHandleDeleteClick_NotOwnMessage(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	msg := &discordgo.Message{
		ID:        "someone_elses_message",
		ChannelID: "channel_" + asker.ID,
		Author:    asker,
	}
	control := bot.newDeleteControl(asker.ID)

	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, msg, control.CustomID()),
	)
	bot.handleInteraction(ctx, handler)

	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseUnauthorized)
	assert.Empty(t, session.messageDeletes)
}

func TestHandleDeleteClick_DeleteErrors(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)
	customID := deleteButtonFrom(t, reply.Components).CustomID

	// transient failures release the claim
	session.deleteErr = errors.New("gateway timeout")
	handler := newStubInteractionHandler(t, newComponentInteraction(t, asker, reply, customID))
	bot.handleInteraction(ctx, handler)
	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseFailed)
	_, claimed := bot.deleteClaims.Load(reply.ID)
	assert.False(t, claimed)

	// deleted by someone else in the meantime
	session.deleteErr = &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
	}
	handler = newStubInteractionHandler(t, newComponentInteraction(t, asker, reply, customID))
	bot.handleInteraction(ctx, handler)
	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseAlreadyDeleted)

	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.deleteClicks.WithLabelValues(deleteResultError)),
	)
	assert.Equal(
		t,
		1.0,
		testutil.ToFloat64(bot.metrics.deleteClicks.WithLabelValues(deleteResultAlreadyDeleted)),
	)
}

func TestHandleDeleteClick_RespondErrorLogged(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)

	var buf bytes.Buffer
	other := &discordgo.User{ID: "someone_else", Username: "someone_else"}
	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, other, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	handler.logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler.respondErr = errors.New("unknown interaction")
	bot.handleInteraction(ctx, handler)

	assert.Empty(t, handler.responses)
	assert.Empty(t, session.messageDeletes)
	logged := buf.String()
	assert.Contains(t, logged, "error responding to delete click")
	assert.Contains(t, logged, "unknown interaction")
}

func TestHandleDeleteClick_InvalidCustomID(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := testContext(t)

	asker := newDiscordUser(t)
	msg := &discordgo.Message{ID: "msg", ChannelID: "channel", Author: session.botUser}
	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, msg, "pb_delete:"+asker.ID+":never"),
	)
	bot.handleInteraction(ctx, handler)

	resp := waitForValue(t, handler.responses)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, resp.Type)
	assert.Empty(t, session.messageDeletes)
}

func TestDeleteButtonTimer_RemovesButton(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.PanicBunker.DeleteButtonTTL = time.Second

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)

	edit := waitForValue(t, session.messageEdits)
	assert.Equal(t, reply.ID, edit.ID)
	assert.Equal(t, reply.ChannelID, edit.Channel)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)

	waitForHandlers(t, bot)
}

func TestDeleteButtonTimer_SkipsDeletedMessage(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.PanicBunker.DeleteButtonTTL = time.Second
	ctx := testContext(t)

	asker := newDiscordUser(t)
	reply := sendTestReply(t, bot, session, asker)

	handler := newStubInteractionHandler(
		t,
		newComponentInteraction(t, asker, reply, deleteButtonFrom(t, reply.Components).CustomID),
	)
	bot.handleInteraction(ctx, handler)
	assertEphemeral(t, waitForValue(t, handler.responses), deleteResponseDeleted)

	waitForHandlers(t, bot)
	assert.Empty(t, session.messageEdits)

	// the claim is released once the control expires
	_, claimed := bot.deleteClaims.Load(reply.ID)
	assert.False(t, claimed)
}

func TestDeleteButtonTimer_CommandResponse(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.PanicBunker.DeleteButtonTTL = time.Second
	ctx := testContext(t)

	u := newDiscordUser(t)
	i := newCommandInteraction(t, u, "")
	bot.handleInteraction(ctx, bot.newGatewayHandler(ctx, i))
	_ = waitForValue(t, session.interactionResponses)

	// the command reply is looked up through the interaction
	edit := waitForValue(t, session.messageEdits)
	assert.Equal(t, "response_"+i.ID, edit.ID)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)
}

func TestDeleteButtonTimer_StopsOnCancel(t *testing.T) {
	bot, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())

	asker := newDiscordUser(t)
	m := newGuildMessage(t, asker, "why panic bunker???", testNow.Add(-time.Hour))
	bot.handleDiscordMessage(ctx, m)
	_ = waitForValue(t, session.messagesSent)

	require.Eventually(
		t,
		func() bool { return bot.buttonTimersRunning.Load() == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
	cancel()
	waitForHandlers(t, bot)
	assert.Empty(t, session.messageEdits)
}

func TestIsUnknownMessage(t *testing.T) {
	t.Parallel()
	assert.False(t, isUnknownMessage(nil))
	assert.False(t, isUnknownMessage(errors.New("nope")))
	assert.False(
		t,
		isUnknownMessage(
			&discordgo.RESTError{
				Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMember},
			},
		),
	)
	assert.True(
		t,
		isUnknownMessage(
			&discordgo.RESTError{
				Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
			},
		),
	)
}

// sendTestReply sends an info card in reply to a fresh question from
// asker, and returns the sent message
func sendTestReply(
	t testing.TB,
	bot *Bot,
	session *mockDiscordSession,
	asker *discordgo.User,
) *discordgo.Message {
	t.Helper()
	ctx := testContext(t)
	m := newGuildMessage(t, asker, "why panic bunker???", testNow.Add(-time.Hour))
	member, reason := bot.checkEligibility(ctx, m.Message)
	require.Empty(t, reason)

	reply, err := bot.sendInfoReply(ctx, m.Message, asker, member)
	require.NoError(t, err)
	sent := waitForValue(t, session.messagesSent)
	require.Equal(t, m.ChannelID, sent.ChannelID)
	return reply
}

func assertEphemeral(t testing.TB, resp *discordgo.InteractionResponse, content string) {
	t.Helper()
	require.NotNil(t, resp)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, content, resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
}

// waitForHandlers waits for the bot's handlers and delete button timers
// to return
func waitForHandlers(t testing.TB, bot *Bot) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		bot.eventWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
	assert.Equal(t, int64(0), bot.buttonTimersRunning.Load())
}
