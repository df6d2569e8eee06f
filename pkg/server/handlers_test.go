package server

import (
	"strings"
	"testing"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(t *testing.T, data string) *protocol.Frame {
	t.Helper()
	f, err := protocol.ParseFrame([]byte(data))
	require.NoError(t, err)
	return f
}

func TestLoginWelcomeSequence(t *testing.T) {
	s := newTestServer(t)
	_, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: "alice"})

	ok, isOK := fc.next(t).(*protocol.LoginSuccessMessage)
	require.True(t, isOK)
	assert.Equal(t, "alice", ok.Username)
	assert.Equal(t, "general", ok.Channel)
	assert.False(t, ok.Admin)
	assert.Equal(t, protocol.ProtocolVersion, ok.ProtocolVersion)
	assert.Positive(t, ok.Tag)

	list, isList := fc.next(t).(*protocol.ChannelListMessage)
	require.True(t, isList)
	assert.Equal(t, []string{"general", "random"}, list.Channels)

	mode, isMode := fc.next(t).(*protocol.ServiceModeMessage)
	require.True(t, isMode)
	assert.False(t, mode.State)

	fc.expectNone(t, 100*time.Millisecond)
}

func TestAdminLoginIsFlagged(t *testing.T) {
	s := newTestServer(t)
	_, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: "admin"})
	assert.True(t, nextOf[*protocol.LoginSuccessMessage](t, fc).Admin)
}

func TestCommandsBeforeLogin(t *testing.T) {
	s := newTestServer(t)
	_, fc := connect(t, s)

	fc.send(t, &protocol.PostMessage{Content: "hi"})
	assert.Equal(t, protocol.ErrCodeAuthRequired, nextOf[*protocol.ErrorMessage](t, fc).Code)

	fc.send(t, &protocol.ModerateUserMessage{Kind: protocol.TypeBan, Target: "bob"})
	assert.Equal(t, protocol.ErrCodeAuthRequired, nextOf[*protocol.ErrorMessage](t, fc).Code)

	fc.in <- rawFrame(t, `{"type":"teleport"}`)
	assert.Equal(t, protocol.ErrCodeUnsupportedType, nextOf[*protocol.ErrorMessage](t, fc).Code)

	fc.send(t, &protocol.PingMessage{})
	_, isPong := fc.next(t).(*protocol.PongMessage)
	assert.True(t, isPong)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	sess, fc := login(t, s, "alice")

	fc.in <- rawFrame(t, `{"type":"message","content":42}`)
	assert.Equal(t, protocol.ErrCodeInvalidFormat, nextOf[*protocol.ErrorMessage](t, fc).Code)

	fc.send(t, &protocol.PostMessage{Content: "still here"})
	assert.Equal(t, "still here", nextOf[*protocol.ChatMessage](t, fc).Content)
	assert.False(t, sess.Conn.Closed())
}

func TestPostValidation(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.MaxMessageLength = 10 })
	_, fc := login(t, s, "alice")

	tests := []struct {
		name string
		msg  *protocol.PostMessage
		code int
	}{
		{"too long", &protocol.PostMessage{Content: strings.Repeat("x", 11)}, protocol.ErrCodeInvalidInput},
		{"whitespace only", &protocol.PostMessage{Content: "  \n"}, protocol.ErrCodeInvalidInput},
		{"bad image ref", &protocol.PostMessage{Content: "look", Image: "../../etc/passwd"}, protocol.ErrCodeInvalidInput},
		{"unknown channel", &protocol.PostMessage{Content: "hi", Channel: "nope"}, protocol.ErrCodeChannelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc.send(t, tt.msg)
			assert.Equal(t, tt.code, nextOf[*protocol.ErrorMessage](t, fc).Code)
		})
	}
}

func TestPostToOtherExistingChannel(t *testing.T) {
	s := newTestServer(t)
	_, aliceConn := login(t, s, "alice")
	bob, bobConn := login(t, s, "bob")
	require.NoError(t, s.handleSwitchChannel(bob, "random"))
	bobConn.drain()

	aliceConn.send(t, &protocol.PostMessage{Content: "over there", Channel: "random"})
	got := nextOf[*protocol.ChatMessage](t, bobConn)
	assert.Equal(t, "random", got.Channel)
	aliceConn.expectNone(t, 100*time.Millisecond)
}

func TestPostIsRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.MessageRateLimit = 2 })
	_, fc := login(t, s, "alice")

	for range 2 {
		fc.send(t, &protocol.PostMessage{Content: "spam"})
		nextOf[*protocol.ChatMessage](t, fc)
	}
	fc.send(t, &protocol.PostMessage{Content: "spam"})
	assert.Equal(t, protocol.ErrCodeRateLimited, nextOf[*protocol.ErrorMessage](t, fc).Code)
}

func TestSwitchChannelCommand(t *testing.T) {
	s := newTestServer(t)
	sess, fc := login(t, s, "alice")

	fc.send(t, &protocol.SwitchChannelMessage{Channel: "random"})
	assert.Equal(t, "random", nextOf[*protocol.SwitchChannelMessage](t, fc).Channel)
	require.Eventually(t, func() bool { return sess.Channel() == "random" }, waitTimeout, 10*time.Millisecond)

	fc.send(t, &protocol.SwitchChannelMessage{Channel: "missing"})
	assert.Equal(t, protocol.ErrCodeChannelNotFound, nextOf[*protocol.ErrorMessage](t, fc).Code)
	assert.Equal(t, "random", sess.Channel())
}

func TestUnauthorizedModerationIsSilent(t *testing.T) {
	s := newTestServer(t)
	_, fc := login(t, s, "alice")
	login(t, s, "bob")

	fc.send(t, &protocol.ModerateUserMessage{Kind: protocol.TypeBan, Target: "bob"})
	fc.in <- rawFrame(t, `{"type":"create_channel","name":"NOT VALID"}`)
	fc.send(t, &protocol.ToggleMessage{Kind: protocol.TypeToggleService})
	fc.expectNone(t, 150*time.Millisecond)

	assert.Len(t, s.sessions.FindByIdentity("bob"), 1)
	assert.False(t, s.state.ServiceMode())
}

func TestAdminCommandsOverTheWire(t *testing.T) {
	s := newTestServer(t)
	_, adminConn := login(t, s, "admin")
	_, bobConn := login(t, s, "bob")

	adminConn.send(t, &protocol.CreateChannelMessage{Name: "dev"})
	assert.Contains(t, nextOf[*protocol.ChannelListMessage](t, bobConn).Channels, "dev")

	adminConn.send(t, &protocol.CreateChannelMessage{Name: "dev"})
	assert.Equal(t, protocol.ErrCodeChannelExists, nextOf[*protocol.ErrorMessage](t, adminConn).Code)

	adminConn.send(t, &protocol.DeleteChannelMessage{Name: "general"})
	assert.Equal(t, protocol.ErrCodeProtected, nextOf[*protocol.ErrorMessage](t, adminConn).Code)

	adminConn.send(t, &protocol.ModerateUserMessage{Kind: protocol.TypeBan, Target: "ghost"})
	assert.Equal(t, protocol.ErrCodeUserNotFound, nextOf[*protocol.ErrorMessage](t, adminConn).Code)

	adminConn.send(t, &protocol.ModerateUserMessage{Kind: protocol.TypeBan, Target: "bob"})
	nextOf[*protocol.BannedMessage](t, bobConn)
	require.Eventually(t, bobConn.isClosed, waitTimeout, 10*time.Millisecond)
}

func TestBannedUserCannotLogin(t *testing.T) {
	s := newTestServer(t)
	_, err := s.users.Authenticate("bob", "")
	require.NoError(t, err)
	require.NoError(t, s.users.SetBanned("bob", true))

	_, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: "bob"})
	nextOf[*protocol.BannedMessage](t, fc)
	require.Eventually(t, fc.isClosed, waitTimeout, 10*time.Millisecond)
	assert.Zero(t, s.sessions.Count())
}

func TestLoginPasswords(t *testing.T) {
	s := newTestServer(t)

	sc, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: "alice", Password: "hunter2"})
	nextOf[*protocol.LoginSuccessMessage](t, fc)

	fc.send(t, &protocol.LoginMessage{Username: "alice", Password: "hunter2"})
	assert.Equal(t, protocol.ErrCodeAlreadyLoggedIn, nextOf[*protocol.ErrorMessage](t, fc).Code)
	sc.Close()

	_, wrong := connect(t, s)
	wrong.send(t, &protocol.LoginMessage{Username: "alice", Password: "letmein"})
	assert.Equal(t, protocol.ErrCodeInvalidPassword, nextOf[*protocol.ErrorMessage](t, wrong).Code)

	_, right := connect(t, s)
	right.send(t, &protocol.LoginMessage{Username: "alice", Password: "hunter2"})
	nextOf[*protocol.LoginSuccessMessage](t, right)
}

func TestLoginWithOverlongPassword(t *testing.T) {
	s := newTestServer(t)
	_, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: "alice", Password: strings.Repeat("é", 40)})

	reply := nextOf[*protocol.ErrorMessage](t, fc)
	assert.Equal(t, protocol.ErrCodeInvalidInput, reply.Code)
	assert.Contains(t, reply.Message, "72 bytes")
	assert.Equal(t, 0, s.sessions.Count())
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	s := newTestServer(t)
	first, firstConn := login(t, s, "alice")
	_, _ = login(t, s, "alice")

	evicted := nextOf[*protocol.ErrorMessage](t, firstConn)
	assert.Equal(t, protocol.ErrCodeAlreadyLoggedIn, evicted.Code)
	require.Eventually(t, first.Conn.Closed, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 1, s.sessions.Count())
}

func TestDisconnectUnregisters(t *testing.T) {
	s := newTestServer(t)
	sess, fc := login(t, s, "alice")

	fc.Close()
	require.Eventually(t, func() bool { return s.sessions.Count() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, s.sessions.MembersOf("general"))
	_, ok := s.sessions.Get(sess.Conn)
	assert.False(t, ok)
}

func TestFrameLabelIsBounded(t *testing.T) {
	assert.Equal(t, protocol.TypeLogin, frameLabel(protocol.TypeLogin))
	assert.Equal(t, "unknown", frameLabel("anything-a-client-makes-up"))
}
