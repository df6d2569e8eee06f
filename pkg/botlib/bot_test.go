package botlib

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one TCP connection and lets the test script both sides
// of the conversation.
type fakeServer struct {
	t        *testing.T
	listener net.Listener
	conns    chan net.Conn

	mu     sync.Mutex
	conn   net.Conn
	reader *protocol.FrameReader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, listener: ln, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.conns <- conn
	}()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) addr() string { return s.listener.Addr().String() }

func (s *fakeServer) accept() {
	s.t.Helper()
	select {
	case conn := <-s.conns:
		s.mu.Lock()
		s.conn = conn
		s.reader = protocol.NewFrameReader(conn, protocol.MaxFrameSize)
		s.mu.Unlock()
	case <-time.After(2 * time.Second):
		s.t.Fatal("no client connected")
	}
}

// expect reads the next command and checks its type
func (s *fakeServer) expect(kind string) protocol.Message {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := s.reader.ReadFrame()
	require.NoError(s.t, err)
	require.Equal(s.t, kind, frame.Type)
	msg, err := protocol.DecodeCommand(frame)
	require.NoError(s.t, err)
	return msg
}

func (s *fakeServer) send(msgs ...protocol.Message) {
	s.t.Helper()
	for _, msg := range msgs {
		frame, err := protocol.Encode(msg)
		require.NoError(s.t, err)
		require.NoError(s.t, protocol.EncodeFrame(s.conn, frame))
	}
}

func (s *fakeServer) welcome(username, channel string) {
	s.t.Helper()
	s.expect(protocol.TypeLogin)
	s.send(
		&protocol.LoginSuccessMessage{Username: username, Tag: 7, Channel: channel, ProtocolVersion: protocol.ProtocolVersion},
		&protocol.ChannelListMessage{Channels: []string{"general", "random"}},
		&protocol.ServiceModeMessage{},
	)
}

func dialFake(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), s.addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	s.accept()
	return c
}

func nextEvent(t *testing.T, c *Client) protocol.Message {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func TestClientLogin(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		login := s.expect(protocol.TypeLogin).(*protocol.LoginMessage)
		assert.Equal(t, "robot", login.Username)
		assert.Equal(t, "hunter22", login.Password)
		s.send(
			&protocol.LoginSuccessMessage{Username: "robot", Tag: 3, Channel: "general"},
			&protocol.ChannelListMessage{Channels: []string{"general"}},
		)
	}()

	ok, err := c.Login("robot", "hunter22")
	require.NoError(t, err)
	<-done
	assert.Equal(t, 3, ok.Tag)
	assert.Equal(t, "general", ok.Channel)

	list, isList := nextEvent(t, c).(*protocol.ChannelListMessage)
	require.True(t, isList)
	assert.Equal(t, []string{"general"}, list.Channels)
}

func TestClientLoginErrors(t *testing.T) {
	t.Run("wrong password", func(t *testing.T) {
		s := newFakeServer(t)
		c := dialFake(t, s)
		go func() {
			s.expect(protocol.TypeLogin)
			s.send(&protocol.ErrorMessage{Code: protocol.ErrCodeInvalidPassword, Message: "invalid password"})
		}()

		_, err := c.Login("robot", "nope")
		var serverErr *ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, protocol.ErrCodeInvalidPassword, serverErr.Code)
	})

	t.Run("banned", func(t *testing.T) {
		s := newFakeServer(t)
		c := dialFake(t, s)
		go func() {
			s.expect(protocol.TypeLogin)
			s.send(&protocol.BannedMessage{Reason: "spam"})
			s.conn.Close()
		}()

		_, err := c.Login("robot", "")
		var banned *BannedError
		require.ErrorAs(t, err, &banned)
		assert.Equal(t, "spam", banned.Reason)
	})

	t.Run("connection dropped", func(t *testing.T) {
		s := newFakeServer(t)
		c := dialFake(t, s)
		go func() {
			s.expect(protocol.TypeLogin)
			s.conn.Close()
		}()

		_, err := c.Login("robot", "")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newFakeServer(t)
		c := dialFake(t, s)
		_, err := c.Login("robot", "")
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestClientPingAndAsyncErrors(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		s.expect(protocol.TypePing)
		s.send(&protocol.PongMessage{})
	}()
	_, err := c.Ping()
	require.NoError(t, err)

	// With no request pending, errors are ordinary events
	s.send(&protocol.ErrorMessage{Code: protocol.ErrCodeRateLimited, Message: "slow down"})
	ev, ok := nextEvent(t, c).(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeRateLimited, ev.Code)
}

func TestClientPostAndSwitch(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	require.NoError(t, c.Post("random", "hello"))
	post := s.expect(protocol.TypeMessage).(*protocol.PostMessage)
	assert.Equal(t, "random", post.Channel)
	assert.Equal(t, "hello", post.Content)

	require.NoError(t, c.Switch("random"))
	sw := s.expect(protocol.TypeSwitchChannel).(*protocol.SwitchChannelMessage)
	assert.Equal(t, "random", sw.Channel)

	c.Close()
	assert.ErrorIs(t, c.Post("", "after close"), ErrClosed)
}

func TestDialAddressForms(t *testing.T) {
	_, err := dial(context.Background(), "gopher://example.com:70")
	assert.ErrorContains(t, err, "unsupported scheme")

	s := newFakeServer(t)
	tr, err := dial(context.Background(), "tcp://"+s.addr())
	require.NoError(t, err)
	tr.close()
}

func TestBotDispatch(t *testing.T) {
	s := newFakeServer(t)

	b := New(Config{
		Server:       s.addr(),
		Username:     "helperbot",
		Channel:      "random",
		Logger:       log.New(io.Discard, "", 0),
		PingInterval: time.Hour,
	})

	mentions := make(chan string, 4)
	rolls := make(chan []string, 4)
	plain := make(chan string, 4)
	b.OnMention(func(ctx *Context, msg *Message) { mentions <- msg.MentionedContent() })
	b.OnCommand("roll", func(ctx *Context, args []string) {
		rolls <- args
		ctx.Reply("4")
	})
	b.OnMessage(func(ctx *Context, msg *Message) { plain <- msg.Content })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- b.RunContext(ctx) }()

	s.accept()
	s.welcome("helperbot", "general")
	sw := s.expect(protocol.TypeSwitchChannel).(*protocol.SwitchChannelMessage)
	require.Equal(t, "random", sw.Channel)

	now := time.Now()
	s.send(
		&protocol.SwitchChannelMessage{Channel: "random"},
		// replayed history is older than the move and ignored
		&protocol.ChatMessage{ID: 1, Channel: "random", Username: "alice", Content: "!roll old", Timestamp: now.Add(-time.Hour).UnixMilli()},
	)
	require.Eventually(t, func() bool { return b.CurrentChannel() == "random" }, 2*time.Second, 10*time.Millisecond)

	later := time.Now().Add(time.Second).UnixMilli()
	s.send(
		&protocol.ChatMessage{ID: 2, Channel: "random", Username: "helperbot", Content: "!roll mine", Timestamp: later},
		&protocol.ChatMessage{ID: 3, Channel: "random", Username: "alice", Content: "!roll 2d6", Timestamp: later},
		&protocol.ChatMessage{ID: 4, Channel: "random", Username: "alice", Content: "@helperbot hi", Timestamp: later},
		&protocol.ChatMessage{ID: 5, Channel: "random", Username: "bob", Content: "just chatting", Timestamp: later},
	)

	assert.Equal(t, []string{"2d6"}, <-rolls)
	reply := s.expect(protocol.TypeMessage).(*protocol.PostMessage)
	assert.Equal(t, "random", reply.Channel)
	assert.Equal(t, "4", reply.Content)
	assert.Equal(t, "hi", <-mentions)
	assert.Equal(t, "just chatting", <-plain)
	assert.Empty(t, rolls, "own and replayed messages are skipped")
	assert.ElementsMatch(t, []string{"general", "random"}, b.Channels())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
	}
}

func TestBotStopsWhenConnectionLost(t *testing.T) {
	s := newFakeServer(t)
	b := New(Config{Server: s.addr(), Username: "helperbot", Logger: log.New(io.Discard, "", 0)})

	runErr := make(chan error, 1)
	go func() { runErr <- b.RunContext(context.Background()) }()

	s.accept()
	s.welcome("helperbot", "general")
	s.conn.Close()

	select {
	case err := <-runErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not notice the dropped connection")
	}
}
