package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory frameConn. Frames pushed to in are read by the
// server; frames the server writes land in out.
type fakeConn struct {
	in  chan *protocol.Frame
	out chan *protocol.Frame

	failWrites atomic.Bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *protocol.Frame, 64),
		out:    make(chan *protocol.Frame, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (*protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(f *protocol.Frame, _ time.Time) error {
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- f
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send queues a client command
func (c *fakeConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	f, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- f
}

// next returns the next event written to the connection
func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case f := <-c.out:
		msg, err := protocol.DecodeEvent(f)
		require.NoError(t, err)
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

// expectNone fails if anything is written within d
func (c *fakeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected %s event: %s", f.Type, f.Payload)
	case <-time.After(d):
	}
}

// drain discards everything written so far
func (c *fakeConn) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// nextOf skips events until one of type T arrives
func nextOf[T protocol.Message](t *testing.T, c *fakeConn) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-c.out:
			msg, err := protocol.DecodeEvent(f)
			require.NoError(t, err)
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.SSHPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.AdminUsers = []string{"admin"}
	cfg.SendTimeout = time.Second
	return cfg
}

// newTestServer builds a server on in-memory backends without starting any
// listener
func newTestServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	return newTestServerOn(t, NewMemoryBackends(), mutate...)
}

// newTestServerOn is newTestServer with caller supplied backends
func newTestServerOn(t *testing.T, backends *Backends, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(cfg, backends)
	require.NoError(t, err)
	s.users.hashCost = bcrypt.MinCost
	t.Cleanup(func() { s.Stop() })
	return s
}

// connect runs a connection's read loop in the background
func connect(t *testing.T, s *Server) (*SafeConn, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	sc := NewSafeConn(fc, "test", time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveConn(sc)
	}()
	t.Cleanup(func() {
		sc.Close()
		<-done
	})
	return sc, fc
}

// login connects username and consumes the welcome sequence up to and
// including service_mode. History replay that follows is left unread.
func login(t *testing.T, s *Server, username string) (*Session, *fakeConn) {
	t.Helper()
	sc, fc := connect(t, s)
	fc.send(t, &protocol.LoginMessage{Username: username})

	ok := nextOf[*protocol.LoginSuccessMessage](t, fc)
	require.Equal(t, username, ok.Username)
	nextOf[*protocol.ChannelListMessage](t, fc)
	nextOf[*protocol.ServiceModeMessage](t, fc)

	sess, found := s.sessions.Get(sc)
	require.True(t, found)
	return sess, fc
}

// staticChannels is a fixed channelChecker
type staticChannels map[string]bool

func (c staticChannels) Exists(name string) bool { return c[name] }

// failingMessages rejects every append
type failingMessages struct {
	*database.MemDB
}

func (failingMessages) AppendMessage(*database.Message) (int64, error) {
	return 0, errors.New("disk full")
}

// undeletableMessages refuses to delete history
type undeletableMessages struct {
	*database.MemDB
}

func (undeletableMessages) DeleteMessages(string) (int64, error) {
	return 0, errors.New("read-only")
}
