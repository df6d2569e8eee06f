package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 54 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsCloseTimeout = time.Second
	wsWriteWait    = 10 * time.Second
)

// originPolicy decides which browser origins may open /ws. With no
// configured origins only same-origin requests are accepted; "*" accepts
// any origin.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
		case trimmed == "*":
			p.allowAll = true
		default:
			normalized, ok := normalizeOrigin(trimmed)
			if !ok {
				log.Printf("Ignoring invalid origin in configuration: %q", origin)
				continue
			}
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p *originPolicy) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	// Non-browser clients send no Origin
	if originHeader == "" || p.allowAll {
		return true
	}

	if len(p.allowed) == 0 {
		u, err := url.Parse(originHeader)
		if err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
	} else if normalized, ok := normalizeOrigin(originHeader); ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	debugLog.Printf("Blocked WebSocket connection from disallowed origin: %q", originHeader)
	return false
}

// wsConn carries one frame per WebSocket text message
type wsConn struct {
	conn   *websocket.Conn
	remote string

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, remote string, maxFrameSize int) *wsConn {
	c := &wsConn{
		conn:   conn,
		remote: remote,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxFrameSize))
	if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
		debugLog.Printf("Error setting initial read deadline for %s: %v", remote, err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go c.pingLoop()
	return c
}

// pingLoop keeps the read deadline alive for idle but healthy peers.
// WriteControl may run concurrently with WriteMessage.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				debugLog.Printf("Ping to %s failed: %v", c.remote, err)
				return
			}
		}
	}
}

func (c *wsConn) ReadFrame() (*protocol.Frame, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, protocol.ErrFrameTooLarge
		}
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, fmt.Errorf("%w: binary message", protocol.ErrMalformedFrame)
	}
	return protocol.ParseFrame(data)
}

func (c *wsConn) WriteFrame(f *protocol.Frame, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f.Payload)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Best effort, the peer may already be gone
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string { return c.remote }

// isExpectedCloseError reports errors that only mean the peer went away
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. In maintenance mode the client gets an error and is disconnected.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error
		debugLog.Printf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sc := NewSafeConn(newWSConn(conn, r.RemoteAddr, s.config.MaxFrameSize), "ws", s.config.SendTimeout)
	s.serveConn(sc)
}
