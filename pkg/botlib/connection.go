package botlib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("timeout waiting for response")
)

// ServerError is an error event sent by the server in answer to a request.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// BannedError is returned by Login when the account is banned.
type BannedError struct {
	Reason string
}

func (e *BannedError) Error() string {
	if e.Reason == "" {
		return "banned"
	}
	return "banned: " + e.Reason
}

// transport moves whole frames. Each server transport has a client side
// here: newline-delimited JSON over TCP or an SSH channel, one text message
// per frame over WebSocket.
type transport interface {
	readFrame() (*protocol.Frame, error)
	writeFrame(f *protocol.Frame) error
	close() error
}

type streamTransport struct {
	reader  *protocol.FrameReader
	write   func([]byte) (int, error)
	closeFn func() error
}

func (t *streamTransport) readFrame() (*protocol.Frame, error) { return t.reader.ReadFrame() }

func (t *streamTransport) writeFrame(f *protocol.Frame) error {
	return protocol.EncodeFrame(writerFunc(t.write), f)
}

func (t *streamTransport) close() error { return t.closeFn() }

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) readFrame() (*protocol.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ParseFrame(data)
}

func (t *wsTransport) writeFrame(f *protocol.Frame) error {
	return t.conn.WriteMessage(websocket.TextMessage, f.Payload)
}

func (t *wsTransport) close() error {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// dial opens a transport for addr. Accepted forms are host:port and
// tcp://host:port for raw TCP, ssh://host:port and ws(s)://host:port/ws.
func dial(ctx context.Context, addr string) (transport, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "tcp", Host: addr}
	}

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial failed: %w", err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		return &streamTransport{
			reader:  protocol.NewFrameReader(conn, protocol.MaxFrameSize),
			write:   conn.Write,
			closeFn: conn.Close,
		}, nil

	case "ssh":
		user := "notcord"
		if u.User != nil {
			user = u.User.Username()
		}
		client, err := ssh.Dial("tcp", u.Host, &ssh.ClientConfig{
			User:            user,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("ssh dial failed: %w", err)
		}
		channel, requests, err := client.OpenChannel("session", nil)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("ssh session failed: %w", err)
		}
		go ssh.DiscardRequests(requests)
		return &streamTransport{
			reader: protocol.NewFrameReader(channel, protocol.MaxFrameSize),
			write:  channel.Write,
			closeFn: func() error {
				channel.Close()
				return client.Close()
			},
		}, nil

	case "ws", "wss":
		if u.Path == "" {
			u.Path = "/ws"
		}
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		conn.SetReadLimit(protocol.MaxFrameSize)
		return &wsTransport{conn: conn}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// Client is one logged-in (or logging-in) connection to a server.
//
// Replies to requests (login_success, banned, pong and errors while a
// request is pending) are delivered to the waiting call. Everything else,
// chat messages included, is published on Events.
type Client struct {
	addr    string
	tr      transport
	timeout time.Duration

	sendMu sync.Mutex
	mu     sync.RWMutex
	closed bool

	pending   atomic.Bool
	responses chan protocol.Message
	events    chan protocol.Message
	done      chan struct{}
	readErr   error
}

// Dial connects to addr. timeout bounds every request/response exchange; zero
// means ten seconds.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	tr, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		addr:      addr,
		tr:        tr,
		timeout:   timeout,
		responses: make(chan protocol.Message, 4),
		events:    make(chan protocol.Message, 256),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// Events returns the stream of server events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Message {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	<-c.done
	return c.readErr
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.tr.close()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send encodes and writes one command.
func (c *Client) Send(msg protocol.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.tr.writeFrame(frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// Login authenticates and returns the server's login_success. The welcome
// events that follow (channel list, service mode, history) arrive on Events.
func (c *Client) Login(username, password string) (*protocol.LoginSuccessMessage, error) {
	resp, err := c.request(&protocol.LoginMessage{Username: username, Password: password}, protocol.TypeLoginSuccess, protocol.TypeBanned)
	if err != nil {
		return nil, err
	}
	if banned, ok := resp.(*protocol.BannedMessage); ok {
		return nil, &BannedError{Reason: banned.Reason}
	}
	return resp.(*protocol.LoginSuccessMessage), nil
}

// Post sends a chat message. An empty channel posts to the current one. The
// server does not acknowledge posts; rejections arrive as error events.
func (c *Client) Post(channel, content string) error {
	return c.Send(&protocol.PostMessage{Channel: channel, Content: content})
}

// PostImage sends a message carrying an uploaded image reference.
func (c *Client) PostImage(channel, content, ref string) error {
	return c.Send(&protocol.PostMessage{Channel: channel, Content: content, Image: ref})
}

// Switch asks to move to channel. Confirmation arrives as a switch_channel
// event followed by the channel history.
func (c *Client) Switch(channel string) error {
	return c.Send(&protocol.SwitchChannelMessage{Channel: channel})
}

// Ping measures one round trip.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(&protocol.PingMessage{}, protocol.TypePong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// request sends msg and waits for a reply of one of the given types. Error
// events received meanwhile are the answer.
func (c *Client) request(msg protocol.Message, want ...string) (protocol.Message, error) {
	c.pending.Store(true)
	defer c.pending.Store(false)

	// Stale replies belong to an earlier, timed-out request
	for len(c.responses) > 0 {
		<-c.responses
	}

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for {
		select {
		case resp := <-c.responses:
			if reply, err := matchReply(resp, want); reply != nil || err != nil {
				return reply, err
			}
		case <-c.done:
			// A reply may have arrived just before the connection ended
			for len(c.responses) > 0 {
				if reply, err := matchReply(<-c.responses, want); reply != nil || err != nil {
					return reply, err
				}
			}
			if c.readErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
			}
			return nil, ErrClosed
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}
}

// matchReply returns resp if it is one of the wanted types, the error it
// carries, or neither when it answers something else
func matchReply(resp protocol.Message, want []string) (protocol.Message, error) {
	if e, ok := resp.(*protocol.ErrorMessage); ok {
		return nil, &ServerError{Code: e.Code, Message: e.Message}
	}
	if slices.Contains(want, resp.Type()) {
		return resp, nil
	}
	return nil, nil
}

// receiveLoop reads frames until the connection ends and dispatches them.
func (c *Client) receiveLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		frame, err := c.tr.readFrame()
		if err != nil {
			if !c.isClosed() {
				c.readErr = err
			}
			return
		}

		msg, err := protocol.DecodeEvent(frame)
		if err != nil {
			// Unknown event types from a newer server are skipped
			continue
		}

		switch msg.Type() {
		case protocol.TypeLoginSuccess, protocol.TypeBanned, protocol.TypePong:
			c.respond(msg)
		case protocol.TypeError:
			if c.pending.Load() {
				c.respond(msg)
			} else {
				c.publish(msg)
			}
		default:
			c.publish(msg)
		}
	}
}

func (c *Client) respond(msg protocol.Message) {
	select {
	case c.responses <- msg:
	default:
		// Response channel full, drop oldest
		select {
		case <-c.responses:
		default:
		}
		c.responses <- msg
	}
}

// publish hands an event to the consumer, dropping the oldest one when the
// consumer has fallen behind.
func (c *Client) publish(msg protocol.Message) {
	for {
		select {
		case c.events <- msg:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}
