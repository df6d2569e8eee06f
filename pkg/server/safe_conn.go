package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
)

// frameConn is a transport that moves whole frames: a WebSocket, a TCP
// stream or an SSH channel.
type frameConn interface {
	ReadFrame() (*protocol.Frame, error)
	// WriteFrame writes one frame. A non-zero deadline bounds the write on
	// transports that support deadlines.
	WriteFrame(f *protocol.Frame, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

var connIDs atomic.Uint64

// SafeConn wraps a transport with write synchronization so that request
// handlers and broadcast senders never interleave frames on the wire.
//
// Every write is bounded by writeTimeout. If a write is still blocked when
// the timeout fires the transport is closed, which unblocks the writer and
// marks the peer dead. Transports without deadlines (SSH channels) rely on
// that alone.
type SafeConn struct {
	id           uint64
	kind         string
	conn         frameConn
	writeTimeout time.Duration

	mu        sync.Mutex // serializes writes
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a transport. kind names it in logs and metrics.
func NewSafeConn(conn frameConn, kind string, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		id:           connIDs.Add(1),
		kind:         kind,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// ID identifies the connection for the lifetime of the process
func (sc *SafeConn) ID() uint64 { return sc.id }

func (sc *SafeConn) Kind() string { return sc.kind }

func (sc *SafeConn) RemoteAddr() string { return sc.conn.RemoteAddr() }

// EncodeFrame sends a frame. This is the only way to write to the transport.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.closed.Load() {
		return ErrConnectionClosed
	}

	var deadline time.Time
	if sc.writeTimeout > 0 {
		deadline = time.Now().Add(sc.writeTimeout)
		guard := time.AfterFunc(sc.writeTimeout, func() { sc.Close() })
		defer guard.Stop()
	}

	if err := sc.conn.WriteFrame(frame, deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportSendFailed, err)
	}
	return nil
}

// Send encodes msg and sends it
func (sc *SafeConn) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return sc.EncodeFrame(frame)
}

// ReadFrame reads the next frame. Reads are only done by the connection's
// own handler goroutine and need no synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return sc.conn.ReadFrame()
}

// Close closes the transport. Safe to call more than once and from any
// goroutine.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closed.Store(true)
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}
