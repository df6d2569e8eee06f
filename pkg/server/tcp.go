package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
)

// streamConn carries newline-delimited frames over a byte stream: a TCP
// socket or an SSH channel
type streamConn struct {
	rw     io.ReadWriteCloser
	reader *protocol.FrameReader
	remote string
}

func newStreamConn(rw io.ReadWriteCloser, remote string, maxFrameSize int) *streamConn {
	return &streamConn{
		rw:     rw,
		reader: protocol.NewFrameReader(rw, maxFrameSize),
		remote: remote,
	}
}

func (c *streamConn) ReadFrame() (*protocol.Frame, error) {
	return c.reader.ReadFrame()
}

func (c *streamConn) WriteFrame(f *protocol.Frame, deadline time.Time) error {
	if d, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if err := d.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return protocol.EncodeFrame(c.rw, f)
}

func (c *streamConn) Close() error { return c.rw.Close() }

func (c *streamConn) RemoteAddr() string { return c.remote }

// startTCPServer listens for raw JSON-lines clients
func (s *Server) startTCPServer() error {
	if s.config.TCPPort <= 0 {
		log.Printf("TCP server disabled (tcp_port=%d)", s.config.TCPPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", addr)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection serves one TCP client until it disconnects
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sc := NewSafeConn(newStreamConn(conn, conn.RemoteAddr().String(), s.config.MaxFrameSize), "tcp", s.config.SendTimeout)
	s.serveConn(sc)
}
