package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/aeolun/notcord/pkg/upload"
	"github.com/samber/lo"
)

// errCloseConnection ends the read loop after the reply has been sent
var errCloseConnection = errors.New("close connection")

var commandTypes = []string{
	protocol.TypeLogin,
	protocol.TypeMessage,
	protocol.TypeSwitchChannel,
	protocol.TypeCreateChannel,
	protocol.TypeDeleteChannel,
	protocol.TypeBan,
	protocol.TypeUnban,
	protocol.TypeMute,
	protocol.TypeUnmute,
	protocol.TypeClear,
	protocol.TypeToggleService,
	protocol.TypeToggleMaintenance,
	protocol.TypePing,
}

var moderationTypes = []string{
	protocol.TypeCreateChannel,
	protocol.TypeDeleteChannel,
	protocol.TypeBan,
	protocol.TypeUnban,
	protocol.TypeMute,
	protocol.TypeUnmute,
	protocol.TypeClear,
	protocol.TypeToggleService,
	protocol.TypeToggleMaintenance,
}

// frameLabel bounds the metric label to known command types
func frameLabel(frameType string) string {
	if lo.Contains(commandTypes, frameType) {
		return frameType
	}
	return "unknown"
}

// isFrameError reports read errors that concern one frame only. The
// connection stays usable after them.
func isFrameError(err error) bool {
	return errors.Is(err, protocol.ErrMalformedFrame) ||
		errors.Is(err, protocol.ErrMissingType) ||
		errors.Is(err, protocol.ErrEmptyFrame)
}

// serveConn runs the read loop of one connection. Commands of a connection
// are handled strictly in order. When the loop ends the session is
// unregistered and the transport closed.
func (s *Server) serveConn(conn *SafeConn) {
	defer conn.Close()

	if !s.trackConn(conn) {
		return
	}
	defer s.untrackConn(conn)

	if s.state.MaintenanceMode() {
		s.metrics.RecordConnectionRefused()
		debugLog.Printf("Conn %d: refused %s connection from %s (maintenance)", conn.ID(), conn.Kind(), conn.RemoteAddr())
		conn.Send(&protocol.ErrorMessage{Code: protocol.ErrCodeMaintenance, Message: "server is in maintenance mode"})
		return
	}

	debugLog.Printf("Conn %d: new %s connection from %s", conn.ID(), conn.Kind(), conn.RemoteAddr())
	defer func() {
		if sess, ok := s.sessions.Unregister(conn); ok {
			debugLog.Printf("Conn %d: %s disconnected", conn.ID(), sess.Identity.Username)
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if isFrameError(err) {
				if s.reply(conn, err) != nil {
					return
				}
				continue
			}
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				log.Printf("Conn %d: frame from %s exceeded %d bytes, closing", conn.ID(), conn.RemoteAddr(), s.config.MaxFrameSize)
			case !conn.Closed() && !isExpectedCloseError(err):
				debugLog.Printf("Conn %d: read error: %v", conn.ID(), err)
			}
			return
		}

		s.metrics.RecordFrameReceived(frameLabel(frame.Type))

		err = s.handleFrame(conn, frame)
		switch {
		case err == nil:
		case errors.Is(err, errCloseConnection), IsSendFailure(err):
			return
		default:
			if s.reply(conn, err) != nil {
				return
			}
		}
	}
}

// reply sends the error event for err, if it has one. It only fails when the
// connection is dead.
func (s *Server) reply(conn *SafeConn, err error) error {
	msg, ok := errorReply(err)
	if !ok {
		debugLog.Printf("Conn %d: dropped command: %v", conn.ID(), err)
		return nil
	}
	if msg.Code == protocol.ErrCodeInternal || msg.Code == protocol.ErrCodeDatabase {
		errorLog.Printf("Conn %d: %v", conn.ID(), err)
	}
	return conn.Send(msg)
}

// handleFrame dispatches one command
func (s *Server) handleFrame(conn *SafeConn, frame *protocol.Frame) error {
	sess, loggedIn := s.sessions.Get(conn)

	switch {
	case frame.Type == protocol.TypeLogin || frame.Type == protocol.TypePing:
	case !loggedIn:
		if !lo.Contains(commandTypes, frame.Type) {
			return fmt.Errorf("%w: %q", protocol.ErrUnknownType, frame.Type)
		}
		return ErrNotLoggedIn
	case lo.Contains(moderationTypes, frame.Type) && !sess.CanModerate():
		// Unauthorized moderation is dropped before its body is even parsed
		return ErrNotAuthorized
	}

	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch msg := cmd.(type) {
	case *protocol.PingMessage:
		return conn.Send(&protocol.PongMessage{})
	case *protocol.LoginMessage:
		if loggedIn {
			return ErrAlreadyLoggedIn
		}
		return s.handleLogin(conn, msg)
	case *protocol.PostMessage:
		return s.handlePost(ctx, sess, msg)
	case *protocol.SwitchChannelMessage:
		return s.handleSwitchChannel(sess, msg.Channel)
	case *protocol.CreateChannelMessage:
		return s.moderation.CreateChannel(ctx, sess, msg.Name, msg.Description)
	case *protocol.DeleteChannelMessage:
		return s.moderation.DeleteChannel(ctx, sess, msg.Name)
	case *protocol.ModerateUserMessage:
		return s.moderation.Moderate(ctx, sess, msg.Kind, msg.Target)
	case *protocol.ClearMessage:
		return s.moderation.ClearChannel(ctx, sess, msg.Channel)
	case *protocol.ToggleMessage:
		if msg.Kind == protocol.TypeToggleService {
			return s.moderation.ToggleServiceMode(ctx, sess)
		}
		return s.moderation.ToggleMaintenanceMode(ctx, sess)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, frame.Type)
	}
}

// handleLogin authenticates, registers the session in the default channel
// and sends the welcome sequence: login_success, channel_list, service_mode
// and the channel history. Registration and replay happen under the
// channel's publish lock so no message is missed or seen twice.
func (s *Server) handleLogin(conn *SafeConn, msg *protocol.LoginMessage) error {
	user, err := s.users.Authenticate(msg.Username, msg.Password)
	if errors.Is(err, ErrBanned) {
		return s.rejectBanned(conn, msg.Username)
	}
	if err != nil {
		return err
	}

	id := Identity{Username: user.Username, Tag: user.Tag, Role: user.Role}
	channel := s.channels.Default()

	var evicted []*Session
	err = s.engine.Locked(channel, func() error {
		sess, ev, err := s.sessions.Register(conn, id, channel)
		if err != nil {
			return err
		}
		evicted = ev

		// A ban that landed between Authenticate and Register found no
		// session to close
		if u, err := s.users.Get(id.Username); err == nil && u.Banned {
			s.sessions.Unregister(conn)
			return ErrBanned
		}

		welcome := []protocol.Message{
			&protocol.LoginSuccessMessage{
				Username:        id.Username,
				Tag:             id.Tag,
				Admin:           sess.CanModerate(),
				Channel:         channel,
				ProtocolVersion: protocol.ProtocolVersion,
			},
			&protocol.ChannelListMessage{Channels: s.channels.Names()},
			&protocol.ServiceModeMessage{State: s.state.ServiceMode()},
		}
		for _, m := range welcome {
			if err := conn.Send(m); err != nil {
				return err
			}
		}
		return s.engine.Replay(sess, channel)
	})

	for _, old := range evicted {
		debugLog.Printf("Conn %d: %s logged in elsewhere, closing", old.ID(), old.Identity.Username)
		old.Conn.Send(&protocol.ErrorMessage{Code: protocol.ErrCodeAlreadyLoggedIn, Message: "logged in from another connection"})
		old.Conn.Close()
	}

	if errors.Is(err, ErrBanned) {
		return s.rejectBanned(conn, msg.Username)
	}
	if err == nil {
		log.Printf("Conn %d: %s#%04d logged in via %s", conn.ID(), id.Username, id.Tag, conn.Kind())
	}
	return err
}

func (s *Server) rejectBanned(conn *SafeConn, username string) error {
	debugLog.Printf("Conn %d: rejected banned user %s", conn.ID(), username)
	conn.Send(&protocol.BannedMessage{Reason: "you are banned from this server"})
	return errCloseConnection
}

// handlePost publishes a chat message. Without an explicit channel it goes
// to the session's current channel.
func (s *Server) handlePost(ctx context.Context, sess *Session, msg *protocol.PostMessage) error {
	if !sess.limiter.allow() {
		s.metrics.RecordPublishRejected("rate_limited")
		return ErrRateLimited
	}
	if limit := s.config.MaxMessageLength; limit > 0 && len(msg.Content) > limit {
		return fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrInvalidCommand, limit)
	}
	if msg.Image != "" && !upload.ValidRef(msg.Image) {
		return fmt.Errorf("%w: invalid image reference", protocol.ErrInvalidCommand)
	}

	channel := msg.Channel
	if channel == "" {
		channel = sess.Channel()
	}
	_, err := s.engine.Publish(ctx, sess, channel, msg.Content, msg.Image)
	return err
}

// handleSwitchChannel moves the session and replays the new channel's
// history, confirmed with a switch_channel event
func (s *Server) handleSwitchChannel(sess *Session, channel string) error {
	return s.engine.Locked(channel, func() error {
		if err := s.sessions.SwitchChannel(sess.Conn, channel); err != nil {
			return err
		}
		if err := sess.Conn.Send(&protocol.SwitchChannelMessage{Channel: channel}); err != nil {
			return err
		}
		return s.engine.Replay(sess, channel)
	})
}
