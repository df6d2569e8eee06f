package server

import (
	"errors"

	"github.com/aeolun/notcord/pkg/protocol"
)

var (
	ErrUnknownChannel        = errors.New("unknown channel")
	ErrDuplicateConnection   = errors.New("connection already has a session")
	ErrForbidden             = errors.New("sender is muted or banned")
	ErrServiceModeRestricted = errors.New("service mode is on, only admins may post")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrAlreadyExists         = errors.New("channel already exists")
	ErrProtectedChannel      = errors.New("channel is protected")
	ErrPersistenceFailed     = errors.New("failed to persist message")
	ErrTransportSendFailed   = errors.New("failed to send to connection")

	ErrNotLoggedIn        = errors.New("not logged in")
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrBanned             = errors.New("user is banned")
	ErrUnknownUser        = errors.New("unknown user")
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrConnectionClosed   = errors.New("connection closed")
)

// errorReply maps a command failure to the error event sent back to the
// connection. The second result is false for failures that are dropped
// without a reply: unauthorized moderation, muted senders and service mode.
func errorReply(err error) (*protocol.ErrorMessage, bool) {
	switch {
	case err == nil,
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrServiceModeRestricted):
		return nil, false
	case errors.Is(err, ErrUnknownChannel):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeChannelNotFound, Message: "unknown channel"}, true
	case errors.Is(err, ErrAlreadyExists):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeChannelExists, Message: "channel already exists"}, true
	case errors.Is(err, ErrProtectedChannel):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeProtected, Message: "channel cannot be deleted"}, true
	case errors.Is(err, ErrInvalidChannelName):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidInput, Message: "invalid channel name"}, true
	case errors.Is(err, ErrUnknownUser):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeUserNotFound, Message: "unknown user"}, true
	case errors.Is(err, ErrNotLoggedIn):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeAuthRequired, Message: "not logged in"}, true
	case errors.Is(err, ErrAlreadyLoggedIn):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeAlreadyLoggedIn, Message: "already logged in"}, true
	case errors.Is(err, ErrInvalidPassword):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidPassword, Message: "invalid password"}, true
	case errors.Is(err, ErrRateLimited):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeRateLimited, Message: "you are sending messages too fast"}, true
	case errors.Is(err, ErrPersistenceFailed):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeDatabase, Message: "failed to send message"}, true
	case errors.Is(err, protocol.ErrUnknownType):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeUnsupportedType, Message: "unsupported message type"}, true
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, protocol.ErrMissingType),
		errors.Is(err, protocol.ErrEmptyFrame):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidFormat, Message: "malformed frame"}, true
	case errors.Is(err, protocol.ErrEmptyContent):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidInput, Message: "message is empty"}, true
	case errors.Is(err, protocol.ErrInvalidCommand):
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInvalidInput, Message: err.Error()}, true
	default:
		return &protocol.ErrorMessage{Code: protocol.ErrCodeInternal, Message: "internal error"}, true
	}
}
