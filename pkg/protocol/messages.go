package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is implemented by every typed frame body.
type Message interface {
	// Type returns the value written to the "type" field
	Type() string
}

// Message type constants (Client → Server)
const (
	TypeLogin             = "login"
	TypeSwitchChannel     = "switch_channel" // also Server → Client after a forced move
	TypeCreateChannel     = "create_channel"
	TypeDeleteChannel     = "delete_channel"
	TypeBan               = "ban"
	TypeUnban             = "unban"
	TypeMute              = "mute"
	TypeUnmute            = "unmute"
	TypeToggleService     = "toggle_service"
	TypeToggleMaintenance = "toggle_maintenance"
	TypePing              = "ping"
)

// Message type constants used in both directions
const (
	TypeMessage = "message"
	TypeClear   = "clear"
)

// Message type constants (Server → Client)
const (
	TypeLoginSuccess    = "login_success"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypeChannelList     = "channel_list"
	TypeServiceMode     = "service_mode"
	TypeMaintenanceMode = "maintenance_mode"
	TypePong            = "pong"
)

// Error codes carried in ErrorMessage.Code
const (
	ErrCodeInvalidFormat   = 1000
	ErrCodeUnsupportedType = 1001
	ErrCodeAuthRequired    = 2000
	ErrCodeInvalidPassword = 2001
	ErrCodeAlreadyLoggedIn = 2002
	ErrCodeNotFound        = 4000
	ErrCodeChannelNotFound = 4001
	ErrCodeUserNotFound    = 4002
	ErrCodeChannelExists   = 4003
	ErrCodeProtected       = 4004
	ErrCodeRateLimited     = 5000
	ErrCodeInvalidInput    = 6000
	ErrCodeMaintenance     = 8000
	ErrCodeInternal        = 9000
	ErrCodeDatabase        = 9001
)

// MaxPasswordBytes is the bcrypt input limit. It counts bytes, not runes.
const MaxPasswordBytes = 72

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidCommand = errors.New("invalid command")
	ErrEmptyContent   = errors.New("message has neither content nor image")
)

// LoginMessage (Client → Server)
type LoginMessage struct {
	Username string `json:"username" validate:"required,username"`
	Password string `json:"password,omitempty" validate:"max=72"`
}

func (m *LoginMessage) Type() string { return TypeLogin }

// PostMessage is the client's "message" command. Channel may be empty, in
// which case the session's current channel is used.
type PostMessage struct {
	Content string `json:"content" validate:"max=4096"`
	Channel string `json:"channel,omitempty" validate:"omitempty,channelname"`
	Image   string `json:"image,omitempty" validate:"omitempty,max=256"`
}

func (m *PostMessage) Type() string { return TypeMessage }

// SwitchChannelMessage is sent by the client to change channel and by the
// server when it moves a session on its own (channel deleted).
type SwitchChannelMessage struct {
	Channel string `json:"channel" validate:"required,channelname"`
}

func (m *SwitchChannelMessage) Type() string { return TypeSwitchChannel }

type CreateChannelMessage struct {
	Name        string `json:"name" validate:"required,channelname"`
	Description string `json:"description,omitempty" validate:"max=200"`
}

func (m *CreateChannelMessage) Type() string { return TypeCreateChannel }

type DeleteChannelMessage struct {
	Name string `json:"name" validate:"required"`
}

func (m *DeleteChannelMessage) Type() string { return TypeDeleteChannel }

// ModerateUserMessage carries ban, unban, mute and unmute. Kind holds which
// one; it is taken from the frame type on decode.
type ModerateUserMessage struct {
	Kind   string `json:"-"`
	Target string `json:"target" validate:"required,max=64"`
}

func (m *ModerateUserMessage) Type() string { return m.Kind }

// ClearMessage is the admin "clear" command and the matching notification.
type ClearMessage struct {
	Channel string `json:"channel" validate:"required"`
}

func (m *ClearMessage) Type() string { return TypeClear }

// ToggleMessage carries toggle_service and toggle_maintenance.
type ToggleMessage struct {
	Kind string `json:"-"`
}

func (m *ToggleMessage) Type() string { return m.Kind }

type PingMessage struct{}

func (m *PingMessage) Type() string { return TypePing }

type PongMessage struct{}

func (m *PongMessage) Type() string { return TypePong }

// LoginSuccessMessage (Server → Client)
type LoginSuccessMessage struct {
	Username        string `json:"username"`
	Tag             int    `json:"tag"`
	Admin           bool   `json:"admin"`
	Channel         string `json:"channel"`
	ProtocolVersion int    `json:"protocol_version"`
}

func (m *LoginSuccessMessage) Type() string { return TypeLoginSuccess }

type BannedMessage struct {
	Reason string `json:"reason,omitempty"`
}

func (m *BannedMessage) Type() string { return TypeBanned }

type ErrorMessage struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (m *ErrorMessage) Type() string { return TypeError }

type ChannelListMessage struct {
	Channels []string `json:"channels"`
}

func (m *ChannelListMessage) Type() string { return TypeChannelList }

// ChatMessage is the server's "message" event. Timestamp is Unix milliseconds.
type ChatMessage struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Username  string `json:"username"`
	Tag       int    `json:"tag"`
	Content   string `json:"content"`
	Image     string `json:"image"`
	Timestamp int64  `json:"timestamp"`
}

func (m *ChatMessage) Type() string { return TypeMessage }

type ServiceModeMessage struct {
	State bool `json:"state"`
}

func (m *ServiceModeMessage) Type() string { return TypeServiceMode }

type MaintenanceModeMessage struct {
	State bool `json:"state"`
}

func (m *MaintenanceModeMessage) Type() string { return TypeMaintenanceMode }

// Encode serializes msg into a frame with the "type" field first.
func Encode(msg Message) (*Frame, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s: not a JSON object", msg.Type())
	}

	kind, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, len(body)+len(kind)+9)
	payload = append(payload, `{"type":`...)
	payload = append(payload, kind...)
	if len(body) > 2 {
		payload = append(payload, ',')
		payload = append(payload, body[1:]...)
	} else {
		payload = append(payload, '}')
	}

	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return &Frame{Type: msg.Type(), Payload: payload}, nil
}

// Decode unmarshals the frame body into msg without validating it.
func (f *Frame) Decode(msg any) error {
	if err := json.Unmarshal(f.Payload, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// DecodeCommand turns a client frame into its typed, validated command.
func DecodeCommand(f *Frame) (Message, error) {
	var msg Message
	switch f.Type {
	case TypeLogin:
		msg = &LoginMessage{}
	case TypeMessage:
		msg = &PostMessage{}
	case TypeSwitchChannel:
		msg = &SwitchChannelMessage{}
	case TypeCreateChannel:
		msg = &CreateChannelMessage{}
	case TypeDeleteChannel:
		msg = &DeleteChannelMessage{}
	case TypeBan, TypeUnban, TypeMute, TypeUnmute:
		msg = &ModerateUserMessage{Kind: f.Type}
	case TypeClear:
		msg = &ClearMessage{}
	case TypeToggleService, TypeToggleMaintenance:
		return &ToggleMessage{Kind: f.Type}, nil
	case TypePing:
		return &PingMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if err := f.Decode(msg); err != nil {
		return nil, err
	}
	if post, ok := msg.(*PostMessage); ok {
		post.Content = strings.TrimRight(post.Content, " \t\r\n")
		if post.Content == "" && post.Image == "" {
			return nil, ErrEmptyContent
		}
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeEvent turns a server frame into its typed event. Used by clients.
func DecodeEvent(f *Frame) (Message, error) {
	var msg Message
	switch f.Type {
	case TypeLoginSuccess:
		msg = &LoginSuccessMessage{}
	case TypeBanned:
		msg = &BannedMessage{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeChannelList:
		msg = &ChannelListMessage{}
	case TypeMessage:
		msg = &ChatMessage{}
	case TypeClear:
		msg = &ClearMessage{}
	case TypeServiceMode:
		msg = &ServiceModeMessage{}
	case TypeMaintenanceMode:
		msg = &MaintenanceModeMessage{}
	case TypeSwitchChannel:
		msg = &SwitchChannelMessage{}
	case TypePong:
		return &PongMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	if err := f.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
