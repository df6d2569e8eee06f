package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AuditLog records successful moderation actions
type AuditLog interface {
	LogAdminAction(action *database.AdminAction) error
}

// Audit action names
const (
	ActionBan               = "BAN"
	ActionUnban             = "UNBAN"
	ActionMute              = "MUTE"
	ActionUnmute            = "UNMUTE"
	ActionClearChannel      = "CLEAR_CHANNEL"
	ActionCreateChannel     = "CREATE_CHANNEL"
	ActionDeleteChannel     = "DELETE_CHANNEL"
	ActionToggleService     = "TOGGLE_SERVICE"
	ActionToggleMaintenance = "TOGGLE_MAINTENANCE"
)

// Controller executes admin commands. Every entry point checks the actor's
// moderation capability before touching anything and fails with
// ErrNotAuthorized otherwise.
type Controller struct {
	presence Presence
	users    *UserDirectory
	channels *ChannelDirectory
	engine   *Engine
	audit    AuditLog
	state    *ServiceState
	metrics  *Metrics
}

// NewController creates a moderation controller. audit may be nil.
func NewController(presence Presence, users *UserDirectory, channels *ChannelDirectory, engine *Engine, audit AuditLog, state *ServiceState) *Controller {
	return &Controller{
		presence: presence,
		users:    users,
		channels: channels,
		engine:   engine,
		audit:    audit,
		state:    state,
	}
}

// SetMetrics attaches metrics to the controller
func (c *Controller) SetMetrics(m *Metrics) { c.metrics = m }

func (c *Controller) authorize(actor *Session) error {
	if actor == nil || !actor.CanModerate() {
		return ErrNotAuthorized
	}
	return nil
}

// run wraps one moderation action in a span, the capability check and, on
// success, the audit entry
func (c *Controller) run(ctx context.Context, actor *Session, action, target string, fn func() (string, error)) error {
	_, span := c.engine.tracer.Start(ctx, "notcord.moderation",
		trace.WithAttributes(
			attribute.String("notcord.action", action),
			attribute.String("notcord.target", target),
		))
	defer span.End()

	if err := c.authorize(actor); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	details, err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	log.Printf("Admin %s: %s %s %s", actor.Identity.Username, action, target, details)
	c.metrics.RecordModeration(action)
	if c.audit != nil {
		entry := &database.AdminAction{
			Admin:   actor.Identity.Username,
			Action:  action,
			Target:  target,
			Details: details,
		}
		if err := c.audit.LogAdminAction(entry); err != nil {
			errorLog.Printf("Failed to log admin action %s: %v", action, err)
		}
	}
	return nil
}

// Ban marks target banned. Each live session of target receives one banned
// event and is then closed and unregistered.
func (c *Controller) Ban(ctx context.Context, actor *Session, target string) error {
	return c.run(ctx, actor, ActionBan, target, func() (string, error) {
		if err := c.users.SetBanned(target, true); err != nil {
			return "", err
		}
		kicked := 0
		for _, sess := range c.presence.FindByIdentity(target) {
			if err := sess.Conn.Send(&protocol.BannedMessage{Reason: "banned by an administrator"}); err != nil {
				debugLog.Printf("Session %d: banned notice failed: %v", sess.ID(), err)
			}
			sess.Conn.Close()
			c.presence.Unregister(sess.Conn)
			kicked++
		}
		return fmt.Sprintf("sessions=%d", kicked), nil
	})
}

func (c *Controller) Unban(ctx context.Context, actor *Session, target string) error {
	return c.run(ctx, actor, ActionUnban, target, func() (string, error) {
		return "", c.users.SetBanned(target, false)
	})
}

// Mute stops target from publishing. Their messages are dropped without a
// reply.
func (c *Controller) Mute(ctx context.Context, actor *Session, target string) error {
	return c.run(ctx, actor, ActionMute, target, func() (string, error) {
		return "", c.users.SetMuted(target, true)
	})
}

func (c *Controller) Unmute(ctx context.Context, actor *Session, target string) error {
	return c.run(ctx, actor, ActionUnmute, target, func() (string, error) {
		return "", c.users.SetMuted(target, false)
	})
}

// ClearChannel deletes the history of channel and tells its members
func (c *Controller) ClearChannel(ctx context.Context, actor *Session, channel string) error {
	return c.run(ctx, actor, ActionClearChannel, channel, func() (string, error) {
		var deleted int64
		err := c.engine.Locked(channel, func() error {
			if !c.channels.Exists(channel) {
				return ErrUnknownChannel
			}
			n, err := c.engine.messages.DeleteMessages(channel)
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", channel, err)
			}
			deleted = n
			return c.engine.BroadcastChannel(channel, &protocol.ClearMessage{Channel: channel})
		})
		return fmt.Sprintf("deleted=%d", deleted), err
	})
}

// CreateChannel adds a channel and sends the new list to everyone
func (c *Controller) CreateChannel(ctx context.Context, actor *Session, name, description string) error {
	return c.run(ctx, actor, ActionCreateChannel, name, func() (string, error) {
		if _, err := c.channels.Create(name, description); err != nil {
			return "", err
		}
		c.broadcastChannelList()
		return description, nil
	})
}

// DeleteChannel removes a channel with its history. Sessions bound to it are
// moved to the default channel: each gets a switch_channel event followed by
// the default channel's history. Everyone then gets the new channel list.
func (c *Controller) DeleteChannel(ctx context.Context, actor *Session, name string) error {
	return c.run(ctx, actor, ActionDeleteChannel, name, func() (string, error) {
		def := c.channels.Default()
		if name == def {
			return "", ErrProtectedChannel
		}

		moved, dead, err := c.deleteChannel(name, def)
		c.engine.reap(dead)
		if err != nil {
			return "", err
		}
		c.broadcastChannelList()
		return fmt.Sprintf("moved=%d", moved), nil
	})
}

func (c *Controller) deleteChannel(name, def string) (int, []*Session, error) {
	unlock := c.engine.lockChannels(name, def)
	defer unlock()

	if !c.channels.Exists(name) {
		return 0, nil, ErrUnknownChannel
	}
	// History first: on failure the channel must stay in place
	if _, err := c.engine.messages.DeleteMessages(name); err != nil {
		return 0, nil, fmt.Errorf("failed to delete messages of %s: %w", name, err)
	}
	if err := c.channels.Delete(name); err != nil {
		return 0, nil, err
	}
	c.engine.forgetLock(name)

	moved := c.presence.Reassign(name, def)
	var dead []*Session
	for _, sess := range moved {
		err := sess.Conn.Send(&protocol.SwitchChannelMessage{Channel: def})
		if err == nil {
			err = c.engine.Replay(sess, def)
		}
		if err != nil {
			if !IsSendFailure(err) {
				errorLog.Printf("Session %d: replay of %s failed: %v", sess.ID(), def, err)
			}
			dead = append(dead, sess)
		}
	}
	return len(moved), dead, nil
}

// ToggleServiceMode flips service mode and announces the new state to
// everyone
func (c *Controller) ToggleServiceMode(ctx context.Context, actor *Session) error {
	return c.run(ctx, actor, ActionToggleService, "", func() (string, error) {
		state := toggle(&c.state.serviceMode)
		if err := c.engine.BroadcastAll(&protocol.ServiceModeMessage{State: state}); err != nil {
			return "", err
		}
		return fmt.Sprintf("state=%t", state), nil
	})
}

// ToggleMaintenanceMode flips maintenance mode. Only new connections are
// affected; the actor is told the new state.
func (c *Controller) ToggleMaintenanceMode(ctx context.Context, actor *Session) error {
	return c.run(ctx, actor, ActionToggleMaintenance, "", func() (string, error) {
		state := toggle(&c.state.maintenanceMode)
		if err := c.engine.SendTo(actor, &protocol.MaintenanceModeMessage{State: state}); err != nil && !IsSendFailure(err) {
			return "", err
		}
		return fmt.Sprintf("state=%t", state), nil
	})
}

func (c *Controller) broadcastChannelList() {
	if err := c.engine.BroadcastAll(&protocol.ChannelListMessage{Channels: c.channels.Names()}); err != nil {
		errorLog.Printf("Failed to broadcast channel list: %v", err)
	}
}

// Moderate dispatches a ban, unban, mute or unmute command
func (c *Controller) Moderate(ctx context.Context, actor *Session, kind, target string) error {
	switch kind {
	case protocol.TypeBan:
		return c.Ban(ctx, actor, target)
	case protocol.TypeUnban:
		return c.Unban(ctx, actor, target)
	case protocol.TypeMute:
		return c.Mute(ctx, actor, target)
	case protocol.TypeUnmute:
		return c.Unmute(ctx, actor, target)
	default:
		return errors.Join(protocol.ErrUnknownType, fmt.Errorf("moderation kind %q", kind))
	}
}
