package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aeolun/notcord/pkg/server"

// Fan-out worker pool sizing
const (
	maxFanOutWorkers     = 40
	sessionsPerFanWorker = 8
)

// MessageStore is the durable, append-only message log
type MessageStore interface {
	AppendMessage(msg *database.Message) (int64, error)
	RecentMessages(channel string, limit int) ([]*database.Message, error)
	DeleteMessages(channel string) (int64, error)
	DeleteMessagesBefore(cutoff int64) (int64, error)
}

// ServiceState holds the process-wide mode flags. Only the moderation
// controller flips them.
type ServiceState struct {
	serviceMode     atomic.Bool
	maintenanceMode atomic.Bool
}

func (s *ServiceState) ServiceMode() bool     { return s.serviceMode.Load() }
func (s *ServiceState) MaintenanceMode() bool { return s.maintenanceMode.Load() }

func toggle(b *atomic.Bool) bool {
	for {
		old := b.Load()
		if b.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Engine persists chat messages and delivers them, and any other event, to
// the sessions in the registry.
//
// Publish holds a per-channel lock from the append until the last member has
// been written to, so every member sees a channel's messages in the order
// they were persisted. The registry lock is only taken for the member
// snapshot.
type Engine struct {
	presence Presence
	users    *UserDirectory
	channels *ChannelDirectory
	messages MessageStore
	censor   *Censor
	state    *ServiceState
	metrics  *Metrics
	tracer   trace.Tracer

	historyLimit int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine wires the engine to its collaborators. historyLimit is the
// number of messages replayed on join.
func NewEngine(presence Presence, users *UserDirectory, channels *ChannelDirectory, messages MessageStore, state *ServiceState, historyLimit int) *Engine {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Engine{
		presence:     presence,
		users:        users,
		channels:     channels,
		messages:     messages,
		state:        state,
		historyLimit: historyLimit,
		tracer:       otel.Tracer(tracerName),
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetCensor installs the content filter applied before persistence
func (e *Engine) SetCensor(c *Censor) { e.censor = c }

// SetMetrics attaches metrics to the engine
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// channelLock returns the publish lock of channel. Locks are only kept for
// channels that exist; any other name gets a private mutex, so unknown names
// sent by clients do not grow the map.
func (e *Engine) channelLock(channel string) (*sync.Mutex, bool) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if mu, ok := e.locks[channel]; ok {
		return mu, true
	}
	if !e.channels.Exists(channel) {
		return &sync.Mutex{}, false
	}
	mu := &sync.Mutex{}
	e.locks[channel] = mu
	return mu, true
}

// forgetLock drops the lock entry of a deleted channel. The caller holds
// that lock; waiters on it notice it is stale and look again.
func (e *Engine) forgetLock(channel string) {
	e.locksMu.Lock()
	delete(e.locks, channel)
	e.locksMu.Unlock()
}

func (e *Engine) isCurrentLock(channel string, mu *sync.Mutex) bool {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return e.locks[channel] == mu
}

// lockChannels takes the publish locks of the given channels in name order
// and returns the matching unlock
func (e *Engine) lockChannels(channels ...string) func() {
	names := lo.Uniq(channels)
	slices.SortFunc(names, cmp.Compare[string])

	held := make([]*sync.Mutex, 0, len(names))
	for _, name := range names {
		for {
			mu, shared := e.channelLock(name)
			mu.Lock()
			// The channel was created or deleted while we waited
			if (shared && !e.isCurrentLock(name, mu)) || (!shared && e.channels.Exists(name)) {
				mu.Unlock()
				continue
			}
			held = append(held, mu)
			break
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Locked runs fn while no message can be published to channel. Joins use it
// so that history replay and live delivery neither overlap nor leave a gap.
func (e *Engine) Locked(channel string, fn func() error) error {
	unlock := e.lockChannels(channel)
	defer unlock()
	return fn()
}

// Publish persists a message from author to channel and delivers it to every
// session bound to the channel. Delivery is best effort: a failed send only
// drops that recipient.
func (e *Engine) Publish(ctx context.Context, author *Session, channel, content, image string) (*database.Message, error) {
	_, span := e.tracer.Start(ctx, "notcord.publish",
		trace.WithAttributes(
			attribute.String("notcord.channel", channel),
			attribute.String("notcord.author", author.Identity.Username),
		))
	defer span.End()

	msg, dead, err := e.publish(author, channel, content, image)
	e.reap(dead)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("notcord.message_id", msg.ID),
		attribute.Int("notcord.failed_recipients", len(dead)),
	)
	return msg, nil
}

func (e *Engine) publish(author *Session, channel, content, image string) (*database.Message, []*Session, error) {
	if e.state.ServiceMode() && !author.CanModerate() {
		e.metrics.RecordPublishRejected("service_mode")
		return nil, nil, ErrServiceModeRestricted
	}
	if e.users.Restricted(author.Identity.Username) {
		e.metrics.RecordPublishRejected("forbidden")
		return nil, nil, ErrForbidden
	}

	unlock := e.lockChannels(channel)
	defer unlock()

	if !e.channels.Exists(channel) {
		e.metrics.RecordPublishRejected("unknown_channel")
		return nil, nil, ErrUnknownChannel
	}

	msg := &database.Message{
		Channel:   channel,
		Author:    author.Identity.Username,
		AuthorTag: author.Identity.Tag,
		Content:   e.censor.Filter(content),
		ImageRef:  image,
	}
	if _, err := e.messages.AppendMessage(msg); err != nil {
		errorLog.Printf("Append to %s failed: %v", channel, err)
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	e.metrics.RecordMessagePublished()

	frame, err := protocol.Encode(chatMessage(msg))
	if err != nil {
		return nil, nil, err
	}
	dead := e.fanOut(e.presence.MembersOf(channel), frame)
	return msg, dead, nil
}

// History returns up to limit of the newest messages of channel, oldest
// first. A limit of zero or less uses the replay limit.
func (e *Engine) History(channel string, limit int) ([]*database.Message, error) {
	if limit <= 0 {
		limit = e.historyLimit
	}
	msgs, err := e.messages.RecentMessages(channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", channel, err)
	}
	return msgs, nil
}

// Replay sends the recent history of channel to one session. Callers hold
// the channel lock through Locked.
func (e *Engine) Replay(sess *Session, channel string) error {
	msgs, err := e.History(channel, 0)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := sess.Conn.Send(chatMessage(m)); err != nil {
			return err
		}
	}
	return nil
}

// SendTo delivers one event to one session
func (e *Engine) SendTo(sess *Session, msg protocol.Message) error {
	return sess.Conn.Send(msg)
}

// BroadcastAll delivers an event to every session
func (e *Engine) BroadcastAll(msg protocol.Message) error {
	return e.broadcast(e.presence.All(), msg)
}

// BroadcastChannel delivers an event to the members of channel
func (e *Engine) BroadcastChannel(channel string, msg protocol.Message) error {
	return e.broadcast(e.presence.MembersOf(channel), msg)
}

func (e *Engine) broadcast(targets []*Session, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	e.reap(e.fanOut(targets, frame))
	return nil
}

// fanOut writes frame to every session using a small worker pool and
// returns the sessions whose write failed
func (e *Engine) fanOut(sessions []*Session, frame *protocol.Frame) []*Session {
	if len(sessions) == 0 {
		return nil
	}
	start := time.Now()

	numWorkers := min((len(sessions)+sessionsPerFanWorker-1)/sessionsPerFanWorker, maxFanOutWorkers)
	chunkSize := (len(sessions) + numWorkers - 1) / numWorkers

	var (
		wg     sync.WaitGroup
		deadMu sync.Mutex
		dead   []*Session
	)
	for chunk := range slices.Chunk(sessions, chunkSize) {
		wg.Add(1)
		go func(chunk []*Session) {
			defer wg.Done()
			for _, sess := range chunk {
				if err := sess.Conn.EncodeFrame(frame); err != nil {
					debugLog.Printf("Session %d: %s send failed: %v", sess.ID(), frame.Type, err)
					deadMu.Lock()
					dead = append(dead, sess)
					deadMu.Unlock()
				}
			}
		}(chunk)
	}
	wg.Wait()

	e.metrics.RecordFanOut(time.Since(start))
	e.metrics.RecordSendFailures(len(dead))
	return dead
}

// reap unregisters and closes sessions whose connection failed
func (e *Engine) reap(dead []*Session) {
	for _, sess := range dead {
		e.presence.Unregister(sess.Conn)
		sess.Conn.Close()
	}
}

// IsSendFailure reports whether err came from a dead connection
func IsSendFailure(err error) bool {
	return errors.Is(err, ErrTransportSendFailed) || errors.Is(err, ErrConnectionClosed)
}

func chatMessage(m *database.Message) *protocol.ChatMessage {
	return &protocol.ChatMessage{
		ID:        m.ID,
		Channel:   m.Channel,
		Username:  m.Author,
		Tag:       m.AuthorTag,
		Content:   m.Content,
		Image:     m.ImageRef,
		Timestamp: m.CreatedAt,
	}
}
