package server

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/aeolun/notcord/pkg/database"
)

// Capability is a privilege checked against an identity's role
type Capability int

const (
	// CapModerate allows ban, mute, clear, channel management and the
	// service/maintenance toggles
	CapModerate Capability = iota
)

// Identity is the part of a user account a session keeps for its lifetime
type Identity struct {
	Username string
	Tag      int
	Role     string
}

// Can reports whether the identity holds capability c
func (id Identity) Can(c Capability) bool {
	switch c {
	case CapModerate:
		return id.Role == database.RoleAdmin
	default:
		return false
	}
}

// Session is the live binding of one connection to one identity and one
// channel
type Session struct {
	Conn        *SafeConn
	Identity    Identity
	ConnectedAt time.Time

	limiter *rateLimiter

	mu      sync.RWMutex // protects channel
	channel string
}

// ID is the connection ID of the session
func (s *Session) ID() uint64 { return s.Conn.ID() }

// Channel returns the channel the session is currently bound to
func (s *Session) Channel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Session) setChannel(channel string) {
	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()
}

// CanModerate is the admin flag, fixed at login
func (s *Session) CanModerate() bool {
	return s.Identity.Can(CapModerate)
}

// Presence tracks which connection is bound to which identity and channel.
// SessionManager is the in-process implementation; a shared presence store
// can stand in for it behind this interface.
type Presence interface {
	Register(conn *SafeConn, id Identity, channel string) (*Session, []*Session, error)
	SwitchChannel(conn *SafeConn, channel string) error
	Unregister(conn *SafeConn) (*Session, bool)
	Get(conn *SafeConn) (*Session, bool)
	MembersOf(channel string) []*Session
	All() []*Session
	FindByIdentity(username string) []*Session
	Reassign(from, to string) []*Session
	Count() int
}

// channelChecker answers whether a channel exists. It is consulted while
// the registry lock is held, so it must not call back into the registry.
type channelChecker interface {
	Exists(name string) bool
}

// SessionManager is the session registry. One mutex guards the maps and is
// never held across network or store I/O.
type SessionManager struct {
	channels channelChecker
	metrics  *Metrics

	// messages per minute for new sessions, 0 disables
	rateLimit int

	mu        sync.Mutex
	sessions  map[uint64]*Session            // connection ID -> session
	byUser    map[string]*Session            // username -> session
	byChannel map[string]map[uint64]*Session // channel -> connection ID -> session
}

// NewSessionManager creates an empty registry validating channels against
// channels
func NewSessionManager(channels channelChecker, rateLimit int) *SessionManager {
	return &SessionManager{
		channels:  channels,
		rateLimit: rateLimit,
		sessions:  make(map[uint64]*Session),
		byUser:    make(map[string]*Session),
		byChannel: make(map[string]map[uint64]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

func (sm *SessionManager) bindLocked(sess *Session, channel string) {
	if old := sess.Channel(); old != "" {
		if members := sm.byChannel[old]; members != nil {
			delete(members, sess.ID())
			if len(members) == 0 {
				delete(sm.byChannel, old)
			}
		}
	}
	if channel == "" {
		sess.setChannel("")
		return
	}
	members := sm.byChannel[channel]
	if members == nil {
		members = make(map[uint64]*Session)
		sm.byChannel[channel] = members
	}
	members[sess.ID()] = sess
	sess.setChannel(channel)
}

func (sm *SessionManager) removeLocked(sess *Session) {
	delete(sm.sessions, sess.ID())
	if sm.byUser[sess.Identity.Username] == sess {
		delete(sm.byUser, sess.Identity.Username)
	}
	sm.bindLocked(sess, "")
}

// Register creates the session for conn. A live session of the same
// identity is removed and returned as evicted; the caller notifies and
// closes it.
func (sm *SessionManager) Register(conn *SafeConn, id Identity, channel string) (*Session, []*Session, error) {
	sess := &Session{
		Conn:        conn,
		Identity:    id,
		ConnectedAt: time.Now(),
	}
	if sm.rateLimit > 0 {
		sess.limiter = newRateLimiter(sm.rateLimit, time.Minute)
	}

	sm.mu.Lock()
	if _, exists := sm.sessions[conn.ID()]; exists {
		sm.mu.Unlock()
		return nil, nil, ErrDuplicateConnection
	}
	if !sm.channels.Exists(channel) {
		sm.mu.Unlock()
		return nil, nil, ErrUnknownChannel
	}

	var evicted []*Session
	if old, ok := sm.byUser[id.Username]; ok {
		sm.removeLocked(old)
		evicted = append(evicted, old)
	}

	sm.sessions[conn.ID()] = sess
	sm.byUser[id.Username] = sess
	sm.bindLocked(sess, channel)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	return sess, evicted, nil
}

// SwitchChannel rebinds the session of conn to channel
func (sm *SessionManager) SwitchChannel(conn *SafeConn, channel string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[conn.ID()]
	if !ok {
		return ErrNotLoggedIn
	}
	if !sm.channels.Exists(channel) {
		return ErrUnknownChannel
	}
	sm.bindLocked(sess, channel)
	return nil
}

// Unregister removes the session of conn. It does not close the connection.
// Unregistering an absent connection is a no-op.
func (sm *SessionManager) Unregister(conn *SafeConn) (*Session, bool) {
	sm.mu.Lock()
	sess, ok := sm.sessions[conn.ID()]
	if !ok {
		sm.mu.Unlock()
		return nil, false
	}
	sm.removeLocked(sess)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
	return sess, true
}

// Get returns the session of conn
func (sm *SessionManager) Get(conn *SafeConn) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[conn.ID()]
	return sess, ok
}

func sortedSessions(m map[uint64]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, sess := range m {
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// MembersOf returns a snapshot of the sessions bound to channel, in
// connection order
func (sm *SessionManager) MembersOf(channel string) []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sortedSessions(sm.byChannel[channel])
}

// All returns a snapshot of every session
func (sm *SessionManager) All() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sortedSessions(sm.sessions)
}

// FindByIdentity returns the live session of username, if any
func (sm *SessionManager) FindByIdentity(username string) []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.byUser[username]; ok {
		return []*Session{sess}
	}
	return nil
}

// Reassign moves every session bound to from onto to and returns them
func (sm *SessionManager) Reassign(from, to string) []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	moved := sortedSessions(sm.byChannel[from])
	for _, sess := range moved {
		sm.bindLocked(sess, to)
	}
	return moved
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll closes every connection and empties the registry
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sortedSessions(sm.sessions)
	sm.sessions = make(map[uint64]*Session)
	sm.byUser = make(map[string]*Session)
	sm.byChannel = make(map[string]map[uint64]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
}
