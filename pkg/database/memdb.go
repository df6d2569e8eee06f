package database

import (
	"sort"
	"sync"
)

// MemDB is an in-memory implementation of the store operations of DB.
// It backs `[storage] backend = "memory"` (nothing survives a restart) and
// the server tests.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	channels map[string]*Channel
	users    map[string]*User
	messages map[int64]*Message
	actions  []*AdminAction

	// channel name -> message IDs in append order
	messagesByChannel map[string][]int64

	nextChannelID int64
	nextUserID    int64
	nextMessageID int64
}

// NewMemDB creates an empty in-memory database
func NewMemDB() *MemDB {
	return &MemDB{
		channels:          make(map[string]*Channel),
		users:             make(map[string]*User),
		messages:          make(map[int64]*Message),
		messagesByChannel: make(map[string][]int64),
	}
}

// Close is a no-op, present so MemDB and DB are interchangeable
func (m *MemDB) Close() error {
	return nil
}

// CreateChannel inserts a channel, returning ErrChannelExists if the name is taken
func (m *MemDB) CreateChannel(name, description string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[name]; exists {
		return nil, ErrChannelExists
	}
	m.nextChannelID++
	ch := &Channel{ID: m.nextChannelID, Name: name, Description: description, CreatedAt: nowMillis()}
	m.channels[name] = ch

	cp := *ch
	return &cp, nil
}

// ListChannels returns all channels in creation order
func (m *MemDB) ListChannels() ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		cp := *ch
		channels = append(channels, &cp)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

// DeleteChannel deletes a channel and its messages
func (m *MemDB) DeleteChannel(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[name]; !exists {
		return ErrChannelNotFound
	}
	delete(m.channels, name)
	m.deleteChannelMessagesLocked(name)
	return nil
}

// CreateUser inserts a user and fills in its ID and CreatedAt
func (m *MemDB) CreateUser(user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.Username]; exists {
		return ErrUserExists
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	m.nextUserID++
	user.ID = m.nextUserID
	user.CreatedAt = nowMillis()

	cp := *user
	m.users[user.Username] = &cp
	return nil
}

// GetUser retrieves a user by username
func (m *MemDB) GetUser(username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// ListUsers returns all users sorted by username
func (m *MemDB) ListUsers() ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *MemDB) updateUser(username string, update func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	update(u)
	return nil
}

// SetBanned sets the ban flag of a user
func (m *MemDB) SetBanned(username string, banned bool) error {
	return m.updateUser(username, func(u *User) { u.Banned = banned })
}

// SetMuted sets the mute flag of a user
func (m *MemDB) SetMuted(username string, muted bool) error {
	return m.updateUser(username, func(u *User) { u.Muted = muted })
}

// SetRole changes the role of a user
func (m *MemDB) SetRole(username, role string) error {
	return m.updateUser(username, func(u *User) { u.Role = role })
}

// SetPasswordHash replaces the stored bcrypt hash of a user
func (m *MemDB) SetPasswordHash(username, hash string) error {
	return m.updateUser(username, func(u *User) { u.PasswordHash = hash })
}

// AppendMessage stores a copy of msg and returns its ID
func (m *MemDB) AppendMessage(msg *Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CreatedAt == 0 {
		msg.CreatedAt = nowMillis()
	}
	m.nextMessageID++
	msg.ID = m.nextMessageID

	cp := *msg
	m.messages[cp.ID] = &cp
	m.messagesByChannel[cp.Channel] = append(m.messagesByChannel[cp.Channel], cp.ID)
	return cp.ID, nil
}

// RecentMessages returns up to limit of the newest messages of a channel,
// oldest first
func (m *MemDB) RecentMessages(channel string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.messagesByChannel[channel]
	if limit >= 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		cp := *m.messages[id]
		messages = append(messages, &cp)
	}
	return messages, nil
}

// CountMessages returns the number of stored messages in a channel
func (m *MemDB) CountMessages(channel string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messagesByChannel[channel]), nil
}

// DeleteMessages removes every message of a channel
func (m *MemDB) DeleteMessages(channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteChannelMessagesLocked(channel), nil
}

func (m *MemDB) deleteChannelMessagesLocked(channel string) int64 {
	ids := m.messagesByChannel[channel]
	for _, id := range ids {
		delete(m.messages, id)
	}
	delete(m.messagesByChannel, channel)
	return int64(len(ids))
}

// DeleteMessagesBefore removes messages created before cutoff (Unix millis)
func (m *MemDB) DeleteMessagesBefore(cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for channel, ids := range m.messagesByChannel {
		kept := ids[:0]
		for _, id := range ids {
			if m.messages[id].CreatedAt < cutoff {
				delete(m.messages, id)
				deleted++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(m.messagesByChannel, channel)
		} else {
			m.messagesByChannel[channel] = kept
		}
	}
	return deleted, nil
}

// LogAdminAction appends an entry to the moderation audit log
func (m *MemDB) LogAdminAction(action *AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if action.PerformedAt == 0 {
		action.PerformedAt = nowMillis()
	}
	action.ID = int64(len(m.actions) + 1)
	cp := *action
	m.actions = append(m.actions, &cp)
	return nil
}

// ListAdminActions returns the newest audit log entries first
func (m *MemDB) ListAdminActions(limit int) ([]*AdminAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	actions := make([]*AdminAction, 0, min(limit, len(m.actions)))
	for i := len(m.actions) - 1; i >= 0 && len(actions) < limit; i-- {
		cp := *m.actions[i]
		actions = append(actions, &cp)
	}
	return actions, nil
}
