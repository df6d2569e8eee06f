package server

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// ChannelStore is the durable side of the channel directory
type ChannelStore interface {
	CreateChannel(name, description string) (*database.Channel, error)
	ListChannels() ([]*database.Channel, error)
	DeleteChannel(name string) error
}

// UserStore is the durable side of the user directory
type UserStore interface {
	CreateUser(user *database.User) error
	GetUser(username string) (*database.User, error)
	ListUsers() ([]*database.User, error)
	SetBanned(username string, banned bool) error
	SetMuted(username string, muted bool) error
	SetRole(username, role string) error
	SetPasswordHash(username, hash string) error
}

// ChannelDirectory keeps every channel in memory in creation order and
// writes changes through to its store. It is the source of truth for which
// channel names are valid.
type ChannelDirectory struct {
	store          ChannelStore
	defaultChannel string

	// writeMu serializes Create and Delete including their store I/O. mu
	// only guards the maps, so Exists never waits on the store.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	order    []string
	channels map[string]*database.Channel
}

// NewChannelDirectory loads all channels and creates the default channel if
// it is missing, so at least one channel always exists.
func NewChannelDirectory(store ChannelStore, defaultChannel string) (*ChannelDirectory, error) {
	if !protocol.ValidChannelName(defaultChannel) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelName, defaultChannel)
	}

	existing, err := store.ListChannels()
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}

	d := &ChannelDirectory{
		store:          store,
		defaultChannel: defaultChannel,
		channels:       make(map[string]*database.Channel, len(existing)),
	}
	for _, ch := range existing {
		d.order = append(d.order, ch.Name)
		d.channels[ch.Name] = ch
	}

	if !d.Exists(defaultChannel) {
		if _, err := d.Create(defaultChannel, "General discussion"); err != nil {
			return nil, fmt.Errorf("failed to create default channel: %w", err)
		}
	}
	return d, nil
}

// Default returns the protected default channel
func (d *ChannelDirectory) Default() string {
	return d.defaultChannel
}

// Exists reports whether a channel is known
func (d *ChannelDirectory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[name]
	return ok
}

// Names returns the channel names in creation order
func (d *ChannelDirectory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

// Get returns a copy of a channel's metadata
func (d *ChannelDirectory) Get(name string) (database.Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok {
		return database.Channel{}, false
	}
	return *ch, true
}

// Create adds a channel
func (d *ChannelDirectory) Create(name, description string) (*database.Channel, error) {
	if !protocol.ValidChannelName(name) {
		return nil, ErrInvalidChannelName
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.Exists(name) {
		return nil, ErrAlreadyExists
	}
	ch, err := d.store.CreateChannel(name, description)
	if err != nil {
		if errors.Is(err, database.ErrChannelExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	d.mu.Lock()
	d.order = append(d.order, ch.Name)
	d.channels[ch.Name] = ch
	d.mu.Unlock()

	cp := *ch
	return &cp, nil
}

// Delete removes a channel. The default channel is protected.
func (d *ChannelDirectory) Delete(name string) error {
	if name == d.defaultChannel {
		return ErrProtectedChannel
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if !d.Exists(name) {
		return ErrUnknownChannel
	}
	if err := d.store.DeleteChannel(name); err != nil && !errors.Is(err, database.ErrChannelNotFound) {
		return fmt.Errorf("failed to delete channel: %w", err)
	}

	d.mu.Lock()
	delete(d.channels, name)
	d.order = lo.Without(d.order, name)
	d.mu.Unlock()
	return nil
}

// Seed creates the given channels when they do not exist yet
func (d *ChannelDirectory) Seed(seeds []SeedChannel) error {
	for _, seed := range seeds {
		if d.Exists(seed.Name) {
			continue
		}
		if _, err := d.Create(seed.Name, seed.Description); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("failed to seed channel %q: %w", seed.Name, err)
		}
	}
	return nil
}

// UserDirectory caches user accounts and writes flag changes through to its
// store. Accounts are created on first login and never deleted.
type UserDirectory struct {
	store    UserStore
	hashCost int

	mu    sync.RWMutex
	users map[string]*database.User
}

// NewUserDirectory creates a directory backed by store
func NewUserDirectory(store UserStore) *UserDirectory {
	return &UserDirectory{
		store:    store,
		hashCost: bcrypt.DefaultCost,
		users:    make(map[string]*database.User),
	}
}

// Get returns a copy of the account for username
func (d *UserDirectory) Get(username string) (*database.User, error) {
	d.mu.RLock()
	if u, ok := d.users[username]; ok {
		cp := *u
		d.mu.RUnlock()
		return &cp, nil
	}
	d.mu.RUnlock()

	u, err := d.store.GetUser(username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	d.mu.Lock()
	if cached, ok := d.users[username]; ok {
		u = cached
	} else {
		d.users[username] = u
	}
	cp := *u
	d.mu.Unlock()
	return &cp, nil
}

// getOrCreate returns the account for username, creating it with a random
// display tag when it does not exist
func (d *UserDirectory) getOrCreate(username string) (*database.User, error) {
	u, err := d.Get(username)
	if err == nil || !errors.Is(err, ErrUnknownUser) {
		return u, err
	}

	user := &database.User{
		Username: username,
		Tag:      rand.IntN(9999) + 1,
		Role:     database.RoleUser,
	}
	if err := d.store.CreateUser(user); err != nil && !errors.Is(err, database.ErrUserExists) {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	// Either created now or by a concurrent login; reload the stored row
	return d.Get(username)
}

// Authenticate loads or creates the account and checks the password.
//
// An account with a password hash requires the matching password. An
// account without one accepts any login, and a password given in that case
// is stored so later logins must repeat it. Banned accounts are returned
// together with ErrBanned.
func (d *UserDirectory) Authenticate(username, password string) (*database.User, error) {
	if err := checkPassword(password); err != nil {
		return nil, err
	}
	u, err := d.getOrCreate(username)
	if err != nil {
		return nil, err
	}

	switch {
	case u.PasswordHash != "":
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return nil, ErrInvalidPassword
		}
	case password != "":
		if err := d.SetPassword(username, password); err != nil {
			return nil, err
		}
	}

	if u.Banned {
		return u, ErrBanned
	}
	return u, nil
}

func checkPassword(password string) error {
	if len(password) > protocol.MaxPasswordBytes {
		return fmt.Errorf("%w: password longer than %d bytes", protocol.ErrInvalidCommand, protocol.MaxPasswordBytes)
	}
	return nil
}

// SetPassword hashes and stores a new password
func (d *UserDirectory) SetPassword(username, password string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return d.update(username, func(u *database.User) error {
		if err := d.store.SetPasswordHash(username, string(hash)); err != nil {
			return err
		}
		u.PasswordHash = string(hash)
		return nil
	})
}

func (d *UserDirectory) update(username string, apply func(u *database.User) error) error {
	if _, err := d.Get(username); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return ErrUnknownUser
	}
	if err := apply(u); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return ErrUnknownUser
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// SetBanned flips the ban flag of an existing account
func (d *UserDirectory) SetBanned(username string, banned bool) error {
	return d.update(username, func(u *database.User) error {
		if err := d.store.SetBanned(username, banned); err != nil {
			return err
		}
		u.Banned = banned
		return nil
	})
}

// SetMuted flips the mute flag of an existing account
func (d *UserDirectory) SetMuted(username string, muted bool) error {
	return d.update(username, func(u *database.User) error {
		if err := d.store.SetMuted(username, muted); err != nil {
			return err
		}
		u.Muted = muted
		return nil
	})
}

// SetRole changes the role of an existing account. Live sessions keep the
// role they logged in with.
func (d *UserDirectory) SetRole(username, role string) error {
	return d.update(username, func(u *database.User) error {
		if err := d.store.SetRole(username, role); err != nil {
			return err
		}
		u.Role = role
		return nil
	})
}

// Restricted reports whether username may not publish: muted, banned or
// unknown.
func (d *UserDirectory) Restricted(username string) bool {
	u, err := d.Get(username)
	if err != nil {
		return true
	}
	return u.Muted || u.Banned
}

// EnsureAdmins grants the admin role to each name, creating accounts as
// needed
func (d *UserDirectory) EnsureAdmins(usernames []string) error {
	for _, name := range lo.Uniq(usernames) {
		if !protocol.ValidUsername(name) {
			return fmt.Errorf("invalid admin username %q", name)
		}
		u, err := d.getOrCreate(name)
		if err != nil {
			return err
		}
		if u.Role == database.RoleAdmin {
			continue
		}
		if err := d.SetRole(name, database.RoleAdmin); err != nil {
			return err
		}
	}
	return nil
}
