package server

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestChannelDirectoryCreatesDefault(t *testing.T) {
	store := database.NewMemDB()
	dir, err := NewChannelDirectory(store, "lobby")
	require.NoError(t, err)

	assert.Equal(t, "lobby", dir.Default())
	assert.Equal(t, []string{"lobby"}, dir.Names())

	stored, err := store.ListChannels()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "lobby", stored[0].Name)

	_, err = NewChannelDirectory(store, "Not Valid")
	assert.ErrorIs(t, err, ErrInvalidChannelName)
}

func TestChannelDirectoryCreateDelete(t *testing.T) {
	dir, err := NewChannelDirectory(database.NewMemDB(), "general")
	require.NoError(t, err)

	_, err = dir.Create("dev", "Development")
	require.NoError(t, err)
	_, err = dir.Create("ops", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "dev", "ops"}, dir.Names())

	_, err = dir.Create("dev", "again")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	_, err = dir.Create("-dash", "")
	assert.ErrorIs(t, err, ErrInvalidChannelName)

	require.NoError(t, dir.Delete("dev"))
	assert.Equal(t, []string{"general", "ops"}, dir.Names())
	assert.False(t, dir.Exists("dev"))

	assert.ErrorIs(t, dir.Delete("dev"), ErrUnknownChannel)
	assert.ErrorIs(t, dir.Delete("general"), ErrProtectedChannel)
}

func TestChannelDirectoryConcurrentCreate(t *testing.T) {
	dir, err := NewChannelDirectory(database.NewMemDB(), "general")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Create("race", ""); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
	assert.Equal(t, []string{"general", "race"}, dir.Names())
}

func TestChannelDirectorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notcord.db")

	db, err := database.Open(path)
	require.NoError(t, err)
	dir, err := NewChannelDirectory(db, "general")
	require.NoError(t, err)
	require.NoError(t, dir.Seed([]SeedChannel{{Name: "random"}, {Name: "general"}}))
	_, err = dir.Create("dev", "Development")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.Open(path)
	require.NoError(t, err)
	defer db.Close()
	dir, err = NewChannelDirectory(db, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "random", "dev"}, dir.Names())

	ch, ok := dir.Get("dev")
	require.True(t, ok)
	assert.Equal(t, "Development", ch.Description)
}

func newTestUserDirectory() *UserDirectory {
	d := NewUserDirectory(database.NewMemDB())
	d.hashCost = bcrypt.MinCost
	return d
}

func TestUserDirectoryAuthenticate(t *testing.T) {
	d := newTestUserDirectory()

	u, err := d.Authenticate("alice", "")
	require.NoError(t, err)
	assert.Equal(t, database.RoleUser, u.Role)
	assert.InDelta(t, 5000, u.Tag, 5000)

	again, err := d.Authenticate("alice", "")
	require.NoError(t, err)
	assert.Equal(t, u.Tag, again.Tag, "tag is assigned once")

	// the first password given is kept
	_, err = d.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	_, err = d.Authenticate("alice", "other")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	_, err = d.Authenticate("alice", "")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	_, err = d.Authenticate("alice", "s3cret")
	assert.NoError(t, err)
}

func TestUserDirectoryPasswordByteLimit(t *testing.T) {
	d := newTestUserDirectory()

	// 40 runes but 80 bytes
	long := strings.Repeat("é", 40)
	_, err := d.Authenticate("alice", long)
	assert.ErrorIs(t, err, protocol.ErrInvalidCommand)
	_, err = d.Get("alice")
	assert.ErrorIs(t, err, ErrUnknownUser, "rejected login creates no account")

	_, err = d.Authenticate("alice", "")
	require.NoError(t, err)
	assert.ErrorIs(t, d.SetPassword("alice", long), protocol.ErrInvalidCommand)

	fits := strings.Repeat("é", 36)
	require.NoError(t, d.SetPassword("alice", fits))
	_, err = d.Authenticate("alice", fits)
	assert.NoError(t, err)
}

func TestUserDirectoryFlags(t *testing.T) {
	d := newTestUserDirectory()
	assert.True(t, d.Restricted("nobody"), "unknown users may not post")
	assert.ErrorIs(t, d.SetMuted("nobody", true), ErrUnknownUser)

	_, err := d.Authenticate("bob", "")
	require.NoError(t, err)
	assert.False(t, d.Restricted("bob"))

	require.NoError(t, d.SetMuted("bob", true))
	assert.True(t, d.Restricted("bob"))
	require.NoError(t, d.SetMuted("bob", false))

	require.NoError(t, d.SetBanned("bob", true))
	assert.True(t, d.Restricted("bob"))
	u, err := d.Authenticate("bob", "")
	assert.ErrorIs(t, err, ErrBanned)
	require.NotNil(t, u)
	assert.True(t, u.Banned)
}

func TestUserDirectoryEnsureAdmins(t *testing.T) {
	d := newTestUserDirectory()
	_, err := d.Authenticate("bob", "")
	require.NoError(t, err)

	require.NoError(t, d.EnsureAdmins([]string{"root", "bob", "root"}))
	for _, name := range []string{"root", "bob"} {
		u, err := d.Get(name)
		require.NoError(t, err)
		assert.True(t, u.IsAdmin(), name)
	}

	assert.Error(t, d.EnsureAdmins([]string{"not valid"}))
}
