package database

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// messageStore is the subset shared by every message backend
type messageStore interface {
	AppendMessage(msg *Message) (int64, error)
	RecentMessages(channel string, limit int) ([]*Message, error)
	CountMessages(channel string) (int, error)
	DeleteMessages(channel string) (int64, error)
	DeleteMessagesBefore(cutoff int64) (int64, error)
}

// directoryStore is the subset shared by DB and MemDB
type directoryStore interface {
	CreateChannel(name, description string) (*Channel, error)
	ListChannels() ([]*Channel, error)
	DeleteChannel(name string) error
	CreateUser(user *User) error
	GetUser(username string) (*User, error)
	ListUsers() ([]*User, error)
	SetBanned(username string, banned bool) error
	SetMuted(username string, muted bool) error
	SetRole(username, role string) error
	SetPasswordHash(username, hash string) error
	LogAdminAction(action *AdminAction) error
	ListAdminActions(limit int) ([]*AdminAction, error)
}

func openTestDB(t testing.TB) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestBadger(t testing.TB) *BadgerMessages {
	t.Helper()
	store, err := OpenBadgerMessages(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// messageBackends returns a fresh store per backend. Channels "general" and
// "random" exist in the SQLite backend since Message rows reference Channel.
func messageBackends(t *testing.T) map[string]func(t *testing.T) messageStore {
	return map[string]func(t *testing.T) messageStore{
		"sqlite": func(t *testing.T) messageStore {
			db := openTestDB(t)
			_, err := db.CreateChannel("general", "")
			require.NoError(t, err)
			_, err = db.CreateChannel("random", "")
			require.NoError(t, err)
			return db
		},
		"memory": func(t *testing.T) messageStore { return NewMemDB() },
		"badger": func(t *testing.T) messageStore { return openTestBadger(t) },
	}
}

func directoryBackends() map[string]func(t *testing.T) directoryStore {
	return map[string]func(t *testing.T) directoryStore{
		"sqlite": func(t *testing.T) directoryStore { return openTestDB(t) },
		"memory": func(t *testing.T) directoryStore { return NewMemDB() },
	}
}

func TestMessageHistoryRoundTrip(t *testing.T) {
	for name, open := range messageBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			var ids []int64
			for i := 1; i <= 5; i++ {
				msg := &Message{Channel: "general", Author: "alice", AuthorTag: 7, Content: fmt.Sprintf("m%d", i)}
				id, err := store.AppendMessage(msg)
				require.NoError(t, err)
				assert.Equal(t, id, msg.ID)
				assert.NotZero(t, msg.CreatedAt)
				ids = append(ids, id)
			}
			_, err := store.AppendMessage(&Message{Channel: "random", Author: "bob", Content: "elsewhere"})
			require.NoError(t, err)

			history, err := store.RecentMessages("general", 5)
			require.NoError(t, err)
			require.Len(t, history, 5)
			for i, m := range history {
				assert.Equal(t, fmt.Sprintf("m%d", i+1), m.Content)
				assert.Equal(t, ids[i], m.ID)
				assert.Equal(t, "alice", m.Author)
				assert.Equal(t, 7, m.AuthorTag)
			}
			assert.IsIncreasing(t, ids)

			// Limit keeps the newest messages, still oldest first
			tail, err := store.RecentMessages("general", 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, "m4", tail[0].Content)
			assert.Equal(t, "m5", tail[1].Content)

			empty, err := store.RecentMessages("nowhere", 10)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestMessageImageRefPreserved(t *testing.T) {
	for name, open := range messageBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			_, err := store.AppendMessage(&Message{Channel: "general", Author: "alice", ImageRef: "0f8e.png"})
			require.NoError(t, err)

			history, err := store.RecentMessages("general", 1)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "0f8e.png", history[0].ImageRef)
			assert.Empty(t, history[0].Content)
		})
	}
}

func TestDeleteMessages(t *testing.T) {
	for name, open := range messageBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			for i := 0; i < 3; i++ {
				_, err := store.AppendMessage(&Message{Channel: "general", Author: "alice", Content: "x"})
				require.NoError(t, err)
			}
			_, err := store.AppendMessage(&Message{Channel: "random", Author: "alice", Content: "keep"})
			require.NoError(t, err)

			deleted, err := store.DeleteMessages("general")
			require.NoError(t, err)
			assert.Equal(t, int64(3), deleted)

			count, err := store.CountMessages("general")
			require.NoError(t, err)
			assert.Zero(t, count)

			count, err = store.CountMessages("random")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestDeleteMessagesBefore(t *testing.T) {
	for name, open := range messageBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			_, err := store.AppendMessage(&Message{Channel: "general", Author: "a", Content: "old", CreatedAt: 1000})
			require.NoError(t, err)
			_, err = store.AppendMessage(&Message{Channel: "random", Author: "a", Content: "old", CreatedAt: 1500})
			require.NoError(t, err)
			_, err = store.AppendMessage(&Message{Channel: "general", Author: "a", Content: "new", CreatedAt: 5000})
			require.NoError(t, err)

			deleted, err := store.DeleteMessagesBefore(2000)
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			history, err := store.RecentMessages("general", 10)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "new", history[0].Content)
		})
	}
}

func TestConcurrentAppendsGetDistinctIDs(t *testing.T) {
	for name, open := range messageBackends(t) {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			var wg sync.WaitGroup
			var mu sync.Mutex
			seen := make(map[int64]bool)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := store.AppendMessage(&Message{Channel: "general", Author: "a", Content: "x"})
					assert.NoError(t, err)
					mu.Lock()
					seen[id] = true
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Len(t, seen, 20)
			count, err := store.CountMessages("general")
			require.NoError(t, err)
			assert.Equal(t, 20, count)
		})
	}
}

func TestHistoryMatchesAppendOrderRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := NewMemDB()
		n := rapid.IntRange(0, 50).Draw(t, "n")
		limit := rapid.IntRange(0, 60).Draw(t, "limit")

		contents := make([]string, n)
		for i := range contents {
			contents[i] = rapid.String().Draw(t, "content")
			if _, err := store.AppendMessage(&Message{Channel: "general", Author: "a", Content: contents[i]}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		history, err := store.RecentMessages("general", limit)
		if err != nil {
			t.Fatalf("history: %v", err)
		}

		want := contents
		if len(want) > limit {
			want = want[len(want)-limit:]
		}
		if len(history) != len(want) {
			t.Fatalf("got %d messages, want %d", len(history), len(want))
		}
		for i := range want {
			if history[i].Content != want[i] {
				t.Fatalf("message %d: got %q, want %q", i, history[i].Content, want[i])
			}
		}
	})
}

func TestChannels(t *testing.T) {
	for name, open := range directoryBackends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			ch, err := store.CreateChannel("general", "General discussion")
			require.NoError(t, err)
			assert.Equal(t, "general", ch.Name)

			_, err = store.CreateChannel("random", "")
			require.NoError(t, err)

			_, err = store.CreateChannel("general", "again")
			assert.ErrorIs(t, err, ErrChannelExists)

			channels, err := store.ListChannels()
			require.NoError(t, err)
			require.Len(t, channels, 2)
			assert.Equal(t, "general", channels[0].Name)
			assert.Equal(t, "General discussion", channels[0].Description)
			assert.Equal(t, "random", channels[1].Name)

			require.NoError(t, store.DeleteChannel("random"))
			assert.ErrorIs(t, store.DeleteChannel("random"), ErrChannelNotFound)

			channels, err = store.ListChannels()
			require.NoError(t, err)
			assert.Len(t, channels, 1)
		})
	}
}

func TestUsers(t *testing.T) {
	for name, open := range directoryBackends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			_, err := store.GetUser("alice")
			assert.ErrorIs(t, err, ErrUserNotFound)

			alice := &User{Username: "alice", Tag: 1234}
			require.NoError(t, store.CreateUser(alice))
			assert.NotZero(t, alice.ID)
			assert.Equal(t, RoleUser, alice.Role)

			assert.ErrorIs(t, store.CreateUser(&User{Username: "alice"}), ErrUserExists)

			require.NoError(t, store.SetBanned("alice", true))
			require.NoError(t, store.SetMuted("alice", true))
			require.NoError(t, store.SetRole("alice", RoleAdmin))
			require.NoError(t, store.SetPasswordHash("alice", "$2a$hash"))

			got, err := store.GetUser("alice")
			require.NoError(t, err)
			assert.True(t, got.Banned)
			assert.True(t, got.Muted)
			assert.True(t, got.IsAdmin())
			assert.Equal(t, 1234, got.Tag)
			assert.Equal(t, "$2a$hash", got.PasswordHash)

			require.NoError(t, store.SetBanned("alice", false))
			got, err = store.GetUser("alice")
			require.NoError(t, err)
			assert.False(t, got.Banned)

			assert.ErrorIs(t, store.SetMuted("nobody", true), ErrUserNotFound)

			require.NoError(t, store.CreateUser(&User{Username: "Bob"}))
			users, err := store.ListUsers()
			require.NoError(t, err)
			require.Len(t, users, 2)
			assert.Equal(t, "Bob", users[0].Username)
		})
	}
}

func TestAdminActions(t *testing.T) {
	for name, open := range directoryBackends() {
		t.Run(name, func(t *testing.T) {
			store := open(t)

			require.NoError(t, store.LogAdminAction(&AdminAction{Admin: "root", Action: "ban", Target: "mallory"}))
			require.NoError(t, store.LogAdminAction(&AdminAction{Admin: "root", Action: "create_channel", Target: "dev"}))

			actions, err := store.ListAdminActions(10)
			require.NoError(t, err)
			require.Len(t, actions, 2)
			assert.Equal(t, "create_channel", actions[0].Action)
			assert.Equal(t, "ban", actions[1].Action)
			assert.Equal(t, "mallory", actions[1].Target)
			assert.NotZero(t, actions[1].PerformedAt)

			actions, err = store.ListAdminActions(1)
			require.NoError(t, err)
			assert.Len(t, actions, 1)
		})
	}
}

func TestDeleteChannelCascadesMessages(t *testing.T) {
	db := openTestDB(t)
	_, err := db.CreateChannel("dev", "")
	require.NoError(t, err)
	_, err = db.AppendMessage(&Message{Channel: "dev", Author: "a", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, db.DeleteChannel("dev"))

	count, err := db.CountMessages("dev")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBadgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenBadgerMessages(dir)
	require.NoError(t, err)
	firstID, err := store.AppendMessage(&Message{Channel: "general", Author: "a", Content: "before"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenBadgerMessages(dir)
	require.NoError(t, err)
	defer store.Close()

	secondID, err := store.AppendMessage(&Message{Channel: "general", Author: "a", Content: "after"})
	require.NoError(t, err)
	assert.Greater(t, secondID, firstID)

	history, err := store.RecentMessages("general", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "before", history[0].Content)
	assert.Equal(t, "after", history[1].Content)
}
