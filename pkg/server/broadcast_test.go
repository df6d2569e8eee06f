package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToChannelMembers(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := login(t, s, "alice")
	_, bobConn := login(t, s, "bob")
	carol, carolConn := login(t, s, "carol")
	require.NoError(t, s.handleSwitchChannel(carol, "random"))
	carolConn.drain()

	msg, err := s.engine.Publish(context.Background(), alice, "general", "hi", "")
	require.NoError(t, err)
	assert.Positive(t, msg.ID)

	for _, fc := range []*fakeConn{aliceConn, bobConn} {
		got := nextOf[*protocol.ChatMessage](t, fc)
		assert.Equal(t, "hi", got.Content)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, alice.Identity.Tag, got.Tag)
		assert.Equal(t, "general", got.Channel)
		assert.Equal(t, msg.ID, got.ID)
	}
	carolConn.expectNone(t, 100*time.Millisecond)

	history, err := s.engine.History("general", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestPublishPreservesOrderPerChannel(t *testing.T) {
	s := newTestServer(t)

	const writers, perWriter = 4, 25
	var authors []*Session
	for i := range writers {
		sess, _ := login(t, s, fmt.Sprintf("writer%d", i))
		authors = append(authors, sess)
	}
	var readers []*fakeConn
	for i := range 3 {
		_, fc := login(t, s, fmt.Sprintf("reader%d", i))
		readers = append(readers, fc)
	}

	var wg sync.WaitGroup
	for _, author := range authors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perWriter {
				_, err := s.engine.Publish(context.Background(), author, "general", fmt.Sprintf("m%d", j), "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var first []int64
	for i, fc := range readers {
		var ids []int64
		for range writers * perWriter {
			ids = append(ids, nextOf[*protocol.ChatMessage](t, fc).ID)
		}
		assert.IsIncreasing(t, ids)
		if i == 0 {
			first = ids
			continue
		}
		assert.Equal(t, first, ids, "reader %d saw a different order", i)
	}
}

func TestPublishFromMutedUserIsSilent(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := login(t, s, "alice")
	_, bobConn := login(t, s, "bob")
	require.NoError(t, s.users.SetMuted("alice", true))

	_, err := s.engine.Publish(context.Background(), alice, "general", "hello?", "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, replied := errorReply(err)
	assert.False(t, replied)

	aliceConn.expectNone(t, 100*time.Millisecond)
	bobConn.expectNone(t, 100*time.Millisecond)

	history, err := s.engine.History("general", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPublishInServiceMode(t *testing.T) {
	s := newTestServer(t)
	admin, _ := login(t, s, "admin")
	alice, _ := login(t, s, "alice")

	require.NoError(t, s.moderation.ToggleServiceMode(context.Background(), admin))
	require.True(t, s.state.ServiceMode())

	_, err := s.engine.Publish(context.Background(), alice, "general", "hi", "")
	assert.ErrorIs(t, err, ErrServiceModeRestricted)

	_, err = s.engine.Publish(context.Background(), admin, "general", "maintenance at noon", "")
	assert.NoError(t, err)
}

func TestPublishToUnknownChannel(t *testing.T) {
	s := newTestServer(t)
	alice, _ := login(t, s, "alice")

	_, err := s.engine.Publish(context.Background(), alice, "nope", "hi", "")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	s.engine.locksMu.Lock()
	_, kept := s.engine.locks["nope"]
	s.engine.locksMu.Unlock()
	assert.False(t, kept, "unknown channel names must not get a lock entry")
}

func TestPublishPersistenceFailureDeliversNothing(t *testing.T) {
	db := database.NewMemDB()
	s := newTestServerOn(t, &Backends{Store: db, Messages: failingMessages{db}})
	alice, aliceConn := login(t, s, "alice")

	_, err := s.engine.Publish(context.Background(), alice, "general", "lost", "")
	assert.ErrorIs(t, err, ErrPersistenceFailed)
	aliceConn.expectNone(t, 100*time.Millisecond)
}

func TestPublishDropsDeadRecipients(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := login(t, s, "alice")
	bob, bobConn := login(t, s, "bob")
	bobConn.failWrites.Store(true)

	_, err := s.engine.Publish(context.Background(), alice, "general", "anyone?", "")
	require.NoError(t, err)

	assert.Equal(t, "anyone?", nextOf[*protocol.ChatMessage](t, aliceConn).Content)
	_, stillThere := s.sessions.Get(bob.Conn)
	assert.False(t, stillThere)
	assert.True(t, bob.Conn.Closed())
}

func TestPublishAppliesCensor(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.CensoredWords = []string{"darn"} })
	alice, aliceConn := login(t, s, "alice")

	_, err := s.engine.Publish(context.Background(), alice, "general", "D4RN it", "")
	require.NoError(t, err)
	assert.Equal(t, "**** it", nextOf[*protocol.ChatMessage](t, aliceConn).Content)
}

func TestLoginReplaysHistory(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.HistoryLimit = 3 })
	alice, _ := login(t, s, "alice")
	for i := range 5 {
		_, err := s.engine.Publish(context.Background(), alice, "general", fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	_, bobConn := login(t, s, "bob")
	var got []string
	for range 3 {
		got = append(got, nextOf[*protocol.ChatMessage](t, bobConn).Content)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, got)
	bobConn.expectNone(t, 100*time.Millisecond)
}

func TestFanOutReportsFailures(t *testing.T) {
	s := newTestServer(t)
	var sessions []*Session
	var broken []*Session
	for i := range 20 {
		fc := newFakeConn()
		sess, _, err := s.sessions.Register(NewSafeConn(fc, "test", time.Second), Identity{Username: fmt.Sprintf("u%d", i)}, "general")
		require.NoError(t, err)
		if i%5 == 0 {
			fc.failWrites.Store(true)
			broken = append(broken, sess)
		}
		sessions = append(sessions, sess)
	}

	frame, err := protocol.Encode(&protocol.ServiceModeMessage{State: true})
	require.NoError(t, err)
	dead := s.engine.fanOut(sessions, frame)
	assert.ElementsMatch(t, broken, dead)
}
