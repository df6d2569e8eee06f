// Package botlib provides a simple library for building notcord bots.
package botlib

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
)

// Message represents a chat message received by the bot.
type Message struct {
	ID        int64
	Channel   string
	Username  string
	Tag       int
	Content   string
	Image     string // upload reference, empty for text-only messages
	CreatedAt time.Time

	// Internal: the bot's username for mention detection
	botName string
}

func newMessage(m *protocol.ChatMessage, botName string) *Message {
	return &Message{
		ID:        m.ID,
		Channel:   m.Channel,
		Username:  m.Username,
		Tag:       m.Tag,
		Content:   m.Content,
		Image:     m.Image,
		CreatedAt: time.UnixMilli(m.Timestamp),
		botName:   botName,
	}
}

// Author returns the display identity, e.g. "alice#0042".
func (m *Message) Author() string {
	return fmt.Sprintf("%s#%04d", m.Username, m.Tag)
}

// HasImage returns true if the message carries an uploaded image.
func (m *Message) HasImage() bool {
	return m.Image != ""
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @name patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	name := strings.ToLower(m.botName)

	if strings.Contains(content, "@"+name) {
		return true
	}

	// Also check for the name at start of message (common pattern)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(content, name+sep) {
			return true
		}
	}
	return false
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Content
	}

	content := m.Content
	lowerNick := strings.ToLower(m.botName)

	// Remove @name mentions regardless of case
	for {
		i := strings.Index(strings.ToLower(content), "@"+lowerNick)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+1+len(m.botName):]
	}

	lower := strings.ToLower(content)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerNick+sep) {
			content = content[len(m.botName)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}

// IsCommand reports whether the message starts with prefix, e.g. "!".
func (m *Message) IsCommand(prefix string) bool {
	return prefix != "" && strings.HasPrefix(strings.TrimSpace(m.Content), prefix)
}

// Command splits a prefixed message into its command name and arguments.
// "!roll 2d6" with prefix "!" gives "roll", ["2d6"].
func (m *Message) Command(prefix string) (string, []string) {
	if !m.IsCommand(prefix) {
		return "", nil
	}
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(m.Content), prefix))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}
