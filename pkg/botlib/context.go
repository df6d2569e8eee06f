package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply posts to the channel the message was received in.
func (c *Context) Reply(content string) error {
	return c.bot.client.Post(c.message.Channel, content)
}

// ReplyTo posts a reply addressed to the author.
func (c *Context) ReplyTo(content string) error {
	return c.Reply(fmt.Sprintf("@%s %s", c.message.Username, content))
}

// Post sends a message to another channel.
func (c *Context) Post(channel, content string) error {
	return c.bot.client.Post(channel, content)
}

// Channel returns the channel where the message was received.
func (c *Context) Channel() string {
	return c.message.Channel
}

// Author returns the username of the message author.
func (c *Context) Author() string {
	return c.message.Username
}

// BotName returns the bot's username.
func (c *Context) BotName() string {
	return c.bot.username
}

// Channels returns the most recent channel list the server sent.
func (c *Context) Channels() []string {
	return c.bot.Channels()
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{channel=%s, message=%d, author=%s}",
		c.message.Channel, c.message.ID, c.message.Author())
}
