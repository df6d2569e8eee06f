package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// CommandHandler is called for a prefixed command such as "!roll 2d6".
type CommandHandler func(ctx *Context, args []string)

// Config holds the bot configuration.
type Config struct {
	// Server address: host:port (TCP), ssh://host:port or ws://host:port/ws
	Server string

	// Username to log in as; bots usually get their own account
	Username string

	// Password, optional unless the account has one
	Password string

	// Channel to switch to after login (default: the server's default)
	Channel string

	// CommandPrefix marks commands (default: "!")
	CommandPrefix string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// PingInterval for keepalive (default: 30s)
	PingInterval time.Duration
}

// Bot represents a notcord bot instance.
type Bot struct {
	config   Config
	client   *Client
	logger   *log.Logger
	username string

	// Channel state
	mu        sync.RWMutex
	channels  []string
	current   string
	enteredAt time.Time

	// Handlers
	onMessage   MessageHandler
	onMention   MessageHandler
	commands    map[string]CommandHandler
	onClear     func(channel string)
	onService   func(enabled bool)
	onSwitched  func(channel string)
	onServerErr func(code int, message string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.CommandPrefix == "" {
		config.CommandPrefix = "!"
	}

	return &Bot{
		config:   config,
		logger:   config.Logger,
		username: config.Username,
		commands: make(map[string]CommandHandler),
		stopCh:   make(chan struct{}),
	}
}

// OnMessage registers a handler for all new messages.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnCommand registers a handler for a prefixed command.
func (b *Bot) OnCommand(name string, handler CommandHandler) {
	b.commands[name] = handler
}

// OnClear registers a handler for channels cleared by an admin.
func (b *Bot) OnClear(handler func(channel string)) {
	b.onClear = handler
}

// OnServiceMode registers a handler for service mode changes.
func (b *Bot) OnServiceMode(handler func(enabled bool)) {
	b.onService = handler
}

// OnSwitch registers a handler called whenever the bot lands in a channel,
// including forced moves when its channel is deleted.
func (b *Bot) OnSwitch(handler func(channel string)) {
	b.onSwitched = handler
}

// OnError registers a handler for error events not tied to a request, such
// as rate limiting.
func (b *Bot) OnError(handler func(code int, message string)) {
	b.onServerErr = handler
}

// Channels returns the most recent channel list the server sent.
func (b *Bot) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.channels)
}

// CurrentChannel returns the channel the bot is in.
func (b *Bot) CurrentChannel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Post sends a message to channel, or the current channel when empty.
func (b *Bot) Post(channel, content string) error {
	if b.client == nil {
		return ErrClosed
	}
	return b.client.Post(channel, content)
}

// Run connects to the server and starts processing messages.
// Blocks until Stop() is called, a signal arrives or the connection is lost.
func (b *Bot) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return b.RunContext(ctx)
}

// RunContext is Run without signal handling; it returns when ctx is done.
func (b *Bot) RunContext(ctx context.Context) error {
	b.logger.Printf("Connecting to %s...", b.config.Server)
	client, err := Dial(ctx, b.config.Server, b.config.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.client = client

	b.logger.Printf("Logging in as %s", b.username)
	welcome, err := client.Login(b.username, b.config.Password)
	if err != nil {
		client.Close()
		return fmt.Errorf("login: %w", err)
	}
	b.setChannel(welcome.Channel)
	b.logger.Printf("Logged in as %s#%04d in %s", welcome.Username, welcome.Tag, welcome.Channel)

	if b.config.Channel != "" && b.config.Channel != welcome.Channel {
		if err := client.Switch(b.config.Channel); err != nil {
			client.Close()
			return fmt.Errorf("switch to %s: %w", b.config.Channel, err)
		}
	}

	b.wg.Add(2)
	go b.pingLoop()
	go b.eventLoop()

	b.logger.Printf("Bot is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Printf("Shutdown signal received")
	case <-b.stopCh:
		b.logger.Printf("Stop requested")
	case <-client.Done():
		runErr = client.Err()
		if runErr == nil {
			runErr = ErrClosed
		}
		b.logger.Printf("Connection lost: %v", runErr)
	}

	b.Stop()
	client.Close()
	b.wg.Wait()
	b.logger.Printf("Bot stopped")
	return runErr
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Bot) setChannel(channel string) {
	b.mu.Lock()
	b.current = channel
	b.enteredAt = time.Now()
	b.mu.Unlock()
}

func (b *Bot) pingLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := b.client.Ping(); err != nil && !errors.Is(err, ErrClosed) {
				b.logger.Printf("Ping failed: %v", err)
			}
		case <-b.stopCh:
			return
		case <-b.client.Done():
			return
		}
	}
}

func (b *Bot) eventLoop() {
	defer b.wg.Done()
	for msg := range b.client.Events() {
		b.handleEvent(msg)
	}
}

func (b *Bot) handleEvent(event protocol.Message) {
	switch ev := event.(type) {
	case *protocol.ChatMessage:
		b.handleChatMessage(ev)
	case *protocol.ChannelListMessage:
		b.mu.Lock()
		b.channels = slices.Clone(ev.Channels)
		b.mu.Unlock()
	case *protocol.SwitchChannelMessage:
		b.setChannel(ev.Channel)
		b.logger.Printf("Now in channel: %s", ev.Channel)
		if b.onSwitched != nil {
			b.onSwitched(ev.Channel)
		}
	case *protocol.ClearMessage:
		if b.onClear != nil {
			b.onClear(ev.Channel)
		}
	case *protocol.ServiceModeMessage:
		if b.onService != nil {
			b.onService(ev.State)
		}
	case *protocol.ErrorMessage:
		b.logger.Printf("Server error %d: %s", ev.Code, ev.Message)
		if b.onServerErr != nil {
			b.onServerErr(ev.Code, ev.Message)
		}
	}
}

func (b *Bot) handleChatMessage(ev *protocol.ChatMessage) {
	// Skip our own messages
	if ev.Username == b.username {
		return
	}

	msg := newMessage(ev, b.username)

	// History replayed on entering a channel predates the move
	b.mu.RLock()
	replayed := msg.CreatedAt.Before(b.enteredAt)
	b.mu.RUnlock()
	if replayed {
		return
	}

	ctx := &Context{bot: b, message: msg}

	if name, args := msg.Command(b.config.CommandPrefix); name != "" {
		if handler, ok := b.commands[name]; ok {
			handler(ctx, args)
			return
		}
	}

	// Check for mentions
	if msg.MentionsMe() && b.onMention != nil {
		b.onMention(ctx, msg)
		return
	}

	// General message handler
	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}
