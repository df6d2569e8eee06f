// Command bot is a small notcord helper bot. It answers a handful of
// commands (!help, !ping, !roll, !time, !channels, !stats) and greets people
// who mention it.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/notcord/pkg/botlib"
	"github.com/samber/lo"
)

// channelStats counts messages seen per channel since the last clear
type channelStats struct {
	mu      sync.Mutex
	counts  map[string]int
	authors map[string]map[string]int
}

func newChannelStats() *channelStats {
	return &channelStats{counts: make(map[string]int), authors: make(map[string]map[string]int)}
}

func (s *channelStats) record(channel, author string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[channel]++
	if s.authors[channel] == nil {
		s.authors[channel] = make(map[string]int)
	}
	s.authors[channel][author]++
}

func (s *channelStats) reset(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, channel)
	delete(s.authors, channel)
}

func (s *channelStats) summary(channel string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.counts[channel]
	if total == 0 {
		return fmt.Sprintf("no messages in #%s since I arrived", channel)
	}
	top := lo.Entries(s.authors[channel])
	sort.Slice(top, func(i, j int) bool {
		if top[i].Value != top[j].Value {
			return top[i].Value > top[j].Value
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > 3 {
		top = top[:3]
	}
	names := lo.Map(top, func(e lo.Entry[string, int], _ int) string {
		return fmt.Sprintf("%s (%d)", e.Key, e.Value)
	})
	return fmt.Sprintf("%d messages in #%s, most active: %s", total, channel, strings.Join(names, ", "))
}

// parseDice reads NdM notation, e.g. 2d6. A bare "d20" means one die.
func parseDice(spec string) (count, sides int, err error) {
	n, m, ok := strings.Cut(strings.ToLower(spec), "d")
	if !ok {
		return 0, 0, fmt.Errorf("expected NdM, got %q", spec)
	}
	count = 1
	if n != "" {
		if count, err = strconv.Atoi(n); err != nil {
			return 0, 0, fmt.Errorf("bad dice count %q", n)
		}
	}
	if sides, err = strconv.Atoi(m); err != nil {
		return 0, 0, fmt.Errorf("bad die size %q", m)
	}
	if count < 1 || count > 20 || sides < 2 || sides > 1000 {
		return 0, 0, fmt.Errorf("between 1 and 20 dice with 2 to 1000 sides, please")
	}
	return count, sides, nil
}

func roll(count, sides int) (rolls []int, total int) {
	for range count {
		r := rand.IntN(sides) + 1
		rolls = append(rolls, r)
		total += r
	}
	return rolls, total
}

func main() {
	// Command-line flags
	server := flag.String("server", "localhost:6465", "Server address (host:port, ssh://host:port or ws://host:port/ws)")
	username := flag.String("username", "helperbot", "Bot username")
	password := flag.String("password", os.Getenv("NOTCORD_BOT_PASSWORD"), "Bot password (or NOTCORD_BOT_PASSWORD)")
	channel := flag.String("channel", "", "Channel to sit in (default: the server's default channel)")
	prefix := flag.String("prefix", "!", "Command prefix")
	flag.Parse()

	bot := botlib.New(botlib.Config{
		Server:        *server,
		Username:      *username,
		Password:      *password,
		Channel:       *channel,
		CommandPrefix: *prefix,
	})
	stats := newChannelStats()
	started := time.Now()

	bot.OnCommand("help", func(ctx *botlib.Context, args []string) {
		ctx.Reply(fmt.Sprintf("commands: %[1]shelp %[1]sping %[1]sroll NdM %[1]stime %[1]schannels %[1]sstats", *prefix))
	})

	bot.OnCommand("ping", func(ctx *botlib.Context, args []string) {
		ctx.Reply(fmt.Sprintf("pong (up %s)", time.Since(started).Round(time.Second)))
	})

	bot.OnCommand("roll", func(ctx *botlib.Context, args []string) {
		spec := "1d6"
		if len(args) > 0 {
			spec = args[0]
		}
		count, sides, err := parseDice(spec)
		if err != nil {
			ctx.ReplyTo(err.Error())
			return
		}
		rolls, total := roll(count, sides)
		parts := lo.Map(rolls, func(r int, _ int) string { return strconv.Itoa(r) })
		ctx.ReplyTo(fmt.Sprintf("rolled %s: %s = %d", spec, strings.Join(parts, " + "), total))
	})

	bot.OnCommand("time", func(ctx *botlib.Context, args []string) {
		ctx.Reply(time.Now().UTC().Format("Mon 2 Jan 15:04 MST"))
	})

	bot.OnCommand("channels", func(ctx *botlib.Context, args []string) {
		ctx.Reply("channels: " + strings.Join(ctx.Channels(), ", "))
	})

	bot.OnCommand("stats", func(ctx *botlib.Context, args []string) {
		ctx.Reply(stats.summary(ctx.Channel()))
	})

	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		stats.record(msg.Channel, msg.Username)
		ctx.Log("Mentioned by %s: %s", msg.Author(), msg.Content)
		ctx.ReplyTo(fmt.Sprintf("hi! try %shelp", *prefix))
	})

	bot.OnMessage(func(ctx *botlib.Context, msg *botlib.Message) {
		stats.record(msg.Channel, msg.Username)
	})

	bot.OnClear(func(channel string) {
		stats.reset(channel)
	})

	bot.OnError(func(code int, message string) {
		log.Printf("Server rejected a command (%d): %s", code, message)
	})

	// Run the bot
	log.Printf("Starting bot...")
	log.Printf("  Server: %s", *server)
	log.Printf("  Username: %s", *username)

	if err := bot.Run(); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
