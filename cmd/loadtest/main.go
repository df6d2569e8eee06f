// Command loadtest drives many concurrent clients against a notcord server
// and reports throughput, fan-out and delivery latency.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/notcord/pkg/botlib"
	"github.com/aeolun/notcord/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

var syllables = []string{
	"ka", "ro", "mi", "zu", "tel", "van", "dor", "shi", "pex", "lum",
	"gra", "nox", "bel", "quin", "ta", "fer", "jo", "wex", "ril", "sa",
}

// generateUsername builds a pronounceable name with a numeric suffix so
// concurrent clients do not evict each other
func generateUsername(id int) string {
	var b strings.Builder
	for range 2 + rand.IntN(2) {
		b.WriteString(syllables[rand.IntN(len(syllables))])
	}
	name := fmt.Sprintf("%s%d", b.String(), id)
	if len(name) > 20 {
		name = name[len(name)-20:]
	}
	return name
}

// randomContent returns 5-20 lorem words ending in a unique marker, used to
// recognise the client's own message when it comes back
func randomContent(marker string) string {
	n := 5 + rand.IntN(16)
	words := make([]string, 0, n+1)
	for range n {
		words = append(words, loremWords[rand.IntN(len(loremWords))])
	}
	words = append(words, marker)
	return strings.Join(words, " ")
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesDelivered atomic.Int64 // own messages seen coming back
	messagesReceived  atomic.Int64 // all chat events, i.e. fan-out volume
	totalLatency      atomic.Int64 // in microseconds, over delivered messages
	maxLatency        atomic.Int64

	rateLimited      atomic.Int64
	otherErrors      atomic.Int64
	sendFailures     atomic.Int64
	disconnections   atomic.Int64
	lost             atomic.Int64 // posted but never delivered
	connectFailed    atomic.Int64
	loginFailed      atomic.Int64
	switchFailed     atomic.Int64
	successfulClient atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	us := latency.Microseconds()
	s.messagesDelivered.Add(1)
	s.totalLatency.Add(us)
	for {
		cur := s.maxLatency.Load()
		if us <= cur || s.maxLatency.CompareAndSwap(cur, us) {
			return
		}
	}
}

func (s *Stats) recordError(code int) {
	if code == protocol.ErrCodeRateLimited {
		s.rateLimited.Add(1)
		return
	}
	s.otherErrors.Add(1)
}

func (s *Stats) snapshot() (posted, delivered, received int64, avgLatencyUs float64) {
	posted = s.messagesPosted.Load()
	delivered = s.messagesDelivered.Load()
	received = s.messagesReceived.Load()
	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}
	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	username string
	channel  string
	client   *botlib.Client
	stats    *Stats

	// marker -> send time of messages not yet seen coming back
	inflight   map[string]time.Time
	inflightMu sync.Mutex
	seq        int
}

func NewBotClient(id int, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		username: generateUsername(id),
		stats:    stats,
		inflight: make(map[string]time.Time),
	}
}

// Connect dials, logs in and optionally moves to one of channels.
func (bc *BotClient) Connect(ctx context.Context, serverAddr string, channels []string) error {
	client, err := botlib.Dial(ctx, serverAddr, 10*time.Second)
	if err != nil {
		bc.stats.connectFailed.Add(1)
		return err
	}
	bc.client = client

	welcome, err := client.Login(bc.username, "")
	if err != nil {
		bc.stats.loginFailed.Add(1)
		client.Close()
		return fmt.Errorf("login: %w", err)
	}
	bc.channel = welcome.Channel

	if len(channels) > 0 {
		target := channels[rand.IntN(len(channels))]
		if target != bc.channel {
			if err := client.Switch(target); err != nil {
				bc.stats.switchFailed.Add(1)
				client.Close()
				return fmt.Errorf("switch: %w", err)
			}
			bc.channel = target
		}
	}
	return nil
}

// readLoop consumes events until the connection ends
func (bc *BotClient) readLoop() {
	for ev := range bc.client.Events() {
		switch msg := ev.(type) {
		case *protocol.ChatMessage:
			bc.stats.messagesReceived.Add(1)
			if msg.Username != bc.username {
				continue
			}
			marker := msg.Content[strings.LastIndexByte(msg.Content, ' ')+1:]
			bc.inflightMu.Lock()
			sent, ok := bc.inflight[marker]
			delete(bc.inflight, marker)
			bc.inflightMu.Unlock()
			if ok {
				bc.stats.recordDelivery(time.Since(sent))
			}
		case *protocol.ErrorMessage:
			bc.stats.recordError(msg.Code)
			if msg.Code == protocol.ErrCodeRateLimited {
				// The rejected post will never come back
				bc.inflightMu.Lock()
				bc.dropOldestLocked()
				bc.inflightMu.Unlock()
			}
		case *protocol.SwitchChannelMessage:
			bc.channel = msg.Channel
		}
	}
}

func (bc *BotClient) dropOldestLocked() {
	var oldest string
	var at time.Time
	for k, v := range bc.inflight {
		if oldest == "" || v.Before(at) {
			oldest, at = k, v
		}
	}
	delete(bc.inflight, oldest)
}

func (bc *BotClient) PostRandomMessage() error {
	bc.seq++
	marker := fmt.Sprintf("#%d-%d", bc.id, bc.seq)

	bc.inflightMu.Lock()
	bc.inflight[marker] = time.Now()
	bc.inflightMu.Unlock()

	if err := bc.client.Post("", randomContent(marker)); err != nil {
		bc.inflightMu.Lock()
		delete(bc.inflight, marker)
		bc.inflightMu.Unlock()
		if errors.Is(err, botlib.ErrClosed) {
			bc.stats.disconnections.Add(1)
		} else {
			bc.stats.sendFailures.Add(1)
		}
		return err
	}
	bc.stats.messagesPosted.Add(1)
	return nil
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer func() {
		bc.client.Close()

		bc.inflightMu.Lock()
		bc.stats.lost.Add(int64(len(bc.inflight)))
		bc.inflightMu.Unlock()
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		bc.readLoop()
	}()

	end := time.After(duration)
	for {
		if err := bc.PostRandomMessage(); errors.Is(err, botlib.ErrClosed) {
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int64N(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-end:
			// Stagger shutdown to avoid thundering herd on disconnect;
			// late deliveries still count meanwhile
			select {
			case <-time.After(shutdownDelay + time.Second):
			case <-ctx.Done():
			}
			return
		case <-ctx.Done():
			return
		case <-readDone:
			bc.stats.disconnections.Add(1)
			return
		}
	}
}

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port, ssh://host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	channelFlag := flag.String("channels", "", "Comma-separated channels to spread clients over (default: stay in the default channel)")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	var channels []string
	for _, c := range strings.Split(*channelFlag, ",") {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	if len(channels) > 0 {
		log.Printf("  Channels: %s", strings.Join(channels, ", "))
	}
	log.Printf("")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, delivered, received, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d delivered, %d received, %d rate limited, avg %.2fms, load %.2f, goroutines %d",
					posted, float64(posted)/elapsed, delivered, received, stats.rateLimited.Load(),
					avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	startTime := time.Now()

spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, stats)
			if err := bot.Connect(ctx, *serverAddr, channels); err != nil {
				if id%100 == 0 {
					log.Printf("[Bot %d] Connect failed: %v", id, err)
				}
				return
			}
			stats.successfulClient.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s in %s", id, bot.username, bot.channel)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			log.Printf("Shutdown signal received, stopping test...")
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)
	elapsed := time.Since(startTime)

	// Final stats
	posted, delivered, received, avgUs := stats.snapshot()
	successful := stats.successfulClient.Load()
	connErrors := stats.connectFailed.Load() + stats.loginFailed.Load() + stats.switchFailed.Load()

	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(*duration) / float64(max(avgDelay, time.Millisecond))
	expectedTotal := expectedPerClient * float64(successful)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successful, float64(successful)/float64(*numClients)*100)
	log.Printf("Elapsed: %v", elapsed.Round(time.Second))
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/duration.Seconds())
	log.Printf("Messages delivered back to sender: %d", delivered)
	log.Printf("Messages lost: %d", stats.lost.Load())
	log.Printf("Chat events received (fan-out): %d", received)
	log.Printf("Errors:")
	log.Printf("  - Rate limited: %d", stats.rateLimited.Load())
	log.Printf("  - Other server errors: %d", stats.otherErrors.Load())
	log.Printf("  - Send failures: %d", stats.sendFailures.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", stats.connectFailed.Load())
		log.Printf("  - Login failed: %d", stats.loginFailed.Load())
		log.Printf("  - Switch failed: %d", stats.switchFailed.Load())
	}
	log.Printf("Delivery latency: avg %.2fms, max %.2fms", avgUs/1000.0, float64(stats.maxLatency.Load())/1000.0)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		log.Printf("Delivery rate: %.1f%%", float64(delivered)/float64(posted)*100)
	}
}
