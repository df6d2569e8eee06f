package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/aeolun/notcord/pkg/upload"
	"github.com/gorilla/websocket"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

const shutdownTimeout = 5 * time.Second

// Server represents the Notcord server
type Server struct {
	config   ServerConfig
	backends *Backends
	uploads  upload.Store

	sessions   *SessionManager
	users      *UserDirectory
	channels   *ChannelDirectory
	engine     *Engine
	moderation *Controller
	state      *ServiceState
	metrics    *Metrics
	upgrader   websocket.Upgrader

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	// every open connection, logged in or not, so Stop can close them
	connsMu sync.Mutex
	conns   map[uint64]*SafeConn

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer wires the directories, registry, engine and controller on top
// of backends. The default channel and seed channels are created when
// missing and configured admins get the admin role.
func NewServer(config ServerConfig, backends *Backends) (*Server, error) {
	channels, err := NewChannelDirectory(backends.Store, config.DefaultChannel)
	if err != nil {
		return nil, err
	}
	if err := channels.Seed(config.SeedChannels); err != nil {
		return nil, err
	}

	users := NewUserDirectory(backends.Store)
	if err := users.EnsureAdmins(config.AdminUsers); err != nil {
		return nil, fmt.Errorf("failed to grant admin role: %w", err)
	}

	censor, err := NewCensor(config.CensoredWords)
	if err != nil {
		return nil, fmt.Errorf("failed to build censor: %w", err)
	}

	metrics := NewMetrics()
	state := &ServiceState{}

	sessions := NewSessionManager(channels, config.MessageRateLimit)
	sessions.SetMetrics(metrics)

	engine := NewEngine(sessions, users, channels, backends.Messages, state, config.HistoryLimit)
	engine.SetCensor(censor)
	engine.SetMetrics(metrics)

	moderation := NewController(sessions, users, channels, engine, backends.Store, state)
	moderation.SetMetrics(metrics)

	origins := newOriginPolicy(config.AllowedOrigins)

	return &Server{
		config:     config,
		backends:   backends,
		uploads:    backends.Uploads,
		sessions:   sessions,
		users:      users,
		channels:   channels,
		engine:     engine,
		moderation: moderation,
		state:      state,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		conns:     make(map[uint64]*SafeConn),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// GetServerDataDir returns the directory for log files, creating it if needed
func GetServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "notcord")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "notcord")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// InitLoggers sends errors to stderr and errors.log, and the standard log to
// stdout and server.log, all under dataDir
func InitLoggers(dataDir string) error {
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker to tell runs apart
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Truncated on startup
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging(dataDir string) {
	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the TCP, SSH and HTTP listeners and the background loops
func (s *Server) Start() error {
	if err := s.startTCPServer(); err != nil {
		return err
	}

	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		s.httpServer = s.serveHTTP(s.config.HTTPPort, s.publicRouter(), "Public HTTP server", "/ws, /upload, /uploads/{ref}, /health")
	}
	if s.config.MetricsPort > 0 {
		s.metricsServer = s.serveHTTP(s.config.MetricsPort, s.internalRouter(), "Metrics server", "/metrics, /health - INTERNAL ONLY")
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	if s.config.RetentionMaxAge > 0 {
		s.wg.Add(1)
		go s.retentionCleanupLoop()
	}
	return nil
}

func (s *Server) serveHTTP(port int, handler http.Handler, name, endpoints string) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("%s listening on %s (%s)", name, srv.Addr, endpoints)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s error: %v", name, err)
		}
	}()
	return srv
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		s.sshListener = nil
		log.Println("SSH listener closed")
	}
}

// Stop gracefully stops the server and closes the backends
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)
		s.closeListeners()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv != nil {
				if err := srv.Shutdown(ctx); err != nil {
					log.Printf("HTTP shutdown: %v", err)
				}
			}
		}

		s.notifyClientsOfShutdown()
		s.sessions.CloseAll()
		s.closeAllConns()

		log.Println("Waiting for background goroutines to finish...")
		s.wg.Wait()

		if s.backends != nil {
			err = s.backends.Close()
		}
		log.Println("Graceful shutdown complete")
	})
	return err
}

// notifyClientsOfShutdown tells every logged-in session why it is about to
// be disconnected
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.All()
	if len(sessions) == 0 {
		return
	}

	log.Printf("Sending shutdown notification to %d active sessions...", len(sessions))
	frame, err := protocol.Encode(&protocol.ErrorMessage{
		Code:    protocol.ErrCodeMaintenance,
		Message: "server shutting down",
	})
	if err != nil {
		log.Printf("Failed to encode shutdown notice: %v", err)
		return
	}
	dead := s.engine.fanOut(sessions, frame)
	log.Printf("Shutdown notification sent to %d/%d sessions", len(sessions)-len(dead), len(sessions))
}

// trackConn records an open connection. It fails once shutdown has begun.
func (s *Server) trackConn(conn *SafeConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[conn.ID()] = conn
	s.connectionsSinceReport.Add(1)
	return true
}

func (s *Server) untrackConn(conn *SafeConn) {
	s.connsMu.Lock()
	delete(s.conns, conn.ID())
	s.connsMu.Unlock()
	s.disconnectionsSinceReport.Add(1)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*SafeConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// retentionCleanupLoop deletes messages older than the configured maximum age
func (s *Server) retentionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanupExpiredMessages()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupExpiredMessages()
		}
	}
}

func (s *Server) cleanupExpiredMessages() {
	cutoff := time.Now().Add(-s.config.RetentionMaxAge).UnixMilli()
	count, err := s.engine.messages.DeleteMessagesBefore(cutoff)
	if err != nil {
		errorLog.Printf("Error cleaning up expired messages: %v", err)
		return
	}
	s.metrics.RecordRetentionDeleted(count)
	if count > 0 {
		log.Printf("Cleaned up %d expired messages", count)
	}
}

// Channels returns the channel names in creation order
func (s *Server) Channels() []string {
	return s.channels.Names()
}
