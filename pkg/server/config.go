package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment overrides: NOTCORD_<SECTION>_<KEY>
const EnvPrefix = "NOTCORD"

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server" envconfig:"SERVER"`
	Limits     LimitsSection     `toml:"limits" envconfig:"LIMITS"`
	Storage    StorageSection    `toml:"storage" envconfig:"STORAGE"`
	Uploads    UploadsSection    `toml:"uploads" envconfig:"UPLOADS"`
	Moderation ModerationSection `toml:"moderation" envconfig:"MODERATION"`
	Retention  RetentionSection  `toml:"retention" envconfig:"RETENTION"`
	Channels   ChannelsSection   `toml:"channels" envconfig:"CHANNELS"`
}

type ServerSection struct {
	TCPPort        int      `toml:"tcp_port" envconfig:"TCP_PORT" validate:"min=0,max=65535"`
	SSHPort        int      `toml:"ssh_port" envconfig:"SSH_PORT" validate:"min=0,max=65535"`
	HTTPPort       int      `toml:"http_port" envconfig:"HTTP_PORT" validate:"min=0,max=65535"`
	MetricsPort    int      `toml:"metrics_port" envconfig:"METRICS_PORT" validate:"min=0,max=65535"`
	SSHHostKey     string   `toml:"ssh_host_key" envconfig:"SSH_HOST_KEY"`
	DatabasePath   string   `toml:"database_path" envconfig:"DATABASE_PATH"`
	DefaultChannel string   `toml:"default_channel" envconfig:"DEFAULT_CHANNEL" validate:"omitempty,max=32"`
	AdminUsers     []string `toml:"admin_users" envconfig:"ADMIN_USERS"`
	AllowedOrigins []string `toml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length" envconfig:"MAX_MESSAGE_LENGTH" validate:"min=0"`
	MaxFrameSize     int `toml:"max_frame_size" envconfig:"MAX_FRAME_SIZE" validate:"min=0"`
	MessageRateLimit int `toml:"message_rate_limit" envconfig:"MESSAGE_RATE_LIMIT" validate:"min=0"`
	SendTimeoutMS    int `toml:"send_timeout_ms" envconfig:"SEND_TIMEOUT_MS" validate:"min=0"`
	HistoryLimit     int `toml:"history_limit" envconfig:"HISTORY_LIMIT" validate:"min=0,max=1000"`
	MaxUploadBytes   int `toml:"max_upload_bytes" envconfig:"MAX_UPLOAD_BYTES" validate:"min=0"`
}

type StorageSection struct {
	// Backend stores channels, users and the audit log
	Backend string `toml:"backend" envconfig:"BACKEND" validate:"omitempty,oneof=sqlite memory"`
	// MessagesBackend stores messages; "badger" keeps them apart from the
	// relational data
	MessagesBackend string `toml:"messages_backend" envconfig:"MESSAGES_BACKEND" validate:"omitempty,oneof=sqlite badger"`
	BadgerDir       string `toml:"badger_dir" envconfig:"BADGER_DIR"`
}

type UploadsSection struct {
	Backend        string `toml:"backend" envconfig:"BACKEND" validate:"omitempty,oneof=disk s3"`
	Dir            string `toml:"dir" envconfig:"DIR"`
	S3Bucket       string `toml:"s3_bucket" envconfig:"S3_BUCKET" validate:"required_if=Backend s3"`
	S3Prefix       string `toml:"s3_prefix" envconfig:"S3_PREFIX"`
	S3Region       string `toml:"s3_region" envconfig:"S3_REGION"`
	S3Endpoint     string `toml:"s3_endpoint" envconfig:"S3_ENDPOINT" validate:"omitempty,url"`
	S3AccessKey    string `toml:"s3_access_key" envconfig:"S3_ACCESS_KEY"`
	S3SecretKey    string `toml:"s3_secret_key" envconfig:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `toml:"s3_use_path_style" envconfig:"S3_USE_PATH_STYLE"`
}

type ModerationSection struct {
	CensoredWords []string `toml:"censored_words" envconfig:"CENSORED_WORDS"`
}

type RetentionSection struct {
	// MaxAgeHours of 0 keeps messages forever
	MaxAgeHours            int `toml:"max_age_hours" envconfig:"MAX_AGE_HOURS" validate:"min=0"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes" envconfig:"CLEANUP_INTERVAL_MINUTES" validate:"min=0"`
}

type ChannelsSection struct {
	SeedChannels []SeedChannel `toml:"seed_channels" ignored:"true" validate:"dive"`
}

type SeedChannel struct {
	Name        string `toml:"name" validate:"required,max=32"`
	Description string `toml:"description" validate:"max=200"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:        6465,
			SSHPort:        6466,
			HTTPPort:       8080,
			MetricsPort:    9090,
			SSHHostKey:     "~/.notcord/ssh_host_key",
			DatabasePath:   "~/.notcord/notcord.db",
			DefaultChannel: "general",
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
			MaxFrameSize:     64 * 1024,
			MessageRateLimit: 30,
			SendTimeoutMS:    2000,
			HistoryLimit:     50,
			MaxUploadBytes:   5 << 20,
		},
		Storage: StorageSection{
			Backend:         "sqlite",
			MessagesBackend: "sqlite",
			BadgerDir:       "~/.notcord/messages",
		},
		Uploads: UploadsSection{
			Backend: "disk",
			Dir:     "~/.notcord/uploads",
		},
		Retention: RetentionSection{
			MaxAgeHours:            0,
			CleanupIntervalMinutes: 60,
		},
		Channels: ChannelsSection{
			SeedChannels: []SeedChannel{
				{Name: "general", Description: "General discussion"},
				{Name: "random", Description: "Off-topic chat"},
			},
		},
	}
}

var configValidator = validator.New()

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, applies environment overrides and validates the result
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// Running without a writable config location is fine; defaults apply
		if err := writeDefaultConfig(path); err != nil {
			debugLog.Printf("Could not write default config to %s: %v", path, err)
		}
	} else {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := config.Validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// Validate checks value ranges and backend names
func (c *TOMLConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Notcord Server Configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables override these settings:
# NOTCORD_<SECTION>_<KEY> (e.g. NOTCORD_SERVER_HTTP_PORT=8081)
# Lists are comma separated (NOTCORD_SERVER_ADMIN_USERS=alice,bob)

[server]
# Port for newline-delimited JSON over TCP (0 disables)
tcp_port = 6465

# Port for SSH connections (0 disables)
ssh_port = 6466

# Port for the public HTTP server: /ws, /upload, /uploads/{ref}, /health
http_port = 8080

# Internal port serving /metrics (0 disables)
metrics_port = 9090

ssh_host_key = "~/.notcord/ssh_host_key"
database_path = "~/.notcord/notcord.db"

# Channel every session joins after login. It cannot be deleted.
default_channel = "general"

# Users granted the admin role at startup
# admin_users = ["alice"]

# Origins allowed to open /ws. Empty means same origin only, "*" allows any.
# allowed_origins = ["https://chat.example.com"]

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Maximum size of one frame in bytes; larger frames close the connection
max_frame_size = 65536

# Messages per minute per session (0 disables)
message_rate_limit = 30

# A send blocked longer than this drops the recipient
send_timeout_ms = 2000

# Messages replayed when joining a channel
history_limit = 50

max_upload_bytes = 5242880

[storage]
# "sqlite" or "memory"
backend = "sqlite"

# "sqlite" or "badger"
messages_backend = "sqlite"
badger_dir = "~/.notcord/messages"

[uploads]
# "disk" or "s3"
backend = "disk"
dir = "~/.notcord/uploads"
# s3_bucket = "notcord-uploads"
# s3_prefix = "uploads/"
# s3_region = "us-east-1"
# s3_endpoint = "http://localhost:9000"
# s3_access_key = ""
# s3_secret_key = ""
# s3_use_path_style = true

[moderation]
# Words masked in every message
# censored_words = ["darn"]

[retention]
# Messages older than this are deleted (0 keeps them forever)
max_age_hours = 0
cleanup_interval_minutes = 60

[channels]
# Channels created on startup when missing
seed_channels = [
  { name = "general", description = "General discussion" },
  { name = "random", description = "Off-topic chat" },
]
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	TCPPort        int
	SSHPort        int
	HTTPPort       int
	MetricsPort    int
	SSHHostKeyPath string
	DefaultChannel string
	AdminUsers     []string
	AllowedOrigins []string

	MaxMessageLength int
	MaxFrameSize     int
	MessageRateLimit int // per minute
	SendTimeout      time.Duration
	HistoryLimit     int
	MaxUploadBytes   int64

	CensoredWords   []string
	SeedChannels    []SeedChannel
	RetentionMaxAge time.Duration // 0 disables retention
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := ServerConfig{
		TCPPort:          c.Server.TCPPort,
		SSHPort:          c.Server.SSHPort,
		HTTPPort:         c.Server.HTTPPort,
		MetricsPort:      c.Server.MetricsPort,
		SSHHostKeyPath:   c.Server.SSHHostKey,
		DefaultChannel:   c.Server.DefaultChannel,
		AdminUsers:       trimAll(c.Server.AdminUsers),
		AllowedOrigins:   trimAll(c.Server.AllowedOrigins),
		MaxMessageLength: c.Limits.MaxMessageLength,
		MaxFrameSize:     c.Limits.MaxFrameSize,
		MessageRateLimit: c.Limits.MessageRateLimit,
		SendTimeout:      time.Duration(c.Limits.SendTimeoutMS) * time.Millisecond,
		HistoryLimit:     c.Limits.HistoryLimit,
		MaxUploadBytes:   int64(c.Limits.MaxUploadBytes),
		CensoredWords:    trimAll(c.Moderation.CensoredWords),
		SeedChannels:     c.Channels.SeedChannels,
		RetentionMaxAge:  time.Duration(c.Retention.MaxAgeHours) * time.Hour,
		CleanupInterval:  time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute,
	}

	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 64 * 1024
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return ExpandHome(c.Server.DatabasePath)
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
