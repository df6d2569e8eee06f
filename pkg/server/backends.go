package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/upload"
)

// Store is the relational backend: channels, users and the audit log. Both
// database.DB and database.MemDB satisfy it, and also store messages unless
// a separate message backend is configured.
type Store interface {
	ChannelStore
	UserStore
	MessageStore
	AuditLog
	ListAdminActions(limit int) ([]*database.AdminAction, error)
	Close() error
}

// Backends bundles the stores a server runs on
type Backends struct {
	Store    Store
	Messages MessageStore
	Uploads  upload.Store // nil disables the upload endpoints

	closeMessages func() error
}

// NewMemoryBackends keeps everything in process memory. Uploads are disabled.
func NewMemoryBackends() *Backends {
	db := database.NewMemDB()
	return &Backends{Store: db, Messages: db}
}

// OpenBackends opens the stores selected in the [storage] and [uploads]
// sections
func OpenBackends(cfg *TOMLConfig) (*Backends, error) {
	b := &Backends{}

	switch cfg.Storage.Backend {
	case "memory":
		log.Printf("Using in-memory storage; nothing survives a restart")
		b.Store = database.NewMemDB()
	case "", "sqlite":
		path, err := cfg.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(path)
		if err != nil {
			return nil, err
		}
		log.Printf("Using SQLite database at %s", path)
		b.Store = db
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	b.Messages = b.Store

	if cfg.Storage.MessagesBackend == "badger" {
		dir, err := ExpandHome(cfg.Storage.BadgerDir)
		if err != nil {
			b.Close()
			return nil, err
		}
		msgs, err := database.OpenBadgerMessages(dir)
		if err != nil {
			b.Close()
			return nil, err
		}
		log.Printf("Storing messages in Badger at %s", dir)
		b.Messages = msgs
		b.closeMessages = msgs.Close
	}

	uploads, err := openUploads(cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Uploads = uploads
	return b, nil
}

func openUploads(cfg *TOMLConfig) (upload.Store, error) {
	maxBytes := int64(cfg.Limits.MaxUploadBytes)
	switch cfg.Uploads.Backend {
	case "", "disk":
		if cfg.Uploads.Dir == "" {
			return nil, nil
		}
		dir, err := ExpandHome(cfg.Uploads.Dir)
		if err != nil {
			return nil, err
		}
		return upload.NewDiskStore(dir, maxBytes)
	case "s3":
		return upload.NewS3Store(upload.S3Config{
			Bucket:       cfg.Uploads.S3Bucket,
			Prefix:       cfg.Uploads.S3Prefix,
			Region:       cfg.Uploads.S3Region,
			Endpoint:     cfg.Uploads.S3Endpoint,
			AccessKey:    cfg.Uploads.S3AccessKey,
			SecretKey:    cfg.Uploads.S3SecretKey,
			UsePathStyle: cfg.Uploads.S3UsePathStyle,
		}, maxBytes)
	default:
		return nil, fmt.Errorf("unknown uploads backend %q", cfg.Uploads.Backend)
	}
}

// Close closes every opened store
func (b *Backends) Close() error {
	var errs []error
	if b.closeMessages != nil {
		errs = append(errs, b.closeMessages())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	return errors.Join(errs...)
}
