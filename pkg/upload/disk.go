package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// DiskStore keeps uploads as flat files in one directory
type DiskStore struct {
	dir      string
	maxBytes int64
}

// NewDiskStore creates dir if needed
func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}, nil
}

func (d *DiskStore) Save(ctx context.Context, r io.Reader) (string, error) {
	data, mtype, err := readImage(r, d.maxBytes)
	if err != nil {
		return "", err
	}

	ref := newRef(mtype)
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.dir, ref)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return ref, nil
}

func (d *DiskStore) Open(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	if !ValidRef(ref) {
		return nil, "", ErrNotFound
	}

	f, err := os.Open(filepath.Join(d.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	mtype, err := mimetype.DetectReader(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	return f, mtype.String(), nil
}
