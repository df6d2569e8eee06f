// Package upload stores image attachments referenced by chat messages.
//
// A stored blob is addressed by an opaque reference of the form
// "<uuid>.<ext>". Messages carry the reference verbatim in their image field;
// the server never inspects it beyond checking the shape.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrTooLarge = errors.New("upload exceeds maximum size")
	ErrNotImage = errors.New("upload is not an image")
	ErrNotFound = errors.New("upload not found")
	ErrEmpty    = errors.New("upload is empty")
)

// DefaultMaxBytes caps uploads when the configuration leaves the limit at 0
const DefaultMaxBytes = 5 << 20

// rasterTypes are the accepted image formats. Vector formats such as SVG can
// carry script and are refused.
var rasterTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

var refPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.[a-z0-9]{1,5}$`)

// Store persists uploaded blobs.
type Store interface {
	// Save stores an image read from r and returns its reference
	Save(ctx context.Context, r io.Reader) (string, error)
	// Open returns the blob for ref and its content type
	Open(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

// ValidRef reports whether ref has the shape produced by Save
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// readImage buffers at most maxBytes of r and sniffs its content type.
// Anything but a raster image is rejected.
func readImage(r io.Reader, maxBytes int64) ([]byte, *mimetype.MIME, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if n == 0 {
		return nil, nil, ErrEmpty
	}
	if n > maxBytes {
		return nil, nil, ErrTooLarge
	}

	data := buf.Bytes()
	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), rasterTypes...) {
		return nil, nil, fmt.Errorf("%w: detected %s", ErrNotImage, mtype.String())
	}
	return data, mtype, nil
}

func newRef(mtype *mimetype.MIME) string {
	ext := strings.TrimPrefix(mtype.Extension(), ".")
	if ext == "" {
		ext = "bin"
	}
	return uuid.NewString() + "." + ext
}
