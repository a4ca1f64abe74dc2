// Package storage stores the images attached to metered analyses.
//
// Two backends implement Storage: LocalStorage keeps objects on disk and is
// used in development and tests, R2Storage talks to Cloudflare R2 (or any
// S3-compatible endpoint) in production. Analysis images must be reachable
// by the vision provider, so uploads are addressed by public URL.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage is a flat key/value blob store.
type Storage interface {
	// Put writes data at key. Fails with ErrKeyExists unless opts.Overwrite.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a fetchable URL for key. A zero expires asks for the
	// permanent public URL when the backend has one.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures a single write.
type PutOptions struct {
	ContentType string
	// MaxSize rejects bodies larger than this many bytes. Zero disables it.
	MaxSize   int64
	Overwrite bool
	Public    bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration
// =============================================================================

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// Config selects and configures a backend.
type Config struct {
	Provider string
	Local    LocalConfig
	R2       R2Config
}

// LocalConfig configures filesystem storage.
type LocalConfig struct {
	// BasePath is the directory objects are written under, e.g. "./storage".
	BasePath string
	// BaseURL prefixes object keys to form URLs, e.g. "http://localhost:8080/files".
	BaseURL string
}

// R2Config configures Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// PublicURL is the bucket's public domain. Without it every URL is presigned.
	PublicURL string
	// Region defaults to "auto".
	Region string
	// Endpoint overrides the account endpoint, for S3-compatible stores.
	Endpoint string
}

// New builds the backend named by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderLocal, "":
		return NewLocalStorage(cfg.Local, logger)
	case ProviderR2:
		return NewR2Storage(cfg.R2, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// =============================================================================
// Keys
// =============================================================================

// UploadKey returns a fresh key for an analysis image owned by userID:
// uploads/{userID}/{uuid}.{ext}. The user id is sanitised so it cannot
// introduce path segments.
func UploadKey(userID, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("uploads/%s/%s.%s", sanitizeSegment(userID), uuid.New(), ext)
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}

// validKey rejects empty keys and traversal attempts.
func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}
