// Package files stores uploaded attachments on disk and resolves them by
// id. The relay core only ever sees the resulting store.Attachment.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Tyrowin/hybridchat/internal/metrics"
	"github.com/Tyrowin/hybridchat/internal/store"
)

const (
	DefaultMaxSize   = 10 << 20
	DefaultCacheSize = 256
)

var (
	// ErrTooLarge is returned for uploads over the configured limit.
	ErrTooLarge = errors.New("file exceeds the upload limit")
	// ErrEmpty is returned for uploads without content.
	ErrEmpty = errors.New("file is empty")
)

// Upload is an incoming file.
type Upload struct {
	Name       string
	Type       string
	Data       []byte
	UploadedBy string
}

// Option configures a Service.
type Option func(*Service)

func WithMaxSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

func WithCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service writes blobs under dir and their records to a store.FileLog.
type Service struct {
	dir       string
	maxSize   int64
	cacheSize int
	records   store.FileLog
	cache     *lru.Cache[string, store.FileRecord]
	logger    *slog.Logger
	clock     clock.Clock
	metrics   *metrics.Metrics
}

// New creates dir if needed and returns a Service rooted there.
func New(dir string, records store.FileLog, logger *slog.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		dir:       dir,
		maxSize:   DefaultMaxSize,
		cacheSize: DefaultCacheSize,
		records:   records,
		logger:    logger,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create upload directory %s: %w", dir, err)
	}
	cache, err := lru.New[string, store.FileRecord](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("cannot create file cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// MaxSize returns the upload limit in bytes.
func (s *Service) MaxSize() int64 { return s.maxSize }

// Save writes u to disk and records it. The declared type wins over the
// sniffed one unless it is missing or generic.
func (s *Service) Save(ctx context.Context, u Upload) (store.FileRecord, error) {
	if len(u.Data) == 0 {
		return store.FileRecord{}, ErrEmpty
	}
	if int64(len(u.Data)) > s.maxSize {
		return store.FileRecord{}, fmt.Errorf("%d bytes: %w", len(u.Data), ErrTooLarge)
	}

	name := filepath.Base(strings.TrimSpace(u.Name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "file"
	}

	detected := mimetype.Detect(u.Data)
	fileType := strings.TrimSpace(u.Type)
	if fileType == "" || fileType == "application/octet-stream" {
		fileType = detected.String()
	}

	id := uuid.NewString()
	ext := filepath.Ext(name)
	if ext == "" {
		ext = detected.Extension()
	}
	path := filepath.Join(s.dir, id+ext)

	if err := os.WriteFile(path, u.Data, 0o644); err != nil {
		return store.FileRecord{}, fmt.Errorf("write %s: %w", path, err)
	}

	rec := store.FileRecord{
		ID:         id,
		Name:       name,
		Path:       path,
		Type:       fileType,
		Size:       int64(len(u.Data)),
		UploadedBy: u.UploadedBy,
		UploadedAt: s.clock.Now().UTC(),
	}
	if err := s.records.SaveFile(ctx, rec); err != nil {
		_ = os.Remove(path)
		return store.FileRecord{}, fmt.Errorf("record %s: %w", id, err)
	}

	s.cache.Add(id, rec)
	s.metrics.FileUploaded()
	s.logger.Info("File uploaded", "file", id, "name", name, "type", fileType, "size", rec.Size, "user", u.UploadedBy)
	return rec, nil
}

// Lookup returns the record for id, or store.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, id string) (store.FileRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := s.records.GetFile(ctx, id)
	if err != nil {
		return store.FileRecord{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

// Open returns the record and an open handle to its content. The caller
// closes the file.
func (s *Service) Open(ctx context.Context, id string) (store.FileRecord, *os.File, error) {
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return store.FileRecord{}, nil, err
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.cache.Remove(id)
			return store.FileRecord{}, nil, fmt.Errorf("content of %s: %w", id, store.ErrNotFound)
		}
		return store.FileRecord{}, nil, fmt.Errorf("open %s: %w", id, err)
	}
	return rec, f, nil
}

// Disposition sniffs f and returns the Content-Type to serve it with and
// whether a browser may render it in place. The declared type never takes
// part. f is rewound before returning.
func Disposition(f io.ReadSeeker) (contentType string, inline bool, err error) {
	detected, err := mimetype.DetectReader(f)
	if err != nil {
		return "", false, fmt.Errorf("sniff content: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", false, fmt.Errorf("rewind content: %w", err)
	}
	if !inlineSafe(detected.String()) {
		return "application/octet-stream", false, nil
	}
	return detected.String(), true, nil
}

// inlineSafe admits raster images, plain text and PDF. SVG and markup can
// carry script.
func inlineSafe(contentType string) bool {
	essence, _, _ := strings.Cut(contentType, ";")
	switch essence = strings.TrimSpace(essence); {
	case essence == "image/svg+xml":
		return false
	case strings.HasPrefix(essence, "image/"):
		return true
	case essence == "text/plain", essence == "application/pdf":
		return true
	}
	return false
}

// URL is where the file is served.
func URL(id string) string {
	return "/api/files/" + id
}

// Attachment builds the reference carried inside chat messages.
func Attachment(rec store.FileRecord) store.Attachment {
	return store.Attachment{FileID: rec.ID, FileName: rec.Name, FileType: rec.Type, Size: rec.Size, URL: URL(rec.ID)}
}
