package files_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hybridchat/internal/files"
	"github.com/Tyrowin/hybridchat/internal/store"
)

// A 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func newService(t *testing.T, opts ...files.Option) (*files.Service, *store.SQLite) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewSQLite(filepath.Join(dir, "files.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := files.New(filepath.Join(dir, "uploads"), db, slog.Default(), opts...)
	require.NoError(t, err)
	return svc, db
}

func TestSaveSniffsMissingType(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, db := newService(t)

	rec, err := svc.Save(ctx, files.Upload{Name: "../../pixel", Data: pngPixel, UploadedBy: "alice"})
	req.NoError(err)
	req.Equal("pixel", rec.Name)
	req.Equal("image/png", rec.Type)
	req.Equal(int64(len(pngPixel)), rec.Size)
	req.Equal(".png", filepath.Ext(rec.Path))

	stored, err := db.GetFile(ctx, rec.ID)
	req.NoError(err)
	req.Equal(rec.Path, stored.Path)

	got, f, err := svc.Open(ctx, rec.ID)
	req.NoError(err)
	defer f.Close()
	data, err := io.ReadAll(f)
	req.NoError(err)
	req.Equal(pngPixel, data)
	req.Equal("alice", got.UploadedBy)
}

func TestDeclaredTypeWins(t *testing.T) {
	svc, _ := newService(t)
	rec, err := svc.Save(context.Background(), files.Upload{Name: "notes.txt", Type: "text/markdown", Data: []byte("# hi")})
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", rec.Type)
}

func TestSaveRejectsEmptyAndOversized(t *testing.T) {
	svc, _ := newService(t, files.WithMaxSize(4))

	_, err := svc.Save(context.Background(), files.Upload{Name: "a"})
	require.ErrorIs(t, err, files.ErrEmpty)

	_, err = svc.Save(context.Background(), files.Upload{Name: "a", Data: []byte("12345")})
	require.ErrorIs(t, err, files.ErrTooLarge)
	assert.Equal(t, int64(4), svc.MaxSize())
}

func TestOpenUnknownAndMissingContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, _, err := svc.Open(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec, err := svc.Save(ctx, files.Upload{Name: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	require.NoError(t, os.Remove(rec.Path))

	_, _, err = svc.Open(ctx, rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachment(t *testing.T) {
	a := files.Attachment(store.FileRecord{ID: "f1", Name: "cat.png", Type: "image/png", Size: 9})
	assert.Equal(t, store.Attachment{FileID: "f1", FileName: "cat.png", FileType: "image/png", Size: 9, URL: "/api/files/f1"}, a)
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    string
		inline  bool
	}{
		{"png", pngPixel, "image/png", true},
		{"text", []byte("just words"), "text/plain; charset=utf-8", true},
		{"pdf", []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"), "application/pdf", true},
		{"html", []byte("<html><script>alert(1)</script></html>"), "application/octet-stream", false},
		{"svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), "application/octet-stream", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.content)
			contentType, inline, err := files.Disposition(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, contentType)
			assert.Equal(t, tt.inline, inline)

			rest, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.content, rest)
		})
	}
}
