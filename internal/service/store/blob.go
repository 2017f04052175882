package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps media payloads outside the in-memory log.
type BlobStore interface {
	Put(ctx context.Context, sessionID, mimeType, filename string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, ref string) error
	RemoveSession(ctx context.Context, sessionID string) error
}

// FileBlobStore writes blobs under root/<session>/<name>. References are the
// slash separated relative path.
type FileBlobStore struct {
	root string
}

func NewFileBlobStore(root string) (*FileBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &FileBlobStore{root: root}, nil
}

func (s *FileBlobStore) Put(ctx context.Context, sessionID, mimeType, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !safeSegment(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session media dir: %w", err)
	}

	name := uuid.NewString() + extensionFor(mimeType, filename)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return path.Join(sessionID, name), nil
}

func (s *FileBlobStore) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	sessionID, name, ok := strings.Cut(ref, "/")
	if !ok || !safeSegment(sessionID) || !safeSegment(name) {
		return nil, 0, ErrBlobNotFound
	}

	f, err := os.Open(filepath.Join(s.root, sessionID, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}
	return f, info.Size(), nil
}

// Delete removes one blob. A missing blob is not an error.
func (s *FileBlobStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sessionID, name, ok := strings.Cut(ref, "/")
	if !ok || !safeSegment(sessionID) || !safeSegment(name) {
		return ErrBlobNotFound
	}
	if err := os.Remove(filepath.Join(s.root, sessionID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *FileBlobStore) RemoveSession(_ context.Context, sessionID string) error {
	if !safeSegment(sessionID) {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		return fmt.Errorf("remove session media: %w", err)
	}
	return nil
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func extensionFor(mimeType, filename string) string {
	if ext := filepath.Ext(filename); ext != "" && safeSegment(ext) {
		return ext
	}
	if mimeType == "" {
		return ""
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
