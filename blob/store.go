// Package blob implements the local blob store that owns uploaded bytes.
// Layout on disk:
//
//	<root>/<2-char shard>/<id>.<ext>        content
//	<root>/<2-char shard>/<id>.meta.json    caller-supplied metadata
//
// Writers stream into a temporary file in the shard directory and rename
// into place, so readers never observe partial content. Writes are bounded
// by a byte cap; exceeding it leaves no residue on disk.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no blob exists for an ID.
	ErrNotFound = errors.New("blob: not found")
	// ErrTooLarge is returned when a write exceeds its byte cap.
	ErrTooLarge = errors.New("blob: content exceeds byte cap")
)

type (
	// Store is a sharded local blob store. Safe for concurrent use; writes
	// to distinct IDs never contend, and the atomic rename discipline makes
	// concurrent reads of a completing write safe.
	Store struct {
		root string
	}

	// WriteResult describes a completed write.
	WriteResult struct {
		Path   string
		SHA256 string
		Size   int64
	}
)

// NewStore opens (creating if needed) a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// shardDir returns (and creates) the shard directory for an ID. The shard
// is the first two characters of the ID, which is uniformly random.
func (s *Store) shardDir(id string) (string, error) {
	if len(id) < 2 {
		return "", fmt.Errorf("blob: id %q too short", id)
	}
	dir := filepath.Join(s.root, id[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create shard: %w", err)
	}
	return dir, nil
}

// contentPath resolves the content file for an ID by scanning the shard
// for "<id>.<ext>". The extension is caller-chosen at write time and not
// otherwise tracked here.
func (s *Store) contentPath(id string) (string, error) {
	if len(id) < 2 {
		return "", ErrNotFound
	}
	dir := filepath.Join(s.root, id[:2])
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("blob: read shard: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, id+".") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		return filepath.Join(dir, name), nil
	}
	return "", ErrNotFound
}

// Write streams r into the store under id with the given extension,
// hashing as it copies. When r yields more than maxBytes the temporary
// file is removed and ErrTooLarge is returned; nothing is left on disk.
// A maxBytes of zero means unbounded.
func (s *Store) Write(ctx context.Context, id, ext string, r io.Reader, maxBytes int64) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	dir, err := s.shardDir(id)
	if err != nil {
		return WriteResult{}, err
	}
	tmp, err := os.CreateTemp(dir, "."+id+".tmp-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	h := sha256.New()
	limit := r
	if maxBytes > 0 {
		// Read one byte past the cap so exactly-at-cap succeeds and
		// cap-plus-one fails.
		limit = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), limit)
	if err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("blob: write: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		cleanup()
		return WriteResult{}, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return WriteResult{}, fmt.Errorf("blob: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return WriteResult{}, fmt.Errorf("blob: close: %w", err)
	}

	ext = strings.TrimPrefix(ext, ".")
	final := filepath.Join(dir, id)
	if ext != "" {
		final += "." + ext
	} else {
		final += ".bin"
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return WriteResult{}, fmt.Errorf("blob: rename: %w", err)
	}
	return WriteResult{
		Path:   final,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   n,
	}, nil
}

// Open returns a reader over the stored content.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	path, err := s.contentPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	return f, nil
}

// Size returns the stored content size in bytes.
func (s *Store) Size(id string) (int64, error) {
	path, err := s.contentPath(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("blob: stat: %w", err)
	}
	return info.Size(), nil
}

// WriteMeta persists the metadata sidecar for an ID. The write is
// temp-then-rename like content writes.
func (s *Store) WriteMeta(id string, data []byte) error {
	dir, err := s.shardDir(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+id+".meta-*")
	if err != nil {
		return fmt.Errorf("blob: create meta temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob: write meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: close meta: %w", err)
	}
	final := filepath.Join(dir, id+".meta.json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: rename meta: %w", err)
	}
	return nil
}

// ReadMeta returns the metadata sidecar for an ID.
func (s *Store) ReadMeta(id string) ([]byte, error) {
	if len(id) < 2 {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, id[:2], id+".meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read meta: %w", err)
	}
	return data, nil
}

// Delete removes content and metadata for an ID. Idempotent.
func (s *Store) Delete(id string) error {
	path, err := s.contentPath(id)
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blob: delete: %w", err)
		}
	case errors.Is(err, ErrNotFound):
		// fall through to meta removal
	default:
		return err
	}
	if len(id) >= 2 {
		meta := filepath.Join(s.root, id[:2], id+".meta.json")
		if err := os.Remove(meta); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blob: delete meta: %w", err)
		}
	}
	return nil
}

// ListIDs walks the store and returns every blob ID present.
func (s *Store) ListIDs() ([]string, error) {
	var ids []string
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blob: read root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, ".meta.json") || strings.HasPrefix(name, ".") {
				continue
			}
			if i := strings.IndexByte(name, '.'); i > 0 {
				ids = append(ids, name[:i])
			}
		}
	}
	return ids, nil
}

// SweepExpired deletes blobs whose metadata reports an expiry before now.
// expiryOf extracts the expiry from a metadata sidecar; a zero time means
// the blob never expires. Returns the number of blobs removed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, expiryOf func(meta []byte) time.Time) (int, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		meta, err := s.ReadMeta(id)
		if err != nil {
			continue
		}
		exp := expiryOf(meta)
		if exp.IsZero() || exp.After(now) {
			continue
		}
		if err := s.Delete(id); err == nil {
			removed++
		}
	}
	return removed, nil
}
