// Package ingest owns the upload-to-extraction pipeline: it accepts file
// streams, persists them through the blob store, and coordinates the
// extractor registry so every uploaded file ends up with exactly one
// Extraction per content hash.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/autopicker/gateway/blob"
	"github.com/autopicker/gateway/cache"
	"github.com/autopicker/gateway/extract"
	"github.com/autopicker/gateway/security"
)

// Extraction status lifecycle. Only the extract path mutates status.
const (
	StatusPending     = "pending"
	StatusInProgress  = "in-progress"
	StatusReady       = "ready"
	StatusFailed      = "failed"
	StatusUnsupported = "unsupported"
)

// sniffLen is how many leading bytes feed MIME detection.
const sniffLen = 3072

var (
	// ErrNotFound reports an unknown or expired file ID.
	ErrNotFound = errors.New("file not found")
	// ErrTooLarge reports an upload exceeding the configured byte cap.
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrUnsupportedType reports a detected MIME outside the allow-list.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrPending reports an extraction that has not completed yet.
	ErrPending = errors.New("extraction pending")
)

type (
	// FileRecord is the immutable metadata of one uploaded file. Bytes live
	// in the blob store; only Status changes after creation.
	FileRecord struct {
		ID            string    `json:"id"`
		OriginalName  string    `json:"original_name"`
		SanitizedName string    `json:"sanitized_name"`
		DeclaredMIME  string    `json:"declared_mime"`
		DetectedMIME  string    `json:"detected_mime"`
		MIMEMismatch  bool      `json:"mime_mismatch,omitempty"`
		Size          int64     `json:"size"`
		SHA256        string    `json:"sha256"`
		Identity      string    `json:"identity"`
		UploadedAt    time.Time `json:"uploaded_at"`
		ExpiresAt     time.Time `json:"expires_at"`
		StoragePath   string    `json:"storage_path"`
		Status        string    `json:"status"`
	}

	// Options configures a Service.
	Options struct {
		MaxFileBytes int64
		AllowedMIMEs []string
		Retention    time.Duration
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Service coordinates uploads and extractions. FileRecords are held in
	// memory keyed by ID and mirrored as meta sidecars in the blob store so
	// they survive restarts. Extractions are memoized by content hash in
	// the cache and persisted under extractionsDir, so a re-upload of the
	// same bytes never re-runs an extractor.
	Service struct {
		store    *blob.Store
		registry *extract.Registry
		cache    *cache.Cache
		opts     Options
		now      func() time.Time

		extractionsDir string

		mu      sync.RWMutex
		records map[string]*FileRecord
		// reran tracks which failed file IDs were already retried this
		// process.
		reran map[string]bool

		flight singleflight.Group
	}
)

// NewService wires the pipeline together. The extractions directory is
// created beside the blob shards.
func NewService(store *blob.Store, registry *extract.Registry, c *cache.Cache, opts Options) (*Service, error) {
	dir := filepath.Join(store.Root(), "extractions")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ingest: create extractions dir: %w", err)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:          store,
		registry:       registry,
		cache:          c,
		opts:           opts,
		now:            now,
		extractionsDir: dir,
		records:        make(map[string]*FileRecord),
		reran:          make(map[string]bool),
	}, nil
}

// Load rehydrates FileRecords from meta sidecars after a restart. Records
// found mid-extraction revert to pending so they are eligible for one
// re-run.
func (s *Service) Load(ctx context.Context) error {
	ids, err := s.store.ListIDs()
	if err != nil {
		return fmt.Errorf("ingest: list blobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := s.store.ReadMeta(id)
		if err != nil {
			continue
		}
		var rec FileRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Status == StatusInProgress {
			rec.Status = StatusPending
		}
		s.records[rec.ID] = &rec
	}
	return nil
}

// Upload consumes the stream into the blob store and returns the new
// FileRecord with status pending. The stream is sniffed before any bytes
// are persisted; a disallowed MIME or an over-cap stream leaves no
// residue on disk.
func (s *Service) Upload(ctx context.Context, r io.Reader, declaredName, declaredMIME, identity string) (FileRecord, error) {
	name, err := security.SanitizeFilename(declaredName)
	if err != nil {
		return FileRecord{}, err
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileRecord{}, fmt.Errorf("ingest: read upload: %w", err)
	}
	head = head[:n]

	detected := security.DetectMIME(head)
	if !security.MIMEAllowed(detected, s.opts.AllowedMIMEs) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrUnsupportedType, detected)
	}

	id := uuid.NewString()
	res, err := s.store.Write(ctx, id, extOf(name, detected), io.MultiReader(bytes.NewReader(head), r), s.opts.MaxFileBytes)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return FileRecord{}, ErrTooLarge
		}
		return FileRecord{}, err
	}

	now := s.now().UTC()
	rec := FileRecord{
		ID:            id,
		OriginalName:  declaredName,
		SanitizedName: name,
		DeclaredMIME:  declaredMIME,
		DetectedMIME:  detected,
		MIMEMismatch:  declaredMIME != "" && !sameMIME(declaredMIME, detected),
		Size:          res.Size,
		SHA256:        res.SHA256,
		Identity:      identity,
		UploadedAt:    now,
		ExpiresAt:     now.Add(s.opts.Retention),
		StoragePath:   res.Path,
		Status:        StatusPending,
	}
	if err := s.writeMeta(&rec); err != nil {
		_ = s.store.Delete(id)
		return FileRecord{}, err
	}

	s.mu.Lock()
	s.records[id] = &rec
	s.mu.Unlock()
	return rec, nil
}

// Get returns the FileRecord for id.
func (s *Service) Get(id string) (FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

// List returns the records owned by identity, newest first.
func (s *Service) List(identity string) []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FileRecord
	for _, rec := range s.records {
		if rec.Identity == identity {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

// Delete removes the file bytes and record. Extractions are retained: they
// are keyed by content hash and may serve an identical future upload.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.store.Delete(id)
}

// Extract runs (or reuses) the extraction for id. Concurrent calls for the
// same ID coalesce; identical content that was extracted before is served
// from the memo without touching the extractor. A failed extraction is
// retried at most once per process.
func (s *Service) Extract(ctx context.Context, id string) (extract.Extraction, error) {
	v, err, _ := s.flight.Do(id, func() (any, error) {
		return s.extractOne(ctx, id)
	})
	if err != nil {
		return extract.Extraction{}, err
	}
	return v.(extract.Extraction), nil
}

func (s *Service) extractOne(ctx context.Context, id string) (extract.Extraction, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return extract.Extraction{}, ErrNotFound
	}
	switch rec.Status {
	case StatusReady, StatusUnsupported:
		s.mu.Unlock()
		return s.loadExtraction(ctx, rec)
	case StatusFailed:
		if s.reran[id] {
			s.mu.Unlock()
			return extract.Extraction{}, fmt.Errorf("extraction for %s already failed", id)
		}
		s.reran[id] = true
	}
	rec.Status = StatusInProgress
	snapshot := *rec
	s.mu.Unlock()
	_ = s.writeMeta(&snapshot)

	ex, err := s.runExtraction(ctx, &snapshot)

	s.mu.Lock()
	if cur, ok := s.records[id]; ok {
		switch {
		case err != nil:
			cur.Status = StatusFailed
		case ex.ExtractorID == "none":
			cur.Status = StatusUnsupported
		default:
			cur.Status = StatusReady
		}
		snapshot = *cur
	}
	s.mu.Unlock()
	_ = s.writeMeta(&snapshot)

	if err != nil {
		return extract.Extraction{}, err
	}
	return ex, nil
}

// runExtraction checks the content-hash memo, then dispatches to the
// registry and persists the result.
func (s *Service) runExtraction(ctx context.Context, rec *FileRecord) (extract.Extraction, error) {
	if e, ok := s.registry.ForMIME(rec.DetectedMIME); ok {
		key := extract.CacheKey(rec.SHA256, e.ID(), e.Version())
		if raw, ok := s.cache.Get(ctx, key); ok {
			var ex extract.Extraction
			if err := json.Unmarshal(raw, &ex); err == nil {
				ex.FileID = rec.ID
				return ex, nil
			}
		}
		if raw, err := os.ReadFile(s.extractionPath(rec.SHA256, e.ID())); err == nil {
			var ex extract.Extraction
			if err := json.Unmarshal(raw, &ex); err == nil {
				s.cache.Set(ctx, key, raw, s.opts.Retention)
				ex.FileID = rec.ID
				return ex, nil
			}
		}
	}

	src, err := s.store.Open(rec.ID)
	if err != nil {
		return extract.Extraction{}, err
	}
	defer src.Close()

	ex, supported, err := s.registry.Run(ctx, rec.DetectedMIME, rec.ID, src, rec.Size)
	if err != nil {
		return extract.Extraction{}, err
	}
	if supported {
		raw, err := json.Marshal(ex)
		if err == nil {
			s.cache.Set(ctx, extract.CacheKey(rec.SHA256, ex.ExtractorID, ex.ExtractorVersion), raw, s.opts.Retention)
			_ = s.persistExtraction(rec.SHA256, ex.ExtractorID, raw)
		}
	}
	return ex, nil
}

// GetExtraction is the non-blocking read: it never triggers an extractor
// run.
func (s *Service) GetExtraction(ctx context.Context, id string) (extract.Extraction, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.RUnlock()
		return extract.Extraction{}, ErrNotFound
	}
	snapshot := *rec
	s.mu.RUnlock()

	switch snapshot.Status {
	case StatusReady, StatusUnsupported:
		return s.loadExtraction(ctx, &snapshot)
	case StatusFailed:
		return extract.Extraction{}, fmt.Errorf("extraction for %s failed", id)
	default:
		return extract.Extraction{}, ErrPending
	}
}

func (s *Service) loadExtraction(ctx context.Context, rec *FileRecord) (extract.Extraction, error) {
	if rec.Status == StatusUnsupported {
		return extract.Extraction{
			FileID:           rec.ID,
			Kind:             extract.KindText,
			ExtractorID:      "none",
			ExtractorVersion: "0",
		}, nil
	}
	e, ok := s.registry.ForMIME(rec.DetectedMIME)
	if !ok {
		return extract.Extraction{}, ErrPending
	}
	key := extract.CacheKey(rec.SHA256, e.ID(), e.Version())
	raw, hit := s.cache.Get(ctx, key)
	if !hit {
		var err error
		raw, err = os.ReadFile(s.extractionPath(rec.SHA256, e.ID()))
		if err != nil {
			return extract.Extraction{}, ErrPending
		}
		s.cache.Set(ctx, key, raw, s.opts.Retention)
	}
	var ex extract.Extraction
	if err := json.Unmarshal(raw, &ex); err != nil {
		return extract.Extraction{}, fmt.Errorf("ingest: decode extraction: %w", err)
	}
	ex.FileID = rec.ID
	return ex, nil
}

// OpenBlob exposes the raw bytes of a stored file, used by providers that
// accept images inline.
func (s *Service) OpenBlob(id string) (io.ReadCloser, error) {
	s.mu.RLock()
	_, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rc, err := s.store.Open(id)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rc, err
}

// Sweep deletes files past their retention expiry. It returns the number
// removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	var expired []string
	s.mu.RLock()
	for id, rec := range s.records {
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.Delete(id); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Service) writeMeta(rec *FileRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.WriteMeta(rec.ID, raw)
}

func (s *Service) extractionPath(sha, extractorID string) string {
	return filepath.Join(s.extractionsDir, sha, extractorID+".json")
}

// persistExtraction writes via temp-then-rename so readers never see a
// partial file.
func (s *Service) persistExtraction(sha, extractorID string, raw []byte) error {
	dir := filepath.Join(s.extractionsDir, sha)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, extractorID+".json"))
}

func extOf(name, mime string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	if i := strings.IndexByte(mime, '/'); i >= 0 && i < len(mime)-1 {
		return mime[i+1:]
	}
	return "bin"
}

func sameMIME(a, b string) bool {
	trim := func(s string) string {
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[:i]
		}
		return strings.ToLower(strings.TrimSpace(s))
	}
	return trim(a) == trim(b)
}

func sortRecords(recs []FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UploadedAt.Equal(recs[j].UploadedAt) {
			return recs[i].UploadedAt.After(recs[j].UploadedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
