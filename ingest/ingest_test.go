package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/autopicker/gateway/blob"
	"github.com/autopicker/gateway/cache"
	"github.com/autopicker/gateway/extract"
)

var testAllowed = []string{"text/plain", "text/csv", "application/json", "image/png"}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	store, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = 1 << 20
	}
	if opts.AllowedMIMEs == nil {
		opts.AllowedMIMEs = testAllowed
	}
	if opts.Retention == 0 {
		opts.Retention = time.Hour
	}
	reg := extract.NewRegistry(1<<20, extract.TextExtractor{}, extract.CSVExtractor{}, extract.JSONExtractor{})
	svc, err := NewService(store, reg, cache.New(1<<20, time.Minute), opts)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestUploadAndGet(t *testing.T) {
	s := newService(t, Options{})
	ctx := context.Background()

	rec, err := s.Upload(ctx, strings.NewReader("hello upload"), "notes.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %s", rec.Status)
	}
	if rec.DetectedMIME != "text/plain; charset=utf-8" {
		t.Errorf("detected = %s", rec.DetectedMIME)
	}
	if rec.Size != int64(len("hello upload")) {
		t.Errorf("size = %d", rec.Size)
	}
	if rec.SHA256 == "" || rec.ID == "" {
		t.Errorf("record = %+v", rec)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.Identity != "alice" {
		t.Errorf("got = %+v", got)
	}
}

func TestUploadDisallowedType(t *testing.T) {
	s := newService(t, Options{})
	// ZIP magic bytes sniff as application/zip, which is not allowed.
	_, err := s.Upload(context.Background(), strings.NewReader("PK\x03\x04rest-of-zip"), "a.zip", "application/zip", "alice")
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestUploadOverCap(t *testing.T) {
	s := newService(t, Options{MaxFileBytes: 10})
	_, err := s.Upload(context.Background(), strings.NewReader("0123456789-overflow"), "big.txt", "text/plain", "alice")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestUploadMIMEMismatch(t *testing.T) {
	s := newService(t, Options{})
	rec, err := s.Upload(context.Background(), strings.NewReader("plain text"), "doc.csv", "application/json", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.MIMEMismatch {
		t.Error("declared json vs detected text must flag a mismatch")
	}
}

func TestExtractLifecycle(t *testing.T) {
	s := newService(t, Options{})
	ctx := context.Background()

	rec, err := s.Upload(ctx, strings.NewReader("extract me"), "a.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}

	// Non-blocking read before extraction reports pending.
	if _, err := s.GetExtraction(ctx, rec.ID); !errors.Is(err, ErrPending) {
		t.Fatalf("pre-extraction err = %v, want ErrPending", err)
	}

	ex, err := s.Extract(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Text != "extract me" || ex.ExtractorID != "text" || ex.FileID != rec.ID {
		t.Errorf("extraction = %+v", ex)
	}

	got, _ := s.Get(rec.ID)
	if got.Status != StatusReady {
		t.Errorf("status = %s, want ready", got.Status)
	}

	// The non-blocking read now serves the memoized result.
	ex2, err := s.GetExtraction(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ex2.Text != ex.Text {
		t.Errorf("reread = %+v", ex2)
	}
}

func TestExtractMemoizedByContentHash(t *testing.T) {
	s := newService(t, Options{})
	ctx := context.Background()

	r1, err := s.Upload(ctx, strings.NewReader("same bytes"), "one.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Extract(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}

	// Re-upload identical content under a different name and identity.
	r2, err := s.Upload(ctx, strings.NewReader("same bytes"), "two.txt", "text/plain", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if r1.SHA256 != r2.SHA256 {
		t.Fatal("identical content must hash identically")
	}
	ex, err := s.Extract(ctx, r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ex.FileID != r2.ID {
		t.Errorf("memoized extraction must be re-keyed to the new file: %s", ex.FileID)
	}
	if ex.Text != "same bytes" {
		t.Errorf("text = %q", ex.Text)
	}
}

func TestDeleteRetainsExtraction(t *testing.T) {
	s := newService(t, Options{})
	ctx := context.Background()

	r1, err := s.Upload(ctx, strings.NewReader("retained"), "a.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Extract(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(r1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(r1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record survives delete: %v", err)
	}

	// Identical re-upload reuses the retained extraction artifact.
	r2, err := s.Upload(ctx, strings.NewReader("retained"), "b.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	ex, err := s.Extract(ctx, r2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Text != "retained" {
		t.Errorf("text = %q", ex.Text)
	}
}

func TestListOwnership(t *testing.T) {
	base := time.Now()
	clock := base
	s := newService(t, Options{Clock: func() time.Time { return clock }})
	ctx := context.Background()

	if _, err := s.Upload(ctx, strings.NewReader("a"), "a.txt", "text/plain", "alice"); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(time.Second)
	newer, err := s.Upload(ctx, strings.NewReader("b"), "b.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upload(ctx, strings.NewReader("c"), "c.txt", "text/plain", "bob"); err != nil {
		t.Fatal(err)
	}

	got := s.List("alice")
	if len(got) != 2 {
		t.Fatalf("list = %d records", len(got))
	}
	if got[0].ID != newer.ID {
		t.Error("list must order newest first")
	}
	if len(s.List("nobody")) != 0 {
		t.Error("unknown identity sees files")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	base := time.Now()
	clock := base
	s := newService(t, Options{Retention: time.Hour, Clock: func() time.Time { return clock }})
	ctx := context.Background()

	rec, err := s.Upload(ctx, strings.NewReader("ephemeral"), "a.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}

	clock = base.Add(30 * time.Minute)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("early sweep removed %d", n)
	}

	clock = base.Add(2 * time.Hour)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if _, err := s.Get(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Error("expired record survives sweep")
	}
}

func TestLoadRehydratesRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	reg := extract.NewRegistry(1<<20, extract.TextExtractor{})
	mk := func() *Service {
		svc, err := NewService(store, reg, cache.New(1<<20, time.Minute), Options{
			MaxFileBytes: 1 << 20, AllowedMIMEs: testAllowed, Retention: time.Hour,
		})
		if err != nil {
			t.Fatal(err)
		}
		return svc
	}

	s1 := mk()
	ctx := context.Background()
	rec, err := s1.Upload(ctx, strings.NewReader("persisted"), "a.txt", "text/plain", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Extract(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}

	// A second service over the same store sees the record and the ready
	// extraction without re-running anything.
	s2 := mk()
	if err := s2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReady {
		t.Errorf("rehydrated status = %s", got.Status)
	}
	ex, err := s2.GetExtraction(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ex.Text != "persisted" {
		t.Errorf("text = %q", ex.Text)
	}
}

func TestExtOf(t *testing.T) {
	cases := []struct {
		name, mime, want string
	}{
		{"a.txt", "text/plain", "txt"},
		{"noext", "text/plain", "plain"},
		{"noext", "", "bin"},
		{"a.tar.gz", "application/gzip", "gz"},
	}
	for _, c := range cases {
		if got := extOf(c.name, c.mime); got != c.want {
			t.Errorf("extOf(%q, %q) = %q, want %q", c.name, c.mime, got, c.want)
		}
	}
}
