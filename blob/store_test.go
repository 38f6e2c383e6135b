package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	content := "hello blob store"

	res, err := s.Write(ctx, "abcd1234", "txt", strings.NewReader(content), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("size = %d", res.Size)
	}
	sum := sha256.Sum256([]byte(content))
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha = %s", res.SHA256)
	}
	if filepath.Ext(res.Path) != ".txt" {
		t.Errorf("path = %s", res.Path)
	}

	rc, err := s.Open("abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("read back %q", got)
	}
}

func TestWriteAtCapSucceeds(t *testing.T) {
	s := newStore(t)
	res, err := s.Write(context.Background(), "aa11", "bin", strings.NewReader("12345"), 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.Size != 5 {
		t.Errorf("size = %d", res.Size)
	}
}

func TestWriteOverCapLeavesNoResidue(t *testing.T) {
	s := newStore(t)
	_, err := s.Write(context.Background(), "bb22", "bin", strings.NewReader("123456"), 5)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}

	if _, err := s.Open("bb22"); !errors.Is(err, ErrNotFound) {
		t.Errorf("open after failed write: %v, want ErrNotFound", err)
	}
	// The shard directory must hold no temp leftovers.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "bb"))
	if err == nil && len(entries) != 0 {
		t.Errorf("residue left in shard: %v", entries)
	}
}

func TestMetaRoundtripAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Write(ctx, "cc33", "txt", strings.NewReader("x"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteMeta("cc33", []byte(`{"name":"a.txt"}`)); err != nil {
		t.Fatal(err)
	}
	meta, err := s.ReadMeta("cc33")
	if err != nil {
		t.Fatal(err)
	}
	if string(meta) != `{"name":"a.txt"}` {
		t.Errorf("meta = %s", meta)
	}

	if err := s.Delete("cc33"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open("cc33"); !errors.Is(err, ErrNotFound) {
		t.Errorf("content survives delete: %v", err)
	}
	if _, err := s.ReadMeta("cc33"); !errors.Is(err, ErrNotFound) {
		t.Errorf("meta survives delete: %v", err)
	}
	// Idempotent.
	if err := s.Delete("cc33"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestListIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"aa01", "ab02", "ba03"} {
		if _, err := s.Write(ctx, id, "txt", strings.NewReader(id), 0); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("ids = %v", ids)
	}
}

func TestSweepExpired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	type meta struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	write := func(id string, exp time.Time) {
		if _, err := s.Write(ctx, id, "txt", strings.NewReader(id), 0); err != nil {
			t.Fatal(err)
		}
		raw, _ := json.Marshal(meta{ExpiresAt: exp})
		if err := s.WriteMeta(id, raw); err != nil {
			t.Fatal(err)
		}
	}
	write("dd01", now.Add(-time.Hour))
	write("dd02", now.Add(time.Hour))
	write("dd03", time.Time{}) // never expires

	removed, err := s.SweepExpired(ctx, now, func(raw []byte) time.Time {
		var m meta
		_ = json.Unmarshal(raw, &m)
		return m.ExpiresAt
	})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Open("dd01"); !errors.Is(err, ErrNotFound) {
		t.Error("expired blob survives sweep")
	}
	if _, err := s.Open("dd02"); err != nil {
		t.Error("live blob removed by sweep")
	}
	if _, err := s.Open("dd03"); err != nil {
		t.Error("non-expiring blob removed by sweep")
	}
}
