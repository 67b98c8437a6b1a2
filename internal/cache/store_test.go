package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerationPutAndMatch(t *testing.T) {
	storage := newTestStorage(t)
	gen, err := storage.Open(context.Background(), "yapishu-v2")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}

	storedAt := time.Now().Add(-time.Hour).UTC()
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	snap := Snapshot{Key: "/index.html", Status: http.StatusOK, Header: header, Body: []byte("<html>"), StoredAt: storedAt}
	if err := gen.Put(context.Background(), snap); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := gen.Match(context.Background(), "/index.html")
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "<html>" {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("header mismatch: %v", got.Header)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
	}
	if !got.OK() {
		t.Fatalf("expected ok snapshot")
	}
}

func TestGenerationMatchMissing(t *testing.T) {
	storage := newTestStorage(t)
	gen, err := storage.Open(context.Background(), "yapishu-v2")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if _, err := gen.Match(context.Background(), "/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerationPutReplacesWholeEntry(t *testing.T) {
	storage := newTestStorage(t)
	gen, _ := storage.Open(context.Background(), "yapishu-v2")

	first := Snapshot{Key: "/main.js", Status: http.StatusOK, Header: http.Header{"X-Old": {"1"}}, Body: []byte("v1")}
	second := Snapshot{Key: "/main.js", Status: http.StatusOK, Body: []byte("v2")}
	if err := gen.Put(context.Background(), first); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := gen.Put(context.Background(), second); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := gen.Match(context.Background(), "/main.js")
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "v2" || got.Header.Get("X-Old") != "" {
		t.Fatalf("expected full replacement, got body=%s header=%v", got.Body, got.Header)
	}
	if n, _ := gen.Len(context.Background()); n != 1 {
		t.Fatalf("expected single entry, got %d", n)
	}
}

func TestGenerationDeleteEntry(t *testing.T) {
	storage := newTestStorage(t)
	gen, _ := storage.Open(context.Background(), "yapishu-v2")
	if err := gen.Put(context.Background(), Snapshot{Key: "/db.js", Status: http.StatusOK}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := gen.Delete(context.Background(), "/db.js"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := gen.Match(context.Background(), "/db.js"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := gen.Delete(context.Background(), "/db.js"); err != nil {
		t.Fatalf("deleting a missing entry should succeed, got %v", err)
	}
}

func TestStorageLookupAndDelete(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if _, err := storage.Lookup(ctx, "yapishu-v2"); !errors.Is(err, ErrGenerationNotFound) {
		t.Fatalf("expected ErrGenerationNotFound, got %v", err)
	}
	if _, err := storage.Open(ctx, "yapishu-v2"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if ok, _ := storage.Has(ctx, "yapishu-v2"); !ok {
		t.Fatalf("expected generation to exist")
	}
	deleted, err := storage.Delete(ctx, "yapishu-v2")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, deleted=%v err=%v", deleted, err)
	}
	if ok, _ := storage.Has(ctx, "yapishu-v2"); ok {
		t.Fatalf("expected generation to be gone")
	}
	deleted, err = storage.Delete(ctx, "yapishu-v2")
	if err != nil || deleted {
		t.Fatalf("second delete should report false, deleted=%v err=%v", deleted, err)
	}
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	storage := newTestStorage(t)
	for _, name := range []string{"", ".", "..", ".hidden", "a/b", `a\b`} {
		if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestStorageLeavesNoTempFilesOnDisk(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("storage init error: %v", err)
	}
	gen, _ := storage.Open(context.Background(), "yapishu-v2")
	for i := 0; i < 5; i++ {
		if err := gen.Put(context.Background(), Snapshot{Key: "/style.js", Status: http.StatusOK, Body: []byte("x")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	temps, _ := filepath.Glob(filepath.Join(dir, generationsDir, "*", ".entry-*"))
	if len(temps) != 0 {
		t.Fatalf("temporary entry files should be renamed away, found %v", temps)
	}
	pointers, _ := filepath.Glob(filepath.Join(dir, namesDir, ".ptr-*"))
	if len(pointers) != 0 {
		t.Fatalf("temporary pointer files should be renamed away, found %v", pointers)
	}
	if _, err := os.Stat(filepath.Join(dir, namesDir, "yapishu-v2")); err != nil {
		t.Fatalf("expected pointer file on disk: %v", err)
	}
}

// newTestStorage returns a Storage backed by a temporary directory.
func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}
