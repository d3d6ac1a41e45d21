package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSystemStore_Put(t *testing.T) {
	ctx := context.Background()

	t.Run("saves file to disk", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		data := bytes.NewReader([]byte("test content"))
		if err := store.Put(ctx, "transfers/abc/1-a.txt", data, 12); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		content, err := os.ReadFile(filepath.Join(dir, "transfers", "abc", "1-a.txt"))
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		if err := store.Put(ctx, "large", strings.NewReader(largeContent), int64(len(largeContent))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(filepath.Join(dir, "large"))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Size() != int64(len(largeContent)) {
			t.Errorf("expected %d bytes, got %d", len(largeContent), info.Size())
		}
	})

	t.Run("short write leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if err := store.Put(ctx, "short", strings.NewReader("abc"), 10); err == nil {
			t.Fatal("expected error for short write")
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected empty directory, found %d entries", len(entries))
		}
	})

	t.Run("keeps escaping keys inside the root", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(filepath.Join(dir, "root"))

		if err := store.Put(ctx, "../../etc/passwd", strings.NewReader("x"), 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "root", "etc", "passwd")); err != nil {
			t.Errorf("expected file inside root: %v", err)
		}
	})
}

func TestFileSystemStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("returns stored content", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		if err := store.Put(ctx, "k", strings.NewReader("data"), 4); err != nil {
			t.Fatalf("put: %v", err)
		}

		rc, err := store.Get(ctx, "k")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer rc.Close()
		got, _ := io.ReadAll(rc)
		if string(got) != "data" {
			t.Errorf("expected 'data', got %q", got)
		}
	})

	t.Run("returns ErrObjectNotFound for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		_, err := store.Get(ctx, "nonexistent")
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
	})
}

func TestFileSystemStore_GetPath(t *testing.T) {
	t.Run("returns path for existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		filePath := filepath.Join(dir, "test123")
		os.WriteFile(filePath, []byte("data"), 0644)

		path, err := store.GetPath("test123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path != filePath {
			t.Errorf("expected %s, got %s", filePath, path)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		_, err := store.GetPath("nonexistent")
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
	})
}

func TestFileSystemStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)
		if err := store.Put(ctx, "transfers/u1/1-a.txt", strings.NewReader("data"), 4); err != nil {
			t.Fatalf("put: %v", err)
		}

		if err := store.Delete(ctx, "transfers/u1/1-a.txt"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if ok, _ := store.Exists(ctx, "transfers/u1/1-a.txt"); ok {
			t.Error("expected file to be deleted")
		}
		if _, err := os.Stat(filepath.Join(dir, "transfers", "u1")); !os.IsNotExist(err) {
			t.Error("expected empty transfer directory to be removed")
		}
	})

	t.Run("no error for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.Delete(ctx, "nonexistent"); err != nil {
			t.Errorf("expected no error for missing file, got: %v", err)
		}
	})
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
		store := NewFileSystemStore(dir)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
