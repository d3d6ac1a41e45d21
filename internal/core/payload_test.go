package core

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPayload(t *testing.T) {
	root := setupNestedTestDir(t, map[string]interface{}{
		"a.txt": "aaaa",
		"b": map[string]interface{}{
			"c.txt": "cc",
		},
	})
	tree, err := BuildFiletree([]ParsedPath{
		{FullPath: filepath.Join(root, "a.txt"), Kind: PathFile},
		{FullPath: filepath.Join(root, "b"), Kind: PathDir},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := NewPayload(tree)
	if len(p.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(p.Items))
	}
	if p.Items[0].Name != "a.txt" || p.Items[1].Name != "b/c.txt" {
		t.Errorf("unexpected names %q, %q", p.Items[0].Name, p.Items[1].Name)
	}
	if p.Items[1].Path != filepath.Join(root, "b", "c.txt") {
		t.Errorf("unexpected path %s", p.Items[1].Path)
	}
	if p.TotalSize() != 6 {
		t.Errorf("expected total 6, got %d", p.TotalSize())
	}
	if p.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestNewBundlePayload(t *testing.T) {
	root := setupNestedTestDir(t, map[string]interface{}{
		"d": map[string]interface{}{
			"one.txt": "1",
			"two.txt": "22",
		},
	})
	tree, err := BuildFiletree([]ParsedPath{{FullPath: filepath.Join(root, "d"), Kind: PathDir}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, cleanup, err := NewBundlePayload(tree, t.TempDir())
	if err != nil {
		t.Fatalf("NewBundlePayload failed: %v", err)
	}
	if len(p.Items) != 1 {
		t.Fatalf("expected a single item, got %d", len(p.Items))
	}
	item := p.Items[0]
	if !strings.HasPrefix(item.Name, "upload_") || !strings.HasSuffix(item.Name, ".zip") {
		t.Errorf("unexpected bundle name %s", item.Name)
	}

	info, err := os.Stat(item.Path)
	if err != nil {
		t.Fatalf("bundle missing: %v", err)
	}
	if info.Size() != item.Size {
		t.Errorf("expected size %d, got %d", info.Size(), item.Size)
	}
	zr, err := zip.OpenReader(item.Path)
	if err != nil {
		t.Fatalf("invalid archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Errorf("expected 2 entries, got %d", len(zr.File))
	}
	zr.Close()

	cleanup()
	if _, err := os.Stat(item.Path); !os.IsNotExist(err) {
		t.Errorf("expected bundle removed, got %v", err)
	}
}
