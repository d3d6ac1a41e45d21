package service

import (
	"strings"
	"testing"
)

// --- Token generation ---

func TestGenerateSecureToken(t *testing.T) {
	t.Run("generates correct length", func(t *testing.T) {
		for _, length := range []int{8, 12, 24, 32} {
			token, err := generateSecureToken(length)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(token) != length {
				t.Errorf("expected length %d, got %d", length, len(token))
			}
		}
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			token, err := generateSecureToken(16)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if seen[token] {
				t.Fatalf("duplicate token generated: %s", token)
			}
			seen[token] = true
		}
	})

	t.Run("only contains URL-safe characters", func(t *testing.T) {
		token, err := generateSecureToken(100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
		for _, c := range token {
			if !strings.ContainsRune(charset, c) {
				t.Errorf("token contains invalid character: %c", c)
			}
		}
	})
}

// --- Filename sanitization ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "file.zip", "file.zip"},
		{"strips directory", "/path/to/file.zip", "file.zip"},
		{"strips windows path", "C:\\Users\\test\\file.zip", "file.zip"},
		{"empty name", "", "file"},
		{"dot name", ".", "file"},
		{"parent dir", "..", "file"},
		{"replaces slashes", "a/b/c.zip", "c.zip"},
		{"drops control characters", "re\x00port\n.pdf", "report.pdf"},
		{"trims spaces", "  notes.txt ", "notes.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}

	t.Run("limits length and keeps extension", func(t *testing.T) {
		result := sanitizeFilename(strings.Repeat("a", 300) + ".tar.gz")
		if len(result) != 255 {
			t.Errorf("expected length 255, got %d", len(result))
		}
		if !strings.HasSuffix(result, ".gz") {
			t.Errorf("expected extension to be kept, got %q", result[len(result)-10:])
		}
	})
}

func TestArchiveName(t *testing.T) {
	seen := make(map[string]bool)
	got := []string{
		archiveName("a.txt", seen),
		archiveName("a.txt", seen),
		archiveName("a.txt", seen),
		archiveName("b", seen),
		archiveName("b", seen),
	}
	want := []string{"a.txt", "a (1).txt", "a (2).txt", "b", "b (1)"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("archiveName #%d = %q, want %q", i, got[i], want[i])
		}
	}
}
