package util

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/fs"
)

func TestPopulated(t *testing.T) {
	dir := fs.NewDir(t, "util",
		fs.WithDir("empty"),
		fs.WithDir("full", fs.WithFile("a.txt", "a")),
	)
	defer dir.Remove()

	tests := []struct {
		path string
		want bool
	}{
		{dir.Join("empty"), false},
		{dir.Join("full"), true},
		{dir.Join("missing"), false},
	}
	for _, tt := range tests {
		got, err := Populated(tt.path)
		if err != nil {
			t.Errorf("Populated(%q) error: %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("Populated(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestTreeSize(t *testing.T) {
	dir := fs.NewDir(t, "util",
		fs.WithFile("a", "12345"),
		fs.WithDir("media", fs.WithFile("b", "123")),
		fs.WithDir("mount", fs.WithFile("huge", "0123456789")),
	)
	defer dir.Remove()

	size, err := TreeSize(dir.Path(), dir.Join("mount"))
	if err != nil {
		t.Fatalf("TreeSize failed: %v", err)
	}
	if size != 8 {
		t.Errorf("TreeSize = %d, want 8 (mount excluded)", size)
	}

	if _, err := TreeSize(dir.Join("missing")); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestWritable(t *testing.T) {
	dir := t.TempDir()
	if err := Writable(dir); err != nil {
		t.Errorf("Writable(%q) = %v", dir, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Writable left files behind: %v", entries)
	}
	if err := Writable(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestNearestExisting(t *testing.T) {
	dir := t.TempDir()
	if got := NearestExisting(filepath.Join(dir, "a", "b", "c.iso")); got != filepath.Clean(dir) {
		t.Errorf("NearestExisting = %q, want %q", got, dir)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Error("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep = %v", err)
	}
}

func TestForceRemover_ReadOnlyTree(t *testing.T) {
	if runtime.GOOS != "windows" && os.Geteuid() == 0 {
		t.Skip("root ignores permission bits")
	}
	root := t.TempDir()
	target := filepath.Join(root, "mount")
	sub := filepath.Join(target, "Windows")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "locked.dll"), []byte("x"), 0444); err != nil {
		t.Fatal(err)
	}
	// A read-only directory makes a plain RemoveAll fail on Unix
	if err := os.Chmod(sub, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { MakeWritable(root) })

	r := ForceRemover{Attempts: 2, Delay: time.Millisecond}
	if err := r.Remove(context.Background(), target); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if DirExists(target) {
		t.Error("target still exists")
	}
}

func TestForceRemover_Missing(t *testing.T) {
	r := ForceRemover{}
	if err := r.Remove(context.Background(), filepath.Join(t.TempDir(), "nothing")); err != nil {
		t.Errorf("removing a missing path should succeed: %v", err)
	}
}

func TestHost_FreeSpace(t *testing.T) {
	free, err := Host{}.FreeSpace(filepath.Join(t.TempDir(), "not", "yet", "created"))
	if err != nil {
		t.Fatalf("FreeSpace failed: %v", err)
	}
	if free == 0 {
		t.Error("expected some free space in the temp directory")
	}
}

func TestAskYN(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"", false, false},
		{"maybe\n", true, false},
	}
	for _, tt := range tests {
		var out strings.Builder
		if got := AskYN(strings.NewReader(tt.input), &out, "Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("AskYN(%q, default %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
		if !strings.HasPrefix(out.String(), "Continue? [") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}
