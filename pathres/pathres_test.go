package pathres

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"gotest.tools/v3/fs"
)

func TestMountPoint(t *testing.T) {
	build := filepath.Join("work", "pe")
	want := filepath.Join("work", "pe", "mount")

	for i := 0; i < 3; i++ {
		if got := MountPoint(build); got != want {
			t.Fatalf("MountPoint(%q) = %q, want %q", build, got, want)
		}
	}
	if MountPoint(build+string(filepath.Separator)) != want {
		t.Error("trailing separator should not change the mount point")
	}
}

func TestDiscoverImages_Ranking(t *testing.T) {
	dir := fs.NewDir(t, "build",
		fs.WithDir("media",
			fs.WithDir("sources",
				fs.WithFile("boot.wim", "boot"),
				fs.WithFile("install.wim", "install"),
			),
		),
		fs.WithFile("winpe.wim", "winpe"),
		fs.WithFile("alpha.wim", "alpha"),
		fs.WithFile("notes.txt", "ignored"),
	)
	defer dir.Remove()

	images, err := DiscoverImages(dir.Path())
	if err != nil {
		t.Fatalf("DiscoverImages failed: %v", err)
	}

	var names []string
	for _, img := range images {
		names = append(names, img.Name)
	}
	want := []string{"boot.wim", "winpe.wim", "alpha.wim", "install.wim"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
	if images[0].Kind != KindBoot || images[1].Kind != KindWinPE || images[2].Kind != KindOther {
		t.Errorf("unexpected kinds: %v %v %v", images[0].Kind, images[1].Kind, images[2].Kind)
	}
	if images[0].Size != int64(len("boot")) {
		t.Errorf("boot.wim size = %d", images[0].Size)
	}
}

func TestDiscoverImages_CaseInsensitiveNames(t *testing.T) {
	dir := fs.NewDir(t, "build",
		fs.WithFile("other.wim", "o"),
		fs.WithFile("BOOT.WIM", "b"),
	)
	defer dir.Remove()

	primary, err := PrimaryImage(dir.Path())
	if err != nil {
		t.Fatalf("PrimaryImage failed: %v", err)
	}
	if primary.Name != "BOOT.WIM" || primary.Kind != KindBoot {
		t.Errorf("primary = %+v, want BOOT.WIM ranked as boot", primary)
	}
}

func TestDiscoverImages_SkipsMountDir(t *testing.T) {
	dir := fs.NewDir(t, "build",
		fs.WithDir("mount", fs.WithFile("boot.wim", "inside the mounted image")),
		fs.WithFile("winpe.wim", "w"),
	)
	defer dir.Remove()

	images, err := DiscoverImages(dir.Path())
	if err != nil {
		t.Fatalf("DiscoverImages failed: %v", err)
	}
	if len(images) != 1 || images[0].Name != "winpe.wim" {
		t.Errorf("expected only winpe.wim, got %+v", images)
	}
}

func TestDiscoverImages_SkipsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on Windows")
	}
	dir := fs.NewDir(t, "build", fs.WithFile("real.wim", "r"))
	defer dir.Remove()

	if err := os.Symlink(dir.Join("real.wim"), dir.Join("boot.wim")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	images, err := DiscoverImages(dir.Path())
	if err != nil {
		t.Fatalf("DiscoverImages failed: %v", err)
	}
	if len(images) != 1 || images[0].Name != "real.wim" {
		t.Errorf("expected only real.wim, got %+v", images)
	}
}

func TestDiscoverImages_Errors(t *testing.T) {
	empty := fs.NewDir(t, "build", fs.WithFile("readme.txt", "x"))
	defer empty.Remove()

	_, err := DiscoverImages(empty.Path())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("empty tree: got %v, want ErrNotFound", err)
	}
	var re *ResolveError
	if !errors.As(err, &re) || re.Op != "discover" {
		t.Errorf("expected *ResolveError from discover, got %T", err)
	}

	_, err = PrimaryImage(empty.Path())
	if !errors.Is(err, ErrNoImageFound) {
		t.Errorf("PrimaryImage: got %v, want ErrNoImageFound", err)
	}

	_, err = DiscoverImages(filepath.Join(empty.Path(), "missing"))
	if !errors.Is(err, ErrBuildDirMissing) {
		t.Errorf("missing dir: got %v, want ErrBuildDirMissing", err)
	}
}

func TestDiscoverImages_Rescans(t *testing.T) {
	dir := fs.NewDir(t, "build", fs.WithFile("other.wim", "o"))
	defer dir.Remove()

	first, err := PrimaryImage(dir.Path())
	if err != nil || first.Name != "other.wim" {
		t.Fatalf("first scan: %+v, %v", first, err)
	}

	if err := os.WriteFile(dir.Join("boot.wim"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	second, err := PrimaryImage(dir.Path())
	if err != nil || second.Name != "boot.wim" {
		t.Errorf("second scan should see boot.wim, got %+v, %v", second, err)
	}
}

func TestImageAt(t *testing.T) {
	dir := fs.NewDir(t, "build", fs.WithFile("custom.wim", "12345"))
	defer dir.Remove()

	img, err := ImageAt(dir.Join("custom.wim"))
	if err != nil {
		t.Fatalf("ImageAt failed: %v", err)
	}
	if img.Size != 5 || img.Kind != KindOther {
		t.Errorf("unexpected image: %+v", img)
	}

	if _, err := ImageAt(dir.Join("missing.wim")); err == nil {
		t.Error("expected error for missing image")
	}
	if _, err := ImageAt(dir.Path()); err == nil {
		t.Error("expected error for a directory")
	}
}

func TestWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator)+"build", "mount")
	tests := []struct {
		path string
		want bool
	}{
		{root, true},
		{filepath.Join(root, "Windows", "System32"), true},
		{filepath.Join(string(filepath.Separator)+"build", "mount2"), false},
		{filepath.Join(string(filepath.Separator)+"build", "media"), false},
		{filepath.Join(root, "..mirror"), true},
	}
	for _, tt := range tests {
		if got := Within(tt.path, root); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.path, root, got, tt.want)
		}
	}
}
