package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/fs"

	"wimctl/config"
	"wimctl/history"
	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/procfind"
	"wimctl/servicing"
	"wimctl/status"
)

const gib = 1 << 30

type fakeHost struct {
	mu       sync.Mutex
	free     uint64
	elevated bool
}

func (h *fakeHost) FreeSpace(path string) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free, nil
}

func (h *fakeHost) Elevated() bool { return h.elevated }

type failingRemover struct {
	mu    sync.Mutex
	calls int
}

func (r *failingRemover) Remove(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return errors.New("access denied")
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type harness struct {
	svc    *Service
	tool   *servicing.MockTool
	finder *procfind.MockFinder
	host   *fakeHost
	db     *history.DB
	logger *log.MemoryLogger
}

type option func(*config.Config, *Platform)

func withPolicy(policy string) option {
	return func(cfg *config.Config, p *Platform) { cfg.ConcurrencyPolicy = policy }
}

func withRemover(r *failingRemover) option {
	return func(cfg *config.Config, p *Platform) { p.Remover = r }
}

func withResolver(r Resolver) option {
	return func(cfg *config.Config, p *Platform) { p.Resolver = r }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Backend = "mock"
	cfg.RetryDelay = time.Millisecond
	cfg.RemovalRetryDelay = time.Millisecond
	cfg.ConcurrencyPolicy = config.PolicyFailFast
	cfg.CleanupWorkers = 2
	cfg.Database.Path = filepath.Join(t.TempDir(), "history.db")

	db, err := history.OpenDB(cfg.Database.Path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		tool:   servicing.NewMock(),
		finder: &procfind.MockFinder{},
		host:   &fakeHost{free: 10 * gib, elevated: true},
		db:     db,
		logger: log.NewMemoryLogger(),
	}
	p := Platform{
		Tool:    h.tool,
		Finder:  h.finder,
		Host:    h.host,
		Sleep:   noSleep,
		Logger:  h.logger,
		History: db,
	}
	for _, o := range opts {
		o(cfg, &p)
	}

	h.svc, err = NewWithPlatform(cfg, p)
	if err != nil {
		t.Fatalf("NewWithPlatform: %v", err)
	}
	return h
}

// newBuildDir lays out a build directory with complete media.
func newBuildDir(t *testing.T) string {
	t.Helper()
	dir := fs.NewDir(t, "pe",
		fs.WithDir("media",
			fs.WithFile("bootmgr", "bootmgr"),
			fs.WithDir("Boot",
				fs.WithFile("BCD", "bcd"),
				fs.WithFile("etfsboot.com", "etfs")),
			fs.WithDir("sources", fs.WithFile("boot.wim", strings.Repeat("w", 8192)))),
		fs.WithDir("fwfiles", fs.WithFile("efisys.bin", "efi")),
	)
	return dir.Path()
}

func (h *harness) mount(t *testing.T, buildDir string) {
	t.Helper()
	if res := h.svc.Mount(context.Background(), MountRequest{BuildDir: buildDir}); !res.Success {
		t.Fatalf("mount: %s", res)
	}
}

func (h *harness) state(t *testing.T, buildDir string) status.State {
	t.Helper()
	p, err := h.svc.State(context.Background(), buildDir)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return p.State
}

func lockedUnmounts(n int) []servicing.MockResponse {
	out := make([]servicing.MockResponse, n)
	for i := range out {
		out[i] = servicing.MockResponse{ExitCode: servicing.MockExitLocked, Output: "Error: 0xc1420117"}
	}
	return out
}

func TestMountIntoEmptyBuildDir(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	wim := filepath.Join(build, "media", "sources", "boot.wim")
	if err := os.Truncate(wim, 2*gib); err != nil {
		t.Skipf("cannot create sparse image: %v", err)
	}

	res := h.svc.Mount(context.Background(), MountRequest{BuildDir: build})
	if !res.Success {
		t.Fatalf("mount failed: %s", res)
	}
	if res.OperationID == "" {
		t.Error("result has no operation id")
	}
	if got := h.state(t, build); got != status.Mounted {
		t.Errorf("state = %s, want Mounted", got)
	}

	calls := h.tool.Calls()
	if len(calls) != 1 || calls[0].Action != servicing.ActionMount {
		t.Fatalf("calls = %+v, want one mount", calls)
	}
	if !pathres.SamePath(calls[0].Image, wim) {
		t.Errorf("mounted %s, want %s", calls[0].Image, wim)
	}

	if _, ok := h.db.LastMount(pathres.MountPoint(build)); !ok {
		t.Error("mount time not recorded")
	}
	recs, err := h.svc.History(build, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Op != "mount" || !recs[0].Success {
		t.Errorf("history = %+v", recs)
	}
}

func TestUnmountDiscard(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)

	res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	if !res.Success {
		t.Fatalf("unmount failed: %s", res)
	}
	if res.RecoveryTiersUsed != 0 {
		t.Errorf("RecoveryTiersUsed = %d, want 0", res.RecoveryTiersUsed)
	}
	if got := h.state(t, build); got != status.Unmounted {
		t.Errorf("state = %s, want Unmounted", got)
	}
	calls := h.tool.Calls()
	last := calls[len(calls)-1]
	if last.Action != servicing.ActionUnmount || last.Commit {
		t.Errorf("last call = %+v, want discard unmount", last)
	}
	if _, ok := h.db.LastMount(pathres.MountPoint(build)); ok {
		t.Error("mount record not cleared")
	}
}

func TestUnmountCommitFlag(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)

	if res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build, Commit: true}); !res.Success {
		t.Fatalf("unmount failed: %s", res)
	}
	calls := h.tool.Calls()
	if !calls[len(calls)-1].Commit {
		t.Error("commit was not passed to the tool")
	}
}

func TestUnmountLockedRecoversWithFirstTier(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	h.tool.Script(servicing.ActionUnmount, lockedUnmounts(1)...)

	res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	if !res.Success {
		t.Fatalf("unmount failed: %s", res)
	}
	if res.RecoveryTiersUsed != 1 {
		t.Errorf("RecoveryTiersUsed = %d, want 1", res.RecoveryTiersUsed)
	}
	if got := h.state(t, build); got != status.Unmounted {
		t.Errorf("state = %s, want Unmounted", got)
	}
}

func TestUnmountRecoveryExhausted(t *testing.T) {
	remover := &failingRemover{}
	h := newHarness(t, withRemover(remover))
	build := newBuildDir(t)
	h.mount(t, build)
	h.tool.Script(servicing.ActionUnmount, lockedUnmounts(4)...)

	res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != op.KindRecoveryExhausted {
		t.Errorf("Kind = %s, want RecoveryExhausted", res.Kind)
	}
	if res.RecoveryTiersUsed != 4 {
		t.Errorf("RecoveryTiersUsed = %d, want 4", res.RecoveryTiersUsed)
	}
	if !strings.Contains(res.Message, "manual cleanup") {
		t.Errorf("message %q does not ask for manual cleanup", res.Message)
	}
	if remover.calls != 1 {
		t.Errorf("remover called %d times, want 1", remover.calls)
	}
	if got := h.tool.CallCount(servicing.ActionUnmount); got != 4 {
		t.Errorf("unmount invoked %d times, want 4", got)
	}

	recs, _ := h.svc.History(build, 1)
	if len(recs) != 1 || recs[0].Kind != "RecoveryExhausted" || recs[0].TiersUsed != 4 {
		t.Errorf("history = %+v", recs)
	}
}

func TestUnmountIdempotent(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)

	for i := 0; i < 2; i++ {
		res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
		if !res.Success {
			t.Fatalf("unmount %d: %s", i, res)
		}
	}
	if n := h.tool.CallCount(servicing.ActionUnmount); n != 0 {
		t.Errorf("tool invoked %d times for an unmounted directory", n)
	}
}

func TestUnmountRefusedWhileHeld(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	h.finder.Holders = []procfind.Process{{PID: 4242, Name: "explorer.exe"}}

	res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	if res.Kind != op.KindPreconditionFailure {
		t.Fatalf("Kind = %s, want PreconditionFailure", res.Kind)
	}
	if !strings.Contains(res.Message, "explorer.exe") {
		t.Errorf("message %q does not name the holder", res.Message)
	}
	if !strings.Contains(res.Message, "run cleanup") {
		t.Errorf("message %q does not point at cleanup", res.Message)
	}
	if n := h.tool.CallCount(servicing.ActionUnmount); n != 0 {
		t.Errorf("tool invoked %d times", n)
	}
}

func TestMountConflict(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)

	res := h.svc.Mount(context.Background(), MountRequest{BuildDir: build})
	if res.Kind != op.KindMountConflict {
		t.Fatalf("Kind = %s, want MountConflict", res.Kind)
	}
	if n := h.tool.CallCount(servicing.ActionMount); n != 1 {
		t.Errorf("mount invoked %d times, want 1", n)
	}
}

func TestMountPreconditionGate(t *testing.T) {
	h := newHarness(t)
	h.host.free = 1024
	build := newBuildDir(t)

	res := h.svc.Mount(context.Background(), MountRequest{BuildDir: build})
	if res.Kind != op.KindPreconditionFailure {
		t.Fatalf("Kind = %s, want PreconditionFailure", res.Kind)
	}
	found := false
	for _, name := range res.FailedChecks {
		if name == "free-space" {
			found = true
		}
	}
	if !found {
		t.Errorf("FailedChecks = %v, want free-space", res.FailedChecks)
	}
	if len(h.tool.Calls()) != 0 {
		t.Errorf("tool was invoked: %+v", h.tool.Calls())
	}
	if _, err := os.Stat(pathres.MountPoint(build)); !os.IsNotExist(err) {
		t.Error("mount directory was created")
	}
}

func TestMountIndeterminate(t *testing.T) {
	h := newHarness(t)
	build := fs.NewDir(t, "pe",
		fs.WithDir("media", fs.WithDir("sources", fs.WithFile("boot.wim", "wim"))),
		fs.WithDir("mount", fs.WithFile("leftover.txt", "x")),
	).Path()

	res := h.svc.Mount(context.Background(), MountRequest{BuildDir: build})
	if res.Kind != op.KindIndeterminateState {
		t.Fatalf("Kind = %s, want IndeterminateState", res.Kind)
	}
	if !strings.Contains(res.Message, "cleanup") {
		t.Errorf("message %q does not point at cleanup", res.Message)
	}
}

func TestMountExplicitImage(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	other := filepath.Join(build, "custom.wim")
	os.WriteFile(other, []byte(strings.Repeat("c", 1024)), 0644)

	res := h.svc.Mount(context.Background(), MountRequest{BuildDir: build, Image: other})
	if !res.Success {
		t.Fatalf("mount failed: %s", res)
	}
	if got := h.tool.Calls()[0].Image; !pathres.SamePath(got, other) {
		t.Errorf("mounted %s, want %s", got, other)
	}
}

func TestPathResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "nope")
	empty := t.TempDir()

	tests := []struct {
		name string
		res  op.Result
	}{
		{"mount missing dir", h.svc.Mount(ctx, MountRequest{BuildDir: missing})},
		{"mount without images", h.svc.Mount(ctx, MountRequest{BuildDir: empty})},
		{"unmount missing dir", h.svc.Unmount(ctx, UnmountRequest{BuildDir: missing})},
		{"iso missing dir", h.svc.CreateISO(ctx, ISORequest{BuildDir: missing})},
		{"empty build dir", h.svc.Mount(ctx, MountRequest{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.res.Kind != op.KindPathResolution {
				t.Errorf("Kind = %s, want PathResolutionError (%s)", tt.res.Kind, tt.res.Message)
			}
		})
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.svc.Mount(ctx, MountRequest{BuildDir: build})
	if res.Kind != op.KindCancelled {
		t.Fatalf("Kind = %s, want Cancelled", res.Kind)
	}
	if len(h.tool.Calls()) != 0 {
		t.Error("tool was invoked after cancellation")
	}
}

func TestEnsureUnmounted(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)

	res := h.svc.EnsureUnmounted(context.Background(), build)
	if !res.Success || !strings.Contains(res.Message, "ready for packaging") {
		t.Fatalf("unmounted dir: %s", res)
	}

	h.mount(t, build)
	res = h.svc.EnsureUnmounted(context.Background(), build)
	if !res.Success {
		t.Fatalf("mounted dir: %s", res)
	}
	if !strings.Contains(res.Message, "auto-unmounted") {
		t.Errorf("message %q", res.Message)
	}
	if h.tool.Calls()[1].Commit {
		t.Error("auto-unmount committed changes")
	}
}

func TestCreateISOAutoUnmounts(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	dest := filepath.Join(t.TempDir(), "winpe.iso")

	res := h.svc.CreateISO(context.Background(), ISORequest{BuildDir: build, Destination: dest, VolumeLabel: "winpe amd64"})
	if !res.Success {
		t.Fatalf("iso failed: %s", res)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("iso not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("iso is empty")
	}
	if got := h.state(t, build); got != status.Unmounted {
		t.Errorf("state = %s, want Unmounted", got)
	}
}

type countingPackager struct {
	calls int
}

func (p *countingPackager) Package(ctx context.Context, sourceDir, imagePath, label string) error {
	p.calls++
	return os.WriteFile(imagePath, []byte("iso"), 0644)
}

func TestCreateISOAbortsWhenUnmountFails(t *testing.T) {
	remover := &failingRemover{}
	h := newHarness(t, withRemover(remover))
	pkg := &countingPackager{}
	h.svc.packager = pkg
	build := newBuildDir(t)
	h.mount(t, build)
	h.tool.Script(servicing.ActionUnmount, lockedUnmounts(4)...)
	dest := filepath.Join(t.TempDir(), "winpe.iso")

	res := h.svc.CreateISO(context.Background(), ISORequest{BuildDir: build, Destination: dest})
	if res.Kind != op.KindRecoveryExhausted {
		t.Fatalf("Kind = %s, want RecoveryExhausted (%s)", res.Kind, res.Message)
	}
	if pkg.calls != 0 {
		t.Error("packager ran after a failed unmount")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("iso file was created")
	}
}

func TestCreateISOIncompleteMedia(t *testing.T) {
	h := newHarness(t)
	build := fs.NewDir(t, "pe",
		fs.WithDir("media", fs.WithDir("sources", fs.WithFile("boot.wim", "wim"))),
	).Path()

	res := h.svc.CreateISO(context.Background(), ISORequest{BuildDir: build, Destination: filepath.Join(t.TempDir(), "x.iso")})
	if res.Kind != op.KindPreconditionFailure {
		t.Fatalf("Kind = %s, want PreconditionFailure", res.Kind)
	}
	if !strings.Contains(res.Message, "bootmgr") {
		t.Errorf("message %q does not list the missing file", res.Message)
	}
}

func TestSmartCleanupOrphan(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	mountDir := pathres.MountPoint(build)
	os.MkdirAll(filepath.Join(mountDir, "Windows"), 0755)
	os.WriteFile(filepath.Join(mountDir, "Windows", "stale.txt"), []byte("x"), 0644)

	cr := h.svc.SmartCleanup(context.Background(), build)
	if !cr.Success {
		t.Fatalf("cleanup failed: %s", cr.Result)
	}
	if cr.Before != status.Indeterminate || cr.After != status.Unmounted {
		t.Errorf("Before/After = %s/%s", cr.Before, cr.After)
	}
	if _, err := os.Stat(mountDir); !os.IsNotExist(err) {
		t.Error("mount directory still present")
	}
}

func TestSmartCleanupRecoversAnyFailure(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	h.tool.Script(servicing.ActionUnmount, servicing.MockResponse{ExitCode: servicing.MockExitFailure, Output: "Error: 50"})

	cr := h.svc.SmartCleanup(context.Background(), build)
	if !cr.Success {
		t.Fatalf("cleanup failed: %s", cr.Result)
	}
	if cr.RecoveryTiersUsed == 0 {
		t.Error("recovery did not run on a non-lock failure")
	}
	if cr.After != status.Unmounted {
		t.Errorf("After = %s", cr.After)
	}
}

func TestCleanupWorkspace(t *testing.T) {
	h := newHarness(t)
	root := fs.NewDir(t, "ws",
		fs.WithDir("amd64",
			fs.WithDir("media", fs.WithDir("sources", fs.WithFile("boot.wim", "wim"))),
			fs.WithDir("mount")),
		fs.WithDir("arm64",
			fs.WithDir("media", fs.WithDir("sources", fs.WithFile("boot.wim", "wim"))),
			fs.WithDir("mount", fs.WithFile("stale.txt", "x"))),
		fs.WithDir("notes", fs.WithFile("readme.txt", "no mount here")),
	)

	ws := h.svc.CleanupWorkspace(context.Background(), root.Path())
	if len(ws.Found) != 2 {
		t.Fatalf("Found = %v, want 2 build dirs", ws.Found)
	}
	if ws.Cleaned != 2 || ws.Failed != 0 {
		for _, r := range ws.Results {
			t.Log(r.Result)
		}
		t.Errorf("Cleaned/Failed = %d/%d", ws.Cleaned, ws.Failed)
	}
}

func TestFindBuildDirsDepth(t *testing.T) {
	root := fs.NewDir(t, "ws",
		fs.WithDir("a", fs.WithDir("mount")),
		fs.WithDir("x", fs.WithDir("y", fs.WithDir("z", fs.WithDir("deep", fs.WithDir("mount"))))),
		fs.WithDir("b", fs.WithDir("mount", fs.WithDir("inner", fs.WithDir("mount")))),
	)

	dirs, err := FindBuildDirs(root.Path(), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{root.Join("a"), root.Join("b")}
	if len(dirs) != len(want) {
		t.Fatalf("dirs = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dirs[%d] = %s, want %s", i, dirs[i], want[i])
		}
	}
}

func TestProgressEvents(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	h.tool.Script(servicing.ActionUnmount, lockedUnmounts(2)...)

	ch := make(chan ProgressEvent, 64)
	h.svc.SetProgress(ChannelProgress(ch))
	res := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	if !res.Success {
		t.Fatalf("unmount failed: %s", res)
	}
	close(ch)

	var steps []string
	for ev := range ch {
		if ev.OperationID != res.OperationID {
			t.Errorf("event for operation %s, want %s", ev.OperationID, res.OperationID)
		}
		steps = append(steps, ev.Step+":"+ev.Message)
	}
	joined := strings.Join(steps, "\n")
	for _, want := range []string{"start:", "recovery:tier 1", "recovery:tier 2", "done:"} {
		if !strings.Contains(joined, want) {
			t.Errorf("no %q event in:\n%s", want, joined)
		}
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})

	recs, err := h.svc.History(build, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Op != "unmount" || recs[1].Op != "mount" {
		t.Errorf("order = %s, %s", recs[0].Op, recs[1].Op)
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg := config.Default()
	svc, err := NewWithPlatform(cfg, Platform{Tool: servicing.NewMock(), Finder: &procfind.MockFinder{}, Host: &fakeHost{free: 10 * gib, elevated: true}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.History("", 0); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("err = %v, want ErrHistoryDisabled", err)
	}
}

func TestDiagnosticsMounted(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)

	d := h.svc.Diagnostics(context.Background(), build)
	if d.Probe.State != status.Mounted {
		t.Errorf("state = %s", d.Probe.State)
	}
	if d.MountedSince == nil {
		t.Error("mount age not reported")
	}
	hasUnmount := false
	for _, o := range d.AvailableOperations {
		if o == "unmount" {
			hasUnmount = true
		}
	}
	if !hasUnmount {
		t.Errorf("AvailableOperations = %v", d.AvailableOperations)
	}
}

func TestDiagnosticsSystem(t *testing.T) {
	h := newHarness(t)
	h.host.free = 3 * gib

	d := h.svc.Diagnostics(context.Background(), newBuildDir(t))
	sys := d.System
	if sys == nil {
		t.Fatal("no system section")
	}
	if sys.OS == "" || !sys.Elevated {
		t.Errorf("system = %+v", sys)
	}
	if sys.FreeSpace != 3*gib || sys.FreeSpaceHuman == "" {
		t.Errorf("free space = %d (%q)", sys.FreeSpace, sys.FreeSpaceHuman)
	}
	if sys.Backend != "mock" {
		t.Errorf("backend = %q", sys.Backend)
	}
}

// pinnedResolver always selects one image and records the lookups.
type pinnedResolver struct {
	pathres.Resolver
	image   string
	mu      sync.Mutex
	lookups []string
}

func (r *pinnedResolver) PrimaryImage(buildDir string) (pathres.ImageFile, error) {
	r.mu.Lock()
	r.lookups = append(r.lookups, buildDir)
	r.mu.Unlock()
	return pathres.ImageAt(r.image)
}

func TestMountUsesResolver(t *testing.T) {
	build := newBuildDir(t)
	other := filepath.Join(t.TempDir(), "winre.wim")
	if err := os.WriteFile(other, []byte("wim"), 0644); err != nil {
		t.Fatal(err)
	}
	res := &pinnedResolver{image: other}
	h := newHarness(t, withResolver(res))

	h.mount(t, build)
	if len(res.lookups) != 1 || !pathres.SamePath(res.lookups[0], build) {
		t.Errorf("lookups = %v", res.lookups)
	}
	if got := h.tool.Calls()[0].Image; !pathres.SamePath(got, other) {
		t.Errorf("mounted %s, want %s", got, other)
	}
}

func TestGoDeliversResult(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)

	done := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Mount(ctx, MountRequest{BuildDir: build})
	})
	res, ok := <-done
	if !ok || !res.Success {
		t.Fatalf("result = %s", res)
	}
	if _, ok := <-done; ok {
		t.Error("channel not closed after delivery")
	}
}

func TestNewServiceWritesLogs(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "mock"
	cfg.LogsPath = t.TempDir()
	cfg.Database.Path = filepath.Join(t.TempDir(), "state", "history.db")

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.Unmount(context.Background(), UnmountRequest{BuildDir: newBuildDir(t)})
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(cfg.LogsPath)
	if err != nil || len(entries) == 0 {
		t.Fatalf("no log files written (%v)", err)
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		t.Errorf("history database missing: %v", err)
	}
}

func TestResetHistory(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "mock"
	cfg.LogsPath = t.TempDir()
	cfg.Database.Path = filepath.Join(t.TempDir(), "history.db")

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	res, err := svc.ResetHistory()
	if err != nil {
		t.Fatal(err)
	}
	if !res.DatabaseRemoved {
		t.Error("database not removed")
	}
	if _, err := svc.History("", 0); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("history still enabled: %v", err)
	}
}
