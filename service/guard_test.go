package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"wimctl/config"
	"wimctl/op"
	"wimctl/servicing"
)

func TestGuardFailFast(t *testing.T) {
	g := NewGuard(config.PolicyFailFast)
	ctx := context.Background()

	release, err := g.Acquire(ctx, "/pe/mount")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Busy("/pe/mount") {
		t.Error("Busy = false while held")
	}
	if _, err := g.Acquire(ctx, "/pe/mount"); err != ErrInProgress {
		t.Errorf("second acquire err = %v, want ErrInProgress", err)
	}

	other, err := g.Acquire(ctx, "/other/mount")
	if err != nil {
		t.Errorf("different directory refused: %v", err)
	} else {
		other()
	}

	release()
	release()
	if g.Busy("/pe/mount") {
		t.Error("Busy = true after release")
	}
	if len(g.slots) != 0 {
		t.Errorf("%d slots left after release", len(g.slots))
	}
}

func TestGuardWait(t *testing.T) {
	g := NewGuard(config.PolicyWait)
	release, err := g.Acquire(context.Background(), "/pe/mount")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := g.Acquire(context.Background(), "/pe/mount")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second caller did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never acquired")
	}
}

func TestGuardWaitCancelled(t *testing.T) {
	g := NewGuard(config.PolicyWait)
	release, _ := g.Acquire(context.Background(), "/pe/mount")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, "/pe/mount"); err == nil {
		t.Fatal("acquire succeeded while held")
	}
}

// blockFirstUnmount parks the first unmount invocation until the returned
// release func is called.
func blockFirstUnmount(tool *servicing.MockTool) (entered <-chan struct{}, release func()) {
	in := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	tool.OnCall(func(c servicing.MockCall) {
		if c.Action != servicing.ActionUnmount {
			return
		}
		once.Do(func() {
			close(in)
			<-unblock
		})
	})
	return in, func() { close(unblock) }
}

func TestConcurrentUnmountFailFast(t *testing.T) {
	h := newHarness(t, withPolicy(config.PolicyFailFast))
	build := newBuildDir(t)
	h.mount(t, build)
	entered, release := blockFirstUnmount(h.tool)

	first := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Unmount(ctx, UnmountRequest{BuildDir: build})
	})
	<-entered

	second := h.svc.Unmount(context.Background(), UnmountRequest{BuildDir: build})
	release()
	res := <-first

	if second.Kind != op.KindOperationInProgress {
		t.Errorf("second Kind = %s, want OperationInProgress", second.Kind)
	}
	if !res.Success {
		t.Errorf("first unmount failed: %s", res)
	}
	if n := h.tool.CallCount(servicing.ActionUnmount); n != 1 {
		t.Errorf("unmount invoked %d times, want 1", n)
	}
}

func TestConcurrentUnmountWait(t *testing.T) {
	h := newHarness(t, withPolicy(config.PolicyWait))
	build := newBuildDir(t)
	h.mount(t, build)
	entered, release := blockFirstUnmount(h.tool)

	first := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Unmount(ctx, UnmountRequest{BuildDir: build})
	})
	<-entered
	second := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Unmount(ctx, UnmountRequest{BuildDir: build})
	})

	select {
	case r := <-second:
		t.Fatalf("second unmount finished while the first held the guard: %s", r)
	case <-time.After(50 * time.Millisecond):
	}
	release()

	if r := <-first; !r.Success {
		t.Errorf("first: %s", r)
	}
	r := <-second
	if !r.Success {
		t.Errorf("second: %s", r)
	}
	if n := h.tool.CallCount(servicing.ActionUnmount); n != 1 {
		t.Errorf("unmount invoked %d times, want 1", n)
	}
}

func TestWaitPolicyCancelledWhileQueued(t *testing.T) {
	h := newHarness(t, withPolicy(config.PolicyWait))
	build := newBuildDir(t)
	h.mount(t, build)
	entered, release := blockFirstUnmount(h.tool)

	done := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Unmount(ctx, UnmountRequest{BuildDir: build})
	})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := h.svc.Mount(ctx, MountRequest{BuildDir: build})
	release()
	<-done
	if r.Kind != op.KindCancelled {
		t.Errorf("Kind = %s, want Cancelled", r.Kind)
	}
}

func TestDiagnosticsReportsBusy(t *testing.T) {
	h := newHarness(t)
	build := newBuildDir(t)
	h.mount(t, build)
	entered, release := blockFirstUnmount(h.tool)

	done := h.svc.Go(context.Background(), func(ctx context.Context) op.Result {
		return h.svc.Unmount(ctx, UnmountRequest{BuildDir: build})
	})
	<-entered
	d := h.svc.Diagnostics(context.Background(), build)
	release()
	<-done

	found := false
	for _, r := range d.Recommendations {
		if r == "An operation is currently running on this build directory" {
			found = true
		}
	}
	if !found {
		t.Errorf("Recommendations = %v", d.Recommendations)
	}
}
