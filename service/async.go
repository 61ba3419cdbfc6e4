package service

import (
	"context"

	"wimctl/op"
)

// Go runs fn on its own goroutine and delivers the result on the returned
// channel, which is closed afterwards. Callers with an event loop use it so
// tool invocations and recovery waits never block the loop.
//
//	done := svc.Go(ctx, func(ctx context.Context) op.Result {
//	    return svc.Unmount(ctx, service.UnmountRequest{BuildDir: dir})
//	})
//	...
//	res := <-done
func (s *Service) Go(ctx context.Context, fn func(ctx context.Context) op.Result) <-chan op.Result {
	ch := make(chan op.Result, 1)
	go func() {
		defer close(ch)
		ch <- fn(ctx)
	}()
	return ch
}
