//go:build !linux && !freebsd && !dragonfly && !netbsd && !windows

package procfind

import "context"

type unsupportedFinder struct{}

// New returns the finder for this platform.
func New(opts Options) Finder {
	return unsupportedFinder{}
}

func (unsupportedFinder) ProcessesHolding(ctx context.Context, path string) ([]Process, error) {
	return nil, ErrUnsupported
}

func (unsupportedFinder) Terminate(ctx context.Context, p Process) error {
	return ErrUnsupported
}
