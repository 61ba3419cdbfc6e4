package service

import (
	"time"

	"wimctl/op"
	"wimctl/status"
)

// MountRequest asks for an image to be mounted into a build directory.
type MountRequest struct {
	BuildDir string
	Image    string // optional; overrides image discovery
}

// UnmountRequest asks for the build directory's mount to be detached.
type UnmountRequest struct {
	BuildDir string
	Commit   bool // save changes into the image; false discards them
}

// ISORequest asks for the media tree to be packaged.
type ISORequest struct {
	BuildDir    string
	Destination string // default: <BuildDir>/<base name>.iso
	VolumeLabel string
}

// CleanupResult is the outcome of SmartCleanup.
type CleanupResult struct {
	op.Result
	Before  status.State `json:"before"`
	After   status.State `json:"after"`
	Actions []string     `json:"actions,omitempty"`
}

// WorkspaceCleanupResult is the outcome of CleanupWorkspace.
type WorkspaceCleanupResult struct {
	Root     string          `json:"root"`
	Found    []string        `json:"found"`
	Results  []CleanupResult `json:"results"`
	Cleaned  int             `json:"cleaned"`
	Failed   int             `json:"failed"`
	Duration time.Duration   `json:"duration"`
}

// ProgressEvent reports one step of a running operation.
type ProgressEvent struct {
	OperationID string
	Op          string
	BuildDir    string
	Step        string
	Message     string
	Time        time.Time
}

// ProgressFunc receives progress events on the goroutine running the
// operation. It must not block for long.
type ProgressFunc func(ProgressEvent)

// ChannelProgress returns a ProgressFunc that forwards events to ch,
// dropping them when ch is full rather than stalling the operation.
func ChannelProgress(ch chan<- ProgressEvent) ProgressFunc {
	return func(ev ProgressEvent) {
		select {
		case ch <- ev:
		default:
		}
	}
}
