// Package service is the coordinator for mount lifecycle operations.
//
// The service layer sits between the CLI (main.go, cmd/) and the library
// packages (pathres, status, precheck, executor, recovery):
//
//   - CLI layer: argument parsing, prompts, output formatting
//   - Service layer: resolves paths, serializes work per mount directory,
//     gates on preconditions, drives recovery and records history
//   - Library layer: one concern each, no terminal coupling
//
// Every public operation returns an op.Result (or a struct embedding one)
// and never panics. The service holds no "current build directory": each
// call names the directory it acts on.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"wimctl/config"
	"wimctl/executor"
	"wimctl/history"
	"wimctl/iso"
	"wimctl/log"
	"wimctl/op"
	"wimctl/pathres"
	"wimctl/precheck"
	"wimctl/procfind"
	"wimctl/recovery"
	"wimctl/servicing"
	"wimctl/status"
	"wimctl/util"
)

// StateSource derives mount state and diagnostics.
type StateSource interface {
	CurrentState(ctx context.Context, buildDir string) (status.Probe, error)
	Diagnostics(ctx context.Context, buildDir string, checker status.UnmountChecker, required []string) status.Diagnostics
}

// Checker produces precondition reports.
type Checker interface {
	Mount(ctx context.Context, buildDir string, image pathres.ImageFile) op.CheckReport
	Unmount(ctx context.Context, p status.Probe) op.CheckReport
	ISO(ctx context.Context, buildDir, destination string, p status.Probe) op.CheckReport
}

// Executor performs the mutating tool steps.
type Executor interface {
	Mount(ctx context.Context, image pathres.ImageFile, mountDir string) op.Result
	Unmount(ctx context.Context, mountDir string, commit bool) op.Result
	Remount(ctx context.Context, image pathres.ImageFile, mountDir string) op.Result
	Cleanup(ctx context.Context) op.Result
}

// Recoverer releases a locked mount.
type Recoverer interface {
	Recover(ctx context.Context, target recovery.Target) op.Result
}

// Packager writes the media tree to an image file.
type Packager interface {
	Package(ctx context.Context, sourceDir, imagePath, label string) error
}

// Resolver maps a build directory to its mount point and images.
// pathres.Resolver implements it.
type Resolver interface {
	MountPoint(buildDir string) string
	PrimaryImage(buildDir string) (pathres.ImageFile, error)
	ImageAt(path string) (pathres.ImageFile, error)
}

// Recorder persists operation history. *history.DB implements it.
type Recorder interface {
	SaveRecord(rec *history.OperationRecord) error
	ListFor(buildDir string, limit int) ([]history.OperationRecord, error)
	MarkMounted(mountDir, image, id string, at time.Time) error
	ClearMounted(mountDir string) error
	LastMount(mountDir string) (time.Time, bool)
}

// Dependencies are the collaborators of a Service. Only Config, Tracker,
// Checker, Executor and Recovery are required.
type Dependencies struct {
	Config   *config.Config
	Logger   log.LibraryLogger
	Tracker  StateSource
	Checker  Checker
	Executor Executor
	Recovery Recoverer
	Packager Packager
	History  Recorder
	Progress ProgressFunc
	Resolver Resolver
	Host     precheck.Host
}

// Platform holds the host-facing pieces NewWithPlatform wires the standard
// components over. Nil fields get the real implementation.
type Platform struct {
	Tool     servicing.Tool
	Finder   procfind.Finder
	Host     precheck.Host
	Remover  recovery.Remover
	Sleep    func(ctx context.Context, d time.Duration) error
	Logger   log.LibraryLogger
	History  Recorder
	Resolver Resolver
}

// Service coordinates mount lifecycle operations.
//
// Usage:
//
//	cfg, _ := config.LoadConfig("", "default")
//	svc, err := service.NewService(cfg)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	res := svc.Mount(ctx, service.MountRequest{BuildDir: `C:\pe\amd64`})
type Service struct {
	cfg      *config.Config
	logger   log.LibraryLogger
	tracker  StateSource
	checker  Checker
	exec     Executor
	recovery Recoverer
	packager Packager
	history  Recorder
	progress ProgressFunc
	resolver Resolver
	host     precheck.Host
	guard    *Guard

	// owned resources, closed by Close
	fileLogger *log.Logger
	db         *history.DB
}

// New creates a Service from explicit dependencies.
func New(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	packager := deps.Packager
	if packager == nil {
		packager = iso.NewPackager(logger)
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = pathres.Resolver{}
	}
	host := deps.Host
	if host == nil {
		host = util.Host{}
	}
	return &Service{
		cfg:      deps.Config,
		logger:   logger,
		tracker:  deps.Tracker,
		checker:  deps.Checker,
		exec:     deps.Executor,
		recovery: deps.Recovery,
		packager: packager,
		history:  deps.History,
		progress: deps.Progress,
		resolver: resolver,
		host:     host,
		guard:    NewGuard(deps.Config.ConcurrencyPolicy),
	}
}

// NewWithPlatform wires the standard components over p.
func NewWithPlatform(cfg *config.Config, p Platform) (*Service, error) {
	logger := p.Logger
	if logger == nil {
		logger = log.NoOpLogger{}
	}

	tool := p.Tool
	if tool == nil {
		var err error
		tool, err = servicing.New(cfg.Backend, servicing.Options{
			ToolPath:        cfg.ToolPath,
			ImageIndex:      cfg.ImageIndex,
			Timeout:         cfg.ToolTimeout,
			LockedExitCodes: cfg.LockedExitCodes,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
	}
	finder := p.Finder
	if finder == nil {
		finder = procfind.New(procfind.Options{Family: cfg.ProcessFamily, Logger: logger})
	}
	host := p.Host
	if host == nil {
		host = util.Host{}
	}
	remover := p.Remover
	if remover == nil {
		remover = util.ForceRemover{Attempts: cfg.RemovalAttempts, Delay: cfg.RemovalRetryDelay}
	}

	var clock status.MountClock
	if p.History != nil {
		clock = p.History
	}

	exec := executor.New(tool, logger)
	tiers := recovery.DefaultTiers(exec, finder, remover, recovery.Options{
		RetryDelay: cfg.RetryDelay,
		Sleep:      p.Sleep,
	}, logger)

	return New(Dependencies{
		Config:  cfg,
		Logger:  logger,
		Tracker: status.NewTracker(tool, clock, logger),
		Checker: precheck.New(host, finder, precheck.Options{
			FreeSpaceMultiple: cfg.FreeSpaceMultiple,
			MinimumFreeSpace:  cfg.MinimumFreeSpace,
			MediaRequired:     cfg.MediaRequired,
		}, logger),
		Executor: exec,
		Recovery: recovery.New(tiers, logger),
		Packager: iso.NewPackager(logger),
		History:  p.History,
		Resolver: p.Resolver,
		Host:     host,
	}), nil
}

// NewService opens the log files and the history database and wires the
// configured servicing backend. The caller must Close the service.
func NewService(cfg *config.Config) (*Service, error) {
	logger, err := log.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := history.OpenDB(cfg.Database.Path)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	svc, err := NewWithPlatform(cfg, Platform{Logger: logger, History: db})
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}
	svc.fileLogger = logger
	svc.db = db
	return svc, nil
}

// Close releases the log files and the database opened by NewService.
func (s *Service) Close() error {
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.fileLogger != nil {
		s.fileLogger.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("service close errors: %v", errs)
	}
	return nil
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// SetProgress installs the progress callback. It must be called before
// operations start.
func (s *Service) SetProgress(fn ProgressFunc) {
	s.progress = fn
}

// resolveBuildDir makes buildDir absolute and checks that it exists.
func resolveBuildDir(buildDir string) (string, *op.Result) {
	if buildDir == "" {
		r := op.Failed(op.KindPathResolution, "no build directory given")
		return "", &r
	}
	abs, err := filepath.Abs(buildDir)
	if err != nil {
		r := op.Failed(op.KindPathResolution, "cannot resolve %s: %v", buildDir, err)
		return "", &r
	}
	if !util.DirExists(abs) {
		r := op.Failed(op.KindPathResolution, "%v", &pathres.ResolveError{Op: "build directory", Path: abs, Err: pathres.ErrBuildDirMissing})
		return "", &r
	}
	return abs, nil
}
