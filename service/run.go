package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wimctl/history"
	"wimctl/log"
	"wimctl/op"
)

// run is the bookkeeping for one operation invocation.
type run struct {
	s        *Service
	id       string
	op       string
	buildDir string
	start    time.Time
	logger   log.LibraryLogger
	record   history.OperationRecord
}

func (s *Service) begin(opName, buildDir string) *run {
	id := uuid.NewString()
	logger := s.logger
	if s.fileLogger != nil {
		logger = s.fileLogger.WithContext(log.LogContext{OperationID: id, Op: opName, BuildDir: buildDir})
	}
	r := &run{
		s:        s,
		id:       id,
		op:       opName,
		buildDir: buildDir,
		start:    time.Now(),
		logger:   logger,
	}
	r.step("start", "%s %s", opName, buildDir)
	return r
}

// step logs and reports progress.
func (r *run) step(step, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Debug("%s: %s", step, msg)
	if r.s.progress != nil {
		r.s.progress(ProgressEvent{
			OperationID: r.id,
			Op:          r.op,
			BuildDir:    r.buildDir,
			Step:        step,
			Message:     msg,
			Time:        time.Now(),
		})
	}
}

// finish stamps res, logs the outcome and records it in history.
// Operations that never reached a build directory are not recorded.
func (r *run) finish(res op.Result) op.Result {
	res.OperationID = r.id
	res.Duration = time.Since(r.start)

	if r.s.fileLogger != nil {
		r.s.fileLogger.Result(log.LogContext{OperationID: r.id, Op: r.op, BuildDir: r.buildDir}, res.Success, res.String())
	}
	if res.Success {
		r.logger.Info("%s", res.String())
	} else {
		r.logger.Error("%s", res.String())
	}
	for _, w := range res.Warnings {
		r.logger.Warn("%s", w)
	}
	r.step("done", "%s", res.String())

	if r.s.history != nil && r.buildDir != "" {
		rec := r.record
		rec.ID = r.id
		rec.Op = r.op
		rec.BuildDir = r.buildDir
		rec.Success = res.Success
		if !res.Success {
			rec.Kind = res.Kind.String()
		}
		rec.TiersUsed = res.RecoveryTiersUsed
		rec.ExitCode = res.ExitCode
		rec.Message = res.Message
		rec.StartTime = r.start
		rec.EndTime = time.Now()
		if err := r.s.history.SaveRecord(&rec); err != nil {
			r.logger.Warn("could not record operation history: %v", err)
		}
	}
	return res
}

// acquire takes the per-mount-dir guard, converting a refusal into a result.
func (r *run) acquire(ctx context.Context, mountDir string) (func(), *op.Result) {
	release, err := r.s.guard.Acquire(ctx, mountDir)
	if err == nil {
		return release, nil
	}
	var res op.Result
	if err == ErrInProgress {
		res = op.Failed(op.KindOperationInProgress, "another operation is in progress on %s", mountDir)
	} else {
		res = op.Failed(op.KindCancelled, "gave up waiting for %s: %v", mountDir, err)
	}
	return nil, &res
}
