package service

import (
	"errors"
	"fmt"
	"os"

	"wimctl/history"
)

// ErrHistoryDisabled is returned when the service has no history store.
var ErrHistoryDisabled = errors.New("operation history is not enabled")

// DatabaseResult contains the results of a database operation.
type DatabaseResult struct {
	DatabaseRemoved bool     // Whether the database was removed
	FilesRemoved    []string // List of files that were removed
}

// History returns the operation records for buildDir, newest first. An
// empty buildDir lists every directory.
func (s *Service) History(buildDir string, limit int) ([]history.OperationRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	if buildDir != "" {
		buildDir = absPath(buildDir)
	}
	return s.history.ListFor(buildDir, limit)
}

// ResetHistory closes and removes the history database opened by
// NewService. History is disabled for the rest of the service's life.
//
// The caller is responsible for confirming the operation with the user.
func (s *Service) ResetHistory() (*DatabaseResult, error) {
	result := &DatabaseResult{}
	dbPath := s.cfg.Database.Path

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database before reset: %w", err)
		}
		s.db = nil
		s.history = nil
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return result, nil
	}
	if err := os.Remove(dbPath); err != nil {
		return nil, fmt.Errorf("failed to remove database: %w", err)
	}

	result.DatabaseRemoved = true
	result.FilesRemoved = append(result.FilesRemoved, dbPath)
	s.logger.Info("History database removed: %s", dbPath)
	return result, nil
}
