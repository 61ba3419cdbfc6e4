// Package iso writes a build directory's media tree into an ISO9660 image.
// It produces a plain data image; no El Torito boot catalog is written.
package iso

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"wimctl/log"
)

// DefaultVolumeLabel is used when no label is given.
const DefaultVolumeLabel = "WINPE"

// Packager writes ISO images.
type Packager struct {
	logger log.LibraryLogger
}

// NewPackager creates a Packager. logger may be nil.
func NewPackager(logger log.LibraryLogger) *Packager {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Packager{logger: logger}
}

// Package stages sourceDir and writes it to imagePath. The image is written
// to a temporary file next to imagePath and renamed into place, so a failed
// or cancelled run never leaves a truncated image behind.
func (p *Packager) Package(ctx context.Context, sourceDir, imagePath, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	label = SanitizeVolumeLabel(label)

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	p.logger.Debug("staging %s for %s", sourceDir, imagePath)
	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	tmp := imagePath + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, label); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize iso: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, imagePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize iso: %w", err)
	}

	p.logger.Info("wrote %s (volume %s)", imagePath, label)
	return nil
}

// SanitizeVolumeLabel upper-cases label and replaces characters outside
// A-Z, 0-9 with '_', truncated to 32 characters.
func SanitizeVolumeLabel(label string) string {
	const maxLen = 32

	label = strings.TrimSpace(label)
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	if b.Len() == 0 {
		return DefaultVolumeLabel
	}
	return b.String()
}
