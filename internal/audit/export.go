package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrNoExportDir is returned by ExportToFile when no directory was configured.
var ErrNoExportDir = errors.New("audit: export directory not configured")

const exportTimeLayout = "20060102_150405"

// WriteEntries writes one export line per entry.
func WriteEntries(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.Line() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ExportFileName returns the timestamped file name used for exports.
func (t *Trail) ExportFileName() string {
	return "audit_log_" + t.now().Format(exportTimeLayout) + ".txt"
}

// ExportToFile writes every current entry to a timestamped file in the
// export directory and returns its path. Failures are logged and returned;
// they never affect the trail itself.
func (t *Trail) ExportToFile() (string, error) {
	if t.dir == "" {
		return "", ErrNoExportDir
	}
	path, err := t.exportTo(t.dir)
	if err != nil {
		if t.log != nil {
			t.log.Error("audit: export failed", zap.String("dir", t.dir), zap.Error(err))
		}
		return "", err
	}
	if t.log != nil {
		t.log.Info("audit: exported", zap.String("path", path))
	}
	return path, nil
}

func (t *Trail) exportTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("audit: create export dir: %w", err)
	}
	path := filepath.Join(dir, t.ExportFileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("audit: open export file: %w", err)
	}

	// Entries copies under the lock, so appends continue while writing.
	if err := WriteEntries(f, t.Entries()); err != nil {
		f.Close()
		return "", fmt.Errorf("audit: write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("audit: close export: %w", err)
	}
	return path, nil
}
