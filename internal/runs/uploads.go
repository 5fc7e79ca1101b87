package runs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// uploadExtensions are the script types accepted for upload.
var uploadExtensions = map[string]bool{
	".py":   true,
	".sh":   true,
	".bash": true,
	".pl":   true,
}

// SaveUpload stores an uploaded script under the scripts directory with a
// unique name that keeps the original extension, and returns its path. The
// file is removed at Shutdown once a run has been started from it.
func (m *Manager) SaveUpload(name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !uploadExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, name)
	}

	if err := os.MkdirAll(m.cfg.ScriptsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scripts directory: %w", err)
	}

	path := filepath.Join(m.cfg.ScriptsDir, uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return path, nil
}
