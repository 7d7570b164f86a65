package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadIfExists returns the file contents and true, or nil and false when
// the file does not exist.
func ReadIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// WriteFile replaces path with data.
//
// Implementation details:
//   - Ensures parent directory exists (0755).
//   - Writes to a temp file in the same directory, syncs, then renames,
//     so readers never observe a half-written feed.
//   - Final permissions are 0644; the feed is meant to be served.
func WriteFile(path string, data []byte) error {
	if path == "" {
		return errors.New("store: path is empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
