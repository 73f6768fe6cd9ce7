package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxNameAttempts = 1000

// CreateUnique creates a new file in dir named filename, or "name (n).ext" when
// that name is taken. Creation is exclusive, so concurrent callers never share a path.
func CreateUnique(dir, filename string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create directory: %w", err)
	}
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	candidate := filename
	for idx := 1; idx <= maxNameAttempts; idx++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create file: %w", err)
		}
		candidate = fmt.Sprintf("%s (%d)%s", base, idx, ext)
	}
	candidate = fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create file: %w", err)
	}
	return f, candidate, nil
}
