package transfer

import (
	"crypto/sha256"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// fileDescriptor is a snapshot of the file being transferred. Any change to
// path, size or modification time produces a different identity key, which
// invalidates resumption: the changed file is treated as a new one.
type fileDescriptor struct {
	path    string
	size    int64
	modTime time.Time
}

func (t *Transfer) describeFile(path string) (fileDescriptor, error) {
	absPath, err := t.pathModifier.AbsPath(path)
	if err != nil {
		return fileDescriptor{}, fmt.Errorf("failed to parse path %s: %w", path, err)
	}

	exists, err := t.pathChecker.IsPathExists(absPath)
	if err != nil {
		return fileDescriptor{}, fmt.Errorf("failed to check path %s: %w", absPath, err)
	}
	if !exists {
		return fileDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidFile, absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fileDescriptor{}, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() <= 0 {
		return fileDescriptor{}, fmt.Errorf("%w: %s", ErrInvalidFile, absPath)
	}

	return fileDescriptor{
		path:    absPath,
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// identityKey derives the resume store key for the file snapshot.
func (d fileDescriptor) identityKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", d.path, d.size, d.modTime.UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (d fileDescriptor) filename() string {
	return filepath.Base(d.path)
}

func (d fileDescriptor) contentType() string {
	if contentType := mime.TypeByExtension(filepath.Ext(d.path)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
