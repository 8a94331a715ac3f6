package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/odvcencio/browsertest/pkg/agent"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// FileStore writes screenshots under <dir>/<test_id>/step-NN.<ext>.
type FileStore struct {
	dir string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// PutScreenshot writes the image atomically.
func (s *FileStore) PutScreenshot(ctx context.Context, testID string, step int, shot agent.Screenshot) (ScreenshotRef, error) {
	if err := ctx.Err(); err != nil {
		return ScreenshotRef{}, err
	}
	if !validTestID(testID) {
		return ScreenshotRef{}, fmt.Errorf("invalid test id %q", testID)
	}
	ref := newRef(testID, step, shot)
	target := filepath.Join(s.dir, filepath.FromSlash(ref.Key))
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return ScreenshotRef{}, fmt.Errorf("create run dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".step-*")
	if err != nil {
		return ScreenshotRef{}, fmt.Errorf("create temp screenshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(shot.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ScreenshotRef{}, fmt.Errorf("write screenshot: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ScreenshotRef{}, fmt.Errorf("chmod screenshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ScreenshotRef{}, fmt.Errorf("close screenshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return ScreenshotRef{}, fmt.Errorf("commit screenshot: %w", err)
	}
	return ref, nil
}

// OpenScreenshot opens the stored file for streaming.
func (s *FileStore) OpenScreenshot(ctx context.Context, ref ScreenshotRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validKey(ref.Key) {
		return nil, fmt.Errorf("%w: invalid key %q", ErrScreenshotNotFound, ref.Key)
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(ref.Key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScreenshotNotFound, ref.Key)
		}
		return nil, fmt.Errorf("open screenshot: %w", err)
	}
	return f, nil
}

// DeleteRun removes the run directory.
func (s *FileStore) DeleteRun(ctx context.Context, testID string) error {
	if !validTestID(testID) {
		return fmt.Errorf("invalid test id %q", testID)
	}
	return os.RemoveAll(filepath.Join(s.dir, testID))
}
