package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/odvcencio/browsertest/pkg/agent"
)

// ErrScreenshotNotFound is returned when a reference has no stored blob.
var ErrScreenshotNotFound = errors.New("screenshot not found")

// Store persists screenshot blobs. Implementations must be safe for
// concurrent use by many runs.
type Store interface {
	PutScreenshot(ctx context.Context, testID string, step int, shot agent.Screenshot) (ScreenshotRef, error)
	OpenScreenshot(ctx context.Context, ref ScreenshotRef) (io.ReadCloser, error)
	DeleteRun(ctx context.Context, testID string) error
}

// ScreenshotKey returns the storage key for a step screenshot.
func ScreenshotKey(testID string, step int, format agent.ScreenshotFormat) string {
	return fmt.Sprintf("%s/step-%02d.%s", testID, step, format.Ext())
}

func newRef(testID string, step int, shot agent.Screenshot) ScreenshotRef {
	sum := sha256.Sum256(shot.Data)
	format := shot.Format
	if format == "" {
		format = agent.FormatPNG
	}
	return ScreenshotRef{
		Key:    ScreenshotKey(testID, step, format),
		Format: format,
		Size:   int64(len(shot.Data)),
		SHA256: hex.EncodeToString(sum[:]),
	}
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	clean := path.Clean(key)
	return clean == key && !strings.HasPrefix(clean, "../") && clean != ".."
}

func validTestID(testID string) bool {
	return testID != "" && !strings.ContainsAny(testID, `/\`) && testID != "." && testID != ".."
}
