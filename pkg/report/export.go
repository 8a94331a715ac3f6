package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/artifact"
)

// Document is the downloadable report: the Result with screenshots inlined
// as base64 strings in step order.
type Document struct {
	Result
	Screenshots       []string                 `json:"screenshots"`
	ScreenshotFormats []agent.ScreenshotFormat `json:"screenshot_formats"`
	ExportedAt        time.Time                `json:"exported_at"`
}

// Export loads every referenced screenshot and builds a Document.
func Export(ctx context.Context, res *Result, store artifact.Store, now time.Time) (*Document, error) {
	doc := &Document{
		Result:            *res,
		Screenshots:       make([]string, 0, len(res.Screenshots)),
		ScreenshotFormats: make([]agent.ScreenshotFormat, 0, len(res.Screenshots)),
		ExportedAt:        now.UTC(),
	}
	for _, ref := range res.Screenshots {
		encoded, err := encodeScreenshot(ctx, store, ref)
		if err != nil {
			return nil, err
		}
		doc.Screenshots = append(doc.Screenshots, encoded)
		doc.ScreenshotFormats = append(doc.ScreenshotFormats, ref.Format)
	}
	return doc, nil
}

func encodeScreenshot(ctx context.Context, store artifact.Store, ref artifact.ScreenshotRef) (string, error) {
	rc, err := store.OpenScreenshot(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", ref.Key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ref.Key, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Marshal renders the document as indented JSON.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Filename is the suggested download name.
func Filename(testID string) string {
	if testID == "" {
		testID = "unknown"
	}
	return "test_results_" + testID + ".json"
}
