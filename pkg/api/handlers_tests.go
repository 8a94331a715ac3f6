package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/artifact"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/progress"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/storage"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

// SubmitResponse acknowledges an accepted test.
type SubmitResponse struct {
	TestID string          `json:"test_id"`
	Status report.RunState `json:"status"`
}

// TestStatus is the poll response: progress while running, the Result once
// terminal.
type TestStatus struct {
	TestID   string             `json:"test_id"`
	State    report.RunState    `json:"state"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
	Result   *report.Result     `json:"result,omitempty"`
}

// TestList is the response of GET /api/v1/tests.
type TestList struct {
	Active  []progress.Snapshot     `json:"active"`
	Results []storage.ResultSummary `json:"results"`
}

// readSpecification decodes a native or legacy (step1..step10) request body.
func readSpecification(w http.ResponseWriter, r *http.Request) (testcase.Specification, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return testcase.Specification{}, bterrors.New(bterrors.ErrCodeValidation, "request body too large").
				WithUserMessage(fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes))
		}
		return testcase.Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "read request body")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return testcase.Specification{}, bterrors.New(bterrors.ErrCodeValidation, "request body is empty").
			WithUserMessage("request body is empty")
	}
	spec, err := testcase.Parse(data)
	if err != nil {
		return testcase.Specification{}, err
	}
	return spec, nil
}

func (s *Server) handleSubmitTest(w http.ResponseWriter, r *http.Request) {
	spec, err := readSpecification(w, r)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	testID, err := s.orch.Submit(r.Context(), spec)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tests/"+testID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{TestID: testID, Status: report.StateRunning})
}

// handleRunTest is the legacy synchronous endpoint: it blocks until the run
// is terminal and returns the Result.
func (s *Server) handleRunTest(w http.ResponseWriter, r *http.Request) {
	spec, err := readSpecification(w, r)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	res, err := s.orch.Execute(r.Context(), spec)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	list := TestList{
		Active:  s.orch.Tracker().Live(),
		Results: []storage.ResultSummary{},
	}
	if s.results != nil {
		filter := storage.ResultFilter{Status: r.URL.Query().Get("status")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}
		results, err := s.results.ListResults(r.Context(), filter)
		if err != nil {
			s.writeAPIError(w, r, err)
			return
		}
		if results != nil {
			list.Results = results
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	entry, err := s.orch.Poll(r.Context(), testID)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusFromEntry(testID, entry))
}

func statusFromEntry(testID string, entry progress.Entry) TestStatus {
	status := TestStatus{TestID: testID, State: entry.State()}
	if entry.Terminal() {
		status.Result = entry.Result
	} else {
		snap := entry.Snapshot
		status.Progress = &snap
	}
	return status
}

func (s *Server) handleCancelTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	if err := s.orch.Cancel(r.Context(), testID); err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"test_id": testID,
		"status":  "cancelling",
	})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 1 || step > testcase.MaxSteps {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("step must be between 1 and %d", testcase.MaxSteps))
		return
	}
	entry, err := s.orch.Poll(r.Context(), testID)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}

	var candidates []artifact.ScreenshotRef
	if entry.Terminal() {
		if ref, ok := entry.Result.ScreenshotForStep(step); ok {
			candidates = append(candidates, ref)
		}
	} else {
		// Records of a running test are not exposed; probe the keys a step
		// screenshot can have.
		for _, format := range []agent.ScreenshotFormat{agent.FormatPNG, agent.FormatJPEG, agent.FormatWebP} {
			candidates = append(candidates, artifact.ScreenshotRef{
				Key:    artifact.ScreenshotKey(testID, step, format),
				Format: format,
			})
		}
	}

	for _, ref := range candidates {
		rc, err := s.orch.Artifacts().OpenScreenshot(r.Context(), ref)
		if errors.Is(err, artifact.ErrScreenshotNotFound) {
			continue
		}
		if err != nil {
			s.writeAPIError(w, r, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "open screenshot"))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", ref.Format.ContentType())
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			s.log.Warn("screenshot write interrupted", "test_id", testID, "step", step, "error", err)
		}
		return
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("no screenshot for step %d", step))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	entry, err := s.orch.Poll(r.Context(), testID)
	if err != nil {
		s.writeAPIError(w, r, err)
		return
	}
	if !entry.Terminal() {
		writeError(w, http.StatusConflict, "test is still running")
		return
	}
	doc, err := report.Export(r.Context(), entry.Result, s.orch.Artifacts(), s.now())
	if err != nil {
		s.writeAPIError(w, r, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "export report"))
		return
	}
	data, err := doc.Marshal()
	if err != nil {
		s.writeAPIError(w, r, bterrors.Wrap(err, bterrors.ErrCodeInternal, "encode report"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(testID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
