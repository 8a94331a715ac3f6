package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/report"
)

const (
	// timeLayout is fixed width so text order is time order.
	timeLayout       = "2006-01-02T15:04:05.000000000Z"
	defaultListLimit = 50
	maxListLimit     = 500
	busyRetries      = 3
)

// ResultSummary is the list view of a stored result.
type ResultSummary struct {
	TestID               string    `json:"test_id"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	Status               string    `json:"status"`
	RunState             string    `json:"run_state"`
	VerdictSignal        string    `json:"verdict_signal"`
	Confidence           float64   `json:"confidence"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	Status string
	Limit  int
}

// SaveResult stores a terminal result. Saving the same test id twice keeps
// the first result.
func (s *Store) SaveResult(ctx context.Context, res *report.Result) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if res == nil || strings.TrimSpace(res.TestID) == "" {
		return bterrors.New(bterrors.ErrCodeStorageWrite, "result with test id is required")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "encode result").WithContext("test_id", res.TestID)
	}

	const query = `
		INSERT INTO results (test_id, title, url, status, run_state, verdict_signal, confidence,
			started_at, ended_at, execution_time_seconds, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO NOTHING`

	for attempt := 0; ; attempt++ {
		_, err = s.db.ExecContext(ctx, query,
			res.TestID, res.Title, res.URL, string(res.Status), string(res.RunState), string(res.VerdictSignal),
			res.Confidence, formatTime(res.StartedAt), formatTime(res.EndedAt),
			res.ExecutionTimeSeconds, string(payload),
		)
		if err == nil {
			return nil
		}
		if !isBusyError(err) || attempt >= busyRetries {
			break
		}
		select {
		case <-ctx.Done():
			return bterrors.Wrap(ctx.Err(), bterrors.ErrCodeStorageWrite, "save result").WithContext("test_id", res.TestID)
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "save result").
		WithContext("test_id", res.TestID).
		WithRetryable(isBusyError(err))
}

// GetResult loads a stored result.
func (s *Store) GetResult(ctx context.Context, testID string) (*report.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE test_id = ?`, testID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bterrors.New(bterrors.ErrCodeNotFound, "result not found").WithContext("test_id", testID)
	}
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "load result").WithContext("test_id", testID)
	}
	var res report.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "decode result").WithContext("test_id", testID)
	}
	return &res, nil
}

// ListResults returns the most recent results first.
func (s *Store) ListResults(ctx context.Context, filter ResultFilter) ([]ResultSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT test_id, title, url, status, run_state, verdict_signal, confidence,
		started_at, ended_at, execution_time_seconds FROM results`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY ended_at DESC, test_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "list results")
	}
	defer rows.Close()

	var out []ResultSummary
	for rows.Next() {
		var (
			sum            ResultSummary
			started, ended string
		)
		if err := rows.Scan(&sum.TestID, &sum.Title, &sum.URL, &sum.Status, &sum.RunState, &sum.VerdictSignal,
			&sum.Confidence, &started, &ended, &sum.ExecutionTimeSeconds); err != nil {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "scan result")
		}
		sum.StartedAt = parseTime(started)
		sum.EndedAt = parseTime(ended)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageRead, "iterate results")
	}
	return out, nil
}

// DeleteResultsBefore removes results that ended before cutoff and returns
// their test ids.
func (s *Store) DeleteResultsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `DELETE FROM results WHERE ended_at < ? RETURNING test_id`, formatTime(cutoff))
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "delete results")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "scan deleted result")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeStorageWrite, "delete results")
	}
	return ids, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts RFC3339 text written before the fixed-width layout.
func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
