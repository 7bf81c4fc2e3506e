package job

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"watchlist-analyzer/internal/alerting"
	"watchlist-analyzer/internal/storage"
)

// Outcome of one ticker in a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// TickerResult is the per-ticker outcome of a run.
type TickerResult struct {
	Ticker             string  `json:"ticker"`
	Outcome            Outcome `json:"outcome"`
	Error              string  `json:"error,omitempty"`
	Broker             string  `json:"broker,omitempty"`
	ClosePrice         int64   `json:"close_price,omitempty"`
	TargetConservative int64   `json:"target_conservative,omitempty"`
	TargetMax          int64   `json:"target_max,omitempty"`
	Backfilled         bool    `json:"backfilled,omitempty"`
}

// Summary aggregates one run. It lives only as long as the run's response;
// the durable trace is the job run log.
type Summary struct {
	RunID       string         `json:"run_id"`
	JobName     string         `json:"job_name"`
	TradingDate time.Time      `json:"trading_date"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Processed   int            `json:"processed"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Results     []TickerResult `json:"results,omitempty"`
}

func (s *Summary) tally() {
	s.Processed, s.Succeeded, s.Failed, s.Skipped = 0, 0, 0, 0
	for _, r := range s.Results {
		switch r.Outcome {
		case OutcomeSuccess:
			s.Succeeded++
			s.Processed++
		case OutcomeError:
			s.Failed++
			s.Processed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
}

func failed(ticker string, err error) TickerResult {
	return TickerResult{Ticker: ticker, Outcome: OutcomeError, Error: err.Error()}
}

func skipped(ticker, reason string) TickerResult {
	return TickerResult{Ticker: ticker, Outcome: OutcomeSkipped, Error: reason}
}

// recordStart opens the job run log. Failures are logged only.
func (j *Job) recordStart(ctx context.Context, s Summary, logger zerolog.Logger) {
	if j.deps.Runs == nil {
		return
	}
	run := storage.JobRun{
		ID:        s.RunID,
		JobName:   s.JobName,
		Status:    storage.RunRunning,
		StartedAt: s.StartedAt,
	}
	if err := j.deps.Runs.CreateJobRun(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to create job run log")
	}
}

// recordFinish closes the job run log with counters and per-ticker entries.
func (j *Job) recordFinish(ctx context.Context, s Summary, runErr error, logger zerolog.Logger) {
	if j.deps.Runs == nil {
		return
	}
	finished := s.FinishedAt
	run := storage.JobRun{
		ID:           s.RunID,
		JobName:      s.JobName,
		Status:       storage.RunCompleted,
		StartedAt:    s.StartedAt,
		CompletedAt:  &finished,
		TotalItems:   len(s.Results),
		SuccessCount: s.Succeeded,
		ErrorCount:   s.Failed,
		SkippedCount: s.Skipped,
		Entries:      logEntries(s),
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Status = storage.RunFailed
		run.ErrorMessage = &msg
	}

	// The run context may already be past its deadline.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := j.deps.Runs.FinishJobRun(writeCtx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to finish job run log")
	}
}

func logEntries(s Summary) []storage.JobLogEntry {
	entries := make([]storage.JobLogEntry, 0, len(s.Results))
	for _, r := range s.Results {
		entry := storage.JobLogEntry{
			Timestamp: s.FinishedAt,
			Ticker:    r.Ticker,
		}
		switch r.Outcome {
		case OutcomeSuccess:
			entry.Level = "info"
			entry.Message = "analysed"
			entry.Details = map[string]any{
				"broker":              r.Broker,
				"close_price":         r.ClosePrice,
				"target_conservative": r.TargetConservative,
				"target_max":          r.TargetMax,
				"backfilled":          r.Backfilled,
			}
		case OutcomeError:
			entry.Level = "error"
			entry.Message = r.Error
		case OutcomeSkipped:
			entry.Level = "warn"
			entry.Message = r.Error
		}
		entries = append(entries, entry)
	}
	return entries
}

func (j *Job) notify(ctx context.Context, s Summary, runErr error, logger zerolog.Logger) {
	if j.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		JobName:     s.JobName,
		RunID:       s.RunID,
		TradingDate: s.TradingDate,
		Processed:   s.Processed,
		Succeeded:   s.Succeeded,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		Elapsed:     s.FinishedAt.Sub(s.StartedAt),
	}
	if runErr != nil {
		note.Fatal = runErr.Error()
	}
	for _, r := range s.Results {
		if r.Outcome == OutcomeError {
			note.Failures = append(note.Failures, alerting.Failure{Ticker: r.Ticker, Reason: r.Error})
		}
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := j.deps.Notifier.Notify(sendCtx, note); err != nil {
		logger.Warn().Err(err).Msg("failed to send run summary")
	}
}
