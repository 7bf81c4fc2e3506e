package storage

import (
	"time"
)

// Analysis row statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Job run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// AnalysisRecord is one persisted analysis, unique per (TradingDate, Ticker).
type AnalysisRecord struct {
	ID          int64
	TradingDate time.Time
	Ticker      string
	Sector      *string

	TopBrokerCode     string
	TopBrokerLots     int64
	TopBrokerAvgPrice int64

	ClosePrice     int64
	AraPrice       int64
	ArbPrice       int64
	TickSize       int64
	TotalBidLots   int64
	TotalOfferLots int64

	BoardLots          int64
	AvgBidOfferLots    int64
	AccumulationMargin int64
	PressureRatio      int64
	TargetConservative int64
	TargetMax          int64

	Status        string
	ErrorMessage  *string
	RealizedPrice *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AnalysisFilter narrows history queries. Zero values mean "any".
type AnalysisFilter struct {
	Tickers []string
	Sector  string
	From    *time.Time
	To      *time.Time
	Status  string
	Limit   int
	Offset  int
}

// JobLogEntry is one per-ticker outcome or notable event of a run.
type JobLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Ticker    string         `json:"ticker,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// JobRun is the durable record of one job execution.
type JobRun struct {
	ID           string        `json:"id"`
	JobName      string        `json:"job_name"`
	Status       string        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	TotalItems   int           `json:"total_items"`
	SuccessCount int           `json:"success_count"`
	ErrorCount   int           `json:"error_count"`
	SkippedCount int           `json:"skipped_count"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	Entries      []JobLogEntry `json:"entries,omitempty"`
}

// DateOnly truncates t to its calendar date in t's location, expressed at UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
