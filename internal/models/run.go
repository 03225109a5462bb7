package models

import "time"

// RunOutcome is the terminal state of a reconciliation run.
type RunOutcome string

const (
	OutcomeSuccess        RunOutcome = "success"
	OutcomePartialFailure RunOutcome = "partial_failure"
	OutcomeAborted        RunOutcome = "aborted"
)

// RunSummary is the structured result of one reconciliation run.
type RunSummary struct {
	RunID             string        `json:"run_id"`
	Mode              SelectionMode `json:"mode"`
	Outcome           RunOutcome    `json:"outcome"`
	AbortReason       string        `json:"abort_reason,omitempty"`
	Selected          int           `json:"selected"`
	Updated           int           `json:"updated"`
	PermanentlyFailed int           `json:"permanently_failed"`
	StillRetryable    int           `json:"still_retryable"`
	Deferred          int           `json:"deferred"`
	Errors            []string      `json:"errors"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

// RefreshResult is returned by synchronous single-order refreshes.
type RefreshResult struct {
	OrderID int64  `json:"order_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  Status `json:"status,omitempty"`
}

// BackfillSummary reports a legacy payload migration.
type BackfillSummary struct {
	Scanned  int      `json:"scanned"`
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// StatusSummary is the read-only overview used by the CLI and HTTP status endpoints.
type StatusSummary struct {
	Records         int64            `json:"records"`
	ByStatus        map[Status]int64 `json:"by_status"`
	UnfetchedOrders int              `json:"unfetched_orders"`
}
