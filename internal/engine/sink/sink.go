// Package sink is the persistence boundary for engine outcomes. The engine
// writes task results and campaign summaries through the Sink interface and
// treats write failures as non-fatal: a lost record never fails a task.
package sink

import (
	"context"
	"time"
)

// TaskRecord is the persisted outcome of one task.
type TaskRecord struct {
	TaskID     string
	CampaignID string
	Type       string
	State      string
	Attempts   int
	Error      string
	Result     string
	FromCache  bool
	Duration   time.Duration
	FinishedAt time.Time
}

// CampaignSummary is the persisted aggregate for a finished campaign.
type CampaignSummary struct {
	CampaignID  string
	Name        string
	Total       int
	Succeeded   int
	Failed      int
	Blocked     int
	SuccessRate float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Sink persists engine outcomes. Implementations must be safe for concurrent
// use.
type Sink interface {
	SaveResult(ctx context.Context, rec TaskRecord) error
	SaveSummary(ctx context.Context, sum CampaignSummary) error
	Close()
}
