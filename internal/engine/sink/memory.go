package sink

import (
	"context"
	"sync"
)

// MemorySink keeps everything in memory. Used in tests and when no database
// is configured.
type MemorySink struct {
	mu        sync.Mutex
	results   []TaskRecord
	summaries []CampaignSummary
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) SaveResult(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, rec)
	return nil
}

func (m *MemorySink) SaveSummary(_ context.Context, sum CampaignSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, sum)
	return nil
}

func (m *MemorySink) Close() {}

// Results returns a copy of the saved task records.
func (m *MemorySink) Results() []TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskRecord(nil), m.results...)
}

// Summaries returns a copy of the saved campaign summaries.
func (m *MemorySink) Summaries() []CampaignSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CampaignSummary(nil), m.summaries...)
}
