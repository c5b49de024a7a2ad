package models

import "time"

// AccountSummary counts outcomes for one account within a run.
type AccountSummary struct {
	Fetched     int `json:"fetched"`
	Enqueued    int `json:"enqueued"`
	Processed   int `json:"processed"`
	Replied     int `json:"replied"`
	Escalated   int `json:"escalated"`
	Archived    int `json:"archived"`
	Failed      int `json:"failed"`
	FetchErrors int `json:"fetch_errors"`
}

// RunSummary is the structured per-run report handed to callers for
// logging or alerting.
type RunSummary struct {
	RunID      string                     `json:"run_id"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Accounts   map[string]*AccountSummary `json:"accounts"`
	Totals     AccountSummary             `json:"totals"`
}

// NewRunSummary creates an empty summary for the given run.
func NewRunSummary(runID string, startedAt time.Time) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		StartedAt: startedAt,
		Accounts:  make(map[string]*AccountSummary),
	}
}

// Account returns the summary bucket for an account, creating it on
// first use.
func (s *RunSummary) Account(name string) *AccountSummary {
	acc, ok := s.Accounts[name]
	if !ok {
		acc = &AccountSummary{}
		s.Accounts[name] = acc
	}
	return acc
}

// Finish stamps the end time and recomputes the totals.
func (s *RunSummary) Finish(at time.Time) {
	s.FinishedAt = at
	s.Totals = AccountSummary{}
	for _, acc := range s.Accounts {
		s.Totals.Fetched += acc.Fetched
		s.Totals.Enqueued += acc.Enqueued
		s.Totals.Processed += acc.Processed
		s.Totals.Replied += acc.Replied
		s.Totals.Escalated += acc.Escalated
		s.Totals.Archived += acc.Archived
		s.Totals.Failed += acc.Failed
		s.Totals.FetchErrors += acc.FetchErrors
	}
}
