package models

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a collection run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerScheduler RunTrigger = "scheduler"
	TriggerAPI       RunTrigger = "api"
	TriggerCLI       RunTrigger = "cli"
)

// DeriveStatus maps run counters to a final status.
// aborted marks a run that stopped before every account was attempted.
func DeriveStatus(processed, failed int, aborted bool) RunStatus {
	switch {
	case aborted && processed == 0:
		return RunFailed
	case failed == 0 && !aborted:
		return RunSuccess
	case processed > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// CollectionRun is the persisted record of one orchestrator pass.
type CollectionRun struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	Status         RunStatus  `json:"status"`
	Processed      int        `json:"processed"`
	Failed         int        `json:"failed"`
	ErrorSummary   string     `json:"error_summary,omitempty"`
	PlatformFilter string     `json:"platform_filter,omitempty"`
	Trigger        RunTrigger `json:"trigger"`
}

// AccountResult describes the outcome of one account attempt.
type AccountResult struct {
	AccountID  string `json:"account_id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Line renders a failure for the run error summary.
func (r AccountResult) Line() string {
	return r.Platform + ":" + r.ExternalID + " — " + r.Message
}

// RunSummary is returned to whoever triggered a run.
type RunSummary struct {
	RunID          string          `json:"run_id"`
	Status         RunStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Processed      int             `json:"processed"`
	Failed         int             `json:"failed"`
	SuccessDetails []AccountResult `json:"success_details"`
	ErrorDetails   []AccountResult `json:"error_details"`
}

// ErrorLines joins error details one per line.
func (s *RunSummary) ErrorLines() string {
	lines := make([]string, 0, len(s.ErrorDetails))
	for _, d := range s.ErrorDetails {
		lines = append(lines, d.Line())
	}
	return strings.Join(lines, "\n")
}
