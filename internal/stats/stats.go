// Package stats computes the read-only dashboard surfaces: fleet-wide
// aggregates, the failure taxonomy with reviewer-drift analytics, policy
// template recommendations, and the per-task GitHub summary digest. All of
// it derives from the task repository, the event timelines, and the
// artifact tree; nothing here mutates state.
package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
)

// DefaultWindow is the recent-activity window used when the caller does not
// supply one.
const DefaultWindow = 24 * time.Hour

// Collector aggregates over the repository and artifact tree.
type Collector struct {
	repo      store.Repository
	artifacts *artifact.Store
	logger    *zap.Logger
}

// New creates a collector.
func New(repo store.Repository, artifacts *artifact.Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{repo: repo, artifacts: artifacts, logger: logger}
}

// Aggregates is the GET /api/stats payload.
type Aggregates struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	TotalTasks     int            `json:"total_tasks"`
	StatusCounts   map[string]int `json:"status_counts"`
	ReasonCounts   map[string]int `json:"reason_counts,omitempty"`
	ProviderErrors map[string]int `json:"provider_errors,omitempty"`
	Recent         WindowStats    `json:"recent"`
}

// WindowStats are rates over the recent window.
type WindowStats struct {
	Window    string  `json:"window"`
	Created   int     `json:"created"`
	Finished  int     `json:"finished"`
	Passed    int     `json:"passed"`
	PassRate  float64 `json:"pass_rate"`
	AvgRounds float64 `json:"avg_rounds"`
}

// Aggregates computes status counts, terminal reason buckets, provider error
// counts, and recent-window rates. window <= 0 selects the default.
func (c *Collector) Aggregates(ctx context.Context, window time.Duration) (*Aggregates, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	tasks, err := c.repo.ListTasks(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-window)
	agg := &Aggregates{
		GeneratedAt:    now,
		TotalTasks:     len(tasks),
		StatusCounts:   make(map[string]int),
		ReasonCounts:   make(map[string]int),
		ProviderErrors: make(map[string]int),
		Recent:         WindowStats{Window: window.String()},
	}

	var finishedRounds int
	for _, t := range tasks {
		agg.StatusCounts[string(t.Status)]++
		if t.Status.IsTerminal() && t.LastGateReason != "" {
			agg.ReasonCounts[string(t.LastGateReason)]++
		}
		if t.CreatedAt.After(cutoff) {
			agg.Recent.Created++
		}
		if t.TerminatedAt != nil && t.TerminatedAt.After(cutoff) {
			agg.Recent.Finished++
			finishedRounds += t.RoundsCompleted
			if t.Status == task.StatusPassed {
				agg.Recent.Passed++
			}
		}

		events, err := c.repo.ListEvents(ctx, t.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list events for %s: %w", t.ID, err)
		}
		for i := range events {
			if provider, ok := outageProvider(&events[i]); ok {
				agg.ProviderErrors[provider]++
			}
		}
	}

	if agg.Recent.Finished > 0 {
		agg.Recent.PassRate = float64(agg.Recent.Passed) / float64(agg.Recent.Finished)
		agg.Recent.AvgRounds = float64(finishedRounds) / float64(agg.Recent.Finished)
	}
	return agg, nil
}

// outageProvider extracts the provider behind a reviewer-outage event.
func outageProvider(e *task.Event) (string, bool) {
	switch e.Kind {
	case task.EventReviewError, task.EventProposalPrecheckUnavailable, task.EventProposalReviewUnavailable:
	default:
		return "", false
	}
	p, err := task.ParseParticipant(e.ParticipantID)
	if err != nil {
		return "", false
	}
	return p.Provider, true
}
