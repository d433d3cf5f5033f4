package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// writeTerminalRecords persists what a finished task leaves behind: the
// state snapshot, the final report, and the project history entry. The
// status is already terminal here, so failures degrade to warnings instead
// of undoing the transition.
func (c *Coordinator) writeTerminalRecords(t *task.Task) {
	c.writeStateSnapshot(t)
	if err := c.artifacts.WriteArtifact(t.ID, artifact.FinalReport, renderFinalReport(t)); err != nil {
		c.logger.Warn("final report write failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
	if err := c.repo.AppendHistory(context.Background(), c.historyEntry(t)); err != nil {
		c.logger.Warn("history append failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// writeStateSnapshot mirrors the task record into the artifact tree so the
// directory alone reconstructs the task without the repository.
func (c *Coordinator) writeStateSnapshot(t *task.Task) {
	if err := c.artifacts.WriteJSON(t.ID, artifact.StateSnapshot, t); err != nil {
		c.logger.Warn("state snapshot write failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// historyEntry condenses the finished task for the project history surface.
// Disputes count the friction on the way: consensus retries plus failed
// gates.
func (c *Coordinator) historyEntry(t *task.Task) *store.HistoryEntry {
	disputes := 0
	if events, err := c.repo.ListEvents(context.Background(), t.ID, nil); err == nil {
		for _, e := range events {
			switch e.Kind {
			case task.EventProposalConsensusRetry:
				disputes++
			case task.EventGateDecision:
				if passed, ok := e.Payload["passed"].(bool); ok && !passed {
					disputes++
				}
			}
		}
	}
	return &store.HistoryEntry{
		ID:           uuid.New().String(),
		Project:      workspace.Slug(t.WorkspacePath),
		TaskID:       t.ID,
		Title:        t.Title,
		Status:       t.Status,
		GateReason:   t.LastGateReason,
		CoreFindings: c.coreFindings(t),
		Revisions:    t.RoundsCompleted,
		Disputes:     disputes,
		NextSteps:    nextSteps(t),
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// coreFindings pulls the most useful one-paragraph record for history: the
// last implementation summary when one exists, the gate reason otherwise.
func (c *Coordinator) coreFindings(t *task.Task) string {
	if data, err := c.artifacts.ReadArtifact(t.ID, artifact.Summary); err == nil {
		if s := firstParagraph(string(data)); s != "" {
			return s
		}
	}
	return string(t.LastGateReason)
}

// firstParagraph returns the text up to the first blank line, capped.
func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 400)
}

// nextSteps suggests the operator's follow-up for each terminal outcome.
func nextSteps(t *task.Task) string {
	switch t.Status {
	case task.StatusPassed:
		if !t.Options.AutoMerge && t.Options.MaxRounds > 1 {
			return "inspect the round candidates and promote the strongest one"
		}
		return ""
	case task.StatusFailedGate:
		switch t.LastGateReason {
		case task.ReasonPreflightRiskGateFailed:
			return "fix the preflight findings and create a fresh task"
		case task.ReasonLoopNoProgress:
			return "narrow the task description or split the goal before retrying"
		}
		return "inspect the round artifacts and requeue a narrower task"
	case task.StatusFailedSystem:
		return "check provider availability, then create a fresh task"
	case task.StatusCanceled:
		if t.LastGateReason == task.ReasonDeadlineReached {
			return "extend evolve_until or promote a recorded round"
		}
		return ""
	}
	return ""
}

// renderFinalReport builds the human-facing terminal summary.
func renderFinalReport(t *task.Task) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	fmt.Fprintf(&b, "- task: `%s`\n", t.ID)
	fmt.Fprintf(&b, "- status: **%s**\n", t.Status)
	if t.LastGateReason != "" {
		fmt.Fprintf(&b, "- reason: %s\n", t.LastGateReason)
	}
	fmt.Fprintf(&b, "- rounds completed: %d\n", t.RoundsCompleted)
	if t.SandboxPath != "" {
		fmt.Fprintf(&b, "- sandbox: `%s`\n", t.SandboxPath)
	}
	if t.TerminatedAt != nil {
		fmt.Fprintf(&b, "- terminated: %s\n", t.TerminatedAt.UTC().Format(time.RFC3339))
	}
	if steps := nextSteps(t); steps != "" {
		fmt.Fprintf(&b, "\n## Next steps\n\n%s\n", steps)
	}
	return []byte(b.String())
}
