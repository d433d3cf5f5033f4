package promote

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/evidence"
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// Mode distinguishes the two write-back paths in summaries.
type Mode string

const (
	ModeAutoMerge    Mode = "auto_merge"
	ModePromoteRound Mode = "promote_round"
)

// Summary records one promotion attempt, successful or refused. It is
// persisted as the auto-merge or promote-round summary artifact.
type Summary struct {
	TaskID       string            `json:"task_id"`
	Mode         Mode              `json:"mode"`
	Round        int               `json:"round"`
	Source       string            `json:"source,omitempty"` // Sandbox or snapshot; empty for in-place merges
	Target       string            `json:"target"`
	InPlace      bool              `json:"in_place,omitempty"`
	Evidence     evidence.Decision `json:"evidence"`
	Guard        Decision          `json:"guard"`
	FilesWritten []string          `json:"files_written,omitempty"`
	FilesSame    int               `json:"files_unchanged,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Ok reports whether both guards passed and the write-back ran.
func (s *Summary) Ok() bool {
	return s.Evidence.Passed && s.Guard.Allowed
}

// FailureReason returns the gate reason behind a refused promotion, evidence
// failures first. Empty when the promotion succeeded.
func (s *Summary) FailureReason() task.Reason {
	if !s.Evidence.Passed {
		return s.Evidence.Reason
	}
	if !s.Guard.Allowed {
		return s.Guard.Reason
	}
	return ""
}

// Pipeline runs the full promotion sequence: evidence re-check, promotion
// guard, file write-back, summary artifact.
type Pipeline struct {
	guard     *Guard
	evidence  *evidence.Guard
	artifacts *artifact.Store
	logger    *zap.Logger
}

// NewPipeline wires the promotion pipeline.
func NewPipeline(guard *Guard, ev *evidence.Guard, artifacts *artifact.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{guard: guard, evidence: ev, artifacts: artifacts, logger: logger}
}

// AutoMerge writes the task's sandbox tree back into its merge target after
// re-running the evidence guard and the promotion guard. preflightSHA is the
// target HEAD recorded at task start; a moved HEAD refuses the merge. The
// returned Summary reports refusals through FailureReason; errors are
// reserved for broken plumbing (unreadable trees, non-repository targets,
// failed artifact writes).
func (p *Pipeline) AutoMerge(ctx context.Context, t *task.Task, preflightSHA string) (*Summary, error) {
	round := t.RoundsCompleted
	summary := &Summary{
		TaskID:  t.ID,
		Mode:    ModeAutoMerge,
		Round:   round,
		Source:  t.SandboxPath,
		Target:  t.MergeTarget(),
		InPlace: t.SandboxPath == "",
	}
	return p.run(ctx, t, summary, preflightSHA, artifact.AutoMergeSummary)
}

// PromoteRound writes a selected round's snapshot into an explicit target.
// Head-SHA stability is measured across the promote operation itself: the
// target must not move between the evidence re-check and the write-back.
func (p *Pipeline) PromoteRound(ctx context.Context, t *task.Task, round int, target string) (*Summary, error) {
	snapshot := filepath.Join(p.artifacts.TaskDir(t.ID), filepath.FromSlash(artifact.RoundSnapshotDir(round)))
	if info, err := os.Stat(snapshot); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("no snapshot recorded for round %d", round)
	}

	summary := &Summary{
		TaskID: t.ID,
		Mode:   ModePromoteRound,
		Round:  round,
		Source: snapshot,
		Target: target,
	}
	return p.run(ctx, t, summary, "", artifact.PromoteSummary(round))
}

// run is the shared sequence. summary.Source and summary.Target are set by
// the caller; everything else is filled here.
func (p *Pipeline) run(ctx context.Context, t *task.Task, summary *Summary, preflightSHA, summaryPath string) (*Summary, error) {
	defer func() { summary.CompletedAt = time.Now().UTC() }()

	// Evidence first: no evidence, no merge.
	bundle, err := p.evidence.ReadBundle(t.ID, summary.Round)
	if err != nil {
		summary.Evidence = evidence.Decision{
			Passed:  false,
			Reason:  task.ReasonEvidenceMissing,
			Missing: []string{fmt.Sprintf("no evidence bundle for round %d", summary.Round)},
		}
		return summary, p.persist(t.ID, summaryPath, summary)
	}
	summary.Evidence, err = p.evidence.Verify(t, summary.Round, bundle)
	if err != nil {
		return nil, err
	}
	if !summary.Evidence.Passed {
		return summary, p.persist(t.ID, summaryPath, summary)
	}

	summary.Guard, err = p.guard.Check(ctx, summary.Target, preflightSHA, summary.InPlace)
	if err != nil {
		return nil, err
	}
	if !summary.Guard.Allowed {
		return summary, p.persist(t.ID, summaryPath, summary)
	}

	if !summary.InPlace {
		written, same, err := writeBack(ctx, summary.Source, summary.Target)
		if err != nil {
			return nil, fmt.Errorf("write-back failed: %w", err)
		}
		summary.FilesWritten = written
		summary.FilesSame = same
	}

	p.logger.Info("promotion completed",
		zap.String("task_id", t.ID),
		zap.String("mode", string(summary.Mode)),
		zap.Int("round", summary.Round),
		zap.String("target", summary.Target),
		zap.Int("files_written", len(summary.FilesWritten)))
	return summary, p.persist(t.ID, summaryPath, summary)
}

func (p *Pipeline) persist(taskID, path string, summary *Summary) error {
	if err := p.artifacts.WriteJSON(taskID, path, summary); err != nil {
		return fmt.Errorf("failed to write promotion summary: %w", err)
	}
	return nil
}

// writeBack copies every file from src whose content differs from its
// counterpart under dst. Files only present in dst are left alone; the
// pipeline never deletes from a target.
func writeBack(ctx context.Context, src, dst string) (written []string, same int, err error) {
	files, err := workspace.ListFiles(src)
	if err != nil {
		return nil, 0, err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		srcPath := filepath.Join(src, filepath.FromSlash(f.RelPath))
		dstPath := filepath.Join(dst, filepath.FromSlash(f.RelPath))

		srcData, err := os.ReadFile(srcPath)
		if err != nil {
			return nil, 0, err
		}
		if dstData, err := os.ReadFile(dstPath); err == nil && bytes.Equal(srcData, dstData) {
			same++
			continue
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, 0, err
		}
		if err := writeFileWithMode(dstPath, srcData, info.Mode().Perm()); err != nil {
			return nil, 0, err
		}
		written = append(written, f.RelPath)
	}
	return written, same, nil
}

func writeFileWithMode(path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
