// Package evidence implements the pre-completion checklist: no task passes
// its gate, merges, or promotes without a persisted bundle proving that
// verification ran and that every phase left at least one inspectable
// artifact behind. Auto-merge and promote-round re-run the same check, so
// "no evidence, no merge" holds on every write-back path.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/task"
)

// Category names one evidence bucket. Every required category must hold at
// least one existing path for the guard to pass.
type Category string

const (
	CategoryImplementation Category = "implementation"
	CategoryReview         Category = "review"
	CategoryVerification   Category = "verification"
)

// requiredCategories is the closed set the guard checks, in report order.
var requiredCategories = []Category{CategoryImplementation, CategoryReview, CategoryVerification}

// CommandResult records one verification command execution.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Tail     string `json:"tail,omitempty"` // Last portion of combined output
	TimedOut bool   `json:"timed_out,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

// Ok reports whether the command completed with a zero exit.
func (r CommandResult) Ok() bool {
	return !r.TimedOut && !r.NotFound && r.ExitCode == 0
}

// Bundle aggregates one round's evidence: the verification record plus the
// evidence paths each phase produced.
type Bundle struct {
	TaskID    string                `json:"task_id"`
	Round     int                   `json:"round"`
	Root      string                `json:"root,omitempty"` // Base for relative evidence paths
	Commands  []CommandResult       `json:"commands"`
	Paths     map[Category][]string `json:"paths"`
	CreatedAt time.Time             `json:"created_at"`
}

// NewBundle starts an empty bundle for one task round.
func NewBundle(taskID string, round int, root string) *Bundle {
	return &Bundle{
		TaskID:    taskID,
		Round:     round,
		Root:      root,
		Paths:     make(map[Category][]string),
		CreatedAt: time.Now().UTC(),
	}
}

// AddCommand appends a verification command record.
func (b *Bundle) AddCommand(r CommandResult) {
	b.Commands = append(b.Commands, r)
}

// AddPath registers an evidence path under a category. Duplicates are kept
// out so repeated phase retries do not inflate the bundle.
func (b *Bundle) AddPath(c Category, path string) {
	if path == "" {
		return
	}
	for _, existing := range b.Paths[c] {
		if existing == path {
			return
		}
	}
	b.Paths[c] = append(b.Paths[c], path)
}

// Decision is the guard's verdict. Reason is set only on refusal.
type Decision struct {
	Passed  bool        `json:"passed"`
	Reason  task.Reason `json:"reason,omitempty"`
	Missing []string    `json:"missing,omitempty"` // Categories or paths behind the refusal
}

// manifestEntry is one line of the per-task evidence manifest.
type manifestEntry struct {
	Round     int       `json:"round"`
	Bundle    string    `json:"bundle"`
	Passed    bool      `json:"passed"`
	CheckedAt time.Time `json:"checked_at"`
}

// Guard verifies bundles and persists them through the artifact store.
type Guard struct {
	artifacts *artifact.Store
	logger    *zap.Logger
}

// NewGuard creates the evidence guard.
func NewGuard(artifacts *artifact.Store, logger *zap.Logger) *Guard {
	return &Guard{artifacts: artifacts, logger: logger}
}

// Verify checks the bundle and persists it as the round's evidence artifact.
// The returned error covers persistence problems only; policy refusals come
// back as a failed Decision with a specific reason.
func (g *Guard) Verify(t *task.Task, round int, b *Bundle) (Decision, error) {
	decision := g.evaluate(b)

	if err := g.artifacts.WriteJSON(t.ID, artifact.EvidenceBundle(round), b); err != nil {
		return Decision{}, fmt.Errorf("failed to persist evidence bundle: %w", err)
	}
	if err := g.appendManifest(t.ID, round, decision.Passed); err != nil {
		return Decision{}, err
	}

	g.logger.Info("evidence bundle checked",
		zap.String("task_id", t.ID),
		zap.Int("round", round),
		zap.Bool("passed", decision.Passed),
		zap.String("reason", string(decision.Reason)))
	return decision, nil
}

// ReadBundle loads the persisted bundle for a round. The promotion pipeline
// uses this to re-run Verify against what the gate actually saw.
func (g *Guard) ReadBundle(taskID string, round int) (*Bundle, error) {
	data, err := g.artifacts.ReadArtifact(taskID, artifact.EvidenceBundle(round))
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse evidence bundle: %w", err)
	}
	return &b, nil
}

func (g *Guard) evaluate(b *Bundle) Decision {
	if len(b.Commands) == 0 {
		return Decision{
			Passed:  false,
			Reason:  task.ReasonCommandsMissing,
			Missing: []string{"verification commands"},
		}
	}

	var missing []string
	for _, category := range requiredCategories {
		paths := b.Paths[category]
		if len(paths) == 0 {
			missing = append(missing, string(category))
			continue
		}
		found := false
		for _, p := range paths {
			if pathExists(b.Root, p) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, fmt.Sprintf("%s (paths absent on disk)", category))
		}
	}
	if len(missing) > 0 {
		return Decision{Passed: false, Reason: task.ReasonEvidenceMissing, Missing: missing}
	}
	return Decision{Passed: true}
}

// appendManifest keeps the per-task evidence manifest current with one entry
// per checked round, newest last.
func (g *Guard) appendManifest(taskID string, round int, passed bool) error {
	var entries []manifestEntry
	if data, err := g.artifacts.ReadArtifact(taskID, artifact.EvidenceManifest); err == nil {
		// A corrupt manifest is rebuilt rather than failing the guard.
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, manifestEntry{
		Round:     round,
		Bundle:    artifact.EvidenceBundle(round),
		Passed:    passed,
		CheckedAt: time.Now().UTC(),
	})
	if err := g.artifacts.WriteJSON(taskID, artifact.EvidenceManifest, entries); err != nil {
		return fmt.Errorf("failed to update evidence manifest: %w", err)
	}
	return nil
}

func pathExists(root, path string) bool {
	if !filepath.IsAbs(path) && root != "" {
		path = filepath.Join(root, path)
	}
	_, err := os.Stat(path)
	return err == nil
}
