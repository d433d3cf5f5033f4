package stats

import (
	"github.com/parleyhq/parley/internal/task"
	"github.com/parleyhq/parley/internal/workspace"
)

// PolicyTemplate is a named option preset recommended for a workspace. The
// options already carry the detected profile's verification commands, so a
// client can submit them to task creation unchanged.
type PolicyTemplate struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Options     task.Options `json:"options"`
}

// TemplateReport is the GET /api/policy-templates payload.
type TemplateReport struct {
	Workspace string            `json:"workspace,omitempty"`
	Profile   workspace.Profile `json:"profile"`
	Templates []PolicyTemplate  `json:"templates"`
}

// Templates detects the workspace profile and returns the recommended
// presets with the profile's commands folded in. root may be empty, in
// which case the generic profile applies and commands stay unset.
func Templates(root string) TemplateReport {
	profile := workspace.Profile{Name: "generic"}
	if root != "" {
		profile = workspace.DetectProfile(root)
	}

	apply := func(o task.Options) task.Options {
		if o.TestCommand == "" {
			o.TestCommand = profile.TestCommand
		}
		if o.LintCommand == "" {
			o.LintCommand = profile.LintCommand
		}
		return o
	}

	quick := task.DefaultOptions()
	quick.SandboxMode = false
	quick.DebateMode = false
	quick.MaxRounds = 1
	quick.RepairMode = task.RepairMinimal
	quick.MemoryMode = task.MemoryOff

	standard := task.DefaultOptions()

	candidate := task.DefaultOptions()
	candidate.MaxRounds = 5
	candidate.AutoMerge = false
	candidate.RepairMode = task.RepairStructural

	evolve := task.DefaultOptions()
	evolve.SelfLoop = true
	evolve.AutoMerge = true
	evolve.EvolutionLevel = 2
	evolve.MaxRounds = 10
	evolve.MemoryMode = task.MemoryStrict

	return TemplateReport{
		Workspace: root,
		Profile:   profile,
		Templates: []PolicyTemplate{
			{
				Name:        "quick-review",
				Description: "One round, in place, minimal repairs. For small diffs where a second opinion is all that is wanted.",
				Options:     apply(quick),
			},
			{
				Name:        "standard",
				Description: "Sandboxed three-round loop with reviewer debate. The default balance of safety and throughput.",
				Options:     apply(standard),
			},
			{
				Name:        "candidate-rounds",
				Description: "Five rounds with per-round snapshots and no auto-merge; pick the round to promote afterwards.",
				Options:     apply(candidate),
			},
			{
				Name:        "overnight-evolve",
				Description: "Self-loop with auto-merge and strict memory. Pair with evolve_until to run unattended against the clock.",
				Options:     apply(evolve),
			},
		},
	}
}
