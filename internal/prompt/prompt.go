// Package prompt assembles the text sent to participants at each workflow
// phase.
//
// The builder weaves task context, round-to-round seeds (gate reasons,
// strategy hints, open issues), and the option dials (repair mode, evolution
// level, language, memory) into one prompt string per gateway call. The
// output format contracts are embedded verbatim; the consensus package
// parses replies against the same shapes.
package prompt

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/task"
)

// Phase labels carried into gateway calls, events, and logs.
const (
	PhasePrecheck       = "precheck"
	PhaseProposal       = "proposal"
	PhaseProposalReview = "proposal_review"
	PhaseDiscussion     = "discussion"
	PhaseImplementation = "implementation"
	PhaseReview         = "review"
	PhaseVerification   = "verification"
)

// Seeds carries round-to-round state woven into author-facing prompts.
// All fields are optional; empty fields produce no text.
type Seeds struct {
	GateReason   string   // Previous round's gate reason
	StrategyHint string   // Hint attached to the latest strategy shift
	ReviseNote   string   // Note supplied with an author "revise" decision
	OpenIssues   []string // Issue ids the reply must respond to, contract order
	Findings     []string // Rendered reviewer findings backing OpenIssues
	History      []string // One line per completed round, oldest first
}

// Builder renders phase prompts for one task. It is pure string assembly;
// a zero-cost value to construct per call site.
type Builder struct {
	title       string
	description string
	opts        task.Options
}

// NewBuilder captures the prompt-relevant parts of a task.
func NewBuilder(t *task.Task) *Builder {
	return &Builder{title: t.Title, description: t.Description, opts: t.Options}
}

// Precheck asks a reviewer to assess the task before any work starts.
func (b *Builder) Precheck(round int) string {
	var sb strings.Builder
	sb.WriteString("You are a reviewer assessing a task before any work starts.\n\n")
	b.writeTaskContext(&sb, round)
	sb.WriteString("Identify anything that would block this task as described: missing requirements, destructive scope, conflicts with the current state of the code in the working directory. Raise a blocker only for problems that must be settled before implementation begins; style preferences are not blockers.\n\n")
	b.writeVerdictFormat(&sb, nil)
	b.writeFooter(&sb)
	return sb.String()
}

// Proposal asks the author to compose (or recompose) the round's proposal.
// attempt is 1-based within the round; retries carry the reviewer findings
// that sank the previous attempt.
func (b *Builder) Proposal(round, attempt int, seeds Seeds) string {
	var sb strings.Builder
	sb.WriteString("You are the author of this task. Compose the proposal for this round.\n\n")
	b.writeTaskContext(&sb, round)
	if attempt > 1 {
		fmt.Fprintf(&sb, "This is attempt %d for this round. The previous proposal did not reach consensus; the findings below say why.\n\n", attempt)
	}
	b.writeSeeds(&sb, seeds)
	b.writeChangeBudget(&sb)
	sb.WriteString("The proposal must be concrete enough to implement without follow-up questions: what changes, where, and how the result will be proven.\n\n")
	b.writeProposalFormat(&sb, seeds.OpenIssues)
	b.writeFooter(&sb)
	return sb.String()
}

// ProposalReview asks a reviewer to judge the author's proposal against the
// issue contract. required lists the issue ids the verdict must check.
func (b *Builder) ProposalReview(round int, proposal string, required []string) string {
	var sb strings.Builder
	sb.WriteString("You are a reviewer. The author proposes the following plan for this round.\n\n")
	b.writeTaskContext(&sb, round)
	sb.WriteString("Proposal:\n")
	b.writeBlock(&sb, proposal)
	sb.WriteString("Judge whether the proposal would accomplish the task and whether it answers every open issue. A vague response to a concrete issue is not an answer.\n\n")
	b.writeVerdictFormat(&sb, required)
	b.writeFooter(&sb)
	return sb.String()
}

// Discussion asks the author for the round's implementation plan.
func (b *Builder) Discussion(round int, seeds Seeds) string {
	var sb strings.Builder
	sb.WriteString("You are the author of this task. Write the implementation plan for this round.\n\n")
	b.writeTaskContext(&sb, round)
	b.writeSeeds(&sb, seeds)
	b.writeChangeBudget(&sb)
	sb.WriteString("Reply with the plan only: ordered steps, the files you expect to touch, and how you will verify the result. Keep it under forty lines.\n")
	b.writeFooter(&sb)
	return sb.String()
}

// Implementation asks the author to apply the plan in the working directory.
// testCommand and lintCommand are the effective verification commands, empty
// when none will run.
func (b *Builder) Implementation(round int, plan, testCommand, lintCommand string) string {
	var sb strings.Builder
	sb.WriteString("You are the author of this task. Apply the plan below in the current working directory.\n\n")
	b.writeTaskContext(&sb, round)
	sb.WriteString("Plan:\n")
	b.writeBlock(&sb, plan)
	b.writeChangeBudget(&sb)
	if testCommand != "" || lintCommand != "" {
		sb.WriteString("After you finish, verification runs:\n")
		if testCommand != "" {
			fmt.Fprintf(&sb, "- %s\n", testCommand)
		}
		if lintCommand != "" {
			fmt.Fprintf(&sb, "- %s\n", lintCommand)
		}
		sb.WriteString("Leave the tree in a state where those commands succeed.\n\n")
	}
	sb.WriteString("When you are done, print a short summary of what changed and why, then end with exactly one line:\n")
	sb.WriteString("EVIDENCE: comma-separated relative paths of the files that prove the change\n")
	b.writeFooter(&sb)
	return sb.String()
}

// Review asks a reviewer to judge the implementation just completed in the
// working directory. summary is the author's implementation report; required
// lists the contract issue ids the verdict must check.
func (b *Builder) Review(round int, summary string, required []string) string {
	var sb strings.Builder
	sb.WriteString("You are a reviewer. Inspect the work just completed in the current working directory.\n\n")
	b.writeTaskContext(&sb, round)
	if summary != "" {
		sb.WriteString("The author reports:\n")
		b.writeBlock(&sb, summary)
	}
	sb.WriteString("Read the changed files yourself; do not trust the report alone. Raise a blocker for defects that would ship broken behavior, data loss, or a missed requirement. Advisory findings go in issues with a no_blocker verdict.\n\n")
	b.writeVerdictFormat(&sb, required)
	b.writeFooter(&sb)
	return sb.String()
}

// verdictInstructions is the reviewer output contract. The consensus parser
// accepts the JSON shape first and falls back to the two labeled lines.
const verdictInstructions = `Respond with a single JSON object:

{
  "verdict": "no_blocker" | "blocker" | "unknown",
  "reason": "one or two sentences backing the verdict",
  "issues": [
    {"issue_id": "ISSUE-short-slug", "title": "short name", "detail": "what is wrong and where", "severity": "high" | "medium" | "low"}
  ],
  "issue_checks": [
    {"issue_id": "ISSUE-short-slug", "resolved": true, "note": "how you verified it"}
  ],
  "next_action": "one line: what should happen next"
}

Rules:
- no_blocker means the work may proceed as-is; issues may still carry advisory notes.
- blocker and unknown require at least one entry in issues, each with an issue_id like ISSUE-missing-tests.
- issue_checks must contain one entry per id listed under "Issues to verify", resolved or not.
- If you cannot emit JSON, reply with exactly two lines:
  VERDICT: no_blocker | blocker | unknown
  NEXT_ACTION: one line
`

// proposalInstructions is the author output contract for proposal phases.
const proposalInstructions = `Respond with a single JSON object:

{
  "proposal": "the plan: what changes, where, and how the result will be proven",
  "issue_responses": [
    {"issue_id": "ISSUE-short-slug", "action": "accept" | "reject", "note": "what you will do about it"}
  ],
  "validation_commands": ["commands that will prove the plan worked"],
  "evidence_paths": ["files whose final state will demonstrate the change"]
}

Rules:
- issue_responses must cover every id listed under "Issues to address".
- action accept commits the proposal to resolving that issue.
- action reject disputes the issue; a reply containing any reject must also set "reason" and "alternative_plan", and must fill validation_commands and evidence_paths.
`

func (b *Builder) writeTaskContext(sb *strings.Builder, round int) {
	fmt.Fprintf(sb, "Task: %s\n", b.title)
	if b.description != "" {
		fmt.Fprintf(sb, "Goal:\n%s\n", strings.TrimRight(b.description, "\n"))
	}
	fmt.Fprintf(sb, "Round: %d of %d\n\n", round, b.opts.MaxRounds)
}

func (b *Builder) writeSeeds(sb *strings.Builder, seeds Seeds) {
	if seeds.GateReason != "" {
		fmt.Fprintf(sb, "The previous round failed its gate with reason %q. Resolve that failure before anything else.\n\n", seeds.GateReason)
	}
	if seeds.StrategyHint != "" {
		fmt.Fprintf(sb, "The last rounds made no measurable progress. Change approach: %s\n\n", seeds.StrategyHint)
	}
	if seeds.ReviseNote != "" {
		fmt.Fprintf(sb, "The task owner asked for revisions: %s\n\n", seeds.ReviseNote)
	}
	if len(seeds.Findings) > 0 {
		sb.WriteString("Reviewer findings:\n")
		for _, f := range seeds.Findings {
			fmt.Fprintf(sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}
	b.writeHistory(sb, seeds.History)
}

func (b *Builder) writeHistory(sb *strings.Builder, history []string) {
	if b.opts.MemoryMode == task.MemoryOff || len(history) == 0 {
		return
	}
	sb.WriteString("Prior rounds:\n")
	for _, line := range history {
		fmt.Fprintf(sb, "- %s\n", line)
	}
	if b.opts.MemoryMode == task.MemoryStrict {
		sb.WriteString("Do not repeat work from prior rounds; when you build on one, cite its round number.\n")
	}
	sb.WriteString("\n")
}

// writeChangeBudget renders the repair-mode and evolution-level dials. Author
// phases only; reviewers judge outcomes, not budgets.
func (b *Builder) writeChangeBudget(sb *strings.Builder) {
	switch b.opts.RepairMode {
	case task.RepairMinimal:
		sb.WriteString("Repair mode minimal: make the smallest change that resolves the goal, no drive-by cleanup.\n")
	case task.RepairStructural:
		sb.WriteString("Repair mode structural: fix the root cause even when that means reshaping code across files.\n")
	default:
		sb.WriteString("Repair mode balanced: fix the cause, update the tests it touches, clean up only what the fix already disturbs.\n")
	}
	switch b.opts.EvolutionLevel {
	case 0:
		sb.WriteString("Change budget: only what the goal explicitly names.\n")
	case 1:
		sb.WriteString("Change budget: the goal, plus defects in lines you already touch.\n")
	case 2:
		sb.WriteString("Change budget: you may refactor the files you touch when it makes the fix simpler.\n")
	default:
		sb.WriteString("Change budget: you may restructure modules when that serves the goal better than patching.\n")
	}
	sb.WriteString("\n")
}

func (b *Builder) writeVerdictFormat(sb *strings.Builder, required []string) {
	if len(required) > 0 {
		sb.WriteString("Issues to verify:\n")
		for _, id := range required {
			fmt.Fprintf(sb, "- %s\n", id)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(verdictInstructions)
}

func (b *Builder) writeProposalFormat(sb *strings.Builder, required []string) {
	if len(required) > 0 {
		sb.WriteString("Issues to address:\n")
		for _, id := range required {
			fmt.Fprintf(sb, "- %s\n", id)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(proposalInstructions)
}

// writeBlock delimits quoted material. Fences normally; plain mode swaps
// them for dashed rules so the prompt carries no markdown at all.
func (b *Builder) writeBlock(sb *strings.Builder, body string) {
	body = strings.TrimRight(body, "\n")
	if b.opts.PlainMode {
		sb.WriteString("-----\n")
		sb.WriteString(body)
		sb.WriteString("\n-----\n\n")
		return
	}
	sb.WriteString("```\n")
	sb.WriteString(body)
	sb.WriteString("\n```\n\n")
}

func (b *Builder) writeFooter(sb *strings.Builder) {
	if b.opts.PlainMode {
		sb.WriteString("Reply in plain text: no markdown headers, no code fences outside the required JSON object.\n")
	}
	if b.opts.ConversationLanguage == task.LanguageChinese {
		sb.WriteString("所有说明性文字使用简体中文。JSON 字段名、verdict 取值和 issue id 保持英文。\n")
	}
}
