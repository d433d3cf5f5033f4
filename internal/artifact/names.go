package artifact

import "fmt"

// Canonical artifact names. Every component that writes into a task
// directory addresses files through these so the on-disk layout stays the
// single one operators and the REST surface can rely on.
const (
	StateSnapshot = "state.json"
	Discussion    = "discussion.md"
	Summary       = "summary.md"
	FinalReport   = "final_report.md"

	PendingProposal     = "artifacts/pending_proposal.json"
	ConsensusStall      = "artifacts/consensus_stall.json"
	EvidenceManifest    = "artifacts/evidence_manifest.json"
	ResumeGuard         = "artifacts/workspace_resume_guard.json"
	PrecompletionFailed = "artifacts/precompletion_guard_failed.json"
	PreflightGate       = "artifacts/preflight_risk_gate.json"
	AutoMergeSummary    = "artifacts/auto_merge_summary.json"
)

// EvidenceBundle names the evidence bundle for one round.
func EvidenceBundle(round int) string {
	return fmt.Sprintf("artifacts/evidence_bundle_round_%d.json", round)
}

// RoundArtifact names the structured result record for one round.
func RoundArtifact(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d-artifact.json", round)
}

// RoundReviews names the reviewer verdict record for one round.
func RoundReviews(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d-reviews.json", round)
}

// RoundVerification names the verification command record for one round.
func RoundVerification(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d-verification.json", round)
}

// RoundPatch names the candidate-mode diff for one round.
func RoundPatch(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d.patch", round)
}

// RoundNotes names the candidate-mode markdown summary for one round.
func RoundNotes(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%d.md", round)
}

// RoundSnapshotDir names the candidate-mode sandbox snapshot directory for
// one round. The zero-padded form keeps snapshots sorted on disk.
func RoundSnapshotDir(round int) string {
	return fmt.Sprintf("artifacts/rounds/round-%03d-snapshot", round)
}

// PromoteSummary names the record written after a round promotion.
func PromoteSummary(round int) string {
	return fmt.Sprintf("artifacts/round-%d-promote-summary.json", round)
}
