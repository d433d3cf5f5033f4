// Package consensus drives the reviewer-first proposal machine: reviewers
// precheck the task, the author answers with a structured proposal, and
// reviewers judge it until every one of them clears the round or a stall
// guard trips.
//
// The package also owns the wire shapes that participants emit (verdicts and
// author replies) and the tolerant parser that recovers them from raw CLI
// output.
package consensus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// VerdictKind is a reviewer's judgment.
type VerdictKind string

const (
	VerdictNoBlocker VerdictKind = "no_blocker"
	VerdictBlocker   VerdictKind = "blocker"
	VerdictUnknown   VerdictKind = "unknown"
)

// issueIDPattern constrains contract ids to the ISSUE-xxx form.
var issueIDPattern = regexp.MustCompile(`^ISSUE-[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidIssueID reports whether id matches the contract form, e.g.
// "ISSUE-missing-tests".
func ValidIssueID(id string) bool {
	return issueIDPattern.MatchString(id)
}

// Issue is one reviewer finding inside a verdict.
type Issue struct {
	IssueID  string `json:"issue_id"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// IssueCheck records whether a contract issue was verified resolved.
type IssueCheck struct {
	IssueID  string `json:"issue_id"`
	Resolved bool   `json:"resolved"`
	Note     string `json:"note,omitempty"`
}

// Verdict is a reviewer's structured judgment over a task, a proposal, or an
// implementation.
type Verdict struct {
	Verdict     VerdictKind  `json:"verdict"`
	Reason      string       `json:"reason,omitempty"`
	Issues      []Issue      `json:"issues,omitempty"`
	IssueChecks []IssueCheck `json:"issue_checks,omitempty"`
	NextAction  string       `json:"next_action,omitempty"`

	// ParsedFrom records which stage of the parse chain recovered the
	// verdict: "json", "braces", "lines", or "none".
	ParsedFrom string `json:"-"`
}

// Blocking reports whether the verdict blocks consensus. Undecided counts as
// blocking; only an explicit no_blocker clears a reviewer.
func (v *Verdict) Blocking() bool {
	return v.Verdict != VerdictNoBlocker
}

// IssueIDs returns the ids raised by this verdict, in order.
func (v *Verdict) IssueIDs() []string {
	ids := make([]string, 0, len(v.Issues))
	for _, is := range v.Issues {
		ids = append(ids, is.IssueID)
	}
	return ids
}

// Normalize coerces a parsed verdict into contract shape. Verdict values are
// canonicalized (anything unrecognized becomes unknown), issues and checks
// with malformed ids are dropped, and a blocking verdict left with no issue
// gets a synthesized one so the invariant "blocker or unknown implies at
// least one issue id" holds even against sloppy reviewers.
func (v *Verdict) Normalize() {
	switch VerdictKind(strings.ToLower(strings.TrimSpace(string(v.Verdict)))) {
	case VerdictNoBlocker:
		v.Verdict = VerdictNoBlocker
	case VerdictBlocker:
		v.Verdict = VerdictBlocker
	default:
		v.Verdict = VerdictUnknown
	}

	issues := v.Issues[:0]
	for _, is := range v.Issues {
		is.IssueID = strings.TrimSpace(is.IssueID)
		if ValidIssueID(is.IssueID) {
			issues = append(issues, is)
		}
	}
	v.Issues = issues

	checks := v.IssueChecks[:0]
	for _, c := range v.IssueChecks {
		c.IssueID = strings.TrimSpace(c.IssueID)
		if ValidIssueID(c.IssueID) {
			checks = append(checks, c)
		}
	}
	v.IssueChecks = checks

	if v.Blocking() && len(v.Issues) == 0 {
		detail := v.Reason
		if detail == "" {
			detail = v.NextAction
		}
		if detail == "" {
			detail = "reviewer blocked without naming an issue"
		}
		v.Issues = append(v.Issues, Issue{
			IssueID: "ISSUE-unspecified",
			Title:   "unspecified blocker",
			Detail:  detail,
		})
	}
}

// Signature fingerprints a set of issue ids: 12 hex characters of the
// SHA-256 over the sorted, deduplicated ids. An empty set yields "".
func Signature(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)
	sum := sha256.Sum256([]byte(strings.Join(uniq, "\n")))
	return hex.EncodeToString(sum[:])[:12]
}

// Author reply actions on a contract issue.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// IssueResponse answers one contract issue inside an author reply.
type IssueResponse struct {
	IssueID string `json:"issue_id"`
	Action  string `json:"action"`
	Note    string `json:"note,omitempty"`
}

// Reply is the author's structured proposal.
type Reply struct {
	Proposal           string          `json:"proposal"`
	IssueResponses     []IssueResponse `json:"issue_responses,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	AlternativePlan    string          `json:"alternative_plan,omitempty"`
	ValidationCommands []string        `json:"validation_commands,omitempty"`
	EvidencePaths      []string        `json:"evidence_paths,omitempty"`

	// ParsedFrom records the parse stage: "json", "braces", or "raw" when
	// the whole output was kept as prose.
	ParsedFrom string `json:"-"`
}

// Validate checks the reply against the contract. Every required id must be
// answered, actions must be known, and a reply that rejects any issue must
// carry the full dispute: reason, alternative plan, validation commands, and
// evidence paths.
func (r *Reply) Validate(required []string) error {
	if strings.TrimSpace(r.Proposal) == "" {
		return fmt.Errorf("reply has no proposal text")
	}
	answered := make(map[string]bool, len(r.IssueResponses))
	rejects := false
	for _, resp := range r.IssueResponses {
		switch resp.Action {
		case ActionAccept:
		case ActionReject:
			rejects = true
		default:
			return fmt.Errorf("issue response %s has unknown action %q", resp.IssueID, resp.Action)
		}
		answered[resp.IssueID] = true
	}
	var missing []string
	for _, id := range required {
		if !answered[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("reply does not answer required issues: %s", strings.Join(missing, ", "))
	}
	if rejects {
		if strings.TrimSpace(r.Reason) == "" || strings.TrimSpace(r.AlternativePlan) == "" {
			return fmt.Errorf("a rejecting reply requires reason and alternative_plan")
		}
		if len(r.ValidationCommands) == 0 || len(r.EvidencePaths) == 0 {
			return fmt.Errorf("a rejecting reply requires validation_commands and evidence_paths")
		}
	}
	return nil
}
