package consensus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdictDirectJSON(t *testing.T) {
	v := ParseVerdict(`{"verdict": "blocker", "reason": "no tests", "issues": [{"issue_id": "ISSUE-missing-tests", "detail": "expiry path untested"}]}`)

	assert.Equal(t, VerdictBlocker, v.Verdict)
	assert.Equal(t, "json", v.ParsedFrom)
	require.Len(t, v.Issues, 1)
	assert.Equal(t, "ISSUE-missing-tests", v.Issues[0].IssueID)
}

func TestParseVerdictFencedBlock(t *testing.T) {
	out := "Looking at the diff now.\n\n```json\n{\"verdict\": \"no_blocker\", \"reason\": \"clean change\"}\n```\n\nDone."
	v := ParseVerdict(out)

	assert.Equal(t, VerdictNoBlocker, v.Verdict)
	assert.Equal(t, "json", v.ParsedFrom)
	assert.Equal(t, "clean change", v.Reason)
}

func TestParseVerdictEmbeddedObject(t *testing.T) {
	out := `Here is my assessment: {"verdict": "blocker", "issues": [{"issue_id": "ISSUE-race-window", "title": "races on shutdown"}]} hope that helps.`
	v := ParseVerdict(out)

	assert.Equal(t, VerdictBlocker, v.Verdict)
	assert.Equal(t, "braces", v.ParsedFrom)
	require.Len(t, v.Issues, 1)
	assert.Equal(t, "ISSUE-race-window", v.Issues[0].IssueID)
}

func TestParseVerdictTrailingComma(t *testing.T) {
	v := ParseVerdict(`{"verdict": "no_blocker", "reason": "fine",}`)

	assert.Equal(t, VerdictNoBlocker, v.Verdict)
	assert.Equal(t, "json", v.ParsedFrom)
}

func TestParseVerdictBraceInsideString(t *testing.T) {
	v := ParseVerdict(`prose {"verdict": "no_blocker", "reason": "handles the } brace and \" quote"} prose`)

	assert.Equal(t, VerdictNoBlocker, v.Verdict)
	assert.Contains(t, v.Reason, "} brace")
}

func TestParseVerdictLineFallback(t *testing.T) {
	out := "The change looks risky to me.\nVERDICT: blocker\nNEXT_ACTION: add a regression test before merging\n"
	v := ParseVerdict(out)

	assert.Equal(t, VerdictBlocker, v.Verdict)
	assert.Equal(t, "lines", v.ParsedFrom)
	assert.Equal(t, "add a regression test before merging", v.NextAction)
	// A blocker recovered from lines has no structured issues; one is
	// synthesized so the contract invariant holds.
	require.Len(t, v.Issues, 1)
	assert.Equal(t, "ISSUE-unspecified", v.Issues[0].IssueID)
}

func TestParseVerdictGarbage(t *testing.T) {
	v := ParseVerdict("I could not complete the review, sorry.")

	assert.Equal(t, VerdictUnknown, v.Verdict)
	assert.Equal(t, "none", v.ParsedFrom)
	assert.True(t, v.Blocking())
	require.Len(t, v.Issues, 1)
	assert.Equal(t, "ISSUE-unspecified", v.Issues[0].IssueID)
}

func TestNormalizeDropsMalformedIDs(t *testing.T) {
	v := Verdict{
		Verdict: "Blocker",
		Issues: []Issue{
			{IssueID: "ISSUE-keep-me"},
			{IssueID: "not-an-id"},
			{IssueID: "ISSUE-"},
		},
		IssueChecks: []IssueCheck{
			{IssueID: "ISSUE-keep-me", Resolved: true},
			{IssueID: "bogus", Resolved: true},
		},
	}
	v.Normalize()

	assert.Equal(t, VerdictBlocker, v.Verdict)
	require.Len(t, v.Issues, 1)
	assert.Equal(t, "ISSUE-keep-me", v.Issues[0].IssueID)
	require.Len(t, v.IssueChecks, 1)
}

func TestNormalizeUnrecognizedVerdictBecomesUnknown(t *testing.T) {
	v := Verdict{Verdict: "approved"}
	v.Normalize()

	assert.Equal(t, VerdictUnknown, v.Verdict)
	require.Len(t, v.Issues, 1) // synthesized
}

func TestValidIssueID(t *testing.T) {
	valid := []string{"ISSUE-1", "ISSUE-missing-tests", "ISSUE-a.b_c-2"}
	invalid := []string{"", "ISSUE-", "issue-lower", "ISSUE--x", "BUG-1", "ISSUE-with space"}

	for _, id := range valid {
		assert.True(t, ValidIssueID(id), id)
	}
	for _, id := range invalid {
		assert.False(t, ValidIssueID(id), id)
	}
}

func TestSignature(t *testing.T) {
	a := Signature([]string{"ISSUE-b", "ISSUE-a"})
	b := Signature([]string{"ISSUE-a", "ISSUE-b", "ISSUE-a"})
	c := Signature([]string{"ISSUE-a"})

	assert.Len(t, a, 12)
	assert.Equal(t, a, b, "order and duplicates must not matter")
	assert.NotEqual(t, a, c)
	assert.Empty(t, Signature(nil))
}

func TestParseReplyJSON(t *testing.T) {
	r := ParseReply(`{"proposal": "pin the clock", "issue_responses": [{"issue_id": "ISSUE-flaky", "action": "accept", "note": "will pin"}], "validation_commands": ["go test ./..."], "evidence_paths": ["internal/session/expiry_test.go"]}`)

	assert.Equal(t, "json", r.ParsedFrom)
	assert.Equal(t, "pin the clock", r.Proposal)
	require.Len(t, r.IssueResponses, 1)
	assert.Equal(t, ActionAccept, r.IssueResponses[0].Action)
}

func TestParseReplyProseFallback(t *testing.T) {
	out := "I think we should pin the clock in the test and retry.\n"
	r := ParseReply(out)

	assert.Equal(t, "raw", r.ParsedFrom)
	assert.Equal(t, strings.TrimSpace(out), r.Proposal)
	assert.Empty(t, r.IssueResponses)
}

func TestParseReplyEmptyProposalFieldFallsBack(t *testing.T) {
	r := ParseReply(`{"proposal": ""}`)

	assert.Equal(t, "raw", r.ParsedFrom)
	assert.Equal(t, `{"proposal": ""}`, r.Proposal)
}

func TestReplyValidate(t *testing.T) {
	required := []string{"ISSUE-a", "ISSUE-b"}

	ok := Reply{
		Proposal: "do the thing",
		IssueResponses: []IssueResponse{
			{IssueID: "ISSUE-a", Action: ActionAccept},
			{IssueID: "ISSUE-b", Action: ActionAccept},
		},
	}
	require.NoError(t, ok.Validate(required))

	missing := Reply{
		Proposal:       "do the thing",
		IssueResponses: []IssueResponse{{IssueID: "ISSUE-a", Action: ActionAccept}},
	}
	err := missing.Validate(required)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISSUE-b")

	unknownAction := Reply{
		Proposal:       "do the thing",
		IssueResponses: []IssueResponse{{IssueID: "ISSUE-a", Action: "maybe"}},
	}
	assert.Error(t, unknownAction.Validate([]string{"ISSUE-a"}))

	empty := Reply{}
	assert.Error(t, empty.Validate(nil))
}

func TestReplyValidateRejectRequiresDispute(t *testing.T) {
	base := Reply{
		Proposal: "the issue does not apply",
		IssueResponses: []IssueResponse{
			{IssueID: "ISSUE-a", Action: ActionReject, Note: "out of scope"},
		},
	}

	err := base.Validate([]string{"ISSUE-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alternative_plan")

	full := base
	full.Reason = "the module is frozen this release"
	full.AlternativePlan = "document the limitation and file a followup"
	full.ValidationCommands = []string{"go test ./..."}
	full.EvidencePaths = []string{"docs/limits.md"}
	assert.NoError(t, full.Validate([]string{"ISSUE-a"}))
}
