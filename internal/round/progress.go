package round

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// strategyHints rotate through the shift events so consecutive shifts push
// the author in genuinely different directions.
var strategyHints = []string{
	"narrow the scope: pick the single smallest failing behavior and fix only that",
	"add diagnostics before changing code: reproduce the failure with a focused test or targeted logging",
	"restate the goal in one sentence and list the assumptions the previous rounds got wrong, then plan from scratch",
}

// fingerprint condenses arbitrary text to 12 hex characters of its SHA-256,
// the same width the consensus package uses for issue signatures.
func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(sum[:])[:12]
}

// progressGuard watches round-over-round fingerprints of the implementation
// summary and the review signature. An identical pair means the round
// changed nothing a reviewer could see; each repeat burns one strategy
// shift, and exhausting the budget declares the loop circular.
type progressGuard struct {
	limit      int
	lastImpl   string
	lastReview string
	shifts     int
}

func newProgressGuard(limit int) *progressGuard {
	if limit < 1 {
		limit = 2
	}
	return &progressGuard{limit: limit}
}

// observe records one completed round. shifted reports that the round made
// no visible progress; hint is the next-round strategy hint for that case.
// exhausted reports that the shift budget is spent and the loop should end.
func (g *progressGuard) observe(implSummary, reviewSignature string) (shifted bool, hint string, exhausted bool) {
	impl := fingerprint(implSummary)
	review := fingerprint(reviewSignature)
	same := g.lastImpl != "" && impl == g.lastImpl && review == g.lastReview
	g.lastImpl = impl
	g.lastReview = review

	if !same {
		g.shifts = 0
		return false, "", false
	}
	if g.shifts >= g.limit {
		return false, "", true
	}
	hint = strategyHints[g.shifts%len(strategyHints)]
	g.shifts++
	return true, hint, false
}
