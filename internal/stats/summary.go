package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/artifact"
	"github.com/parleyhq/parley/internal/evidence"
	"github.com/parleyhq/parley/internal/task"
)

// GitHubSummary renders a task into markdown suitable for a pull-request
// comment: header, round gate table, verification commands, and evidence
// paths. Events supply the gate history; the latest round's evidence bundle
// is read from the artifact tree when present.
func (c *Collector) GitHubSummary(t *task.Task, events []task.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task review: %s\n\n", t.Title)
	fmt.Fprintf(&b, "**Status:** `%s`", t.Status)
	if t.LastGateReason != "" {
		fmt.Fprintf(&b, " (`%s`)", t.LastGateReason)
	}
	fmt.Fprintf(&b, " · **Rounds:** %d · **Author:** `%s`", t.RoundsCompleted, t.Author.ID())
	if len(t.Reviewers) > 0 {
		ids := make([]string, len(t.Reviewers))
		for i, r := range t.Reviewers {
			ids[i] = "`" + r.ID() + "`"
		}
		fmt.Fprintf(&b, " · **Reviewers:** %s", strings.Join(ids, ", "))
	}
	b.WriteString("\n")
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(t.Description))
	}

	writeGateTable(&b, events)
	writeDecision(&b, t)

	if bundle := c.latestBundle(t); bundle != nil {
		writeVerification(&b, bundle)
		writeEvidence(&b, bundle)
	}

	fmt.Fprintf(&b, "\n---\n_parley task `%s`_\n", t.ID)
	return b.String()
}

// latestBundle loads the newest round's evidence bundle, walking backwards
// so a round that failed before writing evidence does not hide its
// predecessor.
func (c *Collector) latestBundle(t *task.Task) *evidence.Bundle {
	last := t.RoundsCompleted
	if last < 1 {
		last = 1
	}
	for round := last; round >= 1; round-- {
		var bundle evidence.Bundle
		if err := c.artifacts.ReadJSON(t.ID, artifact.EvidenceBundle(round), &bundle); err == nil {
			return &bundle
		}
	}
	return nil
}

func writeGateTable(b *strings.Builder, events []task.Event) {
	type gate struct {
		round  int
		passed bool
		reason string
	}
	var gates []gate
	for i := range events {
		e := &events[i]
		if e.Kind != task.EventGateDecision {
			continue
		}
		passed, _ := e.Payload["passed"].(bool)
		reason, _ := e.Payload["reason"].(string)
		gates = append(gates, gate{round: payloadRound(e.Payload), passed: passed, reason: reason})
	}
	if len(gates) == 0 {
		return
	}

	b.WriteString("\n### Round gates\n\n| Round | Result | Reason |\n|---|---|---|\n")
	for _, g := range gates {
		result := "fail"
		if g.passed {
			result = "pass"
		}
		reason := g.reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(b, "| %d | %s | %s |\n", g.round, result, reason)
	}
}

func writeDecision(b *strings.Builder, t *task.Task) {
	if t.Decision == nil {
		return
	}
	fmt.Fprintf(b, "\n### Author decision\n\n`%s`", t.Decision.Kind)
	if t.Decision.Note != "" {
		fmt.Fprintf(b, ": %s", t.Decision.Note)
	}
	b.WriteString("\n")
}

func writeVerification(b *strings.Builder, bundle *evidence.Bundle) {
	if len(bundle.Commands) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### Verification (round %d)\n\n", bundle.Round)
	for _, cmd := range bundle.Commands {
		state := fmt.Sprintf("exit %d", cmd.ExitCode)
		switch {
		case cmd.TimedOut:
			state = "timed out"
		case cmd.NotFound:
			state = "not found"
		}
		fmt.Fprintf(b, "- `%s` (%s)\n", cmd.Command, state)
	}
}

func writeEvidence(b *strings.Builder, bundle *evidence.Bundle) {
	var paths []string
	seen := make(map[string]bool)
	for _, cat := range []evidence.Category{
		evidence.CategoryImplementation,
		evidence.CategoryReview,
		evidence.CategoryVerification,
	} {
		for _, p := range bundle.Paths[cat] {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	b.WriteString("\n### Evidence\n\n")
	for _, p := range paths {
		fmt.Fprintf(b, "- `%s`\n", p)
	}
}
