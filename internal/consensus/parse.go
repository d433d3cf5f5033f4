package consensus

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Parse chain stages recorded in ParsedFrom.
const (
	parsedJSON   = "json"
	parsedBraces = "braces"
	parsedLines  = "lines"
	parsedNone   = "none"
	parsedRaw    = "raw"
)

var (
	// fencedBlock matches a markdown code fence, json-tagged or bare.
	fencedBlock = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

	// trailingComma removes the most common defect in model-written JSON.
	// Applied only after a strict parse already failed.
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)

	verdictLine    = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(no_blocker|blocker|unknown)\b`)
	nextActionLine = regexp.MustCompile(`(?im)^\s*NEXT_ACTION:\s*(.+)$`)
)

// ParseVerdict recovers a reviewer verdict from raw participant output. The
// chain tries the whole output as JSON, then fenced blocks, then balanced
// objects embedded in prose, then the labeled-line fallback. It never fails:
// output yielding nothing parseable becomes an unknown verdict so the caller
// treats the reviewer as undecided rather than crashing the round.
func ParseVerdict(output string) Verdict {
	var v Verdict
	from, ok := extractJSON(output, func(data []byte) bool {
		var cand Verdict
		if json.Unmarshal(data, &cand) != nil || cand.Verdict == "" {
			return false
		}
		v = cand
		return true
	})
	if ok {
		v.ParsedFrom = from
		v.Normalize()
		return v
	}

	if m := verdictLine.FindStringSubmatch(output); m != nil {
		v = Verdict{Verdict: VerdictKind(strings.ToLower(m[1])), ParsedFrom: parsedLines}
		if am := nextActionLine.FindStringSubmatch(output); am != nil {
			v.NextAction = strings.TrimSpace(am[1])
		}
		v.Normalize()
		return v
	}

	v = Verdict{
		Verdict:    VerdictUnknown,
		Reason:     "reviewer output was not parseable",
		ParsedFrom: parsedNone,
	}
	v.Normalize()
	return v
}

// ParseReply recovers an author reply. Output with no usable JSON object is
// kept whole as the proposal text; contract validation downstream decides
// whether prose is acceptable for the round.
func ParseReply(output string) Reply {
	var r Reply
	from, ok := extractJSON(output, func(data []byte) bool {
		var cand Reply
		if json.Unmarshal(data, &cand) != nil || strings.TrimSpace(cand.Proposal) == "" {
			return false
		}
		r = cand
		return true
	})
	if ok {
		r.ParsedFrom = from
		return r
	}
	return Reply{Proposal: strings.TrimSpace(output), ParsedFrom: parsedRaw}
}

// extractJSON walks the extraction chain, feeding each candidate byte slice
// to try until one is accepted. try must decode into a fresh value each call
// so a failed candidate leaves no residue.
func extractJSON(output string, try func([]byte) bool) (string, bool) {
	attempt := func(data []byte) bool {
		if try(data) {
			return true
		}
		if cleaned := trailingComma.ReplaceAll(data, []byte("$1")); !bytes.Equal(cleaned, data) {
			return try(cleaned)
		}
		return false
	}

	if trimmed := strings.TrimSpace(output); trimmed != "" && attempt([]byte(trimmed)) {
		return parsedJSON, true
	}
	for _, m := range fencedBlock.FindAllStringSubmatch(output, -1) {
		if attempt([]byte(strings.TrimSpace(m[1]))) {
			return parsedJSON, true
		}
	}
	for _, candidate := range balancedObjects(output) {
		if attempt([]byte(candidate)) {
			return parsedBraces, true
		}
	}
	return "", false
}

// balancedObjects returns top-level {...} substrings found by a string- and
// escape-aware brace scan. Unterminated objects are skipped; the candidate
// count is capped to bound work on brace-heavy output.
func balancedObjects(s string) []string {
	const maxCandidates = 8
	var out []string
	for i := 0; i < len(s) && len(out) < maxCandidates; {
		start := strings.IndexByte(s[i:], '{')
		if start < 0 {
			break
		}
		start += i
		end, ok := matchBrace(s, start)
		if !ok {
			i = start + 1
			continue
		}
		out = append(out, s[start:end+1])
		i = end + 1
	}
	return out
}

// matchBrace returns the index of the brace closing the object opened at
// start, honoring JSON string and escape rules.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
