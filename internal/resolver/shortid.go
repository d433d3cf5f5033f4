// Package resolver turns user-typed task id prefixes into full UUIDs so CLI
// and REST callers never have to paste a whole id.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/store"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
// Six characters keeps typing cheap while making accidental collisions rare.
const MinShortIDLength = 6

// ResolveTaskID resolves a short ID prefix to a full task UUID.
//
// Three cases:
//  1. Input is already a full UUID (36 chars, 4 hyphens): validated for
//     existence and returned as-is.
//  2. Input is shorter than MinShortIDLength: rejected.
//  3. Input is a prefix: scanned; exactly one match resolves, zero or
//     several return NotFoundError or AmbiguousError.
func ResolveTaskID(ctx context.Context, repo store.Repository, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := repo.GetTask(ctx, shortID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify task existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := repo.ScanTasks(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for task: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no tasks matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tasks found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple tasks matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d tasks", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly message for ambiguous short
// IDs, listing up to 10 matching UUIDs.
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Error: ambiguous short ID '%s' matches %d tasks:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the task."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var target *AmbiguousError
	return errors.As(err, &target)
}
