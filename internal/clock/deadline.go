// Package clock holds the pure time predicates that drive the rule state
// machine's renew/rotate/revoke decisions. Nothing in this package performs
// I/O; every function is total over its inputs.
package clock

import "time"

// PastDeadline reports whether now has reached or passed target minus
// offset. It is used both for forward deadlines (e.g. "renew before
// expiresAt - renewBeforeSeconds") and, with a negated offset, for deadlines
// measured forward from an anchor (e.g. "revoke after rotatedAt +
// revokeAfterSeconds" is expressed as offset = -revokeAfterSeconds).
//
// Absent target or offset is never a deadline.
func PastDeadline(now time.Time, target *time.Time, offsetSeconds *int) bool {
	if target == nil || offsetSeconds == nil {
		return false
	}

	deadline := target.Add(-time.Duration(*offsetSeconds) * time.Second)
	return !deadline.After(now)
}

// AnnotationRequested reports whether an operator-authored RFC-3339
// annotation requests an action that hasn't been satisfied by a successful
// run yet. An absent or unparseable annotation never requests anything. A
// present annotation with no prior successful run always requests the
// action, since the rule has never completed a run that could have honored
// it.
func AnnotationRequested(lastSuccessfulRunAt *time.Time, annotation string) bool {
	if annotation == "" {
		return false
	}

	requestedAt, err := time.Parse(time.RFC3339, annotation)
	if err != nil {
		return false
	}

	if lastSuccessfulRunAt == nil {
		return true
	}

	return lastSuccessfulRunAt.Before(requestedAt)
}
