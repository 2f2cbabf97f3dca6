// Package idempotency detects repeated submissions of the same action.
// Keys are deterministic: Hash(PatientID+Kind+Label) for clinical events.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultWindow is how close two identical submissions must be to count as
// one. A double tap or an immediate client retry lands well inside it.
const DefaultWindow = 100 * time.Millisecond

// GenerateKey creates a deterministic key from the identifying parts of a
// submission.
func GenerateKey(parts ...string) string {
	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Submission is what a Window compares
type Submission struct {
	Key string
	At  time.Time
}

// Window treats two submissions with the same key as repeats when their
// timestamps are no more than Span apart, in either direction.
type Window struct {
	Span time.Duration
}

// NewWindow returns a window of span, or DefaultWindow when span is not
// positive.
func NewWindow(span time.Duration) Window {
	if span <= 0 {
		span = DefaultWindow
	}
	return Window{Span: span}
}

// Repeats reports whether next is a repeat of prev.
func (w Window) Repeats(prev, next Submission) bool {
	if prev.Key == "" || prev.Key != next.Key {
		return false
	}
	gap := next.At.Sub(prev.At)
	if gap < 0 {
		gap = -gap
	}
	return gap <= w.Span
}
