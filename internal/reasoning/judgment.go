// Package reasoning is the boundary to the external language model.
//
// Every call returns a Judgment: either the structured value parsed from
// the model's response, or an explicit conservative default when the
// response did not conform. Transport failures are returned as errors
// wrapping ErrUnavailable; a malformed response is never an error.
package reasoning

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// ErrUnavailable means the completer could not produce a response.
var ErrUnavailable = fmt.Errorf("reasoning adapter unavailable: %w", pipeline.ErrAdapterFailure)

// ErrMalformed describes why a response fell back. It is carried on the
// Judgment, never returned.
var ErrMalformed = errors.New("malformed response")

// Judgment is Parsed(value) or Fallback(default).
type Judgment[T any] struct {
	Value    T
	fallback bool
	Raw      string
	Cause    error
}

// Parsed wraps a conforming value.
func Parsed[T any](v T, raw string) Judgment[T] {
	return Judgment[T]{Value: v, Raw: raw}
}

// Fallback wraps a default used in place of a non-conforming response.
func Fallback[T any](def T, raw string, cause error) Judgment[T] {
	if cause == nil {
		cause = ErrMalformed
	}
	return Judgment[T]{Value: def, fallback: true, Raw: raw, Cause: cause}
}

// IsFallback reports whether Value is a default rather than parsed output.
func (j Judgment[T]) IsFallback() bool {
	return j.fallback
}

// Source is "parsed" or "fallback", for logs and metadata.
func (j Judgment[T]) Source() string {
	if j.fallback {
		return "fallback"
	}
	return "parsed"
}
