package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a credential is missing or invalid.
	ErrUnauthorized = errors.New("invalid api key")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// ValidationError reports a malformed or missing field on an inbound event
// or query. Nothing is written when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CommitError wraps a store write failure. The event is not visible.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// FilterError reports a malformed subscription filter.
type FilterError struct {
	Field   string
	Message string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %s: %s", e.Field, e.Message)
}

// PolicyError is returned when the admission policy rejects an event.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Reason == "" {
		return "event rejected by ingest policy"
	}
	return "event rejected by ingest policy: " + e.Reason
}
