package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind is the machine-countable bucket an error belongs to.
type ErrorKind string

const (
	// ErrorKindConfiguration aborts the whole run before any write.
	ErrorKindConfiguration ErrorKind = "configuration"
	// ErrorKindUpstreamFetch is retryable and recorded per window.
	ErrorKindUpstreamFetch ErrorKind = "upstream_fetch"
	// ErrorKindParse is fatal to the stage that hit it.
	ErrorKindParse ErrorKind = "parse"
	// ErrorKindValidation drops one row.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindForeignKey drops one row.
	ErrorKindForeignKey ErrorKind = "foreign_key"
	// ErrorKindWrite aborts the stage with partial progress.
	ErrorKindWrite ErrorKind = "write"
)

// Retryable reports whether a later run can be expected to succeed on the same input.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindUpstreamFetch || k == ErrorKindWrite
}

type SyncError struct {
	Kind  ErrorKind
	Stage string
	Ref   string
	Err   error
}

func NewSyncError(kind ErrorKind, stage string, ref string, err error) *SyncError {
	return &SyncError{Kind: kind, Stage: stage, Ref: ref, Err: err}
}

func SyncErrorf(kind ErrorKind, stage string, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func (e *SyncError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Ref != "" {
		return fmt.Sprintf("%s error in %s (%s): %s", e.Kind, e.Stage, e.Ref, msg)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Stage, msg)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// KindOf returns the bucket of err, or "" when err carries no SyncError.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
