// Package errkind enumerates the error kinds that cross component
// boundaries and the CoreError type that carries them. Errors are
// identified by kind, not by concrete exception type.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a CoreError by cause rather than call site.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFoundLocally
	KindNotFoundAnywhere
	KindSourceMissing
	KindSourceBad
	KindDestinationFull
	KindDestinationError
	KindHashMismatch
	KindCancelled
	KindPutRejected
	KindMaxRetries
	KindSchedulerTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFoundLocally:
		return "not-found-locally"
	case KindNotFoundAnywhere:
		return "not-found-anywhere"
	case KindSourceMissing:
		return "source-missing"
	case KindSourceBad:
		return "source-bad"
	case KindDestinationFull:
		return "destination-full"
	case KindDestinationError:
		return "destination-error"
	case KindHashMismatch:
		return "hash-mismatch"
	case KindCancelled:
		return "cancelled"
	case KindPutRejected:
		return "put-rejected"
	case KindMaxRetries:
		return "max-retries"
	case KindSchedulerTimeout:
		return "scheduler-timeout"
	default:
		return "unknown"
	}
}

// CoreError is the error type every component surfaces at its boundary.
// Every failure carries the originating content hash (short form), the
// last attempted source, and, where applicable, diagnostic text.
type CoreError struct {
	Kind       Kind
	HashShort  string
	Source     string
	Diagnostic string
	Cause      error
}

func (e *CoreError) Error() string {
	msg := fmt.Sprintf("%s: hash=%s source=%s", e.Kind, e.HashShort, e.Source)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New builds a CoreError, wrapping cause (if any) with errors.Wrap so a
// stack trace is attached the way upstream aistore wraps faults before they
// cross a component boundary.
func New(kind Kind, hashShort, source, diagnostic string, cause error) *CoreError {
	if cause != nil {
		cause = errors.Wrap(cause, kind.String())
	}
	return &CoreError{Kind: kind, HashShort: hashShort, Source: source, Diagnostic: diagnostic, Cause: cause}
}

// Is reports whether err is a *CoreError of the given kind (supports
// errors.Is-style matching through Unwrap chains via errors.As semantics).
func Is(err error, kind Kind) bool {
	var ce *CoreError
	for err != nil {
		if c, ok := err.(*CoreError); ok {
			ce = c
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ce != nil && ce.Kind == kind
}
