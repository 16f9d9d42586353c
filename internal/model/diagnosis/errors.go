package diagnosis

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator errors.
type Kind string

const (
	KindInvalidArgument     Kind = "InvalidArgument"
	KindNotFound            Kind = "NotFound"
	KindModalityUnavailable Kind = "ModalityUnavailable"
	KindInsufficientData    Kind = "InsufficientData"
	KindDiagnosisConflict   Kind = "DiagnosisConflict"
	KindAnalysisError       Kind = "AnalysisError"
	KindInternal            Kind = "InternalError"
)

// Error carries a Kind and an optional suggestion for the caller.
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels such as ErrNotFound regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrModalityUnavailable = &Error{Kind: KindModalityUnavailable}
	ErrInsufficientData    = &Error{Kind: KindInsufficientData}
	ErrAnalysis            = &Error{Kind: KindAnalysisError}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Store-level sentinels.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrFusionInProgress = errors.New("fusion already in progress")
	// ErrCallerMismatch marks a push from a service bound to another modality.
	ErrCallerMismatch   = errors.New("caller is not bound to this modality")
)

// Errorf builds a kinded error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithSuggestion returns a copy of e carrying a caller hint.
func (e *Error) WithSuggestion(s string) *Error {
	out := *e
	out.Suggestion = s
	return &out
}

// KindOf classifies err; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrSessionNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// SuggestionOf returns the suggestion attached to err, if any.
func SuggestionOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Suggestion
	}
	return ""
}

// FailureOf converts an error into the persisted Failure shape.
func FailureOf(err error) *Failure {
	msg := err.Error()
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}
	return &Failure{Kind: KindOf(err), Message: msg, Suggestion: SuggestionOf(err)}
}

// Err turns a persisted failure back into an error.
func (f Failure) Err() error {
	return &Error{Kind: f.Kind, Message: f.Message, Suggestion: f.Suggestion}
}
