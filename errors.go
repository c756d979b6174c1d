package oclfhir

import (
	"errors"
	"fmt"
)

// Kind classifies a terminology failure.
type Kind string

const (
	// KindArtifactNotFound means no snapshot matched the requested identity or canonical URL.
	KindArtifactNotFound Kind = "artifact-not-found"
	// KindCodeNotFound means the snapshot exists but the code is absent, or retired under a policy excluding retired codes.
	KindCodeNotFound Kind = "code-not-found"
	// KindAccessDenied means the snapshot exists but is not readable by the caller's scope.
	KindAccessDenied Kind = "access-denied"
	// KindInvalidFilter means a composition filter has an unknown operator, a bad regex or an unsupported property.
	KindInvalidFilter Kind = "invalid-filter"
	// KindRepositoryUnavailable means the backing store failed or timed out.
	KindRepositoryUnavailable Kind = "repository-unavailable"
	// KindInvalidRequest means the request parameters are unusable.
	KindInvalidRequest Kind = "invalid-request"
)

// Sentinel errors usable with errors.Is.
var (
	ErrArtifactNotFound      = &Error{Kind: KindArtifactNotFound}
	ErrCodeNotFound          = &Error{Kind: KindCodeNotFound}
	ErrAccessDenied          = &Error{Kind: KindAccessDenied}
	ErrInvalidFilter         = &Error{Kind: KindInvalidFilter}
	ErrRepositoryUnavailable = &Error{Kind: KindRepositoryUnavailable}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
)

// Error is the typed failure returned by every terminology operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrCodeNotFound) works
// regardless of the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Public returns the error as it should be shown to callers. Access denials are
// rendered exactly like a missing artifact.
func (e *Error) Public() *Error {
	if e.Kind == KindAccessDenied {
		return &Error{Kind: KindArtifactNotFound, Message: e.Message}
	}
	return &Error{Kind: e.Kind, Message: e.Message}
}

// Outcome converts the error to an OperationOutcome issue.
func (e *Error) Outcome() Issue {
	pub := e.Public()
	issue := Issue{
		Severity:    SeverityError,
		Diagnostics: pub.Error(),
	}
	switch pub.Kind {
	case KindArtifactNotFound:
		issue.Code = IssueTypeNotFound
	case KindCodeNotFound:
		issue.Code = IssueTypeCodeInvalid
	case KindInvalidFilter, KindInvalidRequest:
		issue.Code = IssueTypeInvalid
	case KindRepositoryUnavailable:
		issue.Code = IssueTypeTransient
	default:
		issue.Code = IssueTypeProcessing
	}
	return issue
}

// NotFound returns an ArtifactNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindArtifactNotFound, Message: fmt.Sprintf(format, args...)}
}

// CodeNotFound returns a CodeNotFound error.
func CodeNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// AccessDenied returns an AccessDenied error. The message should be the same text
// a not-found for the same artifact would carry.
func AccessDenied(format string, args ...any) *Error {
	return &Error{Kind: KindAccessDenied, Message: fmt.Sprintf(format, args...)}
}

// InvalidFilter returns an InvalidFilter error.
func InvalidFilter(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidFilter, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest returns an InvalidRequest error.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a storage failure as RepositoryUnavailable.
func Unavailable(err error, format string, args ...any) *Error {
	return &Error{Kind: KindRepositoryUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
