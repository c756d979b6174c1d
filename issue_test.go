package oclfhir

import (
	"errors"
	"fmt"
	"testing"
)

func TestIssue_IsError(t *testing.T) {
	tests := []struct {
		severity IssueSeverity
		want     bool
	}{
		{SeverityFatal, true},
		{SeverityError, true},
		{SeverityWarning, false},
		{SeverityInformation, false},
	}

	for _, tt := range tests {
		issue := Issue{Severity: tt.severity}
		if got := issue.IsError(); got != tt.want {
			t.Errorf("Issue{Severity: %s}.IsError() = %v; want %v", tt.severity, got, tt.want)
		}
	}
}

func TestIssue_String(t *testing.T) {
	issue := Warn(IssueTypeNotFound, "value set not found: http://x/vs", "compose.include[0]")
	want := "warning: value set not found: http://x/vs at compose.include[0]"
	if got := issue.String(); got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("expand: %w", CodeNotFound("code %q not found", "Z99"))

	if !errors.Is(err, ErrCodeNotFound) {
		t.Error("errors.Is(err, ErrCodeNotFound) = false; want true")
	}
	if errors.Is(err, ErrArtifactNotFound) {
		t.Error("errors.Is(err, ErrArtifactNotFound) = true; want false")
	}
	if got := KindOf(err); got != KindCodeNotFound {
		t.Errorf("KindOf() = %q; want %q", got, KindCodeNotFound)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q; want empty", got)
	}
}

func TestError_PublicHidesAccessDenied(t *testing.T) {
	denied := AccessDenied("CodeSystem not found: %s", "/orgs/WHO/CodeSystems/ICD-10")
	missing := NotFound("CodeSystem not found: %s", "/orgs/WHO/CodeSystems/ICD-10")

	if denied.Public().Error() != missing.Public().Error() {
		t.Errorf("Public() = %q; want %q", denied.Public().Error(), missing.Public().Error())
	}
	if denied.Public().Kind != KindArtifactNotFound {
		t.Errorf("Public().Kind = %q; want %q", denied.Public().Kind, KindArtifactNotFound)
	}
	got, want := denied.Outcome(), missing.Outcome()
	if got.Code != want.Code || got.Diagnostics != want.Diagnostics {
		t.Errorf("Outcome() = %v; want %v", got, want)
	}
}

func TestError_Outcome(t *testing.T) {
	tests := []struct {
		err  *Error
		want IssueType
	}{
		{NotFound("x"), IssueTypeNotFound},
		{CodeNotFound("x"), IssueTypeCodeInvalid},
		{InvalidFilter("x"), IssueTypeInvalid},
		{InvalidRequest("x"), IssueTypeInvalid},
		{Unavailable(errors.New("dial"), "x"), IssueTypeTransient},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			if got := tt.err.Outcome().Code; got != tt.want {
				t.Errorf("Outcome().Code = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := Unavailable(errors.New("connection refused"), "load versions")
	if got, want := err.Error(), "load versions: connection refused"; got != want {
		t.Errorf("Error() = %q; want %q", got, want)
	}
	if !errors.Is(err, ErrRepositoryUnavailable) {
		t.Error("errors.Is(err, ErrRepositoryUnavailable) = false")
	}
}
