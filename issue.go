package oclfhir

// IssueSeverity represents the severity of an operation issue.
// Maps to OperationOutcome.issue.severity in FHIR.
type IssueSeverity string

const (
	// SeverityFatal indicates the operation could not continue.
	SeverityFatal IssueSeverity = "fatal"
	// SeverityError indicates the operation failed.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates the operation succeeded but something was skipped.
	SeverityWarning IssueSeverity = "warning"
	// SeverityInformation indicates informational feedback.
	SeverityInformation IssueSeverity = "information"
)

// IssueType represents the type of an operation issue.
// Maps to OperationOutcome.issue.code in FHIR.
type IssueType string

const (
	IssueTypeInvalid       IssueType = "invalid"
	IssueTypeProcessing    IssueType = "processing"
	IssueTypeNotFound      IssueType = "not-found"
	IssueTypeCodeInvalid   IssueType = "code-invalid"
	IssueTypeTransient     IssueType = "transient"
	IssueTypeInformational IssueType = "informational"
	IssueTypeNotSupported  IssueType = "not-supported"
	IssueTypeIncomplete    IssueType = "incomplete"
)

// Issue is a single OperationOutcome.issue entry. Engines attach warnings to
// successful results (for example a skipped optional include) and errors are
// converted with (*Error).Outcome.
type Issue struct {
	Severity    IssueSeverity `json:"severity"`
	Code        IssueType     `json:"code"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	// Expression points at the offending parameter or compose rule, e.g. "compose.include[1]".
	Expression []string `json:"expression,omitempty"`
}

// IsError returns true if this is an error or fatal issue.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// IsWarning returns true if this is a warning.
func (i Issue) IsWarning() bool {
	return i.Severity == SeverityWarning
}

// String returns a human-readable representation of the issue.
func (i Issue) String() string {
	path := ""
	if len(i.Expression) > 0 {
		path = " at " + i.Expression[0]
	}
	return string(i.Severity) + ": " + i.Diagnostics + path
}

// Warn builds a warning issue.
func Warn(code IssueType, diagnostics string, expression ...string) Issue {
	return Issue{Severity: SeverityWarning, Code: code, Diagnostics: diagnostics, Expression: expression}
}

// Outcome is a minimal OperationOutcome document.
type Outcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// NewOutcome wraps issues in an OperationOutcome.
func NewOutcome(issues ...Issue) Outcome {
	return Outcome{ResourceType: "OperationOutcome", Issue: issues}
}
