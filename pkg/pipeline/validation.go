package pipeline

import "time"

// Severity ranks validation issues. Order matters: INFO < WARNING < ERROR < FATAL.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INFO":
		*s = SeverityInfo
	case "WARNING":
		*s = SeverityWarning
	case "ERROR":
		*s = SeverityError
	case "FATAL":
		*s = SeverityFatal
	default:
		*s = SeverityInfo
	}
	return nil
}

// ValidationIssue is a single finding raised by a validator
type ValidationIssue struct {
	Severity Severity `json:"severity" cbor:"severity"`
	Code     string   `json:"code" cbor:"code"`
	Message  string   `json:"message" cbor:"message"`
	Details  string   `json:"details,omitempty" cbor:"details,omitempty"`
}

// ValidationResult is produced once per content item by the validation stage
type ValidationResult struct {
	ContentID    string            `json:"content_id" cbor:"content_id"`
	Valid        bool              `json:"valid" cbor:"valid"`
	ErrorMessage string            `json:"error_message,omitempty" cbor:"error_message,omitempty"`
	Issues       []ValidationIssue `json:"issues,omitempty" cbor:"issues,omitempty"`
	Validator    string            `json:"validator,omitempty" cbor:"validator,omitempty"`
	ValidatedAt  time.Time         `json:"validated_at" cbor:"validated_at"`
}

// NewValidationResult starts a result that is valid until an ERROR or FATAL issue is added
func NewValidationResult(contentID string) *ValidationResult {
	return &ValidationResult{ContentID: contentID, Valid: true}
}

// AddIssue records an issue. Any ERROR or FATAL issue forces Valid=false.
func (r *ValidationResult) AddIssue(issue ValidationIssue) *ValidationResult {
	r.Issues = append(r.Issues, issue)
	if issue.Severity >= SeverityError {
		r.Valid = false
		if r.ErrorMessage == "" {
			r.ErrorMessage = issue.Message
		}
	}
	return r
}

// HasIssue reports whether an issue with the given code was recorded
func (r *ValidationResult) HasIssue(code string) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity recorded, or INFO when there are no issues
func (r *ValidationResult) MaxSeverity() Severity {
	max := SeverityInfo
	for _, issue := range r.Issues {
		if issue.Severity > max {
			max = issue.Severity
		}
	}
	return max
}
