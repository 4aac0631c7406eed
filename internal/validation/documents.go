package validation

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

var (
	pdfMagic = []byte("%PDF-")
	pdfEOF   = []byte("%%EOF")
)

// PDF checks the document header and trailer
type PDF struct{}

func (PDF) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	if !bytes.HasPrefix(data, pdfMagic) {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "INVALID_PDF",
			Message:  "file is not a valid PDF document",
			Details:  "missing %PDF- header",
		})
		return nil
	}
	tail := data
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	if !bytes.Contains(tail, pdfEOF) {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityWarning,
			Code:     "PDF_TRUNCATED",
			Message:  "PDF document may be truncated",
			Details:  "missing %%EOF marker",
		})
	}
	return nil
}

// Text warns about content that is not UTF-8
type Text struct{}

func (Text) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	if !utf8.Valid(data) {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityWarning,
			Code:     "NOT_UTF8",
			Message:  "text is not valid UTF-8",
		})
	}
	return nil
}
