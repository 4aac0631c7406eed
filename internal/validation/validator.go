// Package validation checks an assembled object before it is processed.
// Validators are grouped in a Table keyed by file type; the table is built
// once at startup and only read afterwards.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ValidatorName is recorded on every result produced by a Table
const ValidatorName = "content-validation-service"

// Validator inspects data and records findings on result. Returning a
// *Rejection ends validation with a FATAL issue; any other error is
// recorded as an ERROR issue.
type Validator interface {
	Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error
}

// Func adapts a function to Validator
type Func func(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error

func (f Func) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	return f(ctx, item, data, result)
}

// Rejection is returned when the object cannot be validated at all, such as
// missing data or an invalid size.
type Rejection struct {
	Code    string
	Message string
	Details string
}

func (r *Rejection) Error() string {
	if r.Details == "" {
		return r.Message
	}
	return r.Message + ": " + r.Details
}

func reject(code, message, details string) error {
	return &Rejection{Code: code, Message: message, Details: details}
}

// Table runs the shared checks followed by the validator registered for the
// item's file type
type Table struct {
	basic     Validator
	antivirus Validator
	byType    map[pipeline.FileType]Validator
	log       zerolog.Logger
	now       func() time.Time
}

// NewTable creates a table. byType is copied.
func NewTable(basic, antivirus Validator, byType map[pipeline.FileType]Validator, log zerolog.Logger) *Table {
	m := make(map[pipeline.FileType]Validator, len(byType))
	for k, v := range byType {
		m[k] = v
	}
	return &Table{
		basic:     basic,
		antivirus: antivirus,
		byType:    m,
		log:       log.With().Str("component", "validation").Logger(),
		now:       time.Now,
	}
}

// DefaultTable builds the standard validators from cfg
func DefaultTable(cfg Config, log zerolog.Logger) *Table {
	cfg.withDefaults()
	return NewTable(
		NewBasic(cfg.MaxFileSize),
		NewAntivirus(cfg.Scanner),
		map[pipeline.FileType]Validator{
			pipeline.FileTypeImage: NewImage(cfg.Image),
			pipeline.FileTypePDF:   PDF{},
			pipeline.FileTypeText:  Text{},
		},
		log,
	)
}

// For returns the validator registered for ft
func (t *Table) For(ft pipeline.FileType) (Validator, bool) {
	v, ok := t.byType[ft]
	return v, ok
}

// Validate produces the result for item. Only context errors are returned;
// every other problem ends up as an issue on the result.
func (t *Table) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte) (*pipeline.ValidationResult, error) {
	result := pipeline.NewValidationResult(item.ContentID)
	result.Validator = ValidatorName

	steps := []Validator{t.basic, t.antivirus}
	if v, ok := t.byType[item.FileType]; ok {
		steps = append(steps, v)
	}

	for _, v := range steps {
		if v == nil {
			continue
		}
		if err := v.Validate(ctx, item, data, result); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var rej *Rejection
			if errors.As(err, &rej) {
				result.AddIssue(pipeline.ValidationIssue{
					Severity: pipeline.SeverityFatal,
					Code:     rej.Code,
					Message:  rej.Message,
					Details:  rej.Details,
				})
			} else {
				result.AddIssue(pipeline.ValidationIssue{
					Severity: pipeline.SeverityError,
					Code:     "VALIDATION_ERROR",
					Message:  "an error occurred during validation",
					Details:  err.Error(),
				})
			}
		}
		if result.MaxSeverity() == pipeline.SeverityFatal {
			break
		}
	}

	if !result.Valid && result.ErrorMessage == "" {
		result.ErrorMessage = "file validation failed"
	}
	result.ValidatedAt = t.now().UTC()

	t.log.Info().
		Str("content_id", item.ContentID).
		Str("file_type", string(item.FileType)).
		Bool("valid", result.Valid).
		Int("issues", len(result.Issues)).
		Msg("validation completed")
	return result, nil
}

// Basic checks that the object exists and its size is sane
type Basic struct {
	maxSize int64
}

// NewBasic creates the basic property check. maxSize <= 0 disables the limit.
func NewBasic(maxSize int64) *Basic {
	return &Basic{maxSize: maxSize}
}

func (b *Basic) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	if data == nil {
		return reject("NO_CONTENT_DATA", "no content data", "the assembled object could not be found")
	}
	size := int64(len(data))
	if size == 0 {
		return reject("INVALID_FILE_SIZE", "file size is invalid", "file size: 0")
	}
	if item.FileSize > 0 && item.FileSize != size {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "SIZE_MISMATCH",
			Message:  "file size does not match the declared size",
			Details:  fmt.Sprintf("declared: %d, actual: %d", item.FileSize, size),
		})
	}
	if b.maxSize > 0 && size > b.maxSize {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "FILE_TOO_LARGE",
			Message:  "file is too large",
			Details:  fmt.Sprintf("maximum: %dMB", b.maxSize>>20),
		})
	}
	return nil
}
