package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// EICAR is the industry standard antivirus test signature
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// Scanner looks for malware in data. threat names the match when infected.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (infected bool, threat string, err error)
}

// SignatureScanner matches fixed byte signatures
type SignatureScanner struct {
	signatures map[string][]byte
}

// NewSignatureScanner creates a scanner that knows the EICAR test signature
// plus any extra named signatures
func NewSignatureScanner(extra map[string][]byte) *SignatureScanner {
	sigs := map[string][]byte{"EICAR-Test-File": []byte(EICAR)}
	for name, sig := range extra {
		sigs[name] = sig
	}
	return &SignatureScanner{signatures: sigs}
}

func (s *SignatureScanner) Scan(ctx context.Context, data []byte) (bool, string, error) {
	for name, sig := range s.signatures {
		if len(sig) > 0 && bytes.Contains(data, sig) {
			return true, name, nil
		}
	}
	return false, "", nil
}

// CommandScanner pipes data into an external scanner such as clamscan.
// Exit status 0 is clean, 1 is infected, anything else is a scan error.
type CommandScanner struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewClamScanner runs clamscan reading from stdin
func NewClamScanner(command string, timeout time.Duration) *CommandScanner {
	if command == "" {
		command = "clamscan"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CommandScanner{Command: command, Args: []string{"--no-summary", "-"}, Timeout: timeout}
}

func (s *CommandScanner) Scan(ctx context.Context, data []byte) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(data)
	var out bytes.Buffer
	cmd.Stdout = &out

	err := cmd.Run()
	if err == nil {
		return false, "", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, string(bytes.TrimSpace(out.Bytes())), nil
	}
	return false, "", fmt.Errorf("%s: %w", s.Command, err)
}

// Antivirus turns scanner results into issues. A nil scanner disables it.
type Antivirus struct {
	scanner Scanner
}

func NewAntivirus(scanner Scanner) *Antivirus {
	return &Antivirus{scanner: scanner}
}

func (a *Antivirus) Validate(ctx context.Context, item *pipeline.ContentItem, data []byte, result *pipeline.ValidationResult) error {
	if a.scanner == nil {
		return nil
	}
	infected, threat, err := a.scanner.Scan(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityError,
			Code:     "SCAN_ERROR",
			Message:  "virus scan could not be completed",
			Details:  err.Error(),
		})
		return nil
	}
	if infected {
		result.AddIssue(pipeline.ValidationIssue{
			Severity: pipeline.SeverityFatal,
			Code:     "VIRUS_DETECTED",
			Message:  "malicious code was detected in the file",
			Details:  threat,
		})
	}
	return nil
}
