package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/screener"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command succeeded
	ExitFailure      = 1 // request rejected or screen failed
	ExitCommandError = 2 // bad invocation: unreadable input, unreachable server
)

// ErrCodeCommand tags failures that are not screener error codes.
const ErrCodeCommand = "COMMAND_ERROR"

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from err. Errors that are not
// ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or JSON envelopes.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	InvocationID string `json:"invocation_id,omitempty"`
}

// Texter renders a result for text output.
type Texter interface {
	Text(w io.Writer)
}

// Success writes data. In text mode data should implement Texter; anything
// else is printed with fmt.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if t, ok := data.(Texter); ok {
		t.Text(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Fail writes e and returns the ExitError the command should return.
func (f *OutputFormatter) Fail(exitCode int, e CLIError, cause error) error {
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: &e}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", e.Code, e.Message)
		if e.InvocationID != "" {
			fmt.Fprintf(f.Writer, "Invocation: %s\n", e.InvocationID)
		}
	}
	return &ExitError{Code: exitCode, Message: e.Code, Err: cause}
}

// FailErr reports err, using its screener code and invocation id when it
// has them.
func (f *OutputFormatter) FailErr(err error) error {
	id := screener.InvocationIDOf(err)
	if ce := codedError(err); ce != nil {
		return f.Fail(ExitFailure, CLIError{Code: string(ce.Code), Message: ce.Message, InvocationID: id}, err)
	}
	return f.Fail(ExitCommandError, CLIError{Code: ErrCodeCommand, Message: err.Error(), InvocationID: id}, err)
}

func codedError(err error) *errs.Error {
	var ce *errs.Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// VerboseLog writes a diagnostic line to ErrWriter when verbose is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
