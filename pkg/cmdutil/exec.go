package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains environment variables for the command.
	// Each entry should be in the form "KEY=value". Nil inherits the parent environment.
	Env []string
}

// Result contains the result of a command execution.
type Result struct {
	// Output is the combined stdout and stderr.
	Output []byte

	// ExitCode is the exit code of the command, or -1 if it never started.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// Run executes a command and waits for it to finish.
// The command is provided as a slice of arguments (command and its arguments).
// The returned Result is never nil, even on error.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	result := &Result{ExitCode: -1}

	if len(cmdParts) == 0 {
		return result, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	start := time.Now()
	output, err := cmd.CombinedOutput()
	result.Output = output
	result.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command timed out after %s: %w", opts.Timeout, err)
		}
		return result, fmt.Errorf("command failed: %w", err)
	}

	return result, nil
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"afplay -v 1 \"/Library/My Sounds/ping.aiff\"" -> ["afplay", "-v", "1", "/Library/My Sounds/ping.aiff"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// ParseCommandTemplate parses a shell-quoted command string and then replaces
// {{KEY}} placeholders inside each argument with values from data.
//
// Substitution happens after splitting, so a value containing spaces or quotes
// stays a single argument.
func ParseCommandTemplate(cmdStr string, data map[string]string) ([]string, error) {
	parts, err := ParseCommandString(cmdStr)
	if err != nil {
		return nil, err
	}

	for i, part := range parts {
		for key, value := range data {
			part = strings.ReplaceAll(part, "{{"+key+"}}", value)
		}
		parts[i] = part
	}

	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["afplay", "/tmp/my sound.aiff"] -> "afplay '/tmp/my sound.aiff'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}
