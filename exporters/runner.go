package exporters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/phuslu/log"
)

var (
	// ErrToolUnavailable is returned when the external command cannot be started.
	ErrToolUnavailable = errors.New("external tool unavailable")
	// ErrToolFailed is returned when the external command exits with an error or leaves no usable output.
	ErrToolFailed = errors.New("external tool failed")
	// ErrInvalidRequest is returned for requests rejected before running anything.
	ErrInvalidRequest = errors.New("invalid request")
)

// Command is one invocation of an external tool.
type Command struct {
	Name string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result holds the captured output of a command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes a command. ExecRunner is the default; tests substitute their own.
type Runner func(ctx context.Context, command Command) (Result, error)

// ExecRunner runs command as a child process, killing it when ctx is done.
func ExecRunner(ctx context.Context, command Command) (Result, error) {
	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Env = append(os.Environ(), command.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// run executes command with the runner of e and maps failures onto the package errors.
func (e *Exporter) run(ctx context.Context, command Command) (Result, error) {
	start := time.Now()
	log.Info().Str("command", command.String()).Msg("running external tool")
	result, err := e.runner(ctx, command)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		errText := strings.TrimSpace(result.Stderr)
		var execErr *exec.Error
		var pathErr *os.PathError
		if errors.As(err, &execErr) || errors.As(err, &pathErr) {
			return result, fmt.Errorf("%w: %s: %w", ErrToolUnavailable, command.Name, err)
		}
		if errText == "" {
			return result, fmt.Errorf("%w: %s: %w", ErrToolFailed, command, err)
		}
		return result, fmt.Errorf("%w: %s: %w: %s", ErrToolFailed, command, err, errText)
	}
	log.Info().Str("command", command.Name).Dur("took", time.Since(start)).Msg("external tool finished")
	return result, nil
}
