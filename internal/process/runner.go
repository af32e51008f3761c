package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"bridgectl/pkg/logging"
)

const processSubsystem = "Process"

// execCommandContext is overridden in tests.
var execCommandContext = exec.CommandContext

// lookPath is overridden in tests.
var lookPath = exec.LookPath

// waitDelay bounds how long Wait keeps copying output after the process exits
// or is killed, so grandchildren holding the pipes cannot block a step forever.
const waitDelay = 2 * time.Second

// ErrToolNotFound is returned when the requested binary is not on PATH.
var ErrToolNotFound = errors.New("tool not found")

// CommandError describes a command that ran but exited unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Runner executes subordinate commands. Exec is the real implementation;
// drivers accept the interface so tests can script command output.
type Runner interface {
	// LookPath reports where a binary lives, or ErrToolNotFound.
	LookPath(name string) (string, error)
	// Output runs a short command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Stream runs a command and hands every stdout and stderr line to onLine
	// as it is produced. Cancelling ctx kills the whole process group and
	// Stream returns only after the process has exited.
	Stream(ctx context.Context, onLine func(line string), name string, args ...string) error
	// Start launches a long running process that outlives ctx.
	Start(spec Spec) (*Process, error)
}

// Exec runs commands on the local host.
type Exec struct{}

// NewExec returns the host command runner.
func NewExec() *Exec {
	return &Exec{}
}

func (e *Exec) LookPath(name string) (string, error) {
	path, err := lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return path, nil
}

func (e *Exec) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := execCommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err != nil {
		return stdout.String(), commandError(ctx, cmd, name, args, err, stderr.String())
	}
	return stdout.String(), nil
}

func (e *Exec) Stream(ctx context.Context, onLine func(line string), name string, args ...string) error {
	cmd := execCommandContext(ctx, name, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var tail lineTail
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			tail.add(line)
			if onLine != nil {
				onLine(line)
			}
		}
		// drain so the writer side never blocks
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		return commandError(ctx, cmd, name, args, err, "")
	}
	logging.Debug(processSubsystem, "Started %s (pid %d)", name, cmd.Process.Pid)

	err := cmd.Wait()
	pw.Close()
	wg.Wait()
	if err != nil {
		return commandError(ctx, cmd, name, args, err, tail.String())
	}
	return nil
}

func commandError(ctx context.Context, cmd *exec.Cmd, name string, args []string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{
			Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
			ExitCode: exitCodeOf(exitErr.ProcessState),
			Stderr:   strings.TrimSpace(stderr),
		}
	}
	return fmt.Errorf("run %s: %w", name, err)
}

// lineTail keeps the last few output lines for error messages.
type lineTail struct {
	mu    sync.Mutex
	lines []string
}

const tailLines = 5

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
