package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrProcessNotFound is returned when signalling a process that no longer
// exists.
var ErrProcessNotFound = errors.New("process not found")

// Output is the captured result of a finished CLI invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Runner executes the external tunnel and deploy CLIs.
type Runner interface {
	// Run executes a command to completion. The caller bounds it with ctx.
	Run(ctx context.Context, name string, args ...string) (Output, error)
	// Start launches a detached long-running process writing to output and
	// returns its PID.
	Start(name string, args []string, output *os.File) (int, error)
	// Alive reports whether pid is a live process running binary. A PID
	// reused by an unrelated program is not alive.
	Alive(pid int, binary string) bool
	// Terminate asks pid to exit.
	Terminate(pid int) error
	// Kill forcibly stops pid.
	Kill(pid int) error
}

// ExecRunner is the [Runner] backed by os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// Run implements [Runner].
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, fmt.Errorf("%s exited with code %d", name, out.ExitCode)
	}
	return out, err
}

// Start implements [Runner]. The child runs in its own session so it
// outlives the CLI invocation that started it.
func (ExecRunner) Start(name string, args []string, output *os.File) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child while this process lives.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Alive implements [Runner].
func (ExecRunner) Alive(pid int, binary string) bool {
	if pid <= 0 || !processAlive(pid) {
		return false
	}
	image, err := processImage(pid)
	if err != nil {
		return false
	}
	return sameExecutable(image, binary)
}

// Terminate implements [Runner].
func (ExecRunner) Terminate(pid int) error { return terminateProcess(pid) }

// Kill implements [Runner].
func (ExecRunner) Kill(pid int) error { return killProcess(pid) }

// sameExecutable compares executables by base name, ignoring case and a
// trailing ".exe".
func sameExecutable(image, binary string) bool {
	norm := func(p string) string {
		p = strings.ToLower(filepath.Base(strings.TrimSpace(p)))
		return strings.TrimSuffix(p, ".exe")
	}
	a, b := norm(image), norm(binary)
	return a != "" && a != "." && a == b
}
