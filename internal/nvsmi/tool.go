package nvsmi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultBinary is the name of the NVIDIA diagnostic tool looked up on PATH.
const DefaultBinary = "nvidia-smi"

// Tool is the diagnostic tool as seen by the sampler.
type Tool interface {
	// Probe verifies the tool can be located and executed.
	Probe(ctx context.Context) error
	// List returns the raw output of the device listing mode.
	List(ctx context.Context) ([]byte, error)
	// Query returns the raw XML output of the full query mode.
	Query(ctx context.Context) ([]byte, error)
}

// Exec runs the diagnostic tool as a subprocess.
type Exec struct {
	path    string
	timeout time.Duration
}

// NewExec creates an Exec for the given binary. An empty path means DefaultBinary.
// A zero timeout leaves invocations unbounded.
func NewExec(path string, timeout time.Duration) *Exec {
	if path == "" {
		path = DefaultBinary
	}
	return &Exec{
		path:    path,
		timeout: timeout,
	}
}

// Path returns the binary the tool invokes.
func (e *Exec) Path() string {
	return e.path
}

// Probe implements Tool.Probe. It leaves the Exec unchanged, so it may run
// concurrently with List and Query.
func (e *Exec) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(e.path); err != nil {
		return &EnvironmentError{Path: e.path, Err: fmt.Errorf("%w: %v", ErrToolNotFound, err)}
	}

	if _, err := e.run(ctx); err != nil {
		return &EnvironmentError{Path: e.path, Err: err}
	}
	return nil
}

// List implements Tool.List
func (e *Exec) List(ctx context.Context) ([]byte, error) {
	return e.run(ctx, "-L")
}

// Query implements Tool.Query
func (e *Exec) Query(ctx context.Context) ([]byte, error) {
	return e.run(ctx, "-q", "-x")
}

func (e *Exec) run(ctx context.Context, args ...string) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the tool may hold the output pipes after it is killed.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrToolNotFound, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run %s %s: %w: %s", e.path, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("run %s %s: %w", e.path, strings.Join(args, " "), err)
	}

	return stdout.Bytes(), nil
}
