// Package toolrunner executes external binaries with bounded lifetimes and
// captured, UTF-8-sanitized output.
package toolrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Kind classifies how an invocation ended.
type Kind int

const (
	KindOK Kind = iota
	KindNonzero
	KindTimeout
	KindSpawn
)

// Spec describes one external tool invocation.
type Spec struct {
	Cmd     string
	Args    []string
	Dir     string
	Env     map[string]string // merged over the server's environment
	Timeout time.Duration
	Stdin   string
}

// Result captures the outcome of an invocation. Stdout and Stderr are
// decoded as UTF-8 with replacement of invalid sequences.
type Result struct {
	OK       bool
	Kind     Kind
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// TimedOut reports whether the invocation was killed by its deadline.
func (r Result) TimedOut() bool { return r.Kind == KindTimeout }

// SpawnFailed reports whether the process could not be started at all
// (binary not found, permission denied).
func (r Result) SpawnFailed() bool { return r.Kind == KindSpawn }

// Runner executes tool specs. The zero value is usable.
type Runner struct{}

// New returns a Runner.
func New() *Runner { return &Runner{} }

// Run executes the spec. The process is killed when the timeout elapses or
// ctx is canceled; no child outlives the call.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	start := time.Now()

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// #nosec G204 -- command and args come from server configuration, not request input
	cmd := exec.CommandContext(ctx, spec.Cmd, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	// Give the process a short grace window after cancellation before SIGKILL.
	cmd.WaitDelay = 100 * time.Millisecond
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Stdout:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
		Duration: duration,
		Err:      err,
	}

	switch {
	case err == nil:
		res.OK = true
		res.Kind = KindOK
		res.ExitCode = 0
	case ctx.Err() != nil:
		res.Kind = KindTimeout
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("tool timed out after %s", spec.Timeout))
		slog.Warn("Tool invocation timed out", "cmd", spec.Cmd, "timeout", spec.Timeout)
	case isSpawnError(err):
		res.Kind = KindSpawn
		res.ExitCode = -1
		slog.Warn("Tool spawn failed", "cmd", spec.Cmd, "error", err)
	default:
		res.Kind = KindNonzero
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	return res
}

func isSpawnError(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
