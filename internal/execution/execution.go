// Package execution implements the three code-execution flavors atop
// ContainerRunner and ScriptBuilder: a stateless chart renderer, a
// session-scoped shell command, and a session-scoped two-phase Python
// script. Grounded on original_source/src/main.py's three endpoint
// bodies and src/utils/cleanup.py's temp-dir cleanup.
package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cuemby/sandboxctl/internal/runner"
	"github.com/cuemby/sandboxctl/internal/sberrors"
	"github.com/cuemby/sandboxctl/internal/scripting"
)

// Runner is the slice of *runner.Runner every flavor depends on.
type Runner interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

const chartWorkdir = "/chart_temp"
const outputFilename = "output.png"
const scriptFilename = "script.py"
const tailLines = 10

// Chart renders a user's matplotlib code into a PNG. Stateless: no
// session, no volume, a fresh host temp directory per call that is
// always removed before Run returns.
type Chart struct {
	runner Runner
	image  string
	log    *logrus.Entry
}

// NewChart constructs a Chart facade.
func NewChart(r Runner, image string, log *logrus.Entry) *Chart {
	return &Chart{runner: r, image: image, log: log}
}

// Run executes code and returns the rendered PNG bytes, or a typed
// error (UserExecutionError for a nonzero exit, EngineError if the
// script exited 0 but produced no file).
func (c *Chart) Run(ctx context.Context, code string, timeout time.Duration, memLimit string) ([]byte, error) {
	tempDir, err := os.MkdirTemp("", "sandbox-chart-*")
	if err != nil {
		return nil, sberrors.EngineErrorf("create chart temp dir: %v", err)
	}
	// The temp dir MUST be gone on every exit path, success or failure.
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			c.log.WithError(rmErr).Warn("failed to clean up chart temp dir")
		}
	}()

	source := scripting.Build(code, outputFilename)
	scriptPath := filepath.Join(tempDir, scriptFilename)
	if err := os.WriteFile(scriptPath, []byte(source), 0o644); err != nil {
		return nil, sberrors.EngineErrorf("write chart script: %v", err)
	}

	res, err := c.runner.Run(ctx, runner.Request{
		Argv:        []string{"python", chartWorkdir + "/" + scriptFilename},
		Image:       c.image,
		WorkingDir:  chartWorkdir,
		TempMounts:  []runner.Mount{{HostPath: tempDir, Bind: chartWorkdir}},
		Timeout:     timeout,
		Network:     "none",
		MemoryLimit: memLimit,
	})
	if err != nil {
		return nil, err
	}

	c.log.Info(res.Stdout)
	if res.Stderr != "" {
		c.log.Warn(res.Stderr)
	}

	if res.ExitCode != 0 {
		return nil, sberrors.UserExecutionf(
			"Python script execution failed (Exit Code: %d).\nStderr (last %d lines):\n%s",
			res.ExitCode, tailLines, tail(res.Stderr, tailLines))
	}

	outputPath := filepath.Join(tempDir, outputFilename)
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, sberrors.EngineErrorf(
			"script exited 0 but produced no output file.\nStdout (last %d lines):\n%s\nStderr (last %d lines):\n%s",
			tailLines, tail(res.Stdout, tailLines), tailLines, tail(res.Stderr, tailLines))
	}
	return data, nil
}

// Shell runs a single user-provided command string, session-scoped,
// with network access.
type Shell struct {
	runner    Runner
	image     string
	workspace string
}

// NewShell constructs a Shell facade.
func NewShell(r Runner, image, workspace string) *Shell {
	return &Shell{runner: r, image: image, workspace: workspace}
}

// Run wraps command in a strict-mode bash invocation and returns its
// result verbatim; a nonzero exit is part of the successful response,
// not a transport error.
func (s *Shell) Run(ctx context.Context, sessionID, command string, environment map[string]string, timeout time.Duration, memLimit string) (runner.Result, error) {
	if strings.TrimSpace(command) == "" {
		return runner.Result{}, sberrors.Validationf("shell command cannot be empty")
	}
	if sessionID == "" {
		return runner.Result{}, sberrors.Validationf("session_id cannot be empty")
	}

	wrapped := fmt.Sprintf("set -e; set -o pipefail; %s", command)
	return s.runner.Run(ctx, runner.Request{
		Argv:        []string{"bash", "-c", wrapped},
		Image:       s.image,
		WorkingDir:  s.workspace,
		SessionID:   sessionID,
		Environment: environment,
		Timeout:     timeout,
		Network:     "bridge",
		MemoryLimit: memLimit,
	})
}

// Script runs a user-provided Python program, session-scoped, in two
// phases: write script.py into the workspace volume (no network),
// then execute it (bridge network).
type Script struct {
	runner    Runner
	image     string
	workspace string
}

// NewScript constructs a Script facade.
func NewScript(r Runner, image, workspace string) *Script {
	return &Script{runner: r, image: image, workspace: workspace}
}

// Run writes code to <workspace>/script.py then executes it, returning
// the execution phase's result verbatim. A nonzero exit from the write
// phase is a ServerError, since it reflects infrastructure trouble
// rather than the user's code.
func (s *Script) Run(ctx context.Context, sessionID, code string, environment map[string]string, timeout time.Duration, memLimit string) (runner.Result, error) {
	if strings.TrimSpace(code) == "" {
		return runner.Result{}, sberrors.Validationf("python code cannot be empty")
	}
	if sessionID == "" {
		return runner.Result{}, sberrors.Validationf("session_id cannot be empty")
	}

	writeCmd := fmt.Sprintf("set -e; printf '%%s' %s > %s", singleQuote(code), scriptFilename)
	writeRes, err := s.runner.Run(ctx, runner.Request{
		Argv:        []string{"bash", "-c", writeCmd},
		Image:       s.image,
		WorkingDir:  s.workspace,
		SessionID:   sessionID,
		Timeout:     timeout,
		Network:     "none",
		MemoryLimit: memLimit,
	})
	if err != nil {
		return runner.Result{}, err
	}
	if writeRes.ExitCode != 0 {
		return runner.Result{}, sberrors.EngineErrorf(
			"failed to write script to workspace (Exit Code: %d). Stderr: %s",
			writeRes.ExitCode, writeRes.Stderr)
	}

	return s.runner.Run(ctx, runner.Request{
		Argv:        []string{"python", scriptFilename},
		Image:       s.image,
		WorkingDir:  s.workspace,
		SessionID:   sessionID,
		Environment: environment,
		Timeout:     timeout,
		Network:     "bridge",
		MemoryLimit: memLimit,
	})
}

// singleQuote implements the shell-quoting rule spec.md §4.5 requires
// for the script write phase: single-quote wrap, escape internal '.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail returns the last n lines of s, joined by newlines.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
