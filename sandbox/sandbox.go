// Package sandbox executes untrusted Python snippets out of process with a
// restricted environment, a wall-clock deadline, and capped output.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// blockedPatterns are checked before execution to reject obviously dangerous
// code. The subprocess boundary is the real isolation; this is a cheap first
// filter.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
	regexp.MustCompile(`\bexec\s*\(\s*open\b`),
	regexp.MustCompile(`shutil\.rmtree\s*\(`),
}

// truncatedSentinel marks output cut at the cap.
const truncatedSentinel = "\n... (truncated)"

// Result is the outcome of one code execution.
type Result struct {
	// Output is combined stdout and stderr, capped at the configured limit.
	Output   string
	ExitCode int
	TimedOut bool
	// Blocked is set when the code matched a prohibited pattern and never ran.
	Blocked bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the maximum execution duration. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(r *Runner) { r.maxOutput = bytes }
}

// WithWorkspace sets the working directory for executions.
// Default: the OS temp directory.
func WithWorkspace(dir string) Option {
	return func(r *Runner) { r.workspace = dir }
}

// WithEnv adds environment variables to the subprocess on top of the
// minimal base environment.
func WithEnv(vars map[string]string) Option {
	return func(r *Runner) { r.envVars = vars }
}

// Runner executes Python code via a subprocess per call. Safe for
// concurrent use.
type Runner struct {
	pythonBin string
	timeout   time.Duration
	maxOutput int
	workspace string
	envVars   map[string]string
}

// New creates a Runner that executes code via the given Python binary
// (e.g. "python3").
func New(pythonBin string, opts ...Option) *Runner {
	r := &Runner{
		pythonBin: pythonBin,
		timeout:   30 * time.Second,
		maxOutput: 64 * 1024,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes code and returns its captured output. A non-zero exit or a
// timeout is reported in the Result, not as an error; errors are reserved
// for failures to launch the subprocess at all.
func (r *Runner) Run(ctx context.Context, code string) (Result, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(code) {
			return Result{
				Output:   fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
				Blocked:  true,
			}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tmpFile, err := os.CreateTemp("", "athanor-code-*.py")
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.WriteString(code); err != nil {
		tmpFile.Close()
		return Result{}, fmt.Errorf("sandbox: write script: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, r.pythonBin, tmpFile.Name())
	cmd.Dir = r.resolveWorkspace()
	cmd.Env = r.buildEnv()

	var out strings.Builder
	capped := &cappedWriter{w: &out, max: r.maxOutput}
	cmd.Stdout = capped
	cmd.Stderr = capped

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("sandbox: start subprocess: %w", err)
	}
	err = cmd.Wait()

	result := Result{Output: out.String()}
	if capped.truncated {
		result.Output += truncatedSentinel
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}
	return result, nil
}

func (r *Runner) resolveWorkspace() string {
	if r.workspace != "" {
		return r.workspace
	}
	return os.TempDir()
}

// buildEnv constructs a minimal environment: just enough for Python to run.
func (r *Runner) buildEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
	}
	for k, v := range r.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedWriter limits capture to a maximum size but keeps draining so the
// subprocess never blocks on a full pipe.
type cappedWriter struct {
	w         *strings.Builder
	max       int
	truncated bool
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.w.Len() < cw.max {
		remaining := cw.max - cw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
			cw.truncated = true
		}
		cw.w.Write(p)
	} else if len(p) > 0 {
		cw.truncated = true
	}
	return len(p), nil
}
