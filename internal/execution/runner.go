// Package execution runs session code against per-language toolchains, either
// on the host or inside throwaway docker containers.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// Execution modes
const (
	ModeLocal  = "local"
	ModeDocker = "docker"
)

// timeoutExitCode matches the exit status of coreutils timeout(1).
const timeoutExitCode = 124

// Config configures a Runner.
type Config struct {
	Mode         string
	Timeout      time.Duration
	OutputLimit  int // bytes kept per stream
	MemoryLimit  string
	CPULimit     string
	DockerBinary string
	WorkDir      string   // parent of per-run directories; empty uses os.TempDir
	Languages    []string // empty enables every built-in language
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeLocal,
		Timeout:      10 * time.Second,
		OutputLimit:  64 * 1024,
		MemoryLimit:  "128m",
		CPULimit:     "0.5",
		DockerBinary: "docker",
	}
}

// Validate checks the runner configuration.
func (c Config) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeDocker {
		return ErrInvalidMode
	}
	if c.Timeout <= 0 {
		return errors.New("execution timeout must be positive")
	}
	if c.OutputLimit <= 0 {
		return errors.New("execution output limit must be positive")
	}
	if _, unknown := Builtin(c.Languages); len(unknown) > 0 {
		return fmt.Errorf("unknown languages: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Runner implements interfaces.Executor. It keeps no state between calls.
type Runner struct {
	cfg       Config
	languages map[string]Language
	log       zerolog.Logger
}

// NewRunner validates cfg and builds a runner.
func NewRunner(cfg Config, log zerolog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	langs, _ := Builtin(cfg.Languages)
	return &Runner{
		cfg:       cfg,
		languages: langs,
		log:       log.With().Str("component", "executor").Str("mode", cfg.Mode).Logger(),
	}, nil
}

// Supports reports whether language is in the registry.
func (r *Runner) Supports(language string) bool {
	_, ok := r.languages[language]
	return ok
}

// Languages returns the enabled language names, sorted.
func (r *Runner) Languages() []string {
	return sortedNames(r.languages)
}

// Describe returns the enabled language definitions, sorted by name.
func (r *Runner) Describe() []Language {
	names := sortedNames(r.languages)
	out := make([]Language, len(names))
	for i, name := range names {
		out[i] = r.languages[name]
	}
	return out
}

// Execute writes the source to a fresh directory, compiles it if the
// language needs it and runs it under the configured wall-clock limit. The
// directory is removed afterwards whatever the outcome.
func (r *Runner) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	lang, ok := r.languages[req.Language]
	if !ok {
		return nil, ErrUnsupportedLanguage
	}

	dir, err := os.MkdirTemp(r.cfg.WorkDir, "codespace-run-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove work dir")
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, lang.FileName), []byte(req.Source), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var result *types.ExecutionResult
	if r.cfg.Mode == ModeDocker {
		result, err = r.runDocker(runCtx, dir, lang)
	} else {
		result, err = r.runLocal(runCtx, dir, lang)
	}
	if result != nil {
		result.Duration = time.Since(start)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return r.timedOut(start, result)
	}
	if err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("language", lang.Name).
		Str("status", result.Status).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("execution complete")
	return result, nil
}

func (r *Runner) timedOut(start time.Time, partial *types.ExecutionResult) (*types.ExecutionResult, error) {
	msg := fmt.Sprintf("execution timed out after %s", r.cfg.Timeout)
	result := &types.ExecutionResult{
		Error:    msg,
		Status:   types.ExecutionTimeout,
		ExitCode: timeoutExitCode,
		Duration: time.Since(start),
	}
	if partial != nil {
		result.Output = partial.Output
	}
	return result, fmt.Errorf("%w after %s", ErrTimedOut, r.cfg.Timeout)
}

func (r *Runner) runLocal(ctx context.Context, dir string, lang Language) (*types.ExecutionResult, error) {
	env := append(os.Environ(),
		"HOME="+dir,
		"TMPDIR="+dir,
		"GOCACHE="+filepath.Join(dir, ".gocache"),
	)

	if len(lang.Compile) > 0 {
		res, err := r.run(ctx, dir, env, lang, lang.Compile)
		if err != nil || res.ExitCode != 0 {
			return res, err
		}
	}
	return r.run(ctx, dir, env, lang, lang.Run)
}

func (r *Runner) runDocker(ctx context.Context, dir string, lang Language) (*types.ExecutionResult, error) {
	script := strings.Join(lang.Run, " ")
	if len(lang.Compile) > 0 {
		script = strings.Join(lang.Compile, " ") + " && " + script
	}

	name := "codespace-" + uuid.New().String()
	argv := []string{
		r.cfg.DockerBinary, "run", "--rm",
		"--name", name,
		"--network=none",
		"--memory=" + r.cfg.MemoryLimit,
		"--cpus=" + r.cfg.CPULimit,
		"--pids-limit=64",
		"-e", "HOME=/tmp",
		"-v", dir + ":/workspace",
		"-w", "/workspace",
		lang.Image,
		"sh", "-c", script,
	}

	res, err := r.run(ctx, dir, nil, lang, argv)
	if ctx.Err() != nil {
		r.killContainer(name)
	}
	return res, err
}

// killContainer stops a container whose docker client was killed on timeout.
func (r *Runner) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, r.cfg.DockerBinary, "kill", name).Run(); err != nil {
		r.log.Debug().Err(err).Str("container", name).Msg("container kill failed")
	}
}

// run executes one command and captures its output. A non-zero exit is a
// result, not an error.
func (r *Runner) run(ctx context.Context, dir string, env []string, lang Language, argv []string) (*types.ExecutionResult, error) {
	stdout := &cappedBuffer{limit: r.cfg.OutputLimit}
	stderr := &cappedBuffer{limit: r.cfg.OutputLimit}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	result := &types.ExecutionResult{
		Output: stdout.String(),
		Error:  stderr.String(),
		Status: types.ExecutionSuccess,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.Status = types.ExecutionError
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		return nil, interfaces.NewError(interfaces.ErrInternal,
			fmt.Sprintf("%s toolchain is not installed (%s)", lang.Display, argv[0]))
	default:
		if ctx.Err() != nil {
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	switch {
	case remaining <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

var _ interfaces.Executor = (*Runner)(nil)
