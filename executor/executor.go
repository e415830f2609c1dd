// Package executor performs single agent invocations inside a sandbox:
// stage input files, spawn the agent CLI, stream its stdout, enforce
// the timeout, collect output artifacts, and hand back a typed result.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

const (
	defaultWorkingDir = "/home/user/workspace"
	defaultTimeout    = 10 * time.Minute

	promptFile   = "worker_task/user_prompt.txt"
	systemFile   = "worker_task/system_prompt.txt"
	skillsFile   = "worker_task/skills.txt"
	resultFile   = "output/result.json"
	outputDir    = "output"
)

// apiKeyEnv maps agent families to the environment variable their CLI
// reads the API key from.
var apiKeyEnv = map[string]string{
	FamilyClaude:   "ANTHROPIC_API_KEY",
	FamilyCodex:    "OPENAI_API_KEY",
	FamilyGemini:   "GEMINI_API_KEY",
	FamilyQwen:     "DASHSCOPE_API_KEY",
	FamilyKimi:     "MOONSHOT_API_KEY",
	FamilyOpencode: "OPENCODE_API_KEY",
}

// Config describes the agent CLI this executor drives.
type Config struct {
	// Family selects settings dirs, config writers and cost
	// attribution: claude, codex, gemini, qwen, kimi, opencode.
	Family string
	// Binary is the agent CLI executable.
	Binary string
	// Args are passed to the CLI. The prompt is staged at
	// worker_task/user_prompt.txt by convention.
	Args []string
	// Model is recorded on checkpoints. It is not added to the CLI's
	// arguments or environment.
	Model string
	// WorkingDir is the sandbox staging root; defaults to
	// /home/user/workspace.
	WorkingDir string
	// OutputDirs are collected after the run, relative to WorkingDir;
	// defaults to ["output"].
	OutputDirs []string
	// Auth carries the agent credentials.
	Auth Auth
	// Env is extra environment for every invocation.
	Env map[string]string
	// SessionTag attributes spend for this session.
	SessionTag string
}

// CLIExecutor implements core.Executor over a sandbox provider.
type CLIExecutor struct {
	provider core.SandboxProvider
	cfg      Config
	parser   StreamParser
	logger   core.Logger
	ckpt     *checkpoint.Manager
	reuse    bool
	runID    string

	mu               sync.Mutex
	sandbox          core.Sandbox
	current          core.Process
	lastCheckpointID string
}

// Option configures a CLIExecutor.
type Option func(*CLIExecutor)

// WithLogger sets the executor logger.
func WithLogger(logger core.Logger) Option {
	return func(e *CLIExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithParser overrides the stdout stream parser.
func WithParser(p StreamParser) Option {
	return func(e *CLIExecutor) {
		if p != nil {
			e.parser = p
		}
	}
}

// WithCheckpointManager enables checkpointing: restore on demand and
// auto-checkpoint after successful foreground runs.
func WithCheckpointManager(m *checkpoint.Manager) Option {
	return func(e *CLIExecutor) {
		e.ckpt = m
	}
}

// WithSessionReuse keeps one sandbox alive across invocations instead
// of creating a fresh one per run.
func WithSessionReuse(reuse bool) Option {
	return func(e *CLIExecutor) {
		e.reuse = reuse
	}
}

// New validates the configuration and builds an executor.
func New(provider core.SandboxProvider, cfg Config, opts ...Option) (*CLIExecutor, error) {
	if provider == nil {
		return nil, core.ErrNoSandboxProvider
	}
	if cfg.Binary == "" {
		return nil, fmt.Errorf("agent binary is required: %w", core.ErrInvalidArgument)
	}
	if err := cfg.Auth.validate(cfg.Family); err != nil {
		return nil, err
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = defaultWorkingDir
	}
	if len(cfg.OutputDirs) == 0 {
		cfg.OutputDirs = []string{outputDir}
	}
	if cfg.SessionTag == "" {
		cfg.SessionTag = "evolve-" + core.RandomHex(4)
	}

	e := &CLIExecutor{
		provider: provider,
		cfg:      cfg,
		parser:   JSONLinesParser{},
		logger:   &core.NoOpLogger{},
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute implements core.Executor. Failures are returned in-band.
func (e *CLIExecutor) Execute(ctx context.Context, files core.FileMap, prompt string, opts core.ExecOptions) *core.ExecResult {
	tag := opts.TagPrefix + "-" + core.RandomHex(3)
	start := time.Now()
	defer telemetry.Duration("executor.invocation.ms", start, "family", e.cfg.Family)

	fail := func(sandboxID string, err error) *core.ExecResult {
		telemetry.RecordError("executor.failures", errorKind(err), "family", e.cfg.Family)
		return &core.ExecResult{
			Status:    core.StatusError,
			Tag:       tag,
			SandboxID: sandboxID,
			Error:     err.Error(),
		}
	}

	sb, fresh, err := e.acquireSandbox(ctx)
	if err != nil {
		return fail("", err)
	}
	if fresh && !e.reuse {
		defer func() {
			if err := sb.Kill(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("sandbox teardown failed", map[string]interface{}{
					"sandbox_id": sb.ID(), "error": err.Error(),
				})
			}
		}()
	}

	if err := e.stageFiles(ctx, sb, files, prompt, opts); err != nil {
		return fail(sb.ID(), err)
	}

	exitCode, runErr := e.runAgent(ctx, sb, opts)
	if runErr != nil {
		return fail(sb.ID(), runErr)
	}

	collected, err := e.collectOutputs(ctx, sb)
	if err != nil {
		return fail(sb.ID(), err)
	}

	result := &core.ExecResult{
		Status:    core.StatusSuccess,
		Files:     collected,
		Tag:       tag,
		SandboxID: sb.ID(),
	}
	if exitCode != 0 {
		result.Status = core.StatusError
		result.Error = fmt.Sprintf("agent exited %d: %s", exitCode, core.ErrAgentFailure)
	}

	if opts.Schema != nil && result.Status == core.StatusSuccess {
		raw, ok := collected[resultFile]
		if !ok {
			result.Status = core.StatusError
			result.Error = fmt.Sprintf("no %s produced: %s", resultFile, core.ErrSchemaMismatch)
		} else if data, err := opts.Schema.Parse(raw); err != nil {
			result.Status = core.StatusError
			result.Error = err.Error()
		} else {
			result.Data = data
		}
	}

	e.maybeAutoCheckpoint(ctx, sb, exitCode, opts, result)
	return result
}

func (e *CLIExecutor) stageFiles(ctx context.Context, sb core.Sandbox, files core.FileMap, prompt string, opts core.ExecOptions) error {
	staged := make(core.FileMap, len(files)+3)
	staged.Merge(files)
	staged[promptFile] = []byte(prompt)
	if opts.SystemPrompt != "" {
		staged[systemFile] = []byte(opts.SystemPrompt)
	}
	if len(opts.Skills) > 0 {
		staged[skillsFile] = []byte(strings.Join(opts.Skills, "\n"))
	}

	dirs := map[string]bool{e.cfg.WorkingDir: true}
	for _, p := range staged.Paths() {
		dir := path.Dir(p)
		if dir != "." {
			dirs[e.cfg.WorkingDir+"/"+dir] = true
		}
	}
	for dir := range dirs {
		if err := sb.MakeDir(ctx, dir); err != nil {
			return fmt.Errorf("staging %s: %w", dir, err)
		}
	}
	for _, p := range staged.Paths() {
		if err := sb.WriteFile(ctx, e.cfg.WorkingDir+"/"+p, staged[p]); err != nil {
			return fmt.Errorf("staging %s: %w", p, err)
		}
	}
	return nil
}

// runAgent spawns the CLI, streams stdout through the parser, and waits
// for exit or timeout. On timeout the process is killed and an error is
// returned with a timeout marker.
func (e *CLIExecutor) runAgent(ctx context.Context, sb core.Sandbox, opts core.ExecOptions) (int, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := mergeEnv(
		e.cfg.Env,
		costAttributionEnv(e.cfg.Family, e.cfg.SessionTag, e.runID, e.cfg.Env),
		e.authEnv(),
	)
	cmd := e.cfg.Binary
	if len(e.cfg.Args) > 0 {
		cmd += " " + strings.Join(e.cfg.Args, " ")
	}

	proc, err := sb.SpawnCommand(runCtx, cmd, core.SpawnOptions{Cwd: e.cfg.WorkingDir, Env: env})
	if err != nil {
		return 0, fmt.Errorf("spawning agent: %w", err)
	}
	e.setCurrent(proc)
	defer e.setCurrent(nil)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if ev, ok := e.parser.ParseLine(scanner.Text()); ok && opts.OnEvent != nil {
				opts.OnEvent(ev)
			}
		}
	}()

	type waitOutcome struct {
		code int
		err  error
	}
	waitCh := make(chan waitOutcome, 1)
	go func() {
		code, err := proc.Wait(runCtx)
		waitCh <- waitOutcome{code, err}
	}()

	select {
	case <-runCtx.Done():
		if killErr := proc.Kill(context.WithoutCancel(ctx)); killErr != nil {
			e.logger.Warn("killing timed-out agent failed", map[string]interface{}{
				"sandbox_id": sb.ID(), "error": killErr.Error(),
			})
		}
		if ctx.Err() == nil {
			return 0, fmt.Errorf("agent did not finish within %s: %w", timeout, core.ErrTimeout)
		}
		return 0, ctx.Err()
	case outcome := <-waitCh:
		<-scanDone
		if outcome.err != nil {
			return 0, fmt.Errorf("waiting for agent: %w", outcome.err)
		}
		return outcome.code, nil
	}
}

func (e *CLIExecutor) authEnv() map[string]string {
	env := make(map[string]string)
	if e.cfg.Auth.OAuthToken != "" {
		env["CLAUDE_CODE_OAUTH_TOKEN"] = e.cfg.Auth.OAuthToken
		return env
	}
	if name, ok := apiKeyEnv[e.cfg.Family]; ok {
		env[name] = e.cfg.Auth.APIKey
	}
	return env
}

// collectOutputs reads everything under the configured output dirs,
// keyed relative to the working dir.
func (e *CLIExecutor) collectOutputs(ctx context.Context, sb core.Sandbox) (core.FileMap, error) {
	out := make(core.FileMap)
	for _, dir := range e.cfg.OutputDirs {
		if err := e.collectDir(ctx, sb, dir, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *CLIExecutor) collectDir(ctx context.Context, sb core.Sandbox, rel string, out core.FileMap) error {
	entries, err := sb.ListFiles(ctx, e.cfg.WorkingDir+"/"+rel)
	if err != nil {
		// An agent that produced no output dir is not an error.
		return nil
	}
	for _, entry := range entries {
		child := rel + "/" + entry.Path
		if entry.IsDir {
			if err := e.collectDir(ctx, sb, child, out); err != nil {
				return err
			}
			continue
		}
		data, err := sb.ReadFile(ctx, e.cfg.WorkingDir+"/"+child)
		if err != nil {
			return fmt.Errorf("collecting %s: %w", child, err)
		}
		out[child] = data
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrSchemaMismatch):
		return "schema-mismatch"
	case errors.Is(err, core.ErrAgentFailure):
		return "agent-failure"
	default:
		return "other"
	}
}
