package executor

import (
	"context"
	"fmt"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
)

// acquireSandbox returns the session sandbox when reuse is on,
// otherwise a fresh one. fresh reports whether this call created it.
func (e *CLIExecutor) acquireSandbox(ctx context.Context) (core.Sandbox, bool, error) {
	if e.reuse {
		e.mu.Lock()
		sb := e.sandbox
		e.mu.Unlock()
		if sb != nil {
			return sb, false, nil
		}
	}
	sb, err := e.provider.Create(ctx, core.SandboxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("creating sandbox: %w", err)
	}
	if e.reuse {
		e.mu.Lock()
		e.sandbox = sb
		e.mu.Unlock()
	}
	return sb, true, nil
}

func (e *CLIExecutor) setCurrent(p core.Process) {
	e.mu.Lock()
	e.current = p
	e.mu.Unlock()
}

// Interrupt cancels the currently active agent process without killing
// the sandbox; queued work continues.
func (e *CLIExecutor) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	proc := e.current
	e.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill(ctx)
}

// Kill terminates the session sandbox and resets checkpoint lineage:
// lineage never crosses sandboxes.
func (e *CLIExecutor) Kill(ctx context.Context) error {
	e.mu.Lock()
	sb := e.sandbox
	e.sandbox = nil
	e.lastCheckpointID = ""
	e.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Kill(ctx)
}

// SetSession reconnects the executor to an existing sandbox and resets
// checkpoint lineage.
func (e *CLIExecutor) SetSession(ctx context.Context, sandboxID string) error {
	sb, err := e.provider.Connect(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("connecting to sandbox %s: %w", sandboxID, err)
	}
	e.mu.Lock()
	e.sandbox = sb
	e.lastCheckpointID = ""
	e.mu.Unlock()
	return nil
}

// LastCheckpointID returns the lineage head recorded by the most recent
// restore or auto-checkpoint, or "".
func (e *CLIExecutor) LastCheckpointID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheckpointID
}

// RestoreCheckpoint restores a checkpoint (or checkpoint.Latest) into
// the session sandbox before the next run and records it as the lineage
// parent for subsequent auto-checkpoints.
func (e *CLIExecutor) RestoreCheckpoint(ctx context.Context, checkpointID string) (*checkpoint.Info, error) {
	if e.ckpt == nil {
		return nil, fmt.Errorf("no checkpoint storage configured: %w", core.ErrInvalidArgument)
	}
	sb, _, err := e.acquireSandbox(ctx)
	if err != nil {
		return nil, err
	}
	info, err := e.ckpt.Restore(ctx, sb, checkpointID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastCheckpointID = info.ID
	e.mu.Unlock()
	return info, nil
}

// maybeAutoCheckpoint creates a checkpoint after a successful
// foreground run when storage is configured. Failures are reported on
// the error channel and never fail the run: the result simply carries
// no checkpoint.
func (e *CLIExecutor) maybeAutoCheckpoint(ctx context.Context, sb core.Sandbox, exitCode int, opts core.ExecOptions, result *core.ExecResult) {
	if e.ckpt == nil || exitCode != 0 || opts.Background {
		return
	}
	e.mu.Lock()
	parentID := e.lastCheckpointID
	e.mu.Unlock()

	info, err := e.ckpt.Create(ctx, sb, e.cfg.Family, e.cfg.WorkingDir, checkpoint.CreateOptions{
		Tag:      e.cfg.SessionTag,
		Model:    e.cfg.Model,
		ParentID: parentID,
		Comment:  opts.CheckpointComment,
	})
	if err != nil {
		e.logger.Error("auto-checkpoint failed", map[string]interface{}{
			"sandbox_id": sb.ID(),
			"tag":        result.Tag,
			"error":      err.Error(),
		})
		return
	}
	e.mu.Lock()
	e.lastCheckpointID = info.ID
	e.mu.Unlock()
	result.Checkpoint = &core.CheckpointRef{
		ID:       info.ID,
		Hash:     info.Hash,
		Tag:      info.Tag,
		ParentID: info.ParentID,
	}
}
