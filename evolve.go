// Package evolve is a lightweight meta-module that re-exports from the
// SDK's submodules. Import specific modules based on your needs:
//   - github.com/evolving-machines-lab/evolve/swarm - map/filter/reduce/bestOf over agent ensembles
//   - github.com/evolving-machines-lab/evolve/pipeline - multi-step composition
//   - github.com/evolving-machines-lab/evolve/executor - single agent invocations
//   - github.com/evolving-machines-lab/evolve/checkpoint - workspace snapshot/restore
//   - github.com/evolving-machines-lab/evolve/storage - BYOK and gateway storage backends
package evolve

import (
	"context"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/executor"
	"github.com/evolving-machines-lab/evolve/pipeline"
	"github.com/evolving-machines-lab/evolve/storage"
	"github.com/evolving-machines-lab/evolve/swarm"
)

// Re-export core types
type (
	// Data types
	FileMap     = core.FileMap
	ExecResult  = core.ExecResult
	SwarmResult = core.SwarmResult
	BaseMeta    = core.BaseMeta
	VerifyInfo  = core.VerifyInfo
	BestOfInfo  = core.BestOfInfo
	Status      = core.Status
	Schema      = core.Schema

	// Interfaces
	Logger          = core.Logger
	Sandbox         = core.Sandbox
	SandboxProvider = core.SandboxProvider
	Executor        = core.Executor

	// Engine types
	Swarm         = swarm.Swarm
	MapOptions    = swarm.MapOptions
	FilterOptions = swarm.FilterOptions
	ReduceOptions = swarm.ReduceOptions
	BestOfOptions = swarm.BestOfOptions
	VerifyOptions = swarm.VerifyOptions
	Pipeline      = pipeline.Pipeline

	// Checkpoint types
	CheckpointInfo    = checkpoint.Info
	CheckpointManager = checkpoint.Manager
	StorageConfig     = storage.Config
)

// Status values
const (
	StatusSuccess = core.StatusSuccess
	StatusError   = core.StatusError
)

// NewSwarm creates a swarm over an executor. See swarm.New.
func NewSwarm(exec core.Executor, opts ...swarm.Option) (*swarm.Swarm, error) {
	return swarm.New(exec, opts...)
}

// NewPipeline creates a pipeline over a swarm. See pipeline.New.
func NewPipeline(s *swarm.Swarm, opts ...pipeline.Option) *pipeline.Pipeline {
	return pipeline.New(s, opts...)
}

// NewExecutor creates the CLI executor. See executor.New.
func NewExecutor(provider core.SandboxProvider, cfg executor.Config, opts ...executor.Option) (*executor.CLIExecutor, error) {
	return executor.New(provider, cfg, opts...)
}

// NewCheckpointManager resolves storage options into a backend and
// wraps it in a checkpoint manager.
func NewCheckpointManager(ctx context.Context, opts storage.Options, managerOpts ...checkpoint.ManagerOption) (*checkpoint.Manager, error) {
	backend, err := NewStorageBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(backend, managerOpts...), nil
}

// NewStorageBackend resolves storage options into the matching backend
// implementation.
func NewStorageBackend(ctx context.Context, opts storage.Options) (checkpoint.Backend, error) {
	cfg, err := storage.ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Mode == storage.ModeGateway {
		return storage.NewGatewayBackend(cfg)
	}
	return storage.NewBYOKBackend(ctx, cfg)
}

// NewStorageClient builds the standalone checkpoint browsing client.
func NewStorageClient(ctx context.Context, opts storage.Options, clientOpts ...checkpoint.ClientOption) (*checkpoint.Client, error) {
	backend, err := NewStorageBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewClient(backend, clientOpts...), nil
}
