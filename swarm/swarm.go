// Package swarm implements the bounded-concurrency scheduler that fans
// out agent invocations across map, filter, reduce and bestOf, composed
// with verify loops and retries. All operations on one Swarm share a
// single FIFO permit pool.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

const defaultConcurrency = 5

// Swarm owns a permit pool and a default sandbox provider reference.
// The provider is shared by reference and must be safe to invoke
// concurrently; results flow out of the engine by move and are never
// mutated after construction.
type Swarm struct {
	name           string
	executor       core.Executor
	provider       core.SandboxProvider
	sem            *Semaphore
	logger         core.Logger
	events         *EventRegistry
	runStore       RunStore
	defaultSkills  []string
	defaultTimeout time.Duration
}

// Option configures a Swarm at construction.
type Option func(*Swarm) error

// WithName sets the swarm tag used as prefix of every invocation tag.
func WithName(name string) Option {
	return func(s *Swarm) error {
		s.name = name
		return nil
	}
}

// WithConcurrency bounds the number of concurrently in-flight executor
// invocations across all operations. Must be >= 1.
func WithConcurrency(n int) Option {
	return func(s *Swarm) error {
		sem, err := NewSemaphore(n)
		if err != nil {
			return err
		}
		s.sem = sem
		return nil
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Swarm) error {
		if logger == nil {
			return fmt.Errorf("nil logger: %w", core.ErrInvalidArgument)
		}
		s.logger = logger
		return nil
	}
}

// WithProvider records the default sandbox provider reference owned by
// this swarm.
func WithProvider(p core.SandboxProvider) Option {
	return func(s *Swarm) error {
		s.provider = p
		return nil
	}
}

// WithRunStore journals every result's metadata to the given store.
func WithRunStore(store RunStore) Option {
	return func(s *Swarm) error {
		s.runStore = store
		return nil
	}
}

// WithDefaultSkills sets skills applied to every worker invocation that
// does not override them.
func WithDefaultSkills(skills []string) Option {
	return func(s *Swarm) error {
		s.defaultSkills = skills
		return nil
	}
}

// WithDefaultTimeout sets the per-invocation timeout applied when an
// operation does not override it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Swarm) error {
		s.defaultTimeout = d
		return nil
	}
}

// New creates a Swarm around an executor. The configuration is immutable
// after construction.
func New(executor core.Executor, opts ...Option) (*Swarm, error) {
	if executor == nil {
		return nil, fmt.Errorf("nil executor: %w", core.ErrInvalidArgument)
	}
	s := &Swarm{
		name:     "swarm",
		executor: executor,
		logger:   &core.NoOpLogger{},
		events:   NewEventRegistry(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.sem == nil {
		sem, err := NewSemaphore(defaultConcurrency)
		if err != nil {
			return nil, err
		}
		s.sem = sem
	}
	return s, nil
}

// Name returns the swarm tag.
func (s *Swarm) Name() string { return s.name }

// Concurrency returns the permit capacity.
func (s *Swarm) Concurrency() int { return s.sem.Max() }

// Events returns the registry lifecycle events are delivered to.
func (s *Swarm) Events() *EventRegistry { return s.events }

// InFlight reports the number of executor invocations currently holding
// a permit, for observability.
func (s *Swarm) InFlight() int { return s.sem.InFlight() }

func (s *Swarm) emit(ev Event) {
	s.events.Emit(ev)
}

func (s *Swarm) record(ctx context.Context, res *core.SwarmResult) {
	if s.runStore != nil {
		s.runStore.RecordResult(ctx, res)
	}
}

func (s *Swarm) finishOperation(ctx context.Context, op core.Operation, start time.Time, results ...*core.SwarmResult) {
	for _, res := range results {
		s.record(ctx, res)
	}
	telemetry.Counter("swarm.operations", "operation", string(op), "swarm", s.name)
	telemetry.Duration("swarm.operation.ms", start, "operation", string(op), "swarm", s.name)
}

// newOperationID mints the 16-hex-char identifier shared by every result
// of one public operation call.
func newOperationID() string {
	return core.RandomHex(8)
}
