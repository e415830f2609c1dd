// Package pipeline composes swarm operations into declared multi-step
// chains. A pipeline borrows a Swarm for its lifetime; each Run threads
// a PipelineContext through every step and stamps it onto every result.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
	"github.com/evolving-machines-lab/evolve/swarm"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

// StepType names the swarm operation behind a step.
type StepType string

const (
	StepMap    StepType = "map"
	StepFilter StepType = "filter"
	StepReduce StepType = "reduce"
)

// StepConfig configures one step. Name is optional and surfaces as
// operationName in result metadata.
type StepConfig struct {
	Name         string
	Prompt       string
	SystemPrompt string
	Schema       core.Schema
	Timeout      time.Duration
	Skills       []string
	Retry        *resilience.Policy
	Verify       *swarm.VerifyOptions
	BestOf       *swarm.BestOfConfig
}

// FilterConfig is a StepConfig plus the acceptance condition.
type FilterConfig struct {
	StepConfig
	Condition func(data any) bool
}

type step struct {
	typ       StepType
	cfg       StepConfig
	condition func(data any) bool
}

// Pipeline is a fluent builder over a borrowed Swarm. Map and Filter
// chain; Reduce seals the pipeline (see TerminalPipeline).
type Pipeline struct {
	swarm  *swarm.Swarm
	logger core.Logger
	steps  []step
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates an empty pipeline over s.
func New(s *swarm.Swarm, opts ...Option) *Pipeline {
	p := &Pipeline{swarm: s, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Map appends a map step.
func (p *Pipeline) Map(cfg StepConfig) *Pipeline {
	p.steps = append(p.steps, step{typ: StepMap, cfg: cfg})
	return p
}

// Filter appends a filter step.
func (p *Pipeline) Filter(cfg FilterConfig) *Pipeline {
	p.steps = append(p.steps, step{typ: StepFilter, cfg: cfg.StepConfig, condition: cfg.Condition})
	return p
}

// Reduce appends a reduce step and seals the pipeline: only Run remains.
func (p *Pipeline) Reduce(cfg StepConfig) *TerminalPipeline {
	p.steps = append(p.steps, step{typ: StepReduce, cfg: cfg})
	return &TerminalPipeline{p: p}
}

// TerminalPipeline is a pipeline ending in a reduce; no further steps
// can be appended.
type TerminalPipeline struct {
	p *Pipeline
}

// Run executes the sealed pipeline.
func (t *TerminalPipeline) Run(ctx context.Context, items []core.FileMap) (*RunResult, error) {
	return t.p.Run(ctx, items)
}

// StepResult holds the outcome of one executed step; exactly one of
// Map, Filter, Reduce is set, matching Type.
type StepResult struct {
	Name   string
	Index  int
	Type   StepType
	Map    *swarm.MapResult
	Filter *swarm.FilterResult
	Reduce *swarm.ReduceResult
}

// Results returns the step's results in item order.
func (sr *StepResult) Results() []*core.SwarmResult {
	switch sr.Type {
	case StepMap:
		return sr.Map.Results
	case StepFilter:
		return sr.Filter.Results
	case StepReduce:
		return []*core.SwarmResult{sr.Reduce.Result}
	}
	return nil
}

// success projects the outputs feeding the next step.
func (sr *StepResult) success() []core.FileMap {
	switch sr.Type {
	case StepMap:
		return sr.Map.SuccessFiles()
	case StepFilter:
		return sr.Filter.SuccessFiles()
	case StepReduce:
		if sr.Reduce.Result.Status == core.StatusSuccess {
			return []core.FileMap{sr.Reduce.Result.Files}
		}
		return nil
	}
	return nil
}

// RunResult is the outcome of one Pipeline.Run.
type RunResult struct {
	PipelineRunID string
	Steps         []StepResult
}

// Run executes steps in declaration order. The success projection of
// step k is the input of step k+1; an empty projection runs later steps
// vacuously. Fatal failures (contract violations) abort the run.
func (p *Pipeline) Run(ctx context.Context, items []core.FileMap) (*RunResult, error) {
	runID := core.RandomHex(8)
	start := time.Now()
	p.logger.Info("pipeline run starting", map[string]interface{}{
		"pipeline_run_id": runID,
		"steps":           len(p.steps),
		"items":           len(items),
	})

	result := &RunResult{PipelineRunID: runID}
	current := items

	for i, st := range p.steps {
		pc := &core.PipelineContext{
			PipelineRunID: runID,
			StepIndex:     i,
			StepName:      st.cfg.Name,
			SwarmName:     p.swarm.Name(),
		}
		p.swarm.Events().Emit(swarm.Event{Type: swarm.EventStepStart, Pipeline: pc})

		stepResult, err := p.runStep(ctx, st, current, pc)
		if err != nil {
			p.swarm.Events().Emit(swarm.Event{Type: swarm.EventStepError, Pipeline: pc, Err: err})
			return nil, fmt.Errorf("pipeline step %d (%s): %w", i, st.typ, err)
		}
		result.Steps = append(result.Steps, *stepResult)
		p.swarm.Events().Emit(swarm.Event{Type: swarm.EventStepComplete, Pipeline: pc})

		current = stepResult.success()
	}

	telemetry.Duration("pipeline.run.ms", start, "swarm", p.swarm.Name())
	p.logger.Info("pipeline run complete", map[string]interface{}{
		"pipeline_run_id": runID,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (p *Pipeline) runStep(ctx context.Context, st step, items []core.FileMap, pc *core.PipelineContext) (*StepResult, error) {
	out := &StepResult{Name: st.cfg.Name, Index: pc.StepIndex, Type: st.typ}
	switch st.typ {
	case StepMap:
		res, err := p.swarm.Map(ctx, items, swarm.MapOptions{
			Name: st.cfg.Name, Prompt: st.cfg.Prompt, SystemPrompt: st.cfg.SystemPrompt,
			Schema: st.cfg.Schema, Timeout: st.cfg.Timeout, Skills: st.cfg.Skills,
			Retry: st.cfg.Retry, Verify: st.cfg.Verify, BestOf: st.cfg.BestOf,
			Pipeline: pc,
		})
		if err != nil {
			return nil, err
		}
		out.Map = res
	case StepFilter:
		res, err := p.swarm.Filter(ctx, items, swarm.FilterOptions{
			MapOptions: swarm.MapOptions{
				Name: st.cfg.Name, Prompt: st.cfg.Prompt, SystemPrompt: st.cfg.SystemPrompt,
				Schema: st.cfg.Schema, Timeout: st.cfg.Timeout, Skills: st.cfg.Skills,
				Retry: st.cfg.Retry, Verify: st.cfg.Verify, BestOf: st.cfg.BestOf,
				Pipeline: pc,
			},
			Condition: st.condition,
		})
		if err != nil {
			return nil, err
		}
		out.Filter = res
	case StepReduce:
		res, err := p.swarm.Reduce(ctx, items, swarm.ReduceOptions{
			Name: st.cfg.Name, Prompt: st.cfg.Prompt, SystemPrompt: st.cfg.SystemPrompt,
			Schema: st.cfg.Schema, Timeout: st.cfg.Timeout, Skills: st.cfg.Skills,
			Retry: st.cfg.Retry, Verify: st.cfg.Verify,
			Pipeline: pc,
		})
		if err != nil {
			return nil, err
		}
		out.Reduce = res
	default:
		return nil, fmt.Errorf("unknown step type %q: %w", st.typ, core.ErrInvalidArgument)
	}
	return out, nil
}
