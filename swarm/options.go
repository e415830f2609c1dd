package swarm

import (
	"fmt"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
)

// VerifyOptions configure the verify-with-feedback wrapper. A verifier
// agent judges each worker result against Criteria; failed attempts are
// re-run with the verifier's feedback injected, up to MaxAttempts.
type VerifyOptions struct {
	Criteria       string
	MaxAttempts    int // >= 1
	VerifierSkills []string
}

// BestOfConfig configures the best-of-N wrapper: N candidates run
// concurrently, then a judge picks the winner. N must be >= 2.
type BestOfConfig struct {
	N             int
	JudgeCriteria string
}

// MapOptions configure a map operation.
type MapOptions struct {
	// Name is the operation name stamped onto result metadata.
	Name string
	// Prompt is given to every worker.
	Prompt string
	// SystemPrompt optionally overrides the agent's system prompt.
	SystemPrompt string
	// Schema validates output/result.json of workers.
	Schema core.Schema
	// Timeout bounds each executor invocation.
	Timeout time.Duration
	// Skills override the swarm defaults for workers.
	Skills []string
	// Retry wraps each worker in the retry harness.
	Retry *resilience.Policy
	// Verify wraps each item in a verify loop. Mutually exclusive with
	// BestOf.
	Verify *VerifyOptions
	// BestOf runs each item as a best-of-N contest. Mutually exclusive
	// with Verify.
	BestOf *BestOfConfig
	// Pipeline is set by Pipeline.Run to thread run context through.
	Pipeline *core.PipelineContext
}

// FilterOptions configure a filter operation: a map whose successful
// results are additionally routed through Condition.
type FilterOptions struct {
	MapOptions
	// Condition decides acceptance of each successful result's data.
	Condition func(data any) bool
}

// ReduceOptions configure a reduce operation: one invocation over the
// concatenation of all items.
type ReduceOptions struct {
	Name         string
	Prompt       string
	SystemPrompt string
	Schema       core.Schema
	Timeout      time.Duration
	Skills       []string
	Retry        *resilience.Policy
	Verify       *VerifyOptions
	Pipeline     *core.PipelineContext
}

// BestOfOptions configure a standalone bestOf call over a single item.
type BestOfOptions struct {
	Name          string
	Prompt        string
	SystemPrompt  string
	N             int
	JudgeCriteria string
	Schema        core.Schema
	Timeout       time.Duration
	Skills        []string
	// Retry applies to candidates as given. The judge keeps its
	// MaxAttempts and backoff but always uses the default
	// retry-on-error predicate.
	Retry    *resilience.Policy
	Pipeline *core.PipelineContext
}

func validateWrappers(verify *VerifyOptions, bestOf *BestOfConfig) error {
	if verify != nil && bestOf != nil {
		return fmt.Errorf("verify and bestOf are mutually exclusive: %w", core.ErrInvalidArgument)
	}
	if verify != nil && verify.MaxAttempts < 1 {
		return fmt.Errorf("verify.maxAttempts %d: %w", verify.MaxAttempts, core.ErrInvalidArgument)
	}
	if bestOf != nil && bestOf.N < 2 {
		return fmt.Errorf("bestOf.n %d: %w", bestOf.N, core.ErrInvalidArgument)
	}
	return nil
}
