package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// Map launches one worker per item and returns results in item order:
// same length, same index alignment. A failure in one item never cancels
// its siblings; errors come back in-band with StatusError.
func (s *Swarm) Map(ctx context.Context, items []core.FileMap, opts MapOptions) (*MapResult, error) {
	rc, err := s.newRunContext(core.OpMap, opts.Name, opts.Prompt, opts.SystemPrompt, opts.Schema, opts.Timeout, opts.Skills, opts.Retry, opts.Verify, opts.BestOf, opts.Pipeline)
	if err != nil {
		return nil, err
	}
	results := s.runAll(ctx, rc, "map", items)
	return &MapResult{OperationID: rc.opID, Results: results}, nil
}

// Filter is Map plus a condition evaluated on each successful result's
// data. Rejected items are still produced and routed to Rejected.
func (s *Swarm) Filter(ctx context.Context, items []core.FileMap, opts FilterOptions) (*FilterResult, error) {
	if opts.Condition == nil {
		return nil, fmt.Errorf("filter requires a condition: %w", core.ErrInvalidArgument)
	}
	rc, err := s.newRunContext(core.OpFilter, opts.Name, opts.Prompt, opts.SystemPrompt, opts.Schema, opts.Timeout, opts.Skills, opts.Retry, opts.Verify, opts.BestOf, opts.Pipeline)
	if err != nil {
		return nil, err
	}
	results := s.runAll(ctx, rc, "filter", items)

	accepted := make([]bool, len(results))
	for i, res := range results {
		if res.Status == core.StatusSuccess {
			accepted[i] = opts.Condition(res.Data)
		}
	}
	return &FilterResult{OperationID: rc.opID, Results: results, accepted: accepted}, nil
}

// Reduce runs a single invocation whose context is the concatenation of
// all items, each rooted under inputs/{i}/. Retry and verify apply to
// the whole reduce.
func (s *Swarm) Reduce(ctx context.Context, items []core.FileMap, opts ReduceOptions) (*ReduceResult, error) {
	rc, err := s.newRunContext(core.OpReduce, opts.Name, opts.Prompt, opts.SystemPrompt, opts.Schema, opts.Timeout, opts.Skills, opts.Retry, opts.Verify, nil, opts.Pipeline)
	if err != nil {
		return nil, err
	}
	rc.inputCount = len(items)
	rc.inputIndices = make([]int, len(items))
	combined := make(core.FileMap)
	for i, item := range items {
		rc.inputIndices[i] = i
		combined.Merge(item.WithPrefix(fmt.Sprintf("inputs/%d", i)))
	}

	start := time.Now()
	result := rc.runItem(ctx, combined, nil, reduceTag(s.name))
	s.finishOperation(ctx, core.OpReduce, start, result)

	return &ReduceResult{OperationID: rc.opID, Result: result}, nil
}

// BestOf runs a standalone best-of-N contest over a single item: n
// candidates concurrently, then one judge after all candidates have
// produced a result. The winning candidate's result is returned with the
// contest annotation.
func (s *Swarm) BestOf(ctx context.Context, item core.FileMap, opts BestOfOptions) (*core.SwarmResult, error) {
	bestOf := &BestOfConfig{N: opts.N, JudgeCriteria: opts.JudgeCriteria}
	rc, err := s.newRunContext(core.OpBestOf, opts.Name, opts.Prompt, opts.SystemPrompt, opts.Schema, opts.Timeout, opts.Skills, opts.Retry, nil, bestOf, opts.Pipeline)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	// Standalone bestOf omits the -{op}-{i} tag segment.
	result := rc.runItem(ctx, item, nil, s.name)
	s.finishOperation(ctx, core.OpBestOf, start, result)

	return result, nil
}

// runAll fans items out, one fiber per item, launched in index order.
// Completions may be out of order; results are re-indexed to item order.
func (s *Swarm) runAll(ctx context.Context, rc *runContext, op string, items []core.FileMap) []*core.SwarmResult {
	start := time.Now()
	results := make([]*core.SwarmResult, len(items))

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rc.runItem(ctx, items[i], core.IntPtr(i), itemTag(s.name, op, i))
		}(i)
	}
	wg.Wait()

	s.finishOperation(ctx, rc.op, start, results...)
	return results
}
