package swarm

import "github.com/evolving-machines-lab/evolve/core"

// MapResult is the ordered outcome of a map operation: same length and
// index alignment as the input sequence.
type MapResult struct {
	OperationID string
	Results     []*core.SwarmResult
}

// Success returns the results with success status, in item order.
func (r *MapResult) Success() []*core.SwarmResult {
	out := make([]*core.SwarmResult, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Status == core.StatusSuccess {
			out = append(out, res)
		}
	}
	return out
}

// Errors returns the results with error status, in item order.
func (r *MapResult) Errors() []*core.SwarmResult {
	out := make([]*core.SwarmResult, 0)
	for _, res := range r.Results {
		if res.Status == core.StatusError {
			out = append(out, res)
		}
	}
	return out
}

// SuccessFiles projects the output file trees of successful results,
// ready to feed the next operation as items.
func (r *MapResult) SuccessFiles() []core.FileMap {
	succ := r.Success()
	out := make([]core.FileMap, len(succ))
	for i, res := range succ {
		out[i] = res.Files
	}
	return out
}

// FilterResult extends MapResult with the condition verdicts. Items
// whose condition returned false are still produced, routed to
// Rejected.
type FilterResult struct {
	OperationID string
	Results     []*core.SwarmResult

	accepted []bool
}

// Success returns results that both succeeded and passed the condition.
func (r *FilterResult) Success() []*core.SwarmResult {
	out := make([]*core.SwarmResult, 0, len(r.Results))
	for i, res := range r.Results {
		if res.Status == core.StatusSuccess && r.accepted[i] {
			out = append(out, res)
		}
	}
	return out
}

// Rejected returns results that succeeded but failed the condition.
// Verify info attached by the worker is preserved on rejected results.
func (r *FilterResult) Rejected() []*core.SwarmResult {
	out := make([]*core.SwarmResult, 0)
	for i, res := range r.Results {
		if res.Status == core.StatusSuccess && !r.accepted[i] {
			out = append(out, res)
		}
	}
	return out
}

// Errors returns the results with error status.
func (r *FilterResult) Errors() []*core.SwarmResult {
	out := make([]*core.SwarmResult, 0)
	for _, res := range r.Results {
		if res.Status == core.StatusError {
			out = append(out, res)
		}
	}
	return out
}

// SuccessFiles projects the output file trees of accepted results.
func (r *FilterResult) SuccessFiles() []core.FileMap {
	succ := r.Success()
	out := make([]core.FileMap, len(succ))
	for i, res := range succ {
		out[i] = res.Files
	}
	return out
}

// ReduceResult is the single outcome of a reduce operation. The result
// meta carries InputCount and InputIndices.
type ReduceResult struct {
	OperationID string
	Result      *core.SwarmResult
}
