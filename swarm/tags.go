package swarm

import "fmt"

// Tag construction. The suffix grammar is bit-stable and load-bearing:
// billing and observability systems parse -er{k} and -vr{v} out of the
// final tag, so every variant below is pinned by tests.
//
//	worker, first attempt:        {T}-{op}-{i}
//	error retry k:                {T}-{op}-{i}-er{k}
//	verify retry v:               {T}-{op}-{i}-vr{v}
//	error retry under verify:     {T}-{op}-{i}-vr{v}-er{k}
//	verifier:                     {workerTag}-verifier
//	bestOf candidate k:           {base}-bestof-cand-{k}
//	bestOf judge:                 {base}-bestof-judge
//
// Standalone bestOf omits the -{op}-{i} segment, so base is the swarm
// tag itself. The executor appends "-{6 hex}" to whichever prefix it is
// given.

// itemTag returns the base tag for item i of a map-like operation.
func itemTag(swarmTag, op string, i int) string {
	return fmt.Sprintf("%s-%s-%d", swarmTag, op, i)
}

// reduceTag returns the base tag for a reduce operation.
func reduceTag(swarmTag string) string {
	return swarmTag + "-reduce"
}

// verifyRetryTag appends the verify-retry suffix for attempt v (1-based).
// The first attempt keeps the base tag; -vr always precedes any -er
// appended within the same verify attempt.
func verifyRetryTag(base string, v int) string {
	if v <= 1 {
		return base
	}
	return fmt.Sprintf("%s-vr%d", base, v-1)
}

// errorRetryTag appends the error-retry suffix for attempt k (1-based).
func errorRetryTag(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s-er%d", base, attempt-1)
}

// verifierTag derives the verifier tag from its worker's tag.
func verifierTag(workerTag string) string {
	return workerTag + "-verifier"
}

// candidateTag returns the tag for bestOf candidate k.
func candidateTag(base string, k int) string {
	return fmt.Sprintf("%s-bestof-cand-%d", base, k)
}

// judgeTag returns the tag for a bestOf judge.
func judgeTag(base string) string {
	return base + "-bestof-judge"
}
