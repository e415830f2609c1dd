package swarm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
)

// verifyingExecutor scripts worker failures by tag prefix and verifier
// verdicts by call number.
type verifyingExecutor struct {
	fakeExecutor
	mu2           sync.Mutex
	failOnce      map[string]bool // worker prefixes that fail on their first start
	verifierCalls int
	passOnCall    int // verifier passes from this 1-based call on; 0 = never
}

func newVerifyingExecutor(failOnce []string, passOnCall int) *verifyingExecutor {
	e := &verifyingExecutor{passOnCall: passOnCall, failOnce: make(map[string]bool)}
	for _, tag := range failOnce {
		e.failOnce[tag] = true
	}
	e.handler = func(files core.FileMap, prompt string, opts core.ExecOptions) *core.ExecResult {
		switch opts.Observability.Role {
		case core.RoleVerifier:
			e.mu2.Lock()
			e.verifierCalls++
			passed := e.passOnCall > 0 && e.verifierCalls >= e.passOnCall
			e.mu2.Unlock()
			data, err := opts.Schema.Parse([]byte(fmt.Sprintf(`{"passed":%v,"reasoning":"r","feedback":"add tests"}`, passed)))
			if err != nil {
				panic(err)
			}
			return &core.ExecResult{Status: core.StatusSuccess, Data: data, Tag: opts.TagPrefix + "-aaaaaa"}
		default:
			e.mu2.Lock()
			fail := e.failOnce[opts.TagPrefix]
			delete(e.failOnce, opts.TagPrefix)
			e.mu2.Unlock()
			if fail {
				return &core.ExecResult{Status: core.StatusError, Tag: opts.TagPrefix + "-ffffff", Error: "transient"}
			}
			return nil
		}
	}
	return e
}

// TestVerifyRetryThenSuccess covers: verifier passes on attempt 2 of 3.
// Expected worker tags [T-map-0, T-map-0-vr1], verifier tags
// [T-map-0-verifier, T-map-0-vr1-verifier].
func TestVerifyRetryThenSuccess(t *testing.T) {
	exec := newVerifyingExecutor(nil, 2)
	s := newTestSwarm(t, exec, 2)

	res, err := s.Map(context.Background(), items(1), MapOptions{
		Prompt: "p",
		Verify: &VerifyOptions{Criteria: "looks right", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"T-map-0", "T-map-0-verifier", "T-map-0-vr1", "T-map-0-vr1-verifier"}
	got := exec.startOrder()
	if len(got) != len(want) {
		t.Fatalf("start order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order %v, want %v", got, want)
		}
	}

	r := res.Results[0]
	if r.Status != core.StatusSuccess {
		t.Fatalf("status %s (%s)", r.Status, r.Error)
	}
	if r.Verify == nil || !r.Verify.Passed {
		t.Fatal("expected verify.passed=true")
	}
	if r.Verify.Attempts != 2 {
		t.Errorf("verify.attempts %d, want 2", r.Verify.Attempts)
	}
	if r.Meta.VerifyRetry != 1 {
		t.Errorf("meta.verifyRetry %d, want 1", r.Meta.VerifyRetry)
	}
	if r.Meta.ErrorRetry != 0 {
		t.Errorf("meta.errorRetry %d, want 0 on a first attempt", r.Meta.ErrorRetry)
	}
}

// TestErrorRetryUnderVerify covers: transient worker failures inside a
// verify retry chain produce -vr{v}-er{k} tags, -vr before -er.
func TestErrorRetryUnderVerify(t *testing.T) {
	exec := newVerifyingExecutor([]string{"T-map-0", "T-map-0-vr1"}, 2)
	s := newTestSwarm(t, exec, 2)

	res, err := s.Map(context.Background(), items(1), MapOptions{
		Prompt: "p",
		Retry:  &resilience.Policy{MaxAttempts: 2},
		Verify: &VerifyOptions{Criteria: "c", MaxAttempts: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"T-map-0",
		"T-map-0-er1",
		"T-map-0-verifier",
		"T-map-0-vr1",
		"T-map-0-vr1-er1",
		"T-map-0-vr1-verifier",
	}
	got := exec.startOrder()
	if len(got) != len(want) {
		t.Fatalf("start order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order %v, want %v", got, want)
		}
	}

	r := res.Results[0]
	if r.Status != core.StatusSuccess {
		t.Fatalf("status %s (%s)", r.Status, r.Error)
	}
	if r.Meta.VerifyRetry != 1 || r.Meta.ErrorRetry != 1 {
		t.Errorf("meta retries vr=%d er=%d, want 1/1", r.Meta.VerifyRetry, r.Meta.ErrorRetry)
	}
}

// TestVerifyExhausted tests that a never-passing verifier yields the
// last worker result with error status and passed=false
func TestVerifyExhausted(t *testing.T) {
	exec := newVerifyingExecutor(nil, 0)
	s := newTestSwarm(t, exec, 2)

	res, err := s.Map(context.Background(), items(1), MapOptions{
		Prompt: "p",
		Verify: &VerifyOptions{Criteria: "c", MaxAttempts: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := res.Results[0]
	if r.Status != core.StatusError {
		t.Fatalf("status %s, want error", r.Status)
	}
	if r.Verify == nil || r.Verify.Passed {
		t.Fatal("expected verify.passed=false")
	}
	if r.Verify.Attempts != 2 {
		t.Errorf("verify.attempts %d, want 2", r.Verify.Attempts)
	}
	if r.Verify.Feedback == "" {
		t.Error("expected the last verifier feedback to be surfaced")
	}
}

// TestVerifyFeedbackInjection tests that the next attempt sees the
// verifier's feedback in prompt and context
func TestVerifyFeedbackInjection(t *testing.T) {
	var prompts []string
	var fileSets []core.FileMap
	exec := newVerifyingExecutor(nil, 2)
	inner := exec.handler
	exec.handler = func(files core.FileMap, prompt string, opts core.ExecOptions) *core.ExecResult {
		if opts.Observability.Role == core.RoleWorker {
			prompts = append(prompts, prompt)
			fileSets = append(fileSets, files)
		}
		return inner(files, prompt, opts)
	}
	s := newTestSwarm(t, exec, 1)

	if _, err := s.Map(context.Background(), items(1), MapOptions{
		Prompt: "base prompt",
		Verify: &VerifyOptions{Criteria: "c", MaxAttempts: 2},
	}); err != nil {
		t.Fatal(err)
	}

	if len(prompts) != 2 {
		t.Fatalf("expected 2 worker attempts, got %d", len(prompts))
	}
	if prompts[0] != "base prompt" {
		t.Errorf("first attempt prompt %q", prompts[0])
	}
	if prompts[1] == "base prompt" {
		t.Error("second attempt prompt carries no feedback")
	}
	if _, ok := fileSets[1]["worker_task/verifier_feedback.txt"]; !ok {
		t.Error("second attempt context missing verifier feedback file")
	}
	if _, ok := fileSets[0]["worker_task/verifier_feedback.txt"]; ok {
		t.Error("first attempt context must not carry feedback")
	}
}

// TestVerifyOrdering tests invariant 3: worker(v) before verifier(v)
// before worker(v+1), per item
func TestVerifyOrdering(t *testing.T) {
	exec := newVerifyingExecutor(nil, 3)
	s := newTestSwarm(t, exec, 4)

	if _, err := s.Map(context.Background(), items(1), MapOptions{
		Prompt: "p",
		Verify: &VerifyOptions{Criteria: "c", MaxAttempts: 3},
	}); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"T-map-0", "T-map-0-verifier",
		"T-map-0-vr1", "T-map-0-vr1-verifier",
		"T-map-0-vr2", "T-map-0-vr2-verifier",
	}
	got := exec.startOrder()
	if len(got) != len(want) {
		t.Fatalf("start order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("start order %v, want %v", got, want)
		}
	}
}
