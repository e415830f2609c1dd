package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

// VerifierVerdict is the structured output expected from a verifier.
type VerifierVerdict struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
}

// runContext carries the per-operation state shared by every item fiber
// of one public call. All mutable per-item state (retry counters, verify
// feedback, candidate slots) is owned by the single fiber coordinating
// that item; the only synchronization is the semaphore and result moves.
type runContext struct {
	s        *Swarm
	op       core.Operation
	opID     string
	opName   string
	pipeline *core.PipelineContext

	prompt       string
	systemPrompt string
	schema       core.Schema
	timeout      time.Duration
	skills       []string
	retry        resilience.Policy
	verify       *VerifyOptions
	bestOf       *BestOfConfig

	// reduce only
	inputCount   int
	inputIndices []int
}

func (s *Swarm) newRunContext(op core.Operation, name, prompt, systemPrompt string, schema core.Schema, timeout time.Duration, skills []string, retry *resilience.Policy, verify *VerifyOptions, bestOf *BestOfConfig, pc *core.PipelineContext) (*runContext, error) {
	if err := validateWrappers(verify, bestOf); err != nil {
		return nil, err
	}
	policy := resilience.NoRetry()
	if retry != nil {
		policy = retry.Normalize()
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	if skills == nil {
		skills = s.defaultSkills
	}
	return &runContext{
		s:            s,
		op:           op,
		opID:         newOperationID(),
		opName:       name,
		pipeline:     pc,
		prompt:       prompt,
		systemPrompt: systemPrompt,
		schema:       schema,
		timeout:      timeout,
		skills:       skills,
		retry:        policy,
		verify:       verify,
		bestOf:       bestOf,
	}, nil
}

func (rc *runContext) meta(role core.Role, itemIdx *int, errRetry, verRetry int, candIdx *int) core.BaseMeta {
	m := core.BaseMeta{
		OperationID:   rc.opID,
		Operation:     rc.op,
		SwarmName:     rc.s.name,
		OperationName: rc.opName,
		Role:          role,
		ErrorRetry:    errRetry,
		VerifyRetry:   verRetry,
	}
	switch role {
	case core.RoleVerifier:
		m.Operation = core.OpVerify
	case core.RoleJudge:
		m.Operation = core.OpBestOfJudge
	case core.RoleWorker:
		m.InputCount = rc.inputCount
		m.InputIndices = append([]int(nil), rc.inputIndices...)
	}
	if itemIdx != nil {
		m.ItemIndex = core.IntPtr(*itemIdx)
	}
	if candIdx != nil {
		m.CandidateIndex = core.IntPtr(*candIdx)
	}
	if rc.pipeline != nil {
		m.PipelineRunID = rc.pipeline.PipelineRunID
		m.PipelineStepIndex = core.IntPtr(rc.pipeline.StepIndex)
		if m.OperationName == "" {
			m.OperationName = rc.pipeline.StepName
		}
	}
	return m
}

// runItem coordinates one item of a map-like operation (or the single
// reduce invocation when itemIdx is nil).
func (rc *runContext) runItem(ctx context.Context, files core.FileMap, itemIdx *int, baseTag string) *core.SwarmResult {
	if rc.bestOf != nil {
		return rc.runBestOf(ctx, files, itemIdx, baseTag)
	}
	return rc.runVerified(ctx, files, itemIdx, baseTag)
}

// runAttempts wraps one logical invocation in the retry harness. Every
// attempt holds its own permit; the permit is released during backoff.
func (rc *runContext) runAttempts(ctx context.Context, files core.FileMap, prompt, baseTag string, role core.Role, itemIdx, candIdx *int, verRetry int, policy resilience.Policy, schema core.Schema, skills []string) *core.SwarmResult {
	callerOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, res *core.SwarmResult) {
		rc.s.emit(Event{Type: EventItemRetry, Result: res, Attempt: attempt, Pipeline: rc.pipeline})
		if callerOnRetry != nil {
			callerOnRetry(attempt, res)
		}
	}

	return resilience.ExecuteWithRetry(ctx, rc.s.sem, policy, func(ctx context.Context, attemptNo int) *core.SwarmResult {
		tag := errorRetryTag(baseTag, attemptNo)
		meta := rc.meta(role, itemIdx, attemptNo-1, verRetry, candIdx)
		telemetry.Gauge("swarm.permits.in_flight", float64(rc.s.sem.InFlight()), "swarm", rc.s.name)
		start := time.Now()

		res := rc.s.executor.Execute(ctx, files, prompt, core.ExecOptions{
			TagPrefix:     tag,
			Timeout:       rc.timeout,
			Schema:        schema,
			SystemPrompt:  rc.systemPrompt,
			Skills:        skills,
			Observability: &meta,
		})
		telemetry.Duration("swarm.execution.ms", start, "swarm", rc.s.name, "operation", string(meta.Operation), "role", string(role))
		telemetry.Counter("swarm.executions", "swarm", rc.s.name, "role", string(role), "status", string(res.Status))

		return &core.SwarmResult{ExecResult: *res, Meta: meta}
	})
}

// runVerified runs the worker, optionally looping through the verifier
// with feedback up to verify.MaxAttempts.
func (rc *runContext) runVerified(ctx context.Context, files core.FileMap, itemIdx *int, baseTag string) *core.SwarmResult {
	maxAttempts := 1
	if rc.verify != nil {
		maxAttempts = rc.verify.MaxAttempts
	}

	var last *core.SwarmResult
	var lastVerdict *VerifierVerdict
	feedback := ""

	for v := 1; v <= maxAttempts; v++ {
		workerTag := verifyRetryTag(baseTag, v)
		prompt := rc.prompt
		attemptFiles := files
		if feedback != "" {
			prompt = rc.prompt + "\n\nA previous attempt did not pass verification. Address this feedback:\n" + feedback
			attemptFiles = make(core.FileMap, len(files)+1)
			attemptFiles.Merge(files)
			attemptFiles["worker_task/verifier_feedback.txt"] = []byte(feedback)
		}

		res := rc.runAttempts(ctx, attemptFiles, prompt, workerTag, core.RoleWorker, itemIdx, nil, v-1, rc.retry, rc.schema, rc.skills)
		rc.s.emit(Event{Type: EventWorkerComplete, Result: res, Pipeline: rc.pipeline})
		last = res

		if rc.verify == nil {
			return res
		}
		if res.Status == core.StatusError {
			// The retry harness already decided this attempt chain is
			// spent; the verify loop does not resurrect hard failures.
			annotated := *res
			annotated.Verify = &core.VerifyInfo{Passed: false, Attempts: v}
			return &annotated
		}

		verdict, verifierRes := rc.runVerifier(ctx, res, workerTag, itemIdx, v-1)
		rc.s.emit(Event{Type: EventVerifierComplete, Result: verifierRes, Pipeline: rc.pipeline})
		lastVerdict = verdict

		if verdict.Passed {
			annotated := *res
			annotated.Verify = &core.VerifyInfo{
				Passed:    true,
				Attempts:  v,
				Reasoning: verdict.Reasoning,
				Meta:      &verifierRes.Meta,
			}
			return &annotated
		}
		feedback = verdict.Feedback
		if feedback == "" {
			feedback = verdict.Reasoning
		}
	}

	annotated := *last
	annotated.Status = core.StatusError
	annotated.Error = core.ErrVerifyExhausted.Error()
	annotated.Verify = &core.VerifyInfo{Passed: false, Attempts: maxAttempts}
	if lastVerdict != nil {
		annotated.Verify.Reasoning = lastVerdict.Reasoning
		annotated.Verify.Feedback = lastVerdict.Feedback
	}
	return &annotated
}

// runVerifier judges one worker result against the verify criteria. A
// verifier that fails outright counts as a failed verification attempt
// rather than an item failure.
func (rc *runContext) runVerifier(ctx context.Context, worker *core.SwarmResult, workerTag string, itemIdx *int, verRetry int) (*VerifierVerdict, *core.SwarmResult) {
	prompt := fmt.Sprintf(
		"Review the attached worker output against the following acceptance criteria.\n\nCriteria:\n%s\n\nWrite output/result.json with fields: passed (bool), reasoning (string), feedback (string with concrete fixes when passed is false).",
		rc.verify.Criteria,
	)
	schema := core.StructSchema(func() any { return &VerifierVerdict{} })

	res := rc.runAttempts(ctx, worker.Files, prompt, verifierTag(workerTag), core.RoleVerifier, itemIdx, nil, verRetry, resilience.NoRetry(), schema, rc.verify.VerifierSkills)
	if res.Status == core.StatusError {
		return &VerifierVerdict{Passed: false, Reasoning: "verifier failed: " + res.Error}, res
	}
	verdict, ok := res.Data.(*VerifierVerdict)
	if !ok {
		return &VerifierVerdict{Passed: false, Reasoning: "verifier returned no structured verdict"}, res
	}
	return verdict, res
}

// runBestOf runs n candidates concurrently, then exactly one judge after
// every candidate has produced a result.
func (rc *runContext) runBestOf(ctx context.Context, files core.FileMap, itemIdx *int, baseTag string) *core.SwarmResult {
	n := rc.bestOf.N
	candidates := make([]*core.SwarmResult, n)

	done := make(chan int, n)
	for k := 0; k < n; k++ {
		go func(k int) {
			candidates[k] = rc.runAttempts(ctx, files, rc.prompt, candidateTag(baseTag, k), core.RoleCandidate, itemIdx, core.IntPtr(k), 0, rc.retry, rc.schema, rc.skills)
			rc.s.emit(Event{Type: EventCandidateComplete, Result: candidates[k], Pipeline: rc.pipeline})
			done <- k
		}(k)
	}
	for range n {
		<-done
	}

	judgeRes := rc.runJudge(ctx, candidates, itemIdx, baseTag)
	rc.s.emit(Event{Type: EventJudgeComplete, Result: judgeRes, Pipeline: rc.pipeline})

	info := &core.BestOfInfo{Candidates: candidates, JudgeMeta: judgeRes.Meta}

	if judgeRes.Status == core.StatusError {
		return rc.bestOfFailure(judgeRes, info, "judge failed: "+judgeRes.Error)
	}
	decision, ok := judgeRes.Data.(*core.JudgeDecision)
	if !ok {
		return rc.bestOfFailure(judgeRes, info, "judge returned no structured decision")
	}
	if decision.Winner < 0 || decision.Winner >= n {
		return rc.bestOfFailure(judgeRes, info, fmt.Sprintf("judge winner index %d out of range [0,%d)", decision.Winner, n))
	}

	info.JudgeDecision = *decision
	winner := *candidates[decision.Winner]
	winner.BestOf = info
	return &winner
}

func (rc *runContext) bestOfFailure(judgeRes *core.SwarmResult, info *core.BestOfInfo, msg string) *core.SwarmResult {
	return &core.SwarmResult{
		ExecResult: core.ExecResult{
			Status:    core.StatusError,
			Error:     msg,
			Tag:       judgeRes.Tag,
			SandboxID: judgeRes.SandboxID,
		},
		Meta:   judgeRes.Meta,
		BestOf: info,
	}
}

// runJudge assembles the full candidate file trees under candidates/{k}/
// and asks the judge for a winner. Caller-supplied retry predicates are
// never applied here; the judge always retries on error status only.
func (rc *runContext) runJudge(ctx context.Context, candidates []*core.SwarmResult, itemIdx *int, baseTag string) *core.SwarmResult {
	judgeFiles := make(core.FileMap)
	var manifest strings.Builder
	fmt.Fprintf(&manifest, "%d candidate outputs are attached under candidates/{index}/.\n", len(candidates))
	for k, cand := range candidates {
		judgeFiles.Merge(cand.Files.WithPrefix(fmt.Sprintf("candidates/%d", k)))
		fmt.Fprintf(&manifest, "candidate %d: status=%s\n", k, cand.Status)
	}
	judgeFiles["candidates/manifest.txt"] = []byte(manifest.String())

	criteria := rc.bestOf.JudgeCriteria
	if criteria == "" {
		criteria = "Pick the candidate that best fulfills the task."
	}
	prompt := fmt.Sprintf(
		"You are judging %d candidate solutions to the same task.\n\nTask:\n%s\n\nJudging criteria:\n%s\n\nWrite output/result.json with fields: winner (0-based candidate index), reasoning (string).",
		len(candidates), rc.prompt, criteria,
	)
	schema := core.StructSchema(func() any { return &core.JudgeDecision{} })

	judgePolicy := rc.retry
	judgePolicy.RetryOn = resilience.DefaultRetryOn

	return rc.runAttempts(ctx, judgeFiles, prompt, judgeTag(baseTag), core.RoleJudge, itemIdx, nil, 0, judgePolicy, schema, rc.skills)
}
