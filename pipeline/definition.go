package pipeline

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
	"github.com/evolving-machines-lab/evolve/swarm"
)

// Definition is a declarative pipeline document, loadable from YAML:
//
//	name: code-review
//	steps:
//	  - name: analyze
//	    type: map
//	    prompt: "Analyze the attached file."
//	    retry: {max_attempts: 3, backoff: 2s}
//	  - name: evaluate
//	    type: filter
//	    prompt: "Score the analysis."
//	    condition: min-score
//	  - name: summarize
//	    type: reduce
//	    prompt: "Summarize all analyses."
//
// Filter conditions are Go functions; a document references them by
// name and Build resolves them from the caller's condition table.
type Definition struct {
	Name  string           `yaml:"name" json:"name"`
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition defines a single pipeline step.
type StepDefinition struct {
	Name         string        `yaml:"name" json:"name"`
	Type         StepType      `yaml:"type" json:"type"`
	Prompt       string        `yaml:"prompt" json:"prompt"`
	SystemPrompt string        `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Skills       []string      `yaml:"skills,omitempty" json:"skills,omitempty"`
	Condition    string        `yaml:"condition,omitempty" json:"condition,omitempty"`
	Retry        *RetryDef     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Verify       *VerifyDef    `yaml:"verify,omitempty" json:"verify,omitempty"`
	BestOf       *BestOfDef    `yaml:"best_of,omitempty" json:"best_of,omitempty"`
}

// RetryDef mirrors resilience.Policy in document form.
type RetryDef struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// VerifyDef mirrors swarm.VerifyOptions in document form.
type VerifyDef struct {
	Criteria       string   `yaml:"criteria" json:"criteria"`
	MaxAttempts    int      `yaml:"max_attempts" json:"max_attempts"`
	VerifierSkills []string `yaml:"verifier_skills,omitempty" json:"verifier_skills,omitempty"`
}

// BestOfDef mirrors swarm.BestOfConfig in document form.
type BestOfDef struct {
	N             int    `yaml:"n" json:"n"`
	JudgeCriteria string `yaml:"judge_criteria,omitempty" json:"judge_criteria,omitempty"`
}

// LoadDefinition parses a YAML pipeline document.
func LoadDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps: %w", d.Name, core.ErrInvalidArgument)
	}
	for i, st := range d.Steps {
		switch st.Type {
		case StepMap, StepFilter:
		case StepReduce:
			if i != len(d.Steps)-1 {
				return fmt.Errorf("step %d: reduce must be the final step: %w", i, core.ErrInvalidArgument)
			}
		default:
			return fmt.Errorf("step %d: unknown type %q: %w", i, st.Type, core.ErrInvalidArgument)
		}
		if st.Type == StepFilter && st.Condition == "" {
			return fmt.Errorf("step %d: filter step needs a condition: %w", i, core.ErrInvalidArgument)
		}
	}
	return nil
}

// Build compiles the definition onto a Swarm. conditions maps the names
// referenced by filter steps to their implementations.
func (d *Definition) Build(s *swarm.Swarm, conditions map[string]func(data any) bool, opts ...Option) (*Pipeline, error) {
	p := New(s, opts...)
	for i, st := range d.Steps {
		cfg := StepConfig{
			Name:         st.Name,
			Prompt:       st.Prompt,
			SystemPrompt: st.SystemPrompt,
			Timeout:      st.Timeout,
			Skills:       st.Skills,
		}
		if st.Retry != nil {
			cfg.Retry = &resilience.Policy{MaxAttempts: st.Retry.MaxAttempts, Backoff: st.Retry.Backoff}
		}
		if st.Verify != nil {
			cfg.Verify = &swarm.VerifyOptions{
				Criteria:       st.Verify.Criteria,
				MaxAttempts:    st.Verify.MaxAttempts,
				VerifierSkills: st.Verify.VerifierSkills,
			}
		}
		if st.BestOf != nil {
			cfg.BestOf = &swarm.BestOfConfig{N: st.BestOf.N, JudgeCriteria: st.BestOf.JudgeCriteria}
		}

		switch st.Type {
		case StepMap:
			p.Map(cfg)
		case StepFilter:
			cond, ok := conditions[st.Condition]
			if !ok {
				return nil, fmt.Errorf("step %d: condition %q not registered: %w", i, st.Condition, core.ErrInvalidArgument)
			}
			p.Filter(FilterConfig{StepConfig: cfg, Condition: cond})
		case StepReduce:
			p.Reduce(cfg)
		}
	}
	return p, nil
}
