package executor

import (
	"fmt"
	"strings"

	"github.com/evolving-machines-lab/evolve/core"
)

// Agent family names. The family selects settings directories, config
// writers, and the cost-attribution mechanism.
const (
	FamilyClaude   = "claude"
	FamilyCodex    = "codex"
	FamilyGemini   = "gemini"
	FamilyQwen     = "qwen"
	FamilyKimi     = "kimi"
	FamilyOpencode = "opencode"
)

// Auth holds the agent credentials. OAuth tokens are a Claude-only
// mechanism; every other family authenticates with an API key.
type Auth struct {
	APIKey     string
	OAuthToken string
}

func (a Auth) validate(family string) error {
	if a.OAuthToken != "" && family != FamilyClaude {
		return fmt.Errorf("oauth token is only supported for the claude family, got %q: %w", family, core.ErrInvalidArgument)
	}
	if a.APIKey == "" && a.OAuthToken == "" {
		return fmt.Errorf("agent family %q: %w", family, core.ErrNoAPIKey)
	}
	return nil
}

const (
	customerIDHeader = "x-litellm-customer-id"
	tagsHeader       = "x-litellm-tags"
)

// costAttributionEnv returns the per-invocation environment variables
// that attribute spend to this session and run.
//
// Claude reads a newline-delimited header list from
// ANTHROPIC_CUSTOM_HEADERS; the run tag is appended to any
// caller-supplied x-litellm-tags and other caller headers are
// preserved. Codex reads dedicated variables consumed by the
// env_http_headers table of its config file.
func costAttributionEnv(family, sessionTag, runID string, userEnv map[string]string) map[string]string {
	env := make(map[string]string)
	switch family {
	case FamilyClaude:
		env["ANTHROPIC_CUSTOM_HEADERS"] = mergeClaudeHeaders(userEnv["ANTHROPIC_CUSTOM_HEADERS"], sessionTag, runID)
	case FamilyCodex:
		env["EVOLVE_LITELLM_CUSTOMER_ID"] = sessionTag
		env["EVOLVE_LITELLM_TAGS"] = "run:" + runID
	}
	return env
}

// mergeClaudeHeaders rewrites a newline-delimited header list so that
// x-litellm-customer-id is ours, run:{runId} is appended to existing
// x-litellm-tags, and every other header survives untouched.
func mergeClaudeHeaders(existing, sessionTag, runID string) string {
	runTag := "run:" + runID
	var out []string
	seenTags := false

	for _, line := range strings.Split(existing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			out = append(out, line)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case customerIDHeader:
			// Replaced below with the session's value.
		case tagsHeader:
			seenTags = true
			out = append(out, tagsHeader+": "+strings.TrimSpace(value)+","+runTag)
		default:
			out = append(out, line)
		}
	}

	out = append(out, customerIDHeader+": "+sessionTag)
	if !seenTags {
		out = append(out, tagsHeader+": "+runTag)
	}
	return strings.Join(out, "\n")
}

// mergeEnv layers maps left to right, later maps winning.
func mergeEnv(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
