package agentconfig

import (
	"context"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/evolving-machines-lab/evolve/core"
)

const (
	codexConfigPath = sandboxHome + "/.codex/config.toml"

	// GatewayProviderName is the provider id the Codex CLI is pointed
	// at for cost-attributed gateway routing.
	GatewayProviderName = "evolve-gateway"
)

// CodexGateway describes the model provider entry written into the
// Codex config.
type CodexGateway struct {
	BaseURL string
	// EnvHTTPHeaders maps HTTP header names to the environment
	// variables holding their values at run time.
	EnvHTTPHeaders map[string]string
}

// DefaultCodexGateway routes cost-attribution headers through the
// variables the executor exports per invocation.
func DefaultCodexGateway(baseURL string) CodexGateway {
	return CodexGateway{
		BaseURL: baseURL,
		EnvHTTPHeaders: map[string]string{
			"x-litellm-customer-id": "EVOLVE_LITELLM_CUSTOMER_ID",
			"x-litellm-tags":        "EVOLVE_LITELLM_TAGS",
		},
	}
}

// WriteCodexConfig merges the gateway provider and MCP servers into
// ~/.codex/config.toml, preserving unknown keys and tables.
//
// model_provider must sit at the root of the file, before any table
// header. A differing root value is replaced; when the only occurrence
// lives inside a [profiles.*] table, a root key is still written and
// the profile entry is left untouched.
func WriteCodexConfig(ctx context.Context, sb core.Sandbox, gateway CodexGateway, servers []MCPServer) error {
	existing, err := sb.ReadFile(ctx, codexConfigPath)
	if err != nil {
		existing = nil
	}

	doc := make(map[string]any)
	if len(existing) > 0 {
		if err := toml.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("existing codex config is not valid TOML: %w", err)
		}
	}

	// Root key: go-toml emits scalar root keys ahead of every table
	// header, which keeps model_provider at the top of the file.
	doc["model_provider"] = GatewayProviderName

	providers, _ := doc["model_providers"].(map[string]any)
	if providers == nil {
		providers = make(map[string]any)
	}
	entry := map[string]any{
		"name":     GatewayProviderName,
		"base_url": gateway.BaseURL,
	}
	if len(gateway.EnvHTTPHeaders) > 0 {
		entry["env_http_headers"] = gateway.EnvHTTPHeaders
	}
	providers[GatewayProviderName] = entry
	doc["model_providers"] = providers

	if len(servers) > 0 {
		mcp, _ := doc["mcp_servers"].(map[string]any)
		if mcp == nil {
			mcp = make(map[string]any)
		}
		for _, s := range servers {
			if err := s.Validate(); err != nil {
				return err
			}
			mcp[s.Name] = s.toMap()
		}
		doc["mcp_servers"] = mcp
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rendering codex config: %w", err)
	}
	if err := sb.WriteFile(ctx, codexConfigPath, out); err != nil {
		return fmt.Errorf("writing %s: %w", codexConfigPath, err)
	}
	return nil
}
