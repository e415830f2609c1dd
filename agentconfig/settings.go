// Package agentconfig writes tool configuration files into sandboxes
// for each agent family. Writers merge with whatever configuration is
// already present: unknown keys always survive a rewrite.
package agentconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evolving-machines-lab/evolve/core"
)

const sandboxHome = "/home/user"

// MCPServer describes one MCP server entry. Exactly one transport must
// be set: Command (stdio) or URL (http).
type MCPServer struct {
	Name    string
	Command string
	Args    []string
	URL     string
	Env     map[string]string
	Headers map[string]string
}

// Validate enforces the transport exclusivity rule.
func (s MCPServer) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("mcp server needs a name: %w", core.ErrInvalidArgument)
	}
	if s.Command != "" && s.URL != "" {
		return fmt.Errorf("mcp server %q specifies both command and url: %w", s.Name, core.ErrInvalidArgument)
	}
	if s.Command == "" && s.URL == "" {
		return fmt.Errorf("mcp server %q specifies neither command nor url: %w", s.Name, core.ErrInvalidArgument)
	}
	return nil
}

func (s MCPServer) toMap() map[string]any {
	entry := make(map[string]any)
	if s.Command != "" {
		entry["command"] = s.Command
		if len(s.Args) > 0 {
			entry["args"] = s.Args
		}
		if len(s.Env) > 0 {
			entry["env"] = s.Env
		}
	} else {
		entry["url"] = s.URL
		if len(s.Headers) > 0 {
			entry["headers"] = s.Headers
		}
	}
	return entry
}

// mergeMaps deep-merges updates into base. Maps merge recursively;
// anything else in updates replaces the base value. Keys only present
// in base are preserved.
func mergeMaps(base, updates map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		if baseMap, ok := out[k].(map[string]any); ok {
			if updateMap, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(baseMap, updateMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// MergeJSONConfig merges updates into an existing JSON document,
// preserving unknown keys. An empty existing document starts fresh.
func MergeJSONConfig(existing []byte, updates map[string]any) ([]byte, error) {
	base := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, fmt.Errorf("existing config is not valid JSON: %w", err)
		}
	}
	merged := mergeMaps(base, updates)
	return json.MarshalIndent(merged, "", "  ")
}

// writeMergedJSON reads the target (absent is fine), merges, writes.
func writeMergedJSON(ctx context.Context, sb core.Sandbox, path string, updates map[string]any) error {
	existing, err := sb.ReadFile(ctx, path)
	if err != nil {
		existing = nil
	}
	merged, err := MergeJSONConfig(existing, updates)
	if err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	if err := sb.WriteFile(ctx, path, merged); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func serversUpdate(servers []MCPServer) (map[string]any, error) {
	entries := make(map[string]any, len(servers))
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		entries[s.Name] = s.toMap()
	}
	return map[string]any{"mcpServers": entries}, nil
}

// WriteClaudeSettings merges MCP servers and extra settings into
// ~/.claude/settings.json.
func WriteClaudeSettings(ctx context.Context, sb core.Sandbox, servers []MCPServer, extra map[string]any) error {
	updates, err := serversUpdate(servers)
	if err != nil {
		return err
	}
	if extra != nil {
		updates = mergeMaps(updates, extra)
	}
	return writeMergedJSON(ctx, sb, sandboxHome+"/.claude/settings.json", updates)
}

// WriteMCPConfig merges MCP servers into ~/.{family}/mcp.json for the
// families that read the shared format (gemini, qwen, kimi, opencode).
func WriteMCPConfig(ctx context.Context, sb core.Sandbox, family string, servers []MCPServer) error {
	updates, err := serversUpdate(servers)
	if err != nil {
		return err
	}
	return writeMergedJSON(ctx, sb, fmt.Sprintf("%s/.%s/mcp.json", sandboxHome, family), updates)
}
