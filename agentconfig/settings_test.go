package agentconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/evolving-machines-lab/evolve/core"
)

// memSandbox is an in-memory file store implementing core.Sandbox.
type memSandbox struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemSandbox() *memSandbox {
	return &memSandbox{files: make(map[string][]byte)}
}

func (s *memSandbox) ID() string { return "mem" }
func (s *memSandbox) RunCommand(ctx context.Context, cmd string) (*core.CommandResult, error) {
	return &core.CommandResult{}, nil
}
func (s *memSandbox) SpawnCommand(ctx context.Context, cmd string, opts core.SpawnOptions) (core.Process, error) {
	return nil, fmt.Errorf("not supported")
}
func (s *memSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	return data, nil
}
func (s *memSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
	return nil
}
func (s *memSandbox) MakeDir(ctx context.Context, path string) error { return nil }
func (s *memSandbox) ListFiles(ctx context.Context, dir string) ([]core.FileEntry, error) {
	return nil, nil
}
func (s *memSandbox) Kill(ctx context.Context) error   { return nil }
func (s *memSandbox) Pause(ctx context.Context) error  { return nil }
func (s *memSandbox) Resume(ctx context.Context) error { return nil }

// TestMCPServerValidation tests the command/url exclusivity rule
func TestMCPServerValidation(t *testing.T) {
	cases := []struct {
		name   string
		server MCPServer
		valid  bool
	}{
		{"stdio", MCPServer{Name: "fs", Command: "mcp-fs"}, true},
		{"http", MCPServer{Name: "web", URL: "https://mcp.example"}, true},
		{"both", MCPServer{Name: "bad", Command: "x", URL: "https://y"}, false},
		{"neither", MCPServer{Name: "bad"}, false},
		{"unnamed", MCPServer{Command: "x"}, false},
	}
	for _, tc := range cases {
		err := tc.server.Validate()
		if tc.valid && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.valid && !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}

// TestWriteClaudeSettingsPreservesUnknownKeys tests merge behavior
// against an existing settings file
func TestWriteClaudeSettingsPreservesUnknownKeys(t *testing.T) {
	sb := newMemSandbox()
	existing := map[string]any{
		"theme":      "dark",
		"keybinding": "vim",
		"mcpServers": map[string]any{
			"preexisting": map[string]any{"command": "old-server"},
		},
	}
	data, _ := json.Marshal(existing)
	_ = sb.WriteFile(context.Background(), "/home/user/.claude/settings.json", data)

	err := WriteClaudeSettings(context.Background(), sb, []MCPServer{
		{Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/home/user"}},
	}, map[string]any{"permissions": map[string]any{"allow": []string{"Bash"}}})
	if err != nil {
		t.Fatal(err)
	}

	out, _ := sb.ReadFile(context.Background(), "/home/user/.claude/settings.json")
	var merged map[string]any
	if err := json.Unmarshal(out, &merged); err != nil {
		t.Fatal(err)
	}

	if merged["theme"] != "dark" || merged["keybinding"] != "vim" {
		t.Errorf("unknown keys lost: %v", merged)
	}
	servers := merged["mcpServers"].(map[string]any)
	if _, ok := servers["preexisting"]; !ok {
		t.Error("existing server entry lost")
	}
	if _, ok := servers["fs"]; !ok {
		t.Error("new server entry missing")
	}
	if _, ok := merged["permissions"]; !ok {
		t.Error("extra settings not merged")
	}
}

// TestWriteClaudeSettingsRejectsInvalidServer tests validation before
// any write
func TestWriteClaudeSettingsRejectsInvalidServer(t *testing.T) {
	sb := newMemSandbox()
	err := WriteClaudeSettings(context.Background(), sb, []MCPServer{
		{Name: "bad", Command: "x", URL: "https://y"},
	}, nil)
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(sb.files) != 0 {
		t.Error("file written despite invalid server")
	}
}

// TestWriteMCPConfig tests the shared mcp.json path per family
func TestWriteMCPConfig(t *testing.T) {
	sb := newMemSandbox()
	if err := WriteMCPConfig(context.Background(), sb, "gemini", []MCPServer{
		{Name: "web", URL: "https://mcp.example", Headers: map[string]string{"X-Key": "k"}},
	}); err != nil {
		t.Fatal(err)
	}
	out, err := sb.ReadFile(context.Background(), "/home/user/.gemini/mcp.json")
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	entry := doc["mcpServers"].(map[string]any)["web"].(map[string]any)
	if entry["url"] != "https://mcp.example" {
		t.Errorf("entry %v", entry)
	}
}

// TestMergeJSONConfigDeepMerge tests nested map merging semantics
func TestMergeJSONConfigDeepMerge(t *testing.T) {
	existing := []byte(`{"a": {"keep": 1, "replace": 2}, "top": true}`)
	out, err := MergeJSONConfig(existing, map[string]any{
		"a": map[string]any{"replace": 3, "new": 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatal(err)
	}
	a := doc["a"].(map[string]any)
	if a["keep"] != float64(1) || a["replace"] != float64(3) || a["new"] != float64(4) {
		t.Errorf("merged %v", a)
	}
	if doc["top"] != true {
		t.Errorf("top-level key lost: %v", doc)
	}
}
