package checkpoint

import (
	"strings"
	"testing"
)

// TestShellQuote tests the single-quote escape contract
func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with space":   "'with space'",
		"it's":         `'it'\''s'`,
		"a'b'c":        `'a'\''b'\''c'`,
		"$(rm -rf /)":  "'$(rm -rf /)'",
		"`backticks`":  "'`backticks`'",
		"semi;colon":   "'semi;colon'",
	}
	for in, want := range cases {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

// TestBuildTarCommand tests member selection, excludes, and the hash
// pipeline
func TestBuildTarCommand(t *testing.T) {
	cmd := BuildTarCommand("/tmp/ck.tar.gz", "/home/user/my-project", []string{".claude"})

	for _, want := range []string{
		"tar -czf '/tmp/ck.tar.gz' -C '/home/user'",
		"--exclude='node_modules'",
		"--exclude='__pycache__'",
		"--exclude='*.pyc'",
		"--exclude='.cache'",
		"--exclude='.npm'",
		"--exclude='.pip'",
		"--exclude='.venv'",
		"--exclude='venv'",
		"--exclude='my-project/temp'",
		"'my-project'",
		"'.claude'",
		"&& sha256sum '/tmp/ck.tar.gz' | awk '{print $1}'",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}
}

// TestBuildTarCommandNestedWorkspace tests a workspace below the first
// level
func TestBuildTarCommandNestedWorkspace(t *testing.T) {
	cmd := BuildTarCommand("/tmp/a.tar.gz", "/home/user/projects/deep", []string{".codex"})
	if !strings.Contains(cmd, "'projects/deep'") {
		t.Errorf("member not home-relative:\n%s", cmd)
	}
	if !strings.Contains(cmd, "--exclude='deep/temp'") {
		t.Errorf("basename temp exclude missing:\n%s", cmd)
	}
}

// TestBuildTarCommandQuoting tests metacharacter-laden paths
func TestBuildTarCommandQuoting(t *testing.T) {
	cmd := BuildTarCommand("/tmp/it's.tar.gz", "/home/user/o'brien", []string{".claude"})
	if !strings.Contains(cmd, `'/tmp/it'\''s.tar.gz'`) {
		t.Errorf("archive path not escaped:\n%s", cmd)
	}
	if !strings.Contains(cmd, `'o'\''brien'`) {
		t.Errorf("workspace member not escaped:\n%s", cmd)
	}
}

// TestOpencodeSettingsDirs tests the XDG tree selection
func TestOpencodeSettingsDirs(t *testing.T) {
	dirs := SettingsDirs("opencode")
	want := []string{".local/share/opencode", ".config/opencode", ".local/state/opencode"}
	if len(dirs) != len(want) {
		t.Fatalf("dirs %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Fatalf("dirs %v, want %v", dirs, want)
		}
	}

	if dirs := SettingsDirs("claude"); len(dirs) != 1 || dirs[0] != ".claude" {
		t.Errorf("claude dirs %v", dirs)
	}
	if dirs := SettingsDirs("unknown-agent"); dirs != nil {
		t.Errorf("unknown agent dirs %v, want nil", dirs)
	}
}
