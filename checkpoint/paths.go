package checkpoint

import (
	"fmt"
	"path"
	"strings"

	"github.com/evolving-machines-lab/evolve/core"
)

const sandboxHome = "/home/user"

// NormalizeWorkspaceDir validates a workspace path for archiving.
// The path must live under /home/user/, contain no ".." and no "//",
// and must not be the home directory itself.
func NormalizeWorkspaceDir(dir string) (string, error) {
	dir = strings.TrimSuffix(dir, "/")
	if !strings.HasPrefix(dir, sandboxHome+"/") {
		return "", fmt.Errorf("workspace %q must be under %s/: %w", dir, sandboxHome, core.ErrInvalidArgument)
	}
	if dir == sandboxHome {
		return "", fmt.Errorf("workspace must not be %s itself: %w", sandboxHome, core.ErrInvalidArgument)
	}
	if strings.Contains(dir, "..") {
		return "", fmt.Errorf("workspace %q contains '..': %w", dir, core.ErrInvalidArgument)
	}
	if strings.Contains(dir, "//") {
		return "", fmt.Errorf("workspace %q contains '//': %w", dir, core.ErrInvalidArgument)
	}
	return dir, nil
}

// NormalizeSettingsDir maps "~/.X" or "/home/user/.X" to the
// home-relative ".X" form used as a tar member.
func NormalizeSettingsDir(dir string) (string, error) {
	orig := dir
	switch {
	case strings.HasPrefix(dir, "~/"):
		dir = dir[2:]
	case strings.HasPrefix(dir, sandboxHome+"/"):
		dir = dir[len(sandboxHome)+1:]
	}
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || strings.Contains(dir, "..") {
		return "", fmt.Errorf("settings dir %q: %w", orig, core.ErrInvalidArgument)
	}
	return dir, nil
}

// SettingsDirs returns the home-relative settings trees archived for an
// agent family. opencode keeps its state in the XDG trees rather than a
// single dot directory.
func SettingsDirs(agentType string) []string {
	switch agentType {
	case "claude":
		return []string{".claude"}
	case "codex":
		return []string{".codex"}
	case "gemini":
		return []string{".gemini"}
	case "qwen":
		return []string{".qwen"}
	case "kimi":
		return []string{".kimi"}
	case "opencode":
		return []string{
			".local/share/opencode",
			".config/opencode",
			".local/state/opencode",
		}
	default:
		return nil
	}
}

// workspaceMember returns the archive member path for the workspace:
// the normalized dir relative to /home/user.
func workspaceMember(workspaceDir string) string {
	return strings.TrimPrefix(workspaceDir, sandboxHome+"/")
}

// workspaceBasename returns the final path element, used by the
// {basename}/temp exclude.
func workspaceBasename(workspaceDir string) string {
	return path.Base(workspaceDir)
}
