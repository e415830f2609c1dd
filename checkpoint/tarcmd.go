package checkpoint

import (
	"strings"
)

// cacheExcludes are always excluded from checkpoint archives.
var cacheExcludes = []string{
	"node_modules",
	"__pycache__",
	"*.pyc",
	".cache",
	".npm",
	".pip",
	".venv",
	"venv",
}

// ShellQuote single-quote-escapes s for interpolation into a command
// string run by sh -c. Embedded single quotes become '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildTarCommand produces the single shell command that archives the
// workspace plus the agent settings trees into archivePath and prints
// the hex sha256 of the archive bytes as its stdout.
//
// Members are relative to /home/user so restore can extract with
// -C /home/user. workspaceDir must already be normalized.
func BuildTarCommand(archivePath, workspaceDir string, settingsDirs []string) string {
	var parts []string
	parts = append(parts, "tar", "-czf", ShellQuote(archivePath), "-C", ShellQuote(sandboxHome))
	for _, pattern := range cacheExcludes {
		parts = append(parts, "--exclude="+ShellQuote(pattern))
	}
	parts = append(parts, "--exclude="+ShellQuote(workspaceBasename(workspaceDir)+"/temp"))

	parts = append(parts, ShellQuote(workspaceMember(workspaceDir)))
	for _, dir := range settingsDirs {
		parts = append(parts, ShellQuote(dir))
	}

	tarCmd := strings.Join(parts, " ")
	hashCmd := "sha256sum " + ShellQuote(archivePath) + " | awk '{print $1}'"
	return tarCmd + " && " + hashCmd
}

// buildStatCommand queries the archive size in bytes.
func buildStatCommand(archivePath string) string {
	return "stat -c %s " + ShellQuote(archivePath)
}

// buildRemoveCommand deletes a temporary archive.
func buildRemoveCommand(archivePath string) string {
	return "rm -f " + ShellQuote(archivePath)
}

// buildUploadCommand PUTs the archive to a presigned URL from inside
// the sandbox.
func buildUploadCommand(archivePath, url string) string {
	return "curl -f -s -S -X PUT --upload-file " + ShellQuote(archivePath) + " " + ShellQuote(url)
}

// buildDownloadCommand GETs a presigned URL into targetPath.
func buildDownloadCommand(url, targetPath string) string {
	return "curl -f -s -S -o " + ShellQuote(targetPath) + " " + ShellQuote(url)
}

// buildHashCommand prints the hex sha256 of a file.
func buildHashCommand(filePath string) string {
	return "sha256sum " + ShellQuote(filePath) + " | awk '{print $1}'"
}

// buildExtractCommand unpacks an archive into /home/user.
func buildExtractCommand(archivePath string) string {
	return "tar -xzf " + ShellQuote(archivePath) + " -C " + ShellQuote(sandboxHome)
}
