package checkpoint

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

const restoreArchivePath = "/tmp/evolve-restore.tar.gz"

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Manager drives checkpoint create/restore against one backend.
type Manager struct {
	backend Backend
	logger  core.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a checkpoint manager over a backend.
func NewManager(backend Backend, opts ...ManagerOption) *Manager {
	m := &Manager{backend: backend, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions carry the caller-supplied checkpoint attributes.
type CreateOptions struct {
	Tag      string
	Model    string
	ParentID string
	Comment  string
}

// Create archives the workspace and the agent settings trees inside the
// sandbox, deduplicates the upload by content hash, and records the
// metadata. The temporary archive is removed on every path.
func (m *Manager) Create(ctx context.Context, sb core.Sandbox, agentType, workingDir string, opts CreateOptions) (*Info, error) {
	defer telemetry.TimeOperation("checkpoint.create.ms", "mode", m.backend.Mode())()

	workspaceDir, err := NormalizeWorkspaceDir(workingDir)
	if err != nil {
		return nil, err
	}
	settingsDirs := SettingsDirs(agentType)
	archivePath := "/tmp/evolve-ckpt-" + core.RandomHex(6) + ".tar.gz"
	defer func() {
		// Best-effort temp cleanup; the archive is in /tmp of an
		// ephemeral sandbox either way.
		if _, err := sb.RunCommand(context.WithoutCancel(ctx), buildRemoveCommand(archivePath)); err != nil {
			m.logger.Warn("checkpoint archive cleanup failed", map[string]interface{}{
				"sandbox_id": sb.ID(),
				"error":      err.Error(),
			})
		}
	}()

	// Archive + hash in one command; stdout is the content hash.
	res, err := sb.RunCommand(ctx, BuildTarCommand(archivePath, workspaceDir, settingsDirs))
	if err != nil {
		return nil, core.NewSwarmError("checkpoint.Create", "checkpoint", err)
	}
	if res.ExitCode != 0 {
		return nil, &core.SwarmError{
			Op: "checkpoint.Create", Kind: "checkpoint",
			Err: fmt.Errorf("tar exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}
	hash := strings.TrimSpace(res.Stdout)
	if !hashPattern.MatchString(hash) {
		return nil, fmt.Errorf("tar stdout %q: %w", truncate(hash, 80), core.ErrInvalidCheckpointHash)
	}

	sizeBytes := m.probeSize(ctx, sb, archivePath)

	ticket, err := m.backend.PresignUpload(ctx, hash, sizeValue(sizeBytes))
	if err != nil {
		return nil, err
	}
	if ticket.AlreadyExists {
		m.logger.Debug("checkpoint blob already stored", map[string]interface{}{"hash": hash})
	} else {
		upload, err := sb.RunCommand(ctx, buildUploadCommand(archivePath, ticket.URL))
		if err != nil {
			return nil, core.NewSwarmError("checkpoint.Create", "checkpoint", err)
		}
		if upload.ExitCode != 0 {
			return nil, fmt.Errorf("curl exited %d: %w", upload.ExitCode, core.ErrUploadFailed)
		}
		if err := m.backend.ConfirmUpload(ctx, hash); err != nil {
			return nil, err
		}
	}

	info := &Info{
		ID:        NewCheckpointID(),
		Hash:      hash,
		Tag:       opts.Tag,
		Timestamp: time.Now().UTC(),
		SizeBytes: sizeBytes,
		AgentType: agentType,
		Model:     opts.Model,
		ParentID:  opts.ParentID,
		Comment:   opts.Comment,
		SandboxID: sb.ID(),
	}
	id, err := m.backend.RecordMeta(ctx, info)
	if err != nil {
		return nil, err
	}
	info.ID = id

	m.logger.Info("checkpoint created", map[string]interface{}{
		"checkpoint_id": info.ID,
		"hash":          hash,
		"tag":           info.Tag,
		"deduplicated":  ticket.AlreadyExists,
	})
	return info, nil
}

// probeSize stats the archive; non-numeric stdout yields nil (unknown),
// zero is a legal size.
func (m *Manager) probeSize(ctx context.Context, sb core.Sandbox, archivePath string) *int64 {
	res, err := sb.RunCommand(ctx, buildStatCommand(archivePath))
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil || size < 0 {
		return nil
	}
	return &size
}

// Latest is the sentinel checkpoint ID resolving to the newest record.
const Latest = "latest"

// Restore downloads the checkpoint archive into the sandbox, verifies
// its content hash against the metadata, and extracts it over
// /home/user. The sentinel Latest resolves to the newest checkpoint.
func (m *Manager) Restore(ctx context.Context, sb core.Sandbox, checkpointID string) (*Info, error) {
	defer telemetry.TimeOperation("checkpoint.restore.ms", "mode", m.backend.Mode())()

	var info *Info
	var err error
	if checkpointID == Latest {
		info, err = m.GetLatest(ctx, "")
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, fmt.Errorf("no checkpoints recorded: %w", core.ErrNotFound)
		}
	} else {
		info, err = m.backend.FetchMeta(ctx, checkpointID)
		if err != nil {
			return nil, err
		}
	}

	url, err := m.backend.PresignDownload(ctx, info.Hash)
	if err != nil {
		return nil, err
	}
	download, err := sb.RunCommand(ctx, buildDownloadCommand(url, restoreArchivePath))
	if err != nil {
		return nil, core.NewSwarmError("checkpoint.Restore", "checkpoint", err)
	}
	if download.ExitCode != 0 {
		return nil, &core.SwarmError{
			Op: "checkpoint.Restore", Kind: "checkpoint", ID: info.ID,
			Err: fmt.Errorf("curl exited %d", download.ExitCode),
		}
	}

	hashRes, err := sb.RunCommand(ctx, buildHashCommand(restoreArchivePath))
	if err != nil {
		return nil, core.NewSwarmError("checkpoint.Restore", "checkpoint", err)
	}
	downloaded := strings.TrimSpace(hashRes.Stdout)
	if downloaded != info.Hash {
		if _, err := sb.RunCommand(ctx, buildRemoveCommand(restoreArchivePath)); err != nil {
			m.logger.Warn("restore archive cleanup failed", map[string]interface{}{"error": err.Error()})
		}
		return nil, fmt.Errorf("expected %s got %s: %w", info.Hash, truncate(downloaded, 70), core.ErrIntegrityCheckFailed)
	}

	extract, err := sb.RunCommand(ctx, buildExtractCommand(restoreArchivePath))
	if err != nil {
		return nil, core.NewSwarmError("checkpoint.Restore", "checkpoint", err)
	}
	if extract.ExitCode != 0 {
		return nil, &core.SwarmError{
			Op: "checkpoint.Restore", Kind: "checkpoint", ID: info.ID,
			Err: fmt.Errorf("tar exited %d: %s", extract.ExitCode, strings.TrimSpace(extract.Stderr)),
		}
	}
	if _, err := sb.RunCommand(ctx, buildRemoveCommand(restoreArchivePath)); err != nil {
		m.logger.Warn("restore archive cleanup failed", map[string]interface{}{"error": err.Error()})
	}

	m.logger.Info("checkpoint restored", map[string]interface{}{
		"checkpoint_id": info.ID,
		"sandbox_id":    sb.ID(),
	})
	return info, nil
}

func sizeValue(size *int64) int64 {
	if size == nil {
		return 0
	}
	return *size
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
