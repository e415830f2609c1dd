package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// Client browses and downloads checkpoints without a sandbox: listing,
// metadata lookup, and hash-verified archive download to the local
// machine.
type Client struct {
	backend    Backend
	httpClient *http.Client
	logger     core.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient overrides the HTTP client used for presigned
// downloads.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a standalone storage client over a backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend:    backend,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns checkpoint records, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*Info, error) {
	return c.backend.List(ctx, NormalizeLimit(opts.Limit), opts.Tag)
}

// Get returns one checkpoint record by ID.
func (c *Client) Get(ctx context.Context, id string) (*Info, error) {
	return c.backend.FetchMeta(ctx, id)
}

// GetLatest returns the newest checkpoint, optionally scoped to a tag,
// or nil when none exist.
func (c *Client) GetLatest(ctx context.Context, tag string) (*Info, error) {
	infos, err := c.backend.List(ctx, 1, tag)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return infos[0], nil
}

// DownloadOptions configure DownloadCheckpoint.
type DownloadOptions struct {
	// To is the target: a directory when extracting, a file path for
	// the raw archive.
	To string
	// Raw saves the .tar.gz as-is instead of extracting.
	Raw bool
}

// DownloadCheckpoint fetches the archive, verifies its hash against the
// metadata, and extracts it under To (or saves it raw).
func (c *Client) DownloadCheckpoint(ctx context.Context, id string, opts DownloadOptions) (*Info, error) {
	info, archive, err := c.fetchVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Raw {
		target := opts.To
		if target == "" {
			target = info.ID + ".tar.gz"
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil && filepath.Dir(target) != "." {
			return nil, err
		}
		if err := os.WriteFile(target, archive, 0o644); err != nil {
			return nil, err
		}
		return info, nil
	}
	target := opts.To
	if target == "" {
		target = "."
	}
	if err := ExtractToDir(bytes.NewReader(archive), target); err != nil {
		return nil, err
	}
	return info, nil
}

// FileSelection filters DownloadFiles. Files is an exact path set; Glob
// supports * and **. With neither, every file is returned.
type FileSelection struct {
	Files []string
	Glob  string
	// To optionally writes the selected files under a local directory
	// as well.
	To string
}

// DownloadFiles fetches the archive, verifies its hash, and streams the
// selected entries in-memory into a FileMap keyed by archive-relative
// path.
func (c *Client) DownloadFiles(ctx context.Context, id string, sel FileSelection) (core.FileMap, error) {
	_, archive, err := c.fetchVerified(ctx, id)
	if err != nil {
		return nil, err
	}

	var filter func(string) bool
	switch {
	case len(sel.Files) > 0:
		want := make(map[string]bool, len(sel.Files))
		for _, f := range sel.Files {
			want[f] = true
		}
		filter = func(p string) bool { return want[p] }
	case sel.Glob != "":
		filter = func(p string) bool { return GlobMatch(sel.Glob, p) }
	}

	files, err := ExtractToFileMap(bytes.NewReader(archive), filter)
	if err != nil {
		return nil, err
	}

	if sel.To != "" {
		for p, data := range files {
			target := filepath.Join(sel.To, filepath.FromSlash(p))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return files, nil
}

// fetchVerified downloads the archive via a presigned URL and verifies
// its sha256 against the metadata before anything is extracted.
func (c *Client) fetchVerified(ctx context.Context, id string) (*Info, []byte, error) {
	info, err := c.backend.FetchMeta(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	url, err := c.backend.PresignDownload(ctx, info.Hash)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, core.NewSwarmError("checkpoint.Download", "storage", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &core.SwarmError{
			Op: "checkpoint.Download", Kind: "storage", ID: id,
			Err: fmt.Errorf("download returned %d", resp.StatusCode),
		}
	}
	archive, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	sum := sha256.Sum256(archive)
	if hex.EncodeToString(sum[:]) != info.Hash {
		return nil, nil, fmt.Errorf("archive for %s: %w", id, core.ErrIntegrityCheckFailed)
	}
	return info, archive, nil
}
