package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/resilience"
)

// GatewayBackend implements checkpoint.Backend against the managed
// checkpoint gateway. The gateway issues presigned URLs and records
// metadata on the caller's behalf; the SDK never sees object-store
// credentials in this mode.
//
// Every request carries Authorization: Bearer {apiKey} and runs behind
// a circuit breaker so a struggling gateway fails fast instead of
// stalling every fiber in the swarm.
type GatewayBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     core.Logger
}

// GatewayOption configures a GatewayBackend.
type GatewayOption func(*GatewayBackend)

// WithGatewayLogger sets the backend logger.
func WithGatewayLogger(logger core.Logger) GatewayOption {
	return func(g *GatewayBackend) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayHTTPClient overrides the HTTP client.
func WithGatewayHTTPClient(hc *http.Client) GatewayOption {
	return func(g *GatewayBackend) {
		if hc != nil {
			g.httpClient = hc
		}
	}
}

// NewGatewayBackend builds the backend from a resolved gateway config.
func NewGatewayBackend(cfg *Config, opts ...GatewayOption) (*GatewayBackend, error) {
	if cfg.Mode != ModeGateway {
		return nil, fmt.Errorf("config mode %q is not gateway: %w", cfg.Mode, core.ErrInvalidArgument)
	}
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway mode needs a gateway URL: %w", core.ErrInvalidArgument)
	}
	g := &GatewayBackend{
		baseURL:    cfg.GatewayURL,
		apiKey:     cfg.GatewayAPIKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "checkpoint-gateway",
		Logger: g.logger,
	})
	return g, nil
}

// Mode implements checkpoint.Backend.
func (g *GatewayBackend) Mode() string { return string(ModeGateway) }

type presignRequest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
	Download  bool   `json:"download,omitempty"`
}

type presignResponse struct {
	URL           string `json:"url"`
	AlreadyExists bool   `json:"alreadyExists"`
}

// PresignUpload asks the gateway for an upload URL; the gateway reports
// dedup via alreadyExists.
func (g *GatewayBackend) PresignUpload(ctx context.Context, hash string, sizeBytes int64) (*checkpoint.UploadTicket, error) {
	var resp presignResponse
	err := g.post(ctx, "/api/checkpoints/presign", presignRequest{Hash: hash, SizeBytes: sizeBytes}, &resp)
	if err != nil {
		return nil, err
	}
	return &checkpoint.UploadTicket{URL: resp.URL, AlreadyExists: resp.AlreadyExists}, nil
}

// ConfirmUpload is a no-op: the gateway verified the object when it
// issued the URL and tracks completion server-side.
func (g *GatewayBackend) ConfirmUpload(ctx context.Context, hash string) error {
	return nil
}

type recordResponse struct {
	ID string `json:"id"`
}

// RecordMeta posts the metadata; the gateway returns the authoritative
// checkpoint ID.
func (g *GatewayBackend) RecordMeta(ctx context.Context, info *checkpoint.Info) (string, error) {
	var resp recordResponse
	if err := g.post(ctx, "/api/checkpoints", info, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &core.SwarmError{
			Op: "storage.RecordMeta", Kind: "storage",
			Message: "gateway returned no checkpoint id",
		}
	}
	return resp.ID, nil
}

// FetchMeta loads one record; a 404 maps to core.ErrNotFound.
func (g *GatewayBackend) FetchMeta(ctx context.Context, id string) (*checkpoint.Info, error) {
	var info checkpoint.Info
	err := g.get(ctx, "/api/checkpoints/"+url.PathEscape(id), &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PresignDownload asks the gateway for a download URL for the blob.
func (g *GatewayBackend) PresignDownload(ctx context.Context, hash string) (string, error) {
	var resp presignResponse
	err := g.post(ctx, "/api/checkpoints/presign", presignRequest{Hash: hash, Download: true}, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// List delegates filtering and ordering to the gateway.
func (g *GatewayBackend) List(ctx context.Context, limit int, tag string) ([]*checkpoint.Info, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if tag != "" {
		query.Set("tag", tag)
	}
	var infos []*checkpoint.Info
	if err := g.get(ctx, "/api/checkpoints?"+query.Encode(), &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (g *GatewayBackend) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return g.do(ctx, http.MethodPost, path, payload, out)
}

func (g *GatewayBackend) get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

func (g *GatewayBackend) do(ctx context.Context, method, path string, body []byte, out any) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return core.NewSwarmError("storage.gateway", "storage", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, core.ErrNotFound)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &core.SwarmError{
				Op: "storage.gateway", Kind: "storage",
				Err: fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg)),
			}
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
