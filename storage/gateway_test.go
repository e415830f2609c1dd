package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
)

// gatewayFixture is a scripted checkpoint gateway over httptest.
type gatewayFixture struct {
	mu       sync.Mutex
	requests []*http.Request
	existing map[string]bool // hashes already stored
	records  map[string]*checkpoint.Info
	nextID   string
}

func newGatewayFixture(t *testing.T) (*gatewayFixture, *GatewayBackend) {
	t.Helper()
	g := &gatewayFixture{
		existing: make(map[string]bool),
		records:  make(map[string]*checkpoint.Info),
		nextID:   "ckpt_gateway_assigned",
	}
	srv := httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(srv.Close)

	backend, err := NewGatewayBackend(&Config{
		Mode:          ModeGateway,
		GatewayURL:    srv.URL,
		GatewayAPIKey: "sk-gw-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return g, backend
}

func (g *gatewayFixture) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.requests = append(g.requests, r.Clone(context.Background()))
	g.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer sk-gw-test" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/checkpoints/presign":
		var req struct {
			Hash     string `json:"hash"`
			Download bool   `json:"download"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		exists := g.existing[req.Hash]
		if !req.Download {
			g.existing[req.Hash] = true
		}
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":           "https://blob.example/" + req.Hash,
			"alreadyExists": exists && !req.Download,
		})

	case r.Method == http.MethodPost && r.URL.Path == "/api/checkpoints":
		var info checkpoint.Info
		_ = json.NewDecoder(r.Body).Decode(&info)
		g.mu.Lock()
		info.ID = g.nextID
		g.records[info.ID] = &info
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": g.nextID})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/checkpoints/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/checkpoints/")
		g.mu.Lock()
		info, ok := g.records[id]
		g.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(info)

	case r.Method == http.MethodGet && r.URL.Path == "/api/checkpoints":
		g.mu.Lock()
		infos := make([]*checkpoint.Info, 0, len(g.records))
		for _, info := range g.records {
			infos = append(infos, info)
		}
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(infos)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// TestGatewayPresignUploadDedup covers the gateway half of C1: the
// second presign for an unchanged hash reports alreadyExists.
func TestGatewayPresignUploadDedup(t *testing.T) {
	_, backend := newGatewayFixture(t)
	hash := strings.Repeat("ab", 32)

	first, err := backend.PresignUpload(context.Background(), hash, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyExists {
		t.Error("first presign must not report alreadyExists")
	}
	if first.URL == "" {
		t.Error("first presign must return an upload URL")
	}

	second, err := backend.PresignUpload(context.Background(), hash, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyExists {
		t.Error("second presign must report alreadyExists")
	}
}

// TestGatewayRecordMetaAuthoritativeID tests that the gateway's ID wins
func TestGatewayRecordMetaAuthoritativeID(t *testing.T) {
	_, backend := newGatewayFixture(t)

	id, err := backend.RecordMeta(context.Background(), &checkpoint.Info{
		ID:        "ckpt_local_guess",
		Hash:      strings.Repeat("cd", 32),
		Timestamp: time.Now().UTC(),
		AgentType: "claude",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "ckpt_gateway_assigned" {
		t.Errorf("id %q, want the gateway-assigned one", id)
	}
}

// TestGatewayFetchMetaNotFound tests 404 mapping
func TestGatewayFetchMetaNotFound(t *testing.T) {
	_, backend := newGatewayFixture(t)
	if _, err := backend.FetchMeta(context.Background(), "ckpt_missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestGatewayListQuery tests the query-string contract
func TestGatewayListQuery(t *testing.T) {
	g, backend := newGatewayFixture(t)
	if _, err := backend.List(context.Background(), 25, "alpha"); err != nil {
		t.Fatal(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	last := g.requests[len(g.requests)-1]
	if last.URL.Query().Get("limit") != "25" {
		t.Errorf("limit query %q", last.URL.Query().Get("limit"))
	}
	if last.URL.Query().Get("tag") != "alpha" {
		t.Errorf("tag query %q", last.URL.Query().Get("tag"))
	}
}

// TestGatewayBearerAuth tests the Authorization header on every call
func TestGatewayBearerAuth(t *testing.T) {
	g, backend := newGatewayFixture(t)
	_, _ = backend.PresignUpload(context.Background(), strings.Repeat("ef", 32), 1)
	_, _ = backend.List(context.Background(), 10, "")

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.requests {
		if req.Header.Get("Authorization") != "Bearer sk-gw-test" {
			t.Errorf("request %s %s missing bearer auth", req.Method, req.URL)
		}
	}
}

// TestGatewayCircuitBreakerOpens tests fail-fast after repeated
// gateway failures
func TestGatewayCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	backend, err := NewGatewayBackend(&Config{
		Mode:       ModeGateway,
		GatewayURL: srv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		_, _ = backend.List(context.Background(), 10, "")
	}
	// The breaker must now reject without reaching the server.
	_, err = backend.List(context.Background(), 10, "")
	if err == nil {
		t.Fatal("expected an error from the open breaker")
	}
}
