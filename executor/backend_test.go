package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
)

// memBackend is a minimal in-memory checkpoint backend for executor
// tests.
type memBackend struct {
	mu          sync.Mutex
	blobs       map[string]bool
	records     map[string]*checkpoint.Info
	order       []string
	failPresign bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		blobs:   make(map[string]bool),
		records: make(map[string]*checkpoint.Info),
	}
}

func (b *memBackend) Mode() string { return "mem" }

func (b *memBackend) PresignUpload(ctx context.Context, hash string, sizeBytes int64) (*checkpoint.UploadTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPresign {
		return nil, fmt.Errorf("presign: %w", core.ErrUploadFailed)
	}
	if b.blobs[hash] {
		return &checkpoint.UploadTicket{AlreadyExists: true}, nil
	}
	return &checkpoint.UploadTicket{URL: "https://mem.example/" + hash}, nil
}

func (b *memBackend) ConfirmUpload(ctx context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[hash] = true
	return nil
}

func (b *memBackend) RecordMeta(ctx context.Context, info *checkpoint.Info) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *info
	b.records[info.ID] = &clone
	b.order = append(b.order, info.ID)
	return info.ID, nil
}

func (b *memBackend) FetchMeta(ctx context.Context, id string) (*checkpoint.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, core.ErrNotFound)
	}
	clone := *info
	return &clone, nil
}

func (b *memBackend) PresignDownload(ctx context.Context, hash string) (string, error) {
	return "https://mem.example/" + hash, nil
}

func (b *memBackend) List(ctx context.Context, limit int, tag string) ([]*checkpoint.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*checkpoint.Info
	for i := len(b.order) - 1; i >= 0 && len(out) < limit; i-- {
		info := b.records[b.order[i]]
		if tag != "" && info.Tag != tag {
			continue
		}
		clone := *info
		out = append(out, &clone)
	}
	return out, nil
}
