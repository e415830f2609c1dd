package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/evolving-machines-lab/evolve/core"
)

// fakeSandbox scripts RunCommand responses by substring match and keeps
// the full command log.
type fakeSandbox struct {
	mu       sync.Mutex
	id       string
	commands []string
	// responses maps a command substring to (stdout, exitCode).
	responses map[string]fakeResponse
}

type fakeResponse struct {
	stdout   string
	exitCode int
}

func newFakeSandbox(id string) *fakeSandbox {
	return &fakeSandbox{id: id, responses: make(map[string]fakeResponse)}
}

func (s *fakeSandbox) respond(substr, stdout string, exitCode int) {
	s.responses[substr] = fakeResponse{stdout, exitCode}
}

func (s *fakeSandbox) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeSandbox) countCommands(substr string) int {
	n := 0
	for _, cmd := range s.log() {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

func (s *fakeSandbox) ID() string { return s.id }

func (s *fakeSandbox) RunCommand(ctx context.Context, cmd string) (*core.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	// Longest matching substring wins, so specific scripts can shadow
	// generic ones.
	var keys []string
	for k := range s.responses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.Contains(cmd, k) {
			r := s.responses[k]
			return &core.CommandResult{ExitCode: r.exitCode, Stdout: r.stdout}, nil
		}
	}
	return &core.CommandResult{}, nil
}

func (s *fakeSandbox) SpawnCommand(ctx context.Context, cmd string, opts core.SpawnOptions) (core.Process, error) {
	return nil, fmt.Errorf("not supported")
}
func (s *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("no file %s", path)
}
func (s *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (s *fakeSandbox) MakeDir(ctx context.Context, path string) error                { return nil }
func (s *fakeSandbox) ListFiles(ctx context.Context, dir string) ([]core.FileEntry, error) {
	return nil, nil
}
func (s *fakeSandbox) Kill(ctx context.Context) error   { return nil }
func (s *fakeSandbox) Pause(ctx context.Context) error  { return nil }
func (s *fakeSandbox) Resume(ctx context.Context) error { return nil }

// fakeBackend is an in-memory checkpoint.Backend with call accounting.
type fakeBackend struct {
	mu            sync.Mutex
	blobs         map[string]bool
	records       map[string]*Info
	order         []string // record IDs, insertion order
	presignCalls  int
	uploadsIssued int
	listLimits    []int
	listTags      []string
	downloadURL   string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blobs:       make(map[string]bool),
		records:     make(map[string]*Info),
		downloadURL: "https://store.example/presigned",
	}
}

func (b *fakeBackend) Mode() string { return "fake" }

func (b *fakeBackend) PresignUpload(ctx context.Context, hash string, sizeBytes int64) (*UploadTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presignCalls++
	if b.blobs[hash] {
		return &UploadTicket{AlreadyExists: true}, nil
	}
	b.uploadsIssued++
	return &UploadTicket{URL: "https://store.example/upload/" + hash}, nil
}

func (b *fakeBackend) ConfirmUpload(ctx context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[hash] = true
	return nil
}

func (b *fakeBackend) RecordMeta(ctx context.Context, info *Info) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *info
	b.records[info.ID] = &clone
	b.order = append(b.order, info.ID)
	return info.ID, nil
}

func (b *fakeBackend) FetchMeta(ctx context.Context, id string) (*Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.records[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, core.ErrNotFound)
	}
	clone := *info
	return &clone, nil
}

func (b *fakeBackend) PresignDownload(ctx context.Context, hash string) (string, error) {
	return b.downloadURL, nil
}

func (b *fakeBackend) List(ctx context.Context, limit int, tag string) ([]*Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listLimits = append(b.listLimits, limit)
	b.listTags = append(b.listTags, tag)

	var out []*Info
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
