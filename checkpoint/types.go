// Package checkpoint implements content-addressed snapshot/restore of
// sandbox workspaces: deduplicating upload, integrity-verified download,
// and a standalone browsing client. Storage backends (object store or
// gateway) are supplied by the storage package.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evolving-machines-lab/evolve/core"
)

// Info is one checkpoint metadata record. Hash identifies the archive
// bytes; ID identifies the record. Unknown fields read from a backend
// are kept in Extra and written back verbatim, so records created by
// newer SDKs survive a round-trip through older ones.
type Info struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes *int64    `json:"sizeBytes,omitempty"`
	AgentType string    `json:"agentType"`
	Model     string    `json:"model,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	SandboxID string    `json:"sandboxId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// infoAlias avoids Marshal/Unmarshal recursion.
type infoAlias Info

var infoKnownKeys = []string{
	"id", "hash", "tag", "timestamp", "sizeBytes",
	"agentType", "model", "parentId", "comment", "sandboxId",
}

// UnmarshalJSON decodes known fields and preserves everything else.
func (i *Info) UnmarshalJSON(data []byte) error {
	var alias infoAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range infoKnownKeys {
		delete(raw, key)
	}
	*i = Info(alias)
	if len(raw) > 0 {
		i.Extra = raw
	}
	return nil
}

// MarshalJSON writes known fields plus any preserved unknown fields.
// Known fields always win on key collision.
func (i Info) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(infoAlias(i))
	if err != nil {
		return nil, err
	}
	if len(i.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, val := range i.Extra {
		if _, exists := merged[key]; !exists {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}

// UploadTicket is the outcome of a presign request. AlreadyExists means
// the blob is deduplicated and no upload is needed.
type UploadTicket struct {
	URL           string
	AlreadyExists bool
}

// Backend is the storage-mode abstraction the engine drives. The BYOK
// implementation talks directly to an S3-compatible store; the gateway
// implementation talks to a credential-issuing HTTP service.
type Backend interface {
	// Mode returns "byok" or "gateway" for logs and metrics.
	Mode() string

	// PresignUpload checks for an existing blob with this hash and,
	// when absent, returns a presigned upload URL.
	PresignUpload(ctx context.Context, hash string, sizeBytes int64) (*UploadTicket, error)

	// ConfirmUpload verifies the blob exists after an upload. Gateway
	// backends may implement it as a no-op.
	ConfirmUpload(ctx context.Context, hash string) error

	// RecordMeta persists the metadata record, returning the
	// authoritative checkpoint ID.
	RecordMeta(ctx context.Context, info *Info) (string, error)

	// FetchMeta loads one record by ID; core.ErrNotFound when missing.
	FetchMeta(ctx context.Context, id string) (*Info, error)

	// PresignDownload returns a presigned GET URL for the blob.
	PresignDownload(ctx context.Context, hash string) (string, error)

	// List returns up to limit records, newest first, optionally
	// filtered by tag. The limit arrives normalized.
	List(ctx context.Context, limit int, tag string) ([]*Info, error)
}

// NewCheckpointID mints a locally-generated checkpoint record ID.
// Gateway-mode IDs are whatever the gateway returns instead.
func NewCheckpointID() string {
	return "ckpt_" + core.RandomHex(12)
}
