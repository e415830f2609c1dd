package checkpoint

import (
	"context"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ListOptions filter and bound a checkpoint listing.
type ListOptions struct {
	// Limit caps the number of records; <= 0 means the default of 100,
	// values above 500 are clamped to 500.
	Limit int
	// Tag filters to records carrying this tag. Filtering happens
	// before the limit is applied.
	Tag string
}

// NormalizeLimit applies the listing bounds.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// List returns checkpoint records, newest first.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Info, error) {
	return m.backend.List(ctx, NormalizeLimit(opts.Limit), opts.Tag)
}

// GetLatest returns the newest checkpoint, optionally scoped to a tag,
// or nil when none exist. With an empty tag the lookup is global, not
// session-scoped.
func (m *Manager) GetLatest(ctx context.Context, tag string) (*Info, error) {
	infos, err := m.backend.List(ctx, 1, tag)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return infos[0], nil
}
