// Package storage resolves checkpoint storage configuration and
// implements the two backend modes: BYOK (direct S3-compatible object
// store) and gateway (credential-issuing HTTP service).
package storage

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/evolving-machines-lab/evolve/core"
)

// Mode selects a storage deployment mode.
type Mode string

const (
	ModeBYOK    Mode = "byok"
	ModeGateway Mode = "gateway"
)

const defaultRegion = "us-east-1"

// Credentials are explicit object-store credentials for BYOK mode.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Config is the resolved storage configuration, a tagged union keyed by
// Mode.
type Config struct {
	Mode Mode

	// BYOK
	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string
	Credentials *Credentials

	// Gateway
	GatewayURL    string
	GatewayAPIKey string
}

// Options are the caller-supplied inputs to ResolveConfig. Explicit
// fields override URL-parsed values.
type Options struct {
	// URL is an s3:// or https:// storage location (BYOK mode).
	URL string

	Bucket      string
	Prefix      string
	Region      string
	Endpoint    string
	Credentials *Credentials

	// GatewayURL selects gateway mode.
	GatewayURL    string
	GatewayAPIKey string
}

// ResolveConfig normalizes caller options into a Config.
//
// Region precedence: explicit > AWS_REGION > "us-east-1". Trailing
// slashes on prefixes are stripped; bucket-less URLs fail.
func ResolveConfig(opts Options) (*Config, error) {
	if opts.GatewayURL != "" {
		return &Config{
			Mode:          ModeGateway,
			GatewayURL:    strings.TrimSuffix(opts.GatewayURL, "/"),
			GatewayAPIKey: opts.GatewayAPIKey,
		}, nil
	}

	cfg := &Config{Mode: ModeBYOK, Credentials: opts.Credentials}
	if opts.URL != "" {
		parsed, err := parseStorageURL(opts.URL)
		if err != nil {
			return nil, err
		}
		cfg.Bucket = parsed.bucket
		cfg.Prefix = parsed.prefix
		cfg.Region = parsed.region
		cfg.Endpoint = parsed.endpoint
	}

	// Explicit options override URL-parsed values.
	if opts.Bucket != "" {
		cfg.Bucket = opts.Bucket
	}
	if opts.Prefix != "" {
		cfg.Prefix = opts.Prefix
	}
	if opts.Region != "" {
		cfg.Region = opts.Region
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = opts.Endpoint
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage options name no bucket: %w", core.ErrInvalidArgument)
	}
	if cfg.Region == "" {
		if env := os.Getenv("AWS_REGION"); env != "" {
			cfg.Region = env
		} else {
			cfg.Region = defaultRegion
		}
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return cfg, nil
}

type parsedURL struct {
	bucket   string
	prefix   string
	region   string
	endpoint string
}

// parseStorageURL understands three layouts:
//
//	s3://bucket/prefix
//	https://{bucket}.s3.{region}.amazonaws.com/prefix   (virtual-hosted)
//	https://{host}/bucket/prefix                        (path-style custom endpoint)
func parseStorageURL(raw string) (*parsedURL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("storage URL %q: %w", raw, core.ErrInvalidArgument)
	}

	trimmedPath := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("storage URL %q: %w", raw, core.ErrNoBucketInPath)
		}
		return &parsedURL{bucket: u.Host, prefix: trimmedPath}, nil

	case "http", "https":
		if host, ok := strings.CutSuffix(u.Host, ".amazonaws.com"); ok {
			// {bucket}.s3.{region}.amazonaws.com
			bucket, rest, found := strings.Cut(host, ".s3.")
			if !found || bucket == "" || rest == "" {
				return nil, fmt.Errorf("unrecognized AWS host %q: %w", u.Host, core.ErrInvalidArgument)
			}
			return &parsedURL{bucket: bucket, prefix: trimmedPath, region: rest}, nil
		}
		// Path-style with custom endpoint: first path element is the
		// bucket.
		if trimmedPath == "" {
			return nil, fmt.Errorf("storage URL %q: %w", raw, core.ErrNoBucketInPath)
		}
		bucket, prefix, _ := strings.Cut(trimmedPath, "/")
		return &parsedURL{
			bucket:   bucket,
			prefix:   prefix,
			endpoint: u.Scheme + "://" + u.Host,
		}, nil

	default:
		return nil, fmt.Errorf("storage URL scheme %q: %w", u.Scheme, core.ErrInvalidArgument)
	}
}
