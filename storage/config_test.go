package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolving-machines-lab/evolve/core"
)

// TestResolveConfigS3URL tests the s3:// scheme
func TestResolveConfigS3URL(t *testing.T) {
	cfg, err := ResolveConfig(Options{URL: "s3://my-bucket/checkpoints/team"})
	require.NoError(t, err)
	assert.Equal(t, ModeBYOK, cfg.Mode)
	assert.Equal(t, "my-bucket", cfg.Bucket)
	assert.Equal(t, "checkpoints/team", cfg.Prefix)
	assert.Empty(t, cfg.Endpoint)
}

// TestResolveConfigVirtualHosted tests the AWS virtual-hosted layout
func TestResolveConfigVirtualHosted(t *testing.T) {
	cfg, err := ResolveConfig(Options{URL: "https://my-bucket.s3.eu-west-1.amazonaws.com/prefix"})
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", cfg.Bucket)
	assert.Equal(t, "prefix", cfg.Prefix)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Empty(t, cfg.Endpoint)
}

// TestResolveConfigPathStyle tests custom-endpoint path-style URLs
func TestResolveConfigPathStyle(t *testing.T) {
	cfg, err := ResolveConfig(Options{URL: "https://minio.internal:9000/bucket/some/prefix"})
	require.NoError(t, err)
	assert.Equal(t, "bucket", cfg.Bucket)
	assert.Equal(t, "some/prefix", cfg.Prefix)
	assert.Equal(t, "https://minio.internal:9000", cfg.Endpoint)
}

// TestResolveConfigExplicitOverrides tests that explicit options beat
// URL-parsed values
func TestResolveConfigExplicitOverrides(t *testing.T) {
	cfg, err := ResolveConfig(Options{
		URL:    "s3://url-bucket/url-prefix",
		Bucket: "explicit-bucket",
		Prefix: "explicit-prefix",
		Region: "ap-southeast-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "explicit-bucket", cfg.Bucket)
	assert.Equal(t, "explicit-prefix", cfg.Prefix)
	assert.Equal(t, "ap-southeast-2", cfg.Region)
}

// TestResolveConfigRegionPrecedence tests explicit > AWS_REGION >
// default
func TestResolveConfigRegionPrecedence(t *testing.T) {
	t.Setenv("AWS_REGION", "us-west-2")
	cfg, err := ResolveConfig(Options{URL: "s3://b/p"})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", cfg.Region)

	cfg, err = ResolveConfig(Options{URL: "s3://b/p", Region: "eu-central-1"})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.Region)

	t.Setenv("AWS_REGION", "")
	cfg, err = ResolveConfig(Options{URL: "s3://b/p"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
}

// TestResolveConfigTrailingSlashes tests slash normalization
func TestResolveConfigTrailingSlashes(t *testing.T) {
	cfg, err := ResolveConfig(Options{URL: "s3://bucket/prefix/"})
	require.NoError(t, err)
	assert.Equal(t, "prefix", cfg.Prefix)

	cfg, err = ResolveConfig(Options{Bucket: "b", Prefix: "p/"})
	require.NoError(t, err)
	assert.Equal(t, "p", cfg.Prefix)
}

// TestResolveConfigNoBucket tests bucket-less inputs
func TestResolveConfigNoBucket(t *testing.T) {
	_, err := ResolveConfig(Options{URL: "https://host.example"})
	assert.True(t, errors.Is(err, core.ErrNoBucketInPath), "got %v", err)

	_, err = ResolveConfig(Options{URL: "s3://"})
	assert.True(t, errors.Is(err, core.ErrNoBucketInPath), "got %v", err)

	_, err = ResolveConfig(Options{})
	assert.True(t, errors.Is(err, core.ErrInvalidArgument), "got %v", err)
}

// TestResolveConfigGateway tests gateway-mode resolution
func TestResolveConfigGateway(t *testing.T) {
	cfg, err := ResolveConfig(Options{
		GatewayURL:    "https://gateway.example/",
		GatewayAPIKey: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeGateway, cfg.Mode)
	assert.Equal(t, "https://gateway.example", cfg.GatewayURL)
	assert.Equal(t, "sk-test", cfg.GatewayAPIKey)
}
