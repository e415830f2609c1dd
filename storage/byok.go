package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/evolving-machines-lab/evolve/checkpoint"
	"github.com/evolving-machines-lab/evolve/core"
	"github.com/evolving-machines-lab/evolve/telemetry"
)

const presignExpiry = 15 * time.Minute

// S3API is the slice of the S3 client the backend uses, narrowed for
// fakes in tests.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Presigner generates presigned PUT/GET URLs.
type S3Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// BYOKBackend implements checkpoint.Backend directly against an
// S3-compatible object store with caller-provided credentials.
//
// Key layout under the configured prefix:
//
//	data/{hash}/archive.tar.gz   deduplicated blob, immutable
//	checkpoints/{id}.json        metadata record
type BYOKBackend struct {
	api     S3API
	presign S3Presigner
	bucket  string
	prefix  string
	logger  core.Logger
}

// BYOKOption configures a BYOKBackend.
type BYOKOption func(*BYOKBackend)

// WithBYOKLogger sets the backend logger.
func WithBYOKLogger(logger core.Logger) BYOKOption {
	return func(b *BYOKBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithS3Client injects the S3 API and presigner, for tests or custom
// client setups.
func WithS3Client(api S3API, presign S3Presigner) BYOKOption {
	return func(b *BYOKBackend) {
		b.api = api
		b.presign = presign
	}
}

// NewBYOKBackend builds the backend from a resolved BYOK config. Unless
// a client is injected, the AWS SDK default chain is used, with static
// credentials and a custom endpoint when the config carries them.
func NewBYOKBackend(ctx context.Context, cfg *Config, opts ...BYOKOption) (*BYOKBackend, error) {
	if cfg.Mode != ModeBYOK {
		return nil, fmt.Errorf("config mode %q is not byok: %w", cfg.Mode, core.ErrInvalidArgument)
	}
	b := &BYOKBackend{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.api == nil {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.Credentials != nil {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Credentials.AccessKeyID,
					cfg.Credentials.SecretAccessKey,
					cfg.Credentials.SessionToken,
				),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		b.api = client
		b.presign = s3.NewPresignClient(client)
	}
	return b, nil
}

// Mode implements checkpoint.Backend.
func (b *BYOKBackend) Mode() string { return string(ModeBYOK) }

func (b *BYOKBackend) key(parts ...string) string {
	joined := strings.Join(parts, "/")
	if b.prefix == "" {
		return joined
	}
	return b.prefix + "/" + joined
}

func (b *BYOKBackend) dataKey(hash string) string {
	return b.key("data", hash, "archive.tar.gz")
}

func (b *BYOKBackend) metaKey(id string) string {
	return b.key("checkpoints", id+".json")
}

// PresignUpload checks the data key and presigns a PUT when the blob is
// absent.
func (b *BYOKBackend) PresignUpload(ctx context.Context, hash string, sizeBytes int64) (*checkpoint.UploadTicket, error) {
	key := b.dataKey(hash)
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		telemetry.Counter("checkpoint.dedup_hits", "mode", "byok")
		return &checkpoint.UploadTicket{AlreadyExists: true}, nil
	}
	if !isS3NotFound(err) {
		return nil, core.NewSwarmError("storage.PresignUpload", "storage", err)
	}

	req, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return nil, core.NewSwarmError("storage.PresignUpload", "storage", err)
	}
	return &checkpoint.UploadTicket{URL: req.URL}, nil
}

// ConfirmUpload re-heads the data key after the sandbox uploaded.
func (b *BYOKBackend) ConfirmUpload(ctx context.Context, hash string) error {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dataKey(hash)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("blob %s missing after upload: %w", hash, core.ErrVerificationFailed)
		}
		return core.NewSwarmError("storage.ConfirmUpload", "storage", err)
	}
	return nil
}

// RecordMeta writes the metadata record. The ID is caller-generated in
// BYOK mode and echoed back.
func (b *BYOKBackend) RecordMeta(ctx context.Context, info *checkpoint.Info) (string, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	_, err = b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.metaKey(info.ID)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", core.NewSwarmError("storage.RecordMeta", "storage", err)
	}
	return info.ID, nil
}

// FetchMeta loads one metadata record.
func (b *BYOKBackend) FetchMeta(ctx context.Context, id string) (*checkpoint.Info, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.metaKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, core.ErrNotFound)
		}
		return nil, core.NewSwarmError("storage.FetchMeta", "storage", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var info checkpoint.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, core.NewSwarmError("storage.FetchMeta", "storage", err)
	}
	return &info, nil
}

// PresignDownload presigns a GET for the blob.
func (b *BYOKBackend) PresignDownload(ctx context.Context, hash string) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dataKey(hash)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", core.NewSwarmError("storage.PresignDownload", "storage", err)
	}
	return req.URL, nil
}

// List pages through every metadata object, orders by LastModified
// descending, and fetches records until limit entries survive the tag
// filter. Records that fail to fetch or parse are skipped.
func (b *BYOKBackend) List(ctx context.Context, limit int, tag string) ([]*checkpoint.Info, error) {
	type entry struct {
		key          string
		lastModified time.Time
	}
	var entries []entry

	var continuation *string
	for {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.key("checkpoints") + "/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, core.NewSwarmError("storage.List", "storage", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json") {
				continue
			}
			e := entry{key: *obj.Key}
			if obj.LastModified != nil {
				e.lastModified = *obj.LastModified
			}
			entries = append(entries, e)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastModified.After(entries[j].lastModified)
	})

	infos := make([]*checkpoint.Info, 0, limit)
	for _, e := range entries {
		if len(infos) >= limit {
			break
		}
		out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(e.key),
		})
		if err != nil {
			b.logger.Warn("skipping unreadable checkpoint record", map[string]interface{}{
				"key":   e.key,
				"error": err.Error(),
			})
			continue
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			continue
		}
		var info checkpoint.Info
		if err := json.Unmarshal(data, &info); err != nil {
			b.logger.Warn("skipping malformed checkpoint record", map[string]interface{}{
				"key":   e.key,
				"error": err.Error(),
			})
			continue
		}
		if tag != "" && info.Tag != tag {
			continue
		}
		infos = append(infos, &info)
	}
	return infos, nil
}

// isS3NotFound recognizes both the typed NoSuchKey error and the bare
// 404 HeadObject surfaces.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
