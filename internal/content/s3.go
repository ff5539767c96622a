package content

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend stores blobs in an S3 bucket. Uploads carry a SHA-256 checksum so
// S3 rejects payloads that do not match their content address.
type S3Backend struct {
	client S3API
	bucket string
}

// S3Option configures an S3Backend.
type S3Option func(*s3BackendOptions)

type s3BackendOptions struct {
	client   S3API
	region   string
	endpoint string
}

// WithS3Client sets a custom S3 client (useful for testing).
func WithS3Client(c S3API) S3Option {
	return func(o *s3BackendOptions) { o.client = c }
}

// WithS3Region overrides the region from the default AWS config.
func WithS3Region(region string) S3Option {
	return func(o *s3BackendOptions) { o.region = region }
}

// WithS3Endpoint points the client at an S3-compatible endpoint such as MinIO
// or LocalStack. Path-style addressing is enabled.
func WithS3Endpoint(endpoint string) S3Option {
	return func(o *s3BackendOptions) { o.endpoint = endpoint }
}

// NewS3Backend creates an S3 blob backend.
func NewS3Backend(ctx context.Context, bucket string, opts ...S3Option) (*S3Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	var o s3BackendOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if o.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(o.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		o.client = s3.NewFromConfig(cfg, func(so *s3.Options) {
			if o.endpoint != "" {
				so.BaseEndpoint = aws.String(o.endpoint)
				so.UsePathStyle = true
			}
		})
	}
	return &S3Backend{client: o.client, bucket: bucket}, nil
}

// Put uploads data under key with a SHA-256 checksum.
func (b *S3Backend) Put(ctx context.Context, key string, data []byte, digest string) error {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: digest %q: %v", types.ErrInvalidInput, digest, err)
	}
	checksum := base64.StdEncoding.EncodeToString(raw)

	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
	})
	if err != nil {
		if isBadDigest(err) {
			return fmt.Errorf("%w: S3 rejected %s: %v", types.ErrCorruptWrite, key, err)
		}
		return fmt.Errorf("putting %s to S3: %w", key, err)
	}
	if out.ChecksumSHA256 != nil && *out.ChecksumSHA256 != checksum {
		return fmt.Errorf("%w: S3 stored %s with checksum %s", types.ErrCorruptWrite, key, *out.ChecksumSHA256)
	}
	return nil
}

// Get downloads the object stored under key.
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s from S3: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s from S3: %w", key, err)
	}
	return data, nil
}

func isBadDigest(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return true
	}
	return false
}
