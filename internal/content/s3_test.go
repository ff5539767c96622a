package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

type mockS3 struct {
	objects    map[string][]byte
	lastPut    *s3.PutObjectInput
	putErr     error
	getErr     error
	echoSHA256 *string
}

func newMockS3() *mockS3 { return &mockS3{objects: make(map[string][]byte)} }

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.lastPut = in
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(in.Body)
	m.objects[*in.Key] = data
	sum := in.ChecksumSHA256
	if m.echoSHA256 != nil {
		sum = m.echoSHA256
	}
	return &s3.PutObjectOutput{ChecksumSHA256: sum}, nil
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), "", WithS3Client(newMockS3()))
	assert.Error(t, err)
}

func TestS3Backend_PutSendsChecksum(t *testing.T) {
	ctx := context.Background()
	client := newMockS3()
	b, err := NewS3Backend(ctx, "bucket", WithS3Client(client))
	require.NoError(t, err)

	data := []byte("hello")
	require.NoError(t, b.Put(ctx, "blobs/2c/x", data, Digest(data)))

	require.NotNil(t, client.lastPut)
	assert.Equal(t, "bucket", aws.ToString(client.lastPut.Bucket))
	// base64 of sha256("hello")
	assert.Equal(t, "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", aws.ToString(client.lastPut.ChecksumSHA256))

	got, err := b.Get(ctx, "blobs/2c/x")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestS3Backend_BadDigest(t *testing.T) {
	ctx := context.Background()
	client := newMockS3()
	client.putErr = &smithy.GenericAPIError{Code: "BadDigest", Message: "checksum mismatch"}
	b, err := NewS3Backend(ctx, "bucket", WithS3Client(client))
	require.NoError(t, err)

	err = b.Put(ctx, "k", []byte("x"), Digest([]byte("x")))
	assert.ErrorIs(t, err, types.ErrCorruptWrite)
}

func TestS3Backend_ChecksumEchoMismatch(t *testing.T) {
	ctx := context.Background()
	client := newMockS3()
	client.echoSHA256 = aws.String("AAAA")
	b, err := NewS3Backend(ctx, "bucket", WithS3Client(client))
	require.NoError(t, err)

	err = b.Put(ctx, "k", []byte("x"), Digest([]byte("x")))
	assert.ErrorIs(t, err, types.ErrCorruptWrite)
}

func TestS3Backend_InvalidDigest(t *testing.T) {
	ctx := context.Background()
	b, err := NewS3Backend(ctx, "bucket", WithS3Client(newMockS3()))
	require.NoError(t, err)

	err = b.Put(ctx, "k", []byte("x"), "not-hex")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestStore_S3TransportErrorIsUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newMockS3()
	client.putErr = errors.New("dial tcp: connection refused")
	backend, err := NewS3Backend(ctx, "bucket", WithS3Client(client))
	require.NoError(t, err)

	store, _, _ := newTestStore()
	store.backend = backend
	_, err = store.PutBlob(ctx, []byte("x"))
	assert.ErrorIs(t, err, types.ErrStorageUnavailable)
}
