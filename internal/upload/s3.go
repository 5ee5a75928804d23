package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// Compression selects how chunk bodies are encoded before upload.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression name; "" means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader copies chunk files to a bucket. Re-uploading a chunk
// replaces the previous object, so the open chunk can be pushed
// repeatedly as it grows.
type S3Uploader struct {
	client      putter
	bucket      string
	prefix      string
	compression Compression
	encoder     *zstd.Encoder
	log         *logrus.Logger
}

// NewS3Uploader builds a client from the default AWS credential chain.
func NewS3Uploader(ctx context.Context, bucket, region, prefix string, compression Compression, log *logrus.Logger) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newUploader(s3.NewFromConfig(cfg), bucket, prefix, compression, log)
}

func newUploader(client putter, bucket, prefix string, compression Compression, log *logrus.Logger) (*S3Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("upload: bucket required")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	u := &S3Uploader{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		compression: compression,
		log:         log,
	}
	if compression == CompressionZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		u.encoder = enc
	}
	return u, nil
}

// Key returns the object key for a local chunk path.
func (u *S3Uploader) Key(localPath string) string {
	name := filepath.Base(localPath)
	if u.compression == CompressionZstd {
		name += ".zst"
	}
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload reads the chunk at localPath and puts it under Key(localPath).
func (u *S3Uploader) Upload(ctx context.Context, localPath string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	contentType := "text/csv"
	if u.encoder != nil {
		body = u.encoder.EncodeAll(body, make([]byte, 0, len(body)/3))
		contentType = "application/zstd"
	}

	key := u.Key(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	u.log.Debugf("uploaded %s to s3://%s/%s (%d bytes)", localPath, u.bucket, key, len(body))
	return nil
}
