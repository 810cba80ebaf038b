package transcripts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// S3Config holds connection settings for s3:// sources.
type S3Config struct {
	Region          string
	Endpoint        string // optional; custom endpoint such as MinIO
	PathStyle       bool
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string
}

// Load opens a detection table at uri (local path or s3://bucket/key), decompresses
// it according to its extension and parses it.
func Load(ctx context.Context, uri string, s3cfg S3Config, opts ReadOptions) ([]Detection, error) {
	rc, err := Open(ctx, uri, s3cfg)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if opts.Comma == 0 && strings.Contains(trimCompression(uri), ".tsv") {
		opts.Comma = '\t'
	}
	dets, err := Read(rc, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", uri, err)
	}
	return dets, nil
}

// Open returns a reader over the decompressed contents of uri.
func Open(ctx context.Context, uri string, s3cfg S3Config) (io.ReadCloser, error) {
	var raw io.ReadCloser
	if bucket, key, ok := parseS3URI(uri); ok {
		body, err := openS3(ctx, bucket, key, s3cfg)
		if err != nil {
			return nil, err
		}
		raw = body
	} else {
		f, err := os.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to open detections: %w", err)
		}
		raw = f
	}

	switch strings.ToLower(path.Ext(uri)) {
	case ".zst":
		dec, err := zstd.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &stackedCloser{Reader: dec, close: func() error { dec.Close(); return raw.Close() }}, nil
	case ".gz":
		zr, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &stackedCloser{Reader: zr, close: func() error { zr.Close(); return raw.Close() }}, nil
	}
	return raw, nil
}

type stackedCloser struct {
	io.Reader
	close func() error
}

func (s *stackedCloser) Close() error { return s.close() }

func trimCompression(uri string) string {
	for _, ext := range []string{".zst", ".gz"} {
		uri = strings.TrimSuffix(uri, ext)
	}
	return uri
}

func parseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func openS3(ctx context.Context, bucket, key string, cfg S3Config) (io.ReadCloser, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
