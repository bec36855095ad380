package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/perfopt/perfopt/pkg/config"
)

// writtenAtMetadata holds the record write time. S3 assigns LastModified on
// the server, which cannot be set by the client.
const writtenAtMetadata = "written-at"

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store is a RecordStore keeping one object per record under a key prefix
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates an S3 client from the durable tier settings
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient returns a store over an existing client
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads the record with its write time in object metadata
func (s *S3Store) Put(ctx context.Context, name string, data []byte, modTime time.Time) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + name),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(name)),
		Metadata: map[string]string{
			writtenAtMetadata: modTime.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", name, err)
	}
	return nil
}

// Get downloads a record. The write time comes from metadata when present,
// otherwise from LastModified.
func (s *S3Store) Get(ctx context.Context, name string) ([]byte, time.Time, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, time.Time{}, ErrRecordNotFound
		}
		return nil, time.Time{}, fmt.Errorf("failed to get object %s: %w", name, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read object %s: %w", name, err)
	}

	modTime := aws.ToTime(out.LastModified)
	if raw, ok := out.Metadata[writtenAtMetadata]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			modTime = t
		}
	}
	return data, modTime, nil
}

// Delete removes a record. S3 deletes are idempotent, so a missing record is
// not reported.
func (s *S3Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", name, err)
	}
	return nil
}

// List returns every record under the prefix using LastModified as the
// record time, since listings carry no user metadata.
func (s *S3Store) List(ctx context.Context) ([]Record, error) {
	var records []Record

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			records = append(records, Record{
				Name:    name,
				ModTime: aws.ToTime(obj.LastModified),
				Size:    aws.ToInt64(obj.Size),
			})
		}
	}
	return records, nil
}

// Clear deletes every record under the prefix
func (s *S3Store) Clear(ctx context.Context) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := s.Delete(ctx, r.Name); err != nil {
			return err
		}
	}
	return nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, compressedRecordSuffix) {
		return "application/gzip"
	}
	return "application/json"
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	return stderrors.As(err, &notFound)
}
