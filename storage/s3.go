package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/moyoez/chunkrecv/tool"
)

// maxDeleteBatch is the S3 DeleteObjects per-request key limit.
const maxDeleteBatch = 1000

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Config holds configuration for the S3 storage backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint for S3-compatible providers (MinIO, R2).
	Endpoint string
	// UsePathStyle forces path-style addressing, required by most S3-compatible providers.
	UsePathStyle bool
}

// S3Storage stores each chunk as one object; a PutObject is atomic, so listing
// the upload prefix is the bookkeeping.
type S3Storage struct {
	client S3API
	bucket string
	prefix string
}

var (
	_ ChunkStorage  = (*S3Storage)(nil)
	_ SessionLister = (*S3Storage)(nil)
)

// NewS3Storage wraps an existing client.
func NewS3Storage(client S3API, bucket, prefix string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}, nil
}

// OpenS3Storage builds a client from the AWS default credential chain.
func OpenS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3Storage(s3.NewFromConfig(awsConfig, s3Opts...), cfg.Bucket, cfg.Prefix)
}

func (s *S3Storage) uploadPrefix(uploadID string) string {
	return s.prefix + uploadID + "/"
}

func (s *S3Storage) chunkKey(uploadID string, index int) string {
	return s.uploadPrefix(uploadID) + chunkName(index)
}

func (s *S3Storage) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if err := checkIndex(uploadID, index); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	n, err := tool.CopyWithContext(ctx, &buf, r)
	if err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.chunkKey(uploadID, index)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return 0, wrapErr("put", uploadID, index, err)
	}
	return n, nil
}

// listObjects pages through every object under prefix.
func (s *S3Storage) listObjects(ctx context.Context, prefix string) ([]s3types.Object, error) {
	var objects []s3types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (s *S3Storage) ReceivedIndices(ctx context.Context, uploadID string) ([]int, error) {
	prefix := s.uploadPrefix(uploadID)
	objects, err := s.listObjects(ctx, prefix)
	if err != nil {
		return nil, wrapErr("list", uploadID, -1, err)
	}
	set := make(map[int]struct{}, len(objects))
	for _, obj := range objects {
		if idx, ok := parseChunkName(strings.TrimPrefix(aws.ToString(obj.Key), prefix)); ok {
			set[idx] = struct{}{}
		}
	}
	return sortedIndices(set), nil
}

func (s *S3Storage) ReadOrdered(ctx context.Context, uploadID string) iter.Seq2[Chunk, error] {
	return readOrdered(ctx, uploadID,
		func(ctx context.Context) ([]int, error) { return s.ReceivedIndices(ctx, uploadID) },
		func(ctx context.Context, index int) ([]byte, error) {
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.chunkKey(uploadID, index)),
			})
			if err != nil {
				var nsk *s3types.NoSuchKey
				if errors.As(err, &nsk) {
					return nil, fmt.Errorf("%s: %w", chunkName(index), ErrNotFound)
				}
				return nil, err
			}
			defer out.Body.Close()
			return io.ReadAll(out.Body)
		})
}

func (s *S3Storage) Purge(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return nil
	}
	objects, err := s.listObjects(ctx, s.uploadPrefix(uploadID))
	if err != nil {
		return wrapErr("purge", uploadID, -1, err)
	}
	for start := 0; start < len(objects); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(objects))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wrapErr("purge", uploadID, -1, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return wrapErr("purge", uploadID, -1,
				fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}
	return nil
}

func (s *S3Storage) Sessions(ctx context.Context) ([]SessionInfo, error) {
	objects, err := s.listObjects(ctx, s.prefix)
	if err != nil {
		return nil, wrapErr("sessions", "", -1, err)
	}
	byID := make(map[string]*SessionInfo)
	order := make([]string, 0)
	for _, obj := range objects {
		rel := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
		id, name, ok := strings.Cut(rel, "/")
		if !ok {
			continue
		}
		if _, ok := parseChunkName(name); !ok {
			continue
		}
		info, seen := byID[id]
		if !seen {
			info = &SessionInfo{UploadID: id}
			byID[id] = info
			order = append(order, id)
		}
		info.Chunks++
		info.Bytes += aws.ToInt64(obj.Size)
		if obj.LastModified != nil && obj.LastModified.After(info.UpdatedAt) {
			info.UpdatedAt = *obj.LastModified
		}
	}
	out := make([]SessionInfo, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
