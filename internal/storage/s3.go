package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"agentrelay/internal/transcript"
)

const (
	jsonLinesContentType = "application/x-jsonlines"
	createdAtMetadataKey = "created_at"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores transcripts as s3://Bucket/<Prefix><id>.jsonl objects. The
// creation time lives in object metadata and survives overwrites.
type S3 struct {
	Client S3API
	Bucket string
	Prefix string

	clock  clock.Clock
	logger *zap.Logger
}

// NewS3 builds a store on the default AWS credential chain.
func NewS3(ctx context.Context, bucket, prefix, region string, logger *zap.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix, nil, logger), nil
}

func NewS3WithClient(client S3API, bucket, prefix string, clk clock.Clock, logger *zap.Logger) *S3 {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix != "" {
		prefix = strings.TrimRight(prefix, "/") + "/"
	}
	return &S3{Client: client, Bucket: bucket, Prefix: prefix, clock: clk, logger: logger}
}

func (s *S3) key(id string) string {
	return s.Prefix + id + transcriptExt
}

func (s *S3) location(key string) string {
	return "s3://" + s.Bucket + "/" + key
}

func (s *S3) Create(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	now := s.clock.Now().UTC()
	if err := s.put(ctx, id, content, now); err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	return transcript.NewSessionData(id, content, now, now), nil
}

func (s *S3) Get(ctx context.Context, id string) (*transcript.SessionData, error) {
	content, meta, err := s.read(ctx, s.key(id))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return transcript.NewSessionData(id, content, meta.createdAt, meta.modifiedAt), nil
}

func (s *S3) List(ctx context.Context) ([]transcript.SessionInfo, error) {
	infos := []transcript.SessionInfo{}
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.Bucket, s.Prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, transcriptExt) {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.Prefix), transcriptExt)
			modified := aws.ToTime(obj.LastModified)

			info := transcript.SessionInfo{
				SessionID:  id,
				CreatedAt:  modified,
				ModifiedAt: modified,
				FilePath:   s.location(key),
			}
			content, meta, err := s.read(ctx, key)
			if err != nil {
				s.logger.Warn("reading transcript for listing",
					zap.String("session_id", id),
					zap.Error(err),
				)
			} else if !meta.createdAt.IsZero() {
				info.CreatedAt = meta.createdAt
			}
			info.Title = transcript.ListingTitle(id, content)
			infos = append(infos, info)
		}
	}
	transcript.SortNewestFirst(infos)
	return infos, nil
}

func (s *S3) Update(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	now := s.clock.Now().UTC()
	createdAt := now
	head, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(id)),
	})
	switch {
	case err == nil:
		if ts, ok := parseTimestamp(head.Metadata[createdAtMetadataKey]); ok {
			createdAt = ts
		}
	case !isNotFound(err):
		return nil, fmt.Errorf("update %s: %w", id, err)
	}

	if err := s.put(ctx, id, content, createdAt); err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return transcript.NewSessionData(id, content, createdAt, now), nil
}

func (s *S3) Delete(ctx context.Context, id string) (bool, error) {
	key := s.key(id)
	_, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	return true, nil
}

func (s *S3) put(ctx context.Context, id, content string, createdAt time.Time) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(id)),
		Body:        strings.NewReader(content),
		ContentType: aws.String(jsonLinesContentType),
		Metadata: map[string]string{
			createdAtMetadataKey: createdAt.Format(time.RFC3339Nano),
		},
	})
	return err
}

type objectMeta struct {
	createdAt  time.Time
	modifiedAt time.Time
}

func (s *S3) read(ctx context.Context, key string) (string, objectMeta, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", objectMeta{}, err
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", objectMeta{}, err
	}
	meta := objectMeta{modifiedAt: aws.ToTime(out.LastModified)}
	meta.createdAt = meta.modifiedAt
	if ts, ok := parseTimestamp(out.Metadata[createdAtMetadataKey]); ok {
		meta.createdAt = ts
	}
	return string(body), meta, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, true
	}
	// Zone-less ISO timestamps written by older deployments are UTC.
	if ts, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", value, time.UTC); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
