package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wricardo/ctorgame/game/session"
)

// Options configure the S3-compatible bucket finished games are written to
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // empty uses AWS; set for R2, MinIO and friends
	AccessKey string
	SecretKey string
	PathStyle bool
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads the history of each purged game as one JSON object
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
}

var _ session.Archiver = (*S3Archiver)(nil)

// NewS3Archiver loads the AWS config and builds the client. Static credentials
// are used when both keys are set, otherwise the default chain applies.
func NewS3Archiver(ctx context.Context, opts Options) (*S3Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return newS3Archiver(client, opts.Bucket, opts.Prefix), nil
}

func newS3Archiver(client putObjectAPI, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "games"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a history: <prefix>/YYYY/MM/DD/<id>.json,
// dated by the game's end time (start time if it never finished).
func (a *S3Archiver) Key(h *session.History) string {
	g := h.Metadata
	when := g.StartTime
	if g.EndTime != nil {
		when = *g.EndTime
	}
	when = when.UTC()
	return path.Join(a.prefix, when.Format("2006/01/02"), g.ID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, h *session.History) error {
	if h == nil || h.Metadata == nil {
		return fmt.Errorf("archive: empty history")
	}
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode history for %s: %w", h.Metadata.ID, err)
	}

	key := a.Key(h)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
