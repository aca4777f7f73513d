// Package archive keeps a record of every failed host add in S3-compatible
// object storage so operators can inspect what was rolled back.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/cluso-fleet/pkg/extension"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// ObjectPutter is the slice of the S3 API the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures the S3 client
type Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client from the default AWS chain, overridden by any
// static credentials and custom endpoint in opts.
func NewS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	loaders := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Record is the object written per failed add
type Record struct {
	Snapshot model.Inventory       `json:"snapshot"`
	Request  *model.AddHostRequest `json:"request"`
	Cause    string                `json:"cause"`
	FailedAt time.Time             `json:"failed_at"`
}

// Archiver is a failed-to-add extension
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger logging.Logger
	now    func() time.Time
}

var _ extension.FailedAddHook = (*Archiver)(nil)

// New creates an archiver writing under bucket/prefix
func New(client ObjectPutter, bucket, prefix string, logger logging.Logger) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logging.OrDefault(logger).With(logging.Component("archive")),
		now:    time.Now,
	}
}

// Name identifies the extension
func (a *Archiver) Name() string { return "s3-archive" }

// Key returns the object key for a snapshot archived at t
func (a *Archiver) Key(snapshot model.Inventory, t time.Time) string {
	id := snapshot.ID
	if id == "" {
		id = snapshot.ManagementAddress
	}
	return fmt.Sprintf("%s%s/%s-%d.json", a.prefix, t.UTC().Format("2006/01/02"), id, t.UnixNano())
}

// FailedToAdd uploads the snapshot, request and cause
func (a *Archiver) FailedToAdd(ctx context.Context, snapshot model.Inventory, req *model.AddHostRequest, cause error) error {
	now := a.now()
	rec := Record{Snapshot: snapshot, Request: req, FailedAt: now.UTC()}
	if cause != nil {
		rec.Cause = cause.Error()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode archive record: %w", err)
	}

	key := a.Key(snapshot, now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s to s3://%s/%s: %w", snapshot.ID, a.bucket, key, err)
	}

	a.logger.Info("archived failed add",
		logging.HostID(snapshot.ID),
		logging.Address(snapshot.ManagementAddress),
		logging.String("key", key))
	return nil
}
