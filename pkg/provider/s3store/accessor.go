// Package s3store keeps one JSON object per lock in an S3 bucket and relies
// on conditional writes (If-None-Match / If-Match) for atomicity.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultPrefix           = "shedlock/"
	defaultOperationTimeout = 10 * time.Second
)

// Config configures the S3 accessor.
type Config struct {
	Bucket           string
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	UsePathStyle     bool
	Holder           string
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultPrefix
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
}

// API is the subset of *s3.Client used by the accessor.
type API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

type object struct {
	LockUntil time.Time `json:"lockUntil"`
	LockedAt  time.Time `json:"lockedAt"`
	LockedBy  string    `json:"lockedBy"`
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	client API
	log    logger.Logger
	clock  lock.Clock
	config Config
}

// NewAccessor builds an S3 client from cfg and checks the bucket is reachable.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", lock.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("%w: aws region is required", lock.ErrInvalidConfiguration)
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clientOptions := make([]func(*awss3.Options), 0, 2)
	if cfg.Endpoint != "" {
		clientOptions = append(clientOptions, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		clientOptions = append(clientOptions, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	accessor := NewAccessorWithClient(awss3.NewFromConfig(awsCfg, clientOptions...), cfg, clock, log)
	ctx, cancel := context.WithTimeout(context.Background(), accessor.config.OperationTimeout)
	defer cancel()
	if err := accessor.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return accessor, nil
}

// NewAccessorWithClient wraps an existing client.
func NewAccessorWithClient(client API, cfg Config, clock lock.Clock, log logger.Logger) *Accessor {
	cfg.normalize()
	if clock == nil {
		clock = lock.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Accessor{client: client, log: log, clock: clock, config: cfg}
}

// Backend returns "s3".
func (a *Accessor) Backend() string { return "s3" }

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	return a.put(ctx, cfg.Name(), a.newObject(cfg), &awss3.PutObjectInput{IfNoneMatch: aws.String("*")})
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, etag, found, err := a.get(ctx, cfg.Name())
	if err != nil || !found {
		return false, err
	}
	if current.LockUntil.After(a.clock.Now()) {
		return false, nil
	}
	return a.put(ctx, cfg.Name(), a.newObject(cfg), &awss3.PutObjectInput{IfMatch: aws.String(etag)})
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, etag, found, err := a.get(ctx, cfg.Name())
	if err != nil || !found {
		return err
	}
	current.LockUntil = cfg.UnlockTime(a.clock.Now()).UTC()
	written, err := a.put(ctx, cfg.Name(), current, &awss3.PutObjectInput{IfMatch: aws.String(etag)})
	if err == nil && !written {
		a.log.Debug("lock object changed during unlock", "lock", cfg.Name())
	}
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, etag, found, err := a.get(ctx, cfg.Name())
	if err != nil || !found {
		return false, err
	}
	if current.LockedBy != a.config.Holder || !current.LockUntil.After(a.clock.Now()) {
		return false, nil
	}
	current.LockUntil = cfg.LockAtMostUntil().UTC()
	return a.put(ctx, cfg.Name(), current, &awss3.PutObjectInput{IfMatch: aws.String(etag)})
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	current, _, found, err := a.get(ctx, name)
	if err != nil || !found {
		return lock.Record{}, false, err
	}
	return lock.Record{
		Name:      name,
		LockUntil: current.LockUntil.UTC(),
		LockedAt:  current.LockedAt.UTC(),
		LockedBy:  current.LockedBy,
	}, true, nil
}

// DeleteRecord removes a lock object.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.key(name)),
	})
	return err
}

// HealthCheck verifies the bucket is accessible.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(a.config.Bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (a *Accessor) newObject(cfg lock.Configuration) object {
	return object{
		LockUntil: cfg.LockAtMostUntil().UTC(),
		LockedAt:  a.clock.Now().UTC(),
		LockedBy:  a.config.Holder,
	}
}

func (a *Accessor) get(ctx context.Context, name string) (object, string, bool, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.config.Bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		var noSuchKey *awss3types.NoSuchKey
		if errors.As(err, &noSuchKey) || apiErrorCode(err) == "NotFound" {
			return object{}, "", false, nil
		}
		return object{}, "", false, err
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return object{}, "", false, fmt.Errorf("read lock object %s: %w", name, err)
	}
	var current object
	if err := json.Unmarshal(payload, &current); err != nil {
		return object{}, "", false, fmt.Errorf("decode lock object %s: %w", name, err)
	}
	return current, aws.ToString(out.ETag), true, nil
}

// put writes body with the precondition carried by input. A failed
// precondition reports (false, nil).
func (a *Accessor) put(ctx context.Context, name string, body object, input *awss3.PutObjectInput) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	input.Bucket = aws.String(a.config.Bucket)
	input.Key = aws.String(a.key(name))
	input.Body = bytes.NewReader(payload)
	input.ContentType = aws.String("application/json")

	if _, err := a.client.PutObject(ctx, input); err != nil {
		switch apiErrorCode(err) {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Accessor) key(name string) string {
	return a.config.Prefix + name
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
