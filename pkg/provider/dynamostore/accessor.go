// Package dynamostore keeps lock records as DynamoDB items. Times are stored
// as fixed-width UTC strings so condition expressions can compare them.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
)

const (
	defaultTable            = "Shedlock"
	defaultOperationTimeout = 5 * time.Second

	attrID        = "_id"
	attrLockUntil = "lockUntil"
	attrLockedAt  = "lockedAt"
	attrLockedBy  = "lockedBy"

	timeLayout = "2006-01-02T15:04:05.000Z"

	insertCondition = "attribute_not_exists(#id)"
	updateCondition = "#lockUntil <= :now"
	unlockCondition = "attribute_exists(#id)"
	extendCondition = "#lockedBy = :holder AND #lockUntil > :now"
)

// API is the subset of *dynamodb.Client used by the accessor.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config configures the DynamoDB accessor.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	Holder           string
	OperationTimeout time.Duration
	// CreateTable creates an on-demand table keyed by _id when missing.
	CreateTable bool
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if strings.TrimSpace(c.Holder) == "" {
		c.Holder = lock.DefaultHolder()
	}
}

// Accessor implements lock.StorageAccessor, lock.Extender and lock.RecordReader.
type Accessor struct {
	client  API
	log     logger.Logger
	clock   lock.Clock
	table   string
	holder  string
	timeout time.Duration
}

// NewAccessor builds an AWS SDK v2 client from cfg.
func NewAccessor(cfg Config, clock lock.Clock, log logger.Logger) (*Accessor, error) {
	if cfg.Region == "" {
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

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	accessor := NewAccessorWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, clock, log)
	if cfg.CreateTable {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
		defer cancel()
		if err := accessor.EnsureTable(ctx); err != nil {
			return nil, err
		}
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
	return &Accessor{
		client:  client,
		log:     log,
		clock:   clock,
		table:   cfg.Table,
		holder:  cfg.Holder,
		timeout: cfg.OperationTimeout,
	}
}

// Backend returns "dynamodb".
func (a *Accessor) Backend() string { return "dynamodb" }

// EnsureTable creates the lock table when it does not exist.
func (a *Accessor) EnsureTable(ctx context.Context) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s failed: %w", a.table, err)
	}
	_, err = a.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(a.table),
		BillingMode:          types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS}},
		KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash}},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s failed: %w", a.table, err)
	}
	a.log.Info("dynamodb lock table created", "table", a.table)
	return nil
}

// Insert implements lock.StorageAccessor.
func (a *Accessor) Insert(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item: map[string]types.AttributeValue{
			attrID:        str(cfg.Name()),
			attrLockUntil: str(formatTime(cfg.LockAtMostUntil())),
			attrLockedAt:  str(formatTime(a.clock.Now())),
			attrLockedBy:  str(a.holder),
		},
		ConditionExpression:      aws.String(insertCondition),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	return conditional(err)
}

// Update implements lock.StorageAccessor.
func (a *Accessor) Update(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(a.table),
		Key:                 a.key(cfg.Name()),
		ConditionExpression: aws.String(updateCondition),
		UpdateExpression:    aws.String("SET #lockUntil = :lockUntil, #lockedAt = :now, #lockedBy = :holder"),
		ExpressionAttributeNames: map[string]string{
			"#lockUntil": attrLockUntil,
			"#lockedAt":  attrLockedAt,
			"#lockedBy":  attrLockedBy,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockUntil": str(formatTime(cfg.LockAtMostUntil())),
			":now":       str(formatTime(a.clock.Now())),
			":holder":    str(a.holder),
		},
	})
	return conditional(err)
}

// Unlock implements lock.StorageAccessor.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(a.table),
		Key:                      a.key(cfg.Name()),
		ConditionExpression:      aws.String(unlockCondition),
		UpdateExpression:         aws.String("SET #lockUntil = :lockUntil"),
		ExpressionAttributeNames: map[string]string{"#id": attrID, "#lockUntil": attrLockUntil},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockUntil": str(formatTime(cfg.UnlockTime(a.clock.Now()))),
		},
	})
	_, err = conditional(err)
	return err
}

// Extend implements lock.Extender.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(a.table),
		Key:                      a.key(cfg.Name()),
		ConditionExpression:      aws.String(extendCondition),
		UpdateExpression:         aws.String("SET #lockUntil = :lockUntil"),
		ExpressionAttributeNames: map[string]string{"#lockUntil": attrLockUntil, "#lockedBy": attrLockedBy},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":lockUntil": str(formatTime(cfg.LockAtMostUntil())),
			":now":       str(formatTime(a.clock.Now())),
			":holder":    str(a.holder),
		},
	})
	return conditional(err)
}

// FindRecord implements lock.RecordReader.
func (a *Accessor) FindRecord(ctx context.Context, name string) (lock.Record, bool, error) {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		Key:            a.key(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return lock.Record{}, false, err
	}
	if len(out.Item) == 0 {
		return lock.Record{}, false, nil
	}
	return decodeRecord(out.Item)
}

// DeleteRecord removes a lock item.
func (a *Accessor) DeleteRecord(ctx context.Context, name string) error {
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(a.table), Key: a.key(name)})
	return err
}

// HealthCheck describes the lock table.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)}); err != nil {
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

func (a *Accessor) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: str(name)}
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// conditional maps a failed condition expression to (false, nil).
func conditional(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return false, nil
	}
	return false, err
}

func decodeRecord(item map[string]types.AttributeValue) (lock.Record, bool, error) {
	record := lock.Record{
		Name:     stringAttr(item, attrID),
		LockedBy: stringAttr(item, attrLockedBy),
	}
	var err error
	if record.LockUntil, err = time.Parse(timeLayout, stringAttr(item, attrLockUntil)); err != nil {
		return lock.Record{}, false, fmt.Errorf("decode %s: %w", attrLockUntil, err)
	}
	if record.LockedAt, err = time.Parse(timeLayout, stringAttr(item, attrLockedAt)); err != nil {
		return lock.Record{}, false, fmt.Errorf("decode %s: %w", attrLockedAt, err)
	}
	return record, true, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
