// Package dynamodb implements the Provider interface using AWS DynamoDB.
//
// All entities share one table keyed by PK/SK with a single GSI. Uniqueness
// invariants are held by guard items written in the same transaction as the
// guarded entity: PROJECT#<id>/ACTIVERUN for the active audit run,
// LIVEWC#<project#base#owner> for live working copies, BLOB#<sha256> for
// blobs and PROJECT#<id>/LASTCOMPLETED for the completion chain.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/dwsmith1983/auditlane/internal/provider"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*DynamoDBProvider)(nil)

// DDBAPI is the subset of the DynamoDB client used by the provider.
type DDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// Storage defaults.
const (
	gsi1                     = "GSI1"
	maxTransactItems         = 100
	defaultJobEventRetention = 30 * 24 * time.Hour
	transactRetryMaxElapsed  = 5 * time.Second

	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
)

// DynamoDBProvider implements the Provider interface backed by DynamoDB.
type DynamoDBProvider struct {
	client      DDBAPI
	tableName   string
	logger      *slog.Logger
	jobEventTTL time.Duration
	createTable bool
}

// New creates a new DynamoDBProvider.
func New(cfg *Config) (*DynamoDBProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	// For DynamoDB Local: use static credentials and custom endpoint.
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	jobEventTTL := defaultJobEventRetention
	if cfg.JobEventRetention != "" {
		if d, err := time.ParseDuration(cfg.JobEventRetention); err == nil && d > 0 {
			jobEventTTL = d
		}
	}

	return &DynamoDBProvider{
		client:      dynamodb.NewFromConfig(awsCfg, clientOpts...),
		tableName:   cfg.TableName,
		logger:      slog.Default(),
		jobEventTTL: jobEventTTL,
		createTable: cfg.CreateTable,
	}, nil
}

// SetLogger overrides the provider logger.
func (p *DynamoDBProvider) SetLogger(l *slog.Logger) {
	p.logger = l
}

// Start initializes the provider: optionally creates the table, then pings DynamoDB.
func (p *DynamoDBProvider) Start(ctx context.Context) error {
	if p.createTable {
		if err := p.ensureTable(ctx); err != nil {
			return err
		}
	}
	return p.Ping(ctx)
}

// Stop is a no-op for DynamoDB (no persistent connections to close).
func (p *DynamoDBProvider) Stop(_ context.Context) error {
	return nil
}

// Ping checks connectivity by describing the table.
func (p *DynamoDBProvider) Ping(ctx context.Context) error {
	_, err := p.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: &p.tableName,
	})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

func (p *DynamoDBProvider) ensureTable(ctx context.Context) error {
	_, err := p.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &p.tableName,
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: ddbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1PK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1SK"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []ddbtypes.GlobalSecondaryIndex{
			{
				IndexName: aws.String(gsi1),
				KeySchema: []ddbtypes.KeySchemaElement{
					{AttributeName: aws.String("GSI1PK"), KeyType: ddbtypes.KeyTypeHash},
					{AttributeName: aws.String("GSI1SK"), KeyType: ddbtypes.KeyTypeRange},
				},
				Projection: &ddbtypes.Projection{ProjectionType: ddbtypes.ProjectionTypeAll},
			},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var riue *ddbtypes.ResourceInUseException
		if errors.As(err, &riue) {
			return nil // table already exists
		}
		return fmt.Errorf("creating table: %w", err)
	}

	// Job events expire through the "ttl" attribute.
	_, err = p.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: &p.tableName,
		TimeToLiveSpecification: &ddbtypes.TimeToLiveSpecification{
			Enabled:       aws.Bool(true),
			AttributeName: aws.String("ttl"),
		},
	})
	if err != nil {
		p.logger.Warn("failed to enable TTL (may already be enabled)", "error", err)
	}
	return nil
}

// transact runs one TransactWriteItems call, retrying while it loses races
// against concurrent transactions touching the same items.
func (p *DynamoDBProvider) transact(ctx context.Context, items []ddbtypes.TransactWriteItem) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = transactRetryMaxElapsed
	return backoff.Retry(func() error {
		_, err := p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		switch {
		case err == nil:
			return nil
		case isTransactionConflict(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(bo, ctx))
}

// writeWithChildren commits head and children in one transaction when they
// fit. Larger sets write the unconditional children first, in chunks, and
// head last, so every condition is evaluated by the final transaction.
// Children must live under keys owned by the head entity (revision files,
// working copy files): nothing reads them until the head exists.
func (p *DynamoDBProvider) writeWithChildren(ctx context.Context, head, children []ddbtypes.TransactWriteItem) error {
	if len(head)+len(children) <= maxTransactItems {
		all := make([]ddbtypes.TransactWriteItem, 0, len(head)+len(children))
		all = append(all, head...)
		return p.transact(ctx, append(all, children...))
	}
	for start := 0; start < len(children); start += maxTransactItems {
		end := min(start+maxTransactItems, len(children))
		if err := p.transact(ctx, children[start:end]); err != nil {
			return fmt.Errorf("writing items %d-%d: %w", start, end, err)
		}
	}
	return p.transact(ctx, head)
}

// isConditionalCheckFailed returns true if the error is a DynamoDB ConditionalCheckFailedException.
func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}

// cancellationCodes returns the per-item reason codes of a cancelled transaction.
func cancellationCodes(err error) []string {
	var tce *ddbtypes.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		codes[i] = aws.ToString(r.Code)
	}
	return codes
}

// conditionFailedAt reports whether the transaction item at index i failed its condition.
func conditionFailedAt(codes []string, i int) bool {
	return i < len(codes) && codes[i] == reasonConditionalCheckFailed
}

func isTransactionConflict(err error) bool {
	var tce *ddbtypes.TransactionConflictException
	if errors.As(err, &tce) {
		return true
	}
	for _, code := range cancellationCodes(err) {
		if code == reasonTransactionConflict {
			return true
		}
	}
	return false
}

func str(v string) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberS{Value: v}
}

func num(v int64) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func itemKey(pk, sk string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": str(pk),
		"SK": str(sk),
	}
}

// encodeItem builds an item holding the JSON encoding of v in "data".
func encodeItem(pk, sk string, v interface{}) (map[string]ddbtypes.AttributeValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	item := itemKey(pk, sk)
	item["data"] = str(string(data))
	return item, nil
}

func decodeItem(item map[string]ddbtypes.AttributeValue, out interface{}) error {
	data, err := attributeStr(item, "data")
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), out)
}

// versionGuard is the condition shared by every compare-and-swap write.
func versionGuard(expected int) (*string, map[string]string, map[string]ddbtypes.AttributeValue) {
	return aws.String("#version = :expectedVersion"),
		map[string]string{"#version": "version"},
		map[string]ddbtypes.AttributeValue{":expectedVersion": num(int64(expected))}
}

func (p *DynamoDBProvider) put(item map[string]ddbtypes.AttributeValue, condition string) ddbtypes.TransactWriteItem {
	put := &ddbtypes.Put{TableName: &p.tableName, Item: item}
	if condition != "" {
		put.ConditionExpression = aws.String(condition)
	}
	return ddbtypes.TransactWriteItem{Put: put}
}

func (p *DynamoDBProvider) casPut(item map[string]ddbtypes.AttributeValue, expectedVersion int) ddbtypes.TransactWriteItem {
	cond, names, values := versionGuard(expectedVersion)
	return ddbtypes.TransactWriteItem{Put: &ddbtypes.Put{
		TableName:                 &p.tableName,
		Item:                      item,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}
}

// releaseGuard deletes a guard item unless another owner has claimed it since.
func (p *DynamoDBProvider) releaseGuard(pk, sk, ownerAttr, ownerID string) ddbtypes.TransactWriteItem {
	return ddbtypes.TransactWriteItem{Delete: &ddbtypes.Delete{
		TableName:                 &p.tableName,
		Key:                       itemKey(pk, sk),
		ConditionExpression:       aws.String("attribute_not_exists(PK) OR #owner = :owner"),
		ExpressionAttributeNames:  map[string]string{"#owner": ownerAttr},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":owner": str(ownerID)},
	}}
}

// getRaw reads one item with strong consistency. A missing item returns nil.
func (p *DynamoDBProvider) getRaw(ctx context.Context, pk, sk string) (map[string]ddbtypes.AttributeValue, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &p.tableName,
		ConsistentRead: aws.Bool(true),
		Key:            itemKey(pk, sk),
	})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

// getData decodes the "data" attribute of one item into out. It reports
// false when the item does not exist.
func (p *DynamoDBProvider) getData(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	item, err := p.getRaw(ctx, pk, sk)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := decodeItem(item, out); err != nil {
		return false, err
	}
	return true, nil
}

// queryPrefix reads items in partition pk whose SK starts with prefix.
func (p *DynamoDBProvider) queryPrefix(ctx context.Context, pk, prefix string, forward bool, limit int) ([]map[string]ddbtypes.AttributeValue, error) {
	return p.query(ctx, &dynamodb.QueryInput{
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     str(pk),
			":prefix": str(prefix),
		},
		ScanIndexForward: aws.Bool(forward),
	}, limit)
}

// queryIndex reads GSI1 items in partition pk whose GSI1SK starts with prefix.
func (p *DynamoDBProvider) queryIndex(ctx context.Context, pk, prefix string, forward bool, limit int) ([]map[string]ddbtypes.AttributeValue, error) {
	return p.query(ctx, &dynamodb.QueryInput{
		IndexName:              aws.String(gsi1),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     str(pk),
			":prefix": str(prefix),
		},
		ScanIndexForward: aws.Bool(forward),
	}, limit)
}

// query pages through in, stopping after limit items when limit > 0.
func (p *DynamoDBProvider) query(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]map[string]ddbtypes.AttributeValue, error) {
	in.TableName = &p.tableName
	var items []map[string]ddbtypes.AttributeValue
	pager := dynamodb.NewQueryPaginator(p.client, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			items = append(items, item)
			if limit > 0 && len(items) >= limit {
				return items, nil
			}
		}
	}
	return items, nil
}

// decodeAll decodes every item, skipping the ones that do not parse.
func decodeAll[T any](p *DynamoDBProvider, items []map[string]ddbtypes.AttributeValue, kind string) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := decodeItem(item, &v); err != nil {
			p.logger.Warn("skipping corrupt "+kind+" data", "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// optionalStr returns a string attribute, or "" when it is absent.
func optionalStr(item map[string]ddbtypes.AttributeValue, key string) string {
	if v, ok := item[key].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// attributeStr extracts a string attribute from a DynamoDB item.
func attributeStr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	av, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	var s string
	if err := attributevalue.Unmarshal(av, &s); err != nil {
		return "", fmt.Errorf("unmarshaling %q: %w", key, err)
	}
	return s, nil
}

// attributeInt extracts an integer attribute from a DynamoDB item. Missing
// attributes read as zero.
func attributeInt(item map[string]ddbtypes.AttributeValue, key string) (int64, error) {
	av, ok := item[key]
	if !ok {
		return 0, nil
	}
	var n int64
	if err := attributevalue.Unmarshal(av, &n); err != nil {
		return 0, fmt.Errorf("unmarshaling %q: %w", key, err)
	}
	return n, nil
}

func ttlEpoch(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

func isExpired(epoch int64) bool {
	return epoch > 0 && time.Now().Unix() > epoch
}
