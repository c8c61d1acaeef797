package securestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/walletguard/internal/events"
)

// maxTransactItems is the DynamoDB limit for one TransactWriteItems call.
const maxTransactItems = 100

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps one item per key in a DynamoDB table whose partition
// key is the string attribute "key". It suits a relay shared by several
// instances.
type DynamoStore struct {
	client DynamoAPI
	table  string
	logger *events.Logger
}

// NewDynamoStore connects to table using the default AWS credential chain.
func NewDynamoStore(ctx context.Context, table string, logger *events.Logger) (*DynamoStore, error) {
	if table == "" {
		return nil, wrap("open", "", fmt.Errorf("dynamodb table name is required"))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, wrap("open", "", fmt.Errorf("load aws config: %w", err))
	}
	return NewDynamoStoreWithClient(dynamodb.NewFromConfig(cfg), table, logger), nil
}

// NewDynamoStoreWithClient wraps an existing client.
func NewDynamoStoreWithClient(client DynamoAPI, table string, logger *events.Logger) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
		logger: logger.WithComponent("dynamodb_store"),
	}
}

func (s *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

func (s *DynamoStore) item(key, value string, sensitive bool) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key":        &types.AttributeValueMemberS{Value: key},
		"value":      &types.AttributeValueMemberS{Value: value},
		"sensitive":  &types.AttributeValueMemberBOOL{Value: sensitive},
		"updated_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
}

// Read returns the value for key.
func (s *DynamoStore) Read(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", wrap("read", key, fmt.Errorf("dynamodb get: %w", err))
	}
	if out.Item == nil {
		return "", ErrNotFound
	}

	attr, ok := out.Item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return "", wrap("read", key, fmt.Errorf("%w: value attribute is not a string", ErrCorrupt))
	}
	return attr.Value, nil
}

// Write stores value under key.
func (s *DynamoStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	if err := validateKey(key); err != nil {
		return wrap("write", key, err)
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      s.item(key, value, sensitive),
	})
	if err != nil {
		return wrap("write", key, fmt.Errorf("dynamodb put: %w", err))
	}

	s.logger.WithField("key", key).Debug("Stored item")
	return nil
}

// Delete removes key.
func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return wrap("delete", key, fmt.Errorf("dynamodb delete: %w", err))
	}
	return nil
}

// Keys scans the table for keys starting with prefix.
func (s *DynamoStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		ProjectionExpression: aws.String("#k"),
		ExpressionAttributeNames: map[string]string{
			"#k": "key",
		},
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#k, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrap("list", prefix, fmt.Errorf("dynamodb scan: %w", err))
		}
		for _, item := range page.Items {
			if attr, ok := item["key"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, attr.Value)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Apply writes ops in one transaction. DynamoDB caps a transaction at
// 100 items, so larger batches are rejected rather than split.
func (s *DynamoStore) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > maxTransactItems {
		return wrap("apply", "", fmt.Errorf("batch of %d exceeds %d items", len(ops), maxTransactItems))
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		if err := validateKey(op.Key); err != nil {
			return wrap("apply", op.Key, err)
		}
		switch op.Kind {
		case OpWrite:
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(s.table),
					Item:      s.item(op.Key, op.Value, op.Sensitive),
				},
			})
		case OpDelete:
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.table),
					Key:       s.itemKey(op.Key),
				},
			})
		}
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return wrap("apply", "", fmt.Errorf("dynamodb transaction: %w", err))
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections of its own.
func (s *DynamoStore) Close() error {
	return nil
}
