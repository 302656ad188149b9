package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/precheck/monitor/internal/monitor"
)

// partitionValue groups every snapshot under one partition so Query can
// return them ordered by generatedAt.
const partitionValue = "precheck#health"

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDBRepository.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NewDynamoDBClient creates a DynamoDB client from the default AWS config
// chain.
func NewDynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// DynamoDBRepository stores snapshots in a table keyed by (pk, generatedAt).
type DynamoDBRepository struct {
	client    DynamoDBAPI
	tableName string
}

var _ Repository = (*DynamoDBRepository)(nil)

// NewDynamoDBRepository creates a new DynamoDB snapshot repository.
func NewDynamoDBRepository(client DynamoDBAPI, tableName string) *DynamoDBRepository {
	return &DynamoDBRepository{client: client, tableName: tableName}
}

// Save stores a snapshot.
func (r *DynamoDBRepository) Save(ctx context.Context, snapshot *monitor.AggregateHealth) error {
	doc, err := json.Marshal(compact(snapshot))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	item := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{
			Value: partitionValue,
		},
		"generatedAt": &types.AttributeValueMemberS{
			Value: snapshot.GeneratedAt.UTC().Format(time.RFC3339Nano),
		},
		"snapshotId": &types.AttributeValueMemberS{
			Value: snapshot.ID,
		},
		"status": &types.AttributeValueMemberS{
			Value: string(snapshot.Status),
		},
		"totalServices": &types.AttributeValueMemberN{
			Value: strconv.Itoa(snapshot.Total),
		},
		"failedServices": &types.AttributeValueMemberN{
			Value: strconv.Itoa(snapshot.Failed),
		},
		"successRate": &types.AttributeValueMemberN{
			Value: strconv.FormatFloat(snapshot.SuccessRate, 'f', 4, 64),
		},
		"snapshot": &types.AttributeValueMemberS{
			Value: string(doc),
		},
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(snapshotId)"),
	})
	if err != nil {
		var exists *types.ConditionalCheckFailedException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("put snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

// List returns up to limit snapshots, newest first.
func (r *DynamoDBRepository) List(ctx context.Context, limit int) ([]*monitor.AggregateHealth, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionValue},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(normalizeLimit(limit))), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	snaps := make([]*monitor.AggregateHealth, 0, len(out.Items))
	for _, item := range out.Items {
		doc, ok := item["snapshot"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		var snap monitor.AggregateHealth
		if err := json.Unmarshal([]byte(doc.Value), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, nil
}
