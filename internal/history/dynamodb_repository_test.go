package history_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precheck/monitor/internal/history"
	"github.com/precheck/monitor/internal/monitor"
)

// fakeDynamo stores items per table and answers descending queries by
// generatedAt.
type fakeDynamo struct {
	mu      sync.Mutex
	items   []map[string]types.AttributeValue
	puts    int
	lastQry *dynamodb.QueryInput
	err     error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.puts++
	id := in.Item["snapshotId"].(*types.AttributeValueMemberS).Value
	for _, it := range f.items {
		if it["snapshotId"].(*types.AttributeValueMemberS).Value == id {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastQry = in

	items := append([]map[string]types.AttributeValue(nil), f.items...)
	sort.Slice(items, func(i, j int) bool {
		a := items[i]["generatedAt"].(*types.AttributeValueMemberS).Value
		b := items[j]["generatedAt"].(*types.AttributeValueMemberS).Value
		if aws.ToBool(in.ScanIndexForward) {
			return a < b
		}
		return a > b
	})
	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func TestDynamoDBRepository_SaveAndList(t *testing.T) {
	client := &fakeDynamo{}
	repo := history.NewDynamoDBRepository(client, "precheck-history")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Save(ctx, snapshot(i, monitor.StatusDegraded)))
	}

	snaps, err := repo.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "snap-03", snaps[0].ID)
	assert.Equal(t, monitor.StatusDegraded, snaps[0].Status)
	assert.True(t, snaps[0].GeneratedAt.Equal(snapshot(3, monitor.StatusDegraded).GeneratedAt))
	assert.Nil(t, snaps[0].Results)

	require.NotNil(t, client.lastQry)
	assert.Equal(t, "precheck-history", aws.ToString(client.lastQry.TableName))
	assert.False(t, aws.ToBool(client.lastQry.ScanIndexForward))
	assert.Equal(t, int32(3), aws.ToInt32(client.lastQry.Limit))
}

func TestDynamoDBRepository_ItemAttributes(t *testing.T) {
	client := &fakeDynamo{}
	repo := history.NewDynamoDBRepository(client, "t")

	s := snapshot(1, monitor.StatusUnhealthy)
	s.Failed = 1
	s.SuccessRate = 0
	require.NoError(t, repo.Save(context.Background(), s))

	require.Len(t, client.items, 1)
	item := client.items[0]
	assert.Equal(t, "unhealthy", item["status"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "1", item["totalServices"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "1", item["failedServices"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "0.0000", item["successRate"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "2026-04-01T12:01:00Z", item["generatedAt"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoDBRepository_DuplicateIsNoop(t *testing.T) {
	client := &fakeDynamo{}
	repo := history.NewDynamoDBRepository(client, "t")
	ctx := context.Background()

	s := snapshot(1, monitor.StatusHealthy)
	require.NoError(t, repo.Save(ctx, s))
	require.NoError(t, repo.Save(ctx, s))

	assert.Len(t, client.items, 1)
}

func TestDynamoDBRepository_Errors(t *testing.T) {
	client := &fakeDynamo{err: errors.New("throttled")}
	repo := history.NewDynamoDBRepository(client, "t")
	ctx := context.Background()

	err := repo.Save(ctx, snapshot(1, monitor.StatusHealthy))
	assert.ErrorContains(t, err, "throttled")

	_, err = repo.List(ctx, 1)
	assert.ErrorContains(t, err, "throttled")
}
