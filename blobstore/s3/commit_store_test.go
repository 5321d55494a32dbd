package s3

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecagent/blobstore"
)

// fakeDDB is an in-memory commit table.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(uri, version string) string { return uri + "#" + version }

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := in.Item["base_uri"].(*types.AttributeValueMemberS).Value
	version := in.Item["version"].(*types.AttributeValueMemberN).Value
	k := itemKey(uri, version)
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(version)" {
		if _, ok := f.items[k]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := in.ExpressionAttributeValues[":uri"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["base_uri"].(*types.AttributeValueMemberS).Value == uri {
			items = append(items, item)
		}
	}
	version := func(i int) uint64 {
		v, _ := strconv.ParseUint(items[i]["version"].(*types.AttributeValueMemberN).Value, 10, 64)
		return v
	}
	sort.Slice(items, func(i, j int) bool { return version(i) > version(j) })
	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeDDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := in.Key["base_uri"].(*types.AttributeValueMemberS).Value
	version := in.Key["version"].(*types.AttributeValueMemberN).Value
	delete(f.items, itemKey(uri, version))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDDB) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func newCommitStore(ddb *fakeDDB, uri string, opts ...CommitOption) *CommitStore {
	return NewCommitStore(NewStore(new(mockClient), "bucket", "agent-0"), ddb, "commits", uri, opts...)
}

func readCurrent(t *testing.T, s *CommitStore) string {
	t.Helper()
	data, err := blobstore.ReadAll(context.Background(), s, CurrentName)
	require.NoError(t, err)
	return string(data)
}

func TestCommitStoreNotFoundBeforeCommit(t *testing.T) {
	s := newCommitStore(newFakeDDB(), "s3://bucket/agent-0")
	_, err := s.Open(context.Background(), CurrentName)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestCommitStoreCommits(t *testing.T) {
	ctx := context.Background()
	s := newCommitStore(newFakeDDB(), "s3://bucket/agent-0")

	for i := 1; i <= 12; i++ {
		require.NoError(t, s.Put(ctx, CurrentName, []byte(fmt.Sprintf("MANIFEST-%06d.bin", i))))
	}
	assert.Equal(t, "MANIFEST-000012.bin", readCurrent(t, s))

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v)
}

func TestCommitStoreRetention(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	s := newCommitStore(ddb, "s3://bucket/agent-0", WithRetainedVersions(3))

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Put(ctx, CurrentName, []byte(strconv.Itoa(i))))
	}
	assert.Equal(t, 3, ddb.len())
	assert.Equal(t, "10", readCurrent(t, s))
}

func TestCommitStoreConflict(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	s := newCommitStore(ddb, "s3://bucket/agent-0")
	require.NoError(t, s.Put(ctx, CurrentName, []byte("MANIFEST-000001.bin")))

	// A writer that read version 1 loses against one that already wrote 2.
	_, err := ddb.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: "s3://bucket/agent-0"},
			"version":       &types.AttributeValueMemberN{Value: "2"},
			"manifest_path": &types.AttributeValueMemberS{Value: "MANIFEST-000002.bin"},
		},
	})
	require.NoError(t, err)
	err = s.commitAfter(ctx, 1, "MANIFEST-000003.bin")
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, "MANIFEST-000002.bin", readCurrent(t, s))
}

func TestCommitStoreNamespaces(t *testing.T) {
	ctx := context.Background()
	ddb := newFakeDDB()
	a := newCommitStore(ddb, "s3://bucket/a")
	b := newCommitStore(ddb, "s3://bucket/b")

	require.NoError(t, a.Put(ctx, CurrentName, []byte("A")))
	require.NoError(t, b.Put(ctx, CurrentName, []byte("B")))
	assert.Equal(t, "A", readCurrent(t, a))
	assert.Equal(t, "B", readCurrent(t, b))
}
