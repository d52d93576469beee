package dynamostore

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient evaluates the condition expressions the accessor sends against
// an in-memory table.
type fakeClient struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	tables  map[string]bool
	failAll error
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[string]map[string]types.AttributeValue{}, tables: map[string]bool{}}
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if f.failAll != nil {
		return nil, f.failAll
	}
	id := stringAttr(in.Item, attrID)
	if aws.ToString(in.ConditionExpression) == insertCondition {
		if _, exists := f.items[id]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[id] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.failAll != nil {
		return nil, f.failAll
	}
	id := stringAttr(in.Key, attrID)
	item, exists := f.items[id]
	values := in.ExpressionAttributeValues
	ok := exists
	switch aws.ToString(in.ConditionExpression) {
	case updateCondition:
		ok = exists && stringAttr(item, attrLockUntil) <= stringAttr(values, ":now")
	case extendCondition:
		ok = exists &&
			stringAttr(item, attrLockedBy) == stringAttr(values, ":holder") &&
			stringAttr(item, attrLockUntil) > stringAttr(values, ":now")
	case unlockCondition:
	default:
		return nil, errors.New("unexpected condition " + aws.ToString(in.ConditionExpression))
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	item = copyItem(item)
	item[attrLockUntil] = values[":lockUntil"]
	if v, set := values[":holder"]; set && aws.ToString(in.ConditionExpression) == updateCondition {
		item[attrLockedBy] = v
		item[attrLockedAt] = values[":now"]
	}
	f.items[id] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	item, exists := f.items[stringAttr(in.Key, attrID)]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, stringAttr(in.Key, attrID))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tables[aws.ToString(in.TableName)] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeClient) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[aws.ToString(in.TableName)] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
