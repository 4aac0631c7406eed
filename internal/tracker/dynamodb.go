package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by Dynamo
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// chunkSetItem is one row of the chunk set table. Timestamps are unix
// nanoseconds so they compare as numbers in condition expressions.
type chunkSetItem struct {
	ContentID      string `dynamodbav:"content_id"`
	TotalChunks    int    `dynamodbav:"total_chunks"`
	ReceivedChunks []int  `dynamodbav:"received_chunks,numberset,omitempty"`
	Claimed        bool   `dynamodbav:"claimed,omitempty"`
	CreatedAt      int64  `dynamodbav:"created_at"`
	UpdatedAt      int64  `dynamodbav:"updated_at"`
}

func (it *chunkSetItem) state() State {
	received := make(map[int]struct{}, len(it.ReceivedChunks))
	for _, i := range it.ReceivedChunks {
		received[i] = struct{}{}
	}
	return State{
		ContentID:   it.ContentID,
		TotalChunks: it.TotalChunks,
		Received:    sortedIndices(received),
		Claimed:     it.Claimed,
		CreatedAt:   time.Unix(0, it.CreatedAt),
		UpdatedAt:   time.Unix(0, it.UpdatedAt),
	}
}

// Dynamo is a Tracker on a DynamoDB table keyed by content_id. The received
// indices live in a number set, so ADD is idempotent and every transition
// is a single conditional UpdateItem.
type Dynamo struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamo creates a tracker on table. now may be nil.
func NewDynamo(client DynamoAPI, table string, now func() time.Time) *Dynamo {
	if now == nil {
		now = time.Now
	}
	return &Dynamo{client: client, table: table, now: now}
}

var dynamoNames = map[string]string{
	"#id":  "content_id",
	"#tot": "total_chunks",
	"#rcv": "received_chunks",
	"#clm": "claimed",
	"#crt": "created_at",
	"#upd": "updated_at",
}

func itemKey(contentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"content_id": &types.AttributeValueMemberS{Value: contentID},
	}
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *Dynamo) Contains(ctx context.Context, contentID string, index int) (bool, error) {
	st, err := d.Get(ctx, contentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, i := range st.Received {
		if i == index {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dynamo) Add(ctx context.Context, contentID string, index, total int) (AddResult, error) {
	now := d.now().UnixNano()
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              itemKey(contentID),
		UpdateExpression: aws.String("ADD #rcv :idx SET #tot = if_not_exists(#tot, :total), #crt = if_not_exists(#crt, :now), #upd = :now"),
		ConditionExpression: aws.String(
			"(attribute_not_exists(#tot) OR #tot = :total) AND (attribute_not_exists(#rcv) OR NOT contains(#rcv, :idxn))"),
		ExpressionAttributeNames: map[string]string{
			"#tot": dynamoNames["#tot"],
			"#rcv": dynamoNames["#rcv"],
			"#crt": dynamoNames["#crt"],
			"#upd": dynamoNames["#upd"],
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":idx":   &types.AttributeValueMemberNS{Value: []string{strconv.Itoa(index)}},
			":idxn":  number(int64(index)),
			":total": number(int64(total)),
			":now":   number(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if !isConditionFailed(err) {
			return AddResult{}, fmt.Errorf("failed to add chunk %d of %s: %w", index, contentID, err)
		}
		// Either the total disagrees or the index is already present
		st, gerr := d.Get(ctx, contentID)
		if gerr != nil {
			return AddResult{}, gerr
		}
		if st.TotalChunks != total {
			return AddResult{}, fmt.Errorf("%w: have %d, got %d", ErrTotalMismatch, st.TotalChunks, total)
		}
		return AddResult{Added: false, Received: len(st.Received), Total: st.TotalChunks}, nil
	}

	var item chunkSetItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return AddResult{}, fmt.Errorf("failed to unmarshal chunk set: %w", err)
	}
	return AddResult{Added: true, Received: len(item.ReceivedChunks), Total: item.TotalChunks}, nil
}

func (d *Dynamo) Claim(ctx context.Context, contentID string) (bool, error) {
	return d.claim(ctx, contentID,
		"attribute_exists(#id) AND attribute_not_exists(#clm) AND size(#rcv) = #tot",
		map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  number(d.now().UnixNano()),
		})
}

func (d *Dynamo) ClaimStale(ctx context.Context, contentID string, before time.Time) (bool, error) {
	return d.claim(ctx, contentID,
		"attribute_exists(#id) AND #upd < :before",
		map[string]types.AttributeValue{
			":true":   &types.AttributeValueMemberBOOL{Value: true},
			":now":    number(d.now().UnixNano()),
			":before": number(before.UnixNano()),
		})
}

func (d *Dynamo) claim(ctx context.Context, contentID, condition string, values map[string]types.AttributeValue) (bool, error) {
	names := map[string]string{
		"#id":  dynamoNames["#id"],
		"#clm": dynamoNames["#clm"],
		"#upd": dynamoNames["#upd"],
	}
	if _, ok := values[":before"]; !ok {
		names["#rcv"] = dynamoNames["#rcv"]
		names["#tot"] = dynamoNames["#tot"]
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       itemKey(contentID),
		UpdateExpression:          aws.String("SET #clm = :true, #upd = :now"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk set %s: %w", contentID, err)
	}
	return true, nil
}

func (d *Dynamo) Release(ctx context.Context, contentID string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 itemKey(contentID),
		UpdateExpression:    aws.String("REMOVE #clm SET #upd = :now"),
		ConditionExpression: aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id":  dynamoNames["#id"],
			"#clm": dynamoNames["#clm"],
			"#upd": dynamoNames["#upd"],
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": number(d.now().UnixNano()),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to release chunk set %s: %w", contentID, err)
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, contentID string) (*State, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(contentID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk set %s: %w", contentID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item chunkSetItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk set: %w", err)
	}
	st := item.state()
	return &st, nil
}

// Stale scans the whole table. Sets are short-lived, so the table stays small.
func (d *Dynamo) Stale(ctx context.Context, before time.Time) ([]State, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:                 aws.String(d.table),
		FilterExpression:          aws.String("#upd < :before"),
		ExpressionAttributeNames:  map[string]string{"#upd": dynamoNames["#upd"]},
		ExpressionAttributeValues: map[string]types.AttributeValue{":before": number(before.UnixNano())},
		ConsistentRead:            aws.Bool(true),
	})

	var out []State
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk sets: %w", err)
		}
		var items []chunkSetItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk sets: %w", err)
		}
		for i := range items {
			out = append(out, items[i].state())
		}
	}
	return out, nil
}

func (d *Dynamo) Clear(ctx context.Context, contentID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(contentID),
	})
	if err != nil {
		return fmt.Errorf("failed to clear chunk set %s: %w", contentID, err)
	}
	return nil
}
