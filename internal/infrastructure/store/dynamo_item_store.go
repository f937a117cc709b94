package store

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

	"github.com/example/giftcard-fulfillment/internal/domain/inventory"
	"github.com/example/giftcard-fulfillment/internal/secrets"
)

const (
	// poolIndex is a sparse GSI: only available items carry the pool
	// attribute, sorted by creation time.
	poolIndex = "pool-index"

	// Each item costs two writes (item + fingerprint guard) and each chunk
	// one listing owner plus one denomination marker per pool. Chunks hold
	// at most 48 items so a single-listing upload stays within the
	// 100-action transaction limit.
	dynamoInsertChunk = 48
)

// DynamoItemStore keeps inventory items in one DynamoDB table. Besides the
// items it holds fingerprint guards ("fp#...") that make duplicate uploads
// fail, listing owners ("listing#...") and denomination markers
// ("denom#...") for HasDenomination.
type DynamoItemStore struct {
	client    *dynamodb.Client
	tableName string
	sealer    *secrets.Sealer
}

type dynamoItem struct {
	ID           string `dynamodbav:"id"`
	ListingID    string `dynamodbav:"listing_id"`
	CompanyID    string `dynamodbav:"company_id"`
	Denomination int64  `dynamodbav:"denomination"`
	Secret       string `dynamodbav:"secret"`
	Status       string `dynamodbav:"status"`
	Pool         string `dynamodbav:"pool,omitempty"`
	CreatedAt    int64  `dynamodbav:"created_at"` // unix nanos
	ExpiresAt    int64  `dynamodbav:"expires_at,omitempty"`
	ReservedAt   int64  `dynamodbav:"reserved_at,omitempty"`
	OrderID      string `dynamodbav:"order_id,omitempty"`
	SoldAt       int64  `dynamodbav:"sold_at,omitempty"`
	Recipient    string `dynamodbav:"recipient,omitempty"`
}

func NewDynamoItemStore(client *dynamodb.Client, tableName string, sealer *secrets.Sealer) *DynamoItemStore {
	return &DynamoItemStore{client: client, tableName: tableName, sealer: sealer}
}

func poolKey(companyID, listingID string, denomination int64) string {
	return companyID + "#" + listingID + "#" + strconv.FormatInt(denomination, 10)
}

func itemPoolKey(it inventory.Item) string {
	return poolKey(it.CompanyID, it.ListingID, it.Denomination)
}

func (s *DynamoItemStore) Insert(ctx context.Context, items []inventory.Item) error {
	var written []string
	for start := 0; start < len(items); start += dynamoInsertChunk {
		end := min(start+dynamoInsertChunk, len(items))
		keys, err := s.insertChunk(ctx, items[start:end])
		if err != nil {
			// earlier chunks are committed; undo them so the upload is all or nothing
			s.deleteKeys(written)
			return err
		}
		written = append(written, keys...)
	}
	return nil
}

func (s *DynamoItemStore) insertChunk(ctx context.Context, items []inventory.Item) ([]string, error) {
	var (
		actions []types.TransactWriteItem
		keys    []string
		markers = make(map[string]bool)
		owners  = make(map[string]string)
	)
	for _, it := range items {
		sealed, err := sealSecret(s.sealer, it.Secret)
		if err != nil {
			return nil, err
		}
		di := dynamoItem{
			ID:           it.ID,
			ListingID:    it.ListingID,
			CompanyID:    it.CompanyID,
			Denomination: it.Denomination,
			Secret:       sealed,
			Status:       string(it.Status),
			CreatedAt:    it.CreatedAt.UnixNano(),
		}
		if it.Status == inventory.StatusAvailable {
			di.Pool = itemPoolKey(it)
		}
		if it.ExpiresAt != nil {
			di.ExpiresAt = it.ExpiresAt.UnixNano()
		}
		av, err := attributevalue.MarshalMap(di)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item: %w", err)
		}
		fp := "fp#" + inventory.Fingerprint(it.ListingID, it.Secret.Code)
		actions = append(actions,
			types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			types.TransactWriteItem{Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item: map[string]types.AttributeValue{
					"id":      &types.AttributeValueMemberS{Value: fp},
					"item_id": &types.AttributeValueMemberS{Value: it.ID},
				},
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
		)
		keys = append(keys, it.ID, fp)
		markers["denom#"+itemPoolKey(it)] = true
		if owner, ok := owners[it.ListingID]; ok && owner != it.CompanyID {
			return nil, inventory.ErrListingOwned
		}
		owners[it.ListingID] = it.CompanyID
	}

	// owner guards come first so a cancellation can be told apart from a
	// duplicate code
	var guards []types.TransactWriteItem
	for listing, company := range owners {
		guards = append(guards, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item: map[string]types.AttributeValue{
				"id":         &types.AttributeValueMemberS{Value: "listing#" + listing},
				"company_id": &types.AttributeValueMemberS{Value: company},
			},
			ConditionExpression: aws.String("attribute_not_exists(id) OR company_id = :company"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":company": &types.AttributeValueMemberS{Value: company},
			},
		}})
	}
	actions = append(guards, actions...)
	for m := range markers {
		actions = append(actions, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: m}},
		}})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: actions})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for i, r := range tce.CancellationReasons {
				if aws.ToString(r.Code) != "ConditionalCheckFailed" {
					continue
				}
				if i < len(guards) {
					return nil, inventory.ErrListingOwned
				}
				return nil, inventory.ErrDuplicateCode
			}
		}
		return nil, fmt.Errorf("failed to insert items: %w", err)
	}
	return keys, nil
}

func (s *DynamoItemStore) deleteKeys(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, k := range keys {
		_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: k}},
		})
	}
}

func (s *DynamoItemStore) Get(ctx context.Context, ids []string) ([]inventory.Item, error) {
	out := make([]inventory.Item, 0, len(ids))
	for _, id := range ids {
		res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.tableName),
			Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get item: %w", err)
		}
		if res.Item == nil {
			continue
		}
		it, err := s.decode(res.Item)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// ListAvailable reads the sparse pool index. The index is eventually
// consistent; a stale entry only costs a lost CompareAndSwap.
func (s *DynamoItemStore) ListAvailable(ctx context.Context, pool inventory.Pool, limit int, now time.Time) ([]inventory.Item, error) {
	var out []inventory.Item
	paginator := dynamodb.NewQueryPaginator(s.client, s.poolQuery(pool, now))
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query pool: %w", err)
		}
		for _, raw := range page.Items {
			it, err := s.decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, it)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *DynamoItemStore) CountAvailable(ctx context.Context, pool inventory.Pool, now time.Time) (int, error) {
	input := s.poolQuery(pool, now)
	input.Select = types.SelectCount

	total := 0
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count pool: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}

func (s *DynamoItemStore) poolQuery(pool inventory.Pool, now time.Time) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(poolIndex),
		KeyConditionExpression: aws.String("pool = :pool"),
		FilterExpression:       aws.String("#status = :available AND (attribute_not_exists(expires_at) OR expires_at > :now)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pool":      &types.AttributeValueMemberS{Value: poolKey(pool.CompanyID, pool.ListingID, pool.Denomination)},
			":available": &types.AttributeValueMemberS{Value: string(inventory.StatusAvailable)},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
		ScanIndexForward: aws.Bool(true), // oldest first
	}
}

func (s *DynamoItemStore) HasDenomination(ctx context.Context, pool inventory.Pool) (bool, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: "denom#" + poolKey(pool.CompanyID, pool.ListingID, pool.Denomination)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to get denomination marker: %w", err)
	}
	return res.Item != nil, nil
}

// CompareAndSwap is a conditional UpdateItem on the status attribute. The
// pool attribute is kept only while the item is available.
func (s *DynamoItemStore) CompareAndSwap(ctx context.Context, t inventory.Transition) (bool, error) {
	if err := t.Check(); err != nil {
		return false, err
	}
	values := map[string]types.AttributeValue{
		":from": &types.AttributeValueMemberS{Value: string(t.From)},
		":to":   &types.AttributeValueMemberS{Value: string(t.To)},
	}
	at := &types.AttributeValueMemberN{Value: strconv.FormatInt(t.At.UnixNano(), 10)}

	var update string
	switch t.To {
	case inventory.StatusReserved:
		update = "SET #status = :to, reserved_at = :at REMOVE pool"
		values[":at"] = at
	case inventory.StatusAvailable:
		current, err := s.Get(ctx, []string{t.ID})
		if err != nil {
			return false, err
		}
		if len(current) == 0 {
			return false, ErrNotFound
		}
		update = "SET #status = :to, pool = :pool REMOVE reserved_at"
		values[":pool"] = &types.AttributeValueMemberS{Value: itemPoolKey(current[0])}
	case inventory.StatusSold:
		update = "SET #status = :to, sold_at = :at, order_id = :order, recipient = :recipient REMOVE pool"
		values[":at"] = at
		values[":order"] = &types.AttributeValueMemberS{Value: t.OrderID}
		values[":recipient"] = &types.AttributeValueMemberS{Value: t.Recipient}
	default:
		update = "SET #status = :to REMOVE pool"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: t.ID}},
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String("#status = :from"),
		ExpressionAttributeNames:            map[string]string{"#status": "status"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if ccf.Item == nil {
				return false, ErrNotFound
			}
			return false, nil
		}
		return false, fmt.Errorf("failed to update item: %w", err)
	}
	return true, nil
}

// ExpireBefore scans for live items past expiry and expires each one
// conditionally, so an item sold meanwhile is left alone.
func (s *DynamoItemStore) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("(#status = :available OR #status = :reserved) AND expires_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":available": &types.AttributeValueMemberS{Value: string(inventory.StatusAvailable)},
			":reserved":  &types.AttributeValueMemberS{Value: string(inventory.StatusReserved)},
			":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
		ProjectionExpression: aws.String("id, #status"),
	})

	expired := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return expired, fmt.Errorf("failed to scan items: %w", err)
		}
		for _, raw := range page.Items {
			var row struct {
				ID     string `dynamodbav:"id"`
				Status string `dynamodbav:"status"`
			}
			if err := attributevalue.UnmarshalMap(raw, &row); err != nil {
				return expired, err
			}
			ok, err := s.CompareAndSwap(ctx, inventory.Transition{
				ID:   row.ID,
				From: inventory.Status(row.Status),
				To:   inventory.StatusExpired,
				At:   now,
			})
			if err != nil {
				return expired, err
			}
			if ok {
				expired++
			}
		}
	}
	return expired, nil
}

func (s *DynamoItemStore) decode(raw map[string]types.AttributeValue) (inventory.Item, error) {
	var di dynamoItem
	if err := attributevalue.UnmarshalMap(raw, &di); err != nil {
		return inventory.Item{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	secret, err := openSecret(s.sealer, di.Secret)
	if err != nil {
		return inventory.Item{}, fmt.Errorf("open secret of item %s: %w", di.ID, err)
	}
	return inventory.Item{
		ID:           di.ID,
		ListingID:    di.ListingID,
		CompanyID:    di.CompanyID,
		Denomination: di.Denomination,
		Secret:       secret,
		Status:       inventory.Status(di.Status),
		CreatedAt:    time.Unix(0, di.CreatedAt).UTC(),
		ExpiresAt:    nanosPtr(di.ExpiresAt),
		ReservedAt:   nanosPtr(di.ReservedAt),
		OrderID:      di.OrderID,
		SoldAt:       nanosPtr(di.SoldAt),
		Recipient:    di.Recipient,
	}, nil
}

func nanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
