// Package dynamo provides the DynamoDB-backed implementation of the
// store contracts. The conditional update maps onto a PutItem guarded
// by a ConditionExpression on the version attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/store"
)

// Config holds the DynamoDB backend configuration.
type Config struct {
	Region      string
	Table       string
	EventsTable string
	// Endpoint points at a local DynamoDB when non-empty.
	Endpoint    string
	CreateTable bool
}

// Store implements store.TransactionStore and store.EventStore over two
// DynamoDB tables.
type Store struct {
	client      *dynamodb.Client
	table       string
	eventsTable string
}

var (
	_ store.TransactionStore = (*Store)(nil)
	_ store.EventStore       = (*Store)(nil)
)

func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.Endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: cfg.Region}, nil
			})
	}

	s := &Store{
		client:      dynamodb.NewFromConfig(awsCfg),
		table:       cfg.Table,
		eventsTable: cfg.EventsTable,
	}

	if cfg.CreateTable {
		if err := s.createTables(ctx); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return s, nil
}

// record is the persisted item shape. Amounts are decimal strings and
// timestamps RFC3339 strings, matching the SQLite backend.
type record struct {
	ID               string `dynamodbav:"id"`
	BuyerEmail       string `dynamodbav:"buyer_email"`
	SellerEmail      string `dynamodbav:"seller_email"`
	Amount           string `dynamodbav:"amount"`
	Currency         string `dynamodbav:"currency"`
	ItemDescription  string `dynamodbav:"item_description"`
	Status           string `dynamodbav:"status"`
	PaymentReceived  bool   `dynamodbav:"payment_received"`
	PaymentIntentRef string `dynamodbav:"payment_intent_ref,omitempty"`

	FileUploaded bool   `dynamodbav:"file_uploaded"`
	FileName     string `dynamodbav:"file_name,omitempty"`
	FileBlobRef  string `dynamodbav:"file_blob_ref,omitempty"`

	BuyerFileUploaded bool   `dynamodbav:"buyer_file_uploaded"`
	BuyerFileName     string `dynamodbav:"buyer_file_name,omitempty"`
	BuyerFileBlobRef  string `dynamodbav:"buyer_file_blob_ref,omitempty"`

	Version     int64  `dynamodbav:"version"`
	CreatedAt   string `dynamodbav:"created_at"`
	UpdatedAt   string `dynamodbav:"updated_at"`
	CompletedAt string `dynamodbav:"completed_at,omitempty"`
}

func toRecord(t *domain.Transaction) record {
	rec := record{
		ID:                t.ID,
		BuyerEmail:        t.BuyerEmail,
		SellerEmail:       t.SellerEmail,
		Amount:            t.Amount.String(),
		Currency:          t.Currency,
		ItemDescription:   t.ItemDescription,
		Status:            string(t.Status),
		PaymentReceived:   t.PaymentReceived,
		PaymentIntentRef:  t.PaymentIntentRef,
		FileUploaded:      t.FileUploaded,
		FileName:          t.FileName,
		FileBlobRef:       t.FileBlobRef,
		BuyerFileUploaded: t.BuyerFileUploaded,
		BuyerFileName:     t.BuyerFileName,
		BuyerFileBlobRef:  t.BuyerFileBlobRef,
		Version:           t.Version,
		CreatedAt:         t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:         t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = t.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return rec
}

func fromRecord(rec *record) (*domain.Transaction, error) {
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", rec.Amount, err)
	}

	t := &domain.Transaction{
		ID:                rec.ID,
		BuyerEmail:        rec.BuyerEmail,
		SellerEmail:       rec.SellerEmail,
		Amount:            amount,
		Currency:          rec.Currency,
		ItemDescription:   rec.ItemDescription,
		Status:            domain.Status(rec.Status),
		PaymentReceived:   rec.PaymentReceived,
		PaymentIntentRef:  rec.PaymentIntentRef,
		FileUploaded:      rec.FileUploaded,
		FileName:          rec.FileName,
		FileBlobRef:       rec.FileBlobRef,
		BuyerFileUploaded: rec.BuyerFileUploaded,
		BuyerFileName:     rec.BuyerFileName,
		BuyerFileBlobRef:  rec.BuyerFileBlobRef,
		Version:           rec.Version,
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, rec.UpdatedAt)
	if rec.CompletedAt != "" {
		ct, _ := time.Parse(time.RFC3339Nano, rec.CompletedAt)
		t.CompletedAt = &ct
	}
	return t, nil
}

func (s *Store) Insert(ctx context.Context, txn *domain.Transaction) error {
	item, err := attributevalue.MarshalMap(toRecord(txn))
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if out.Item == nil {
		return nil, domain.ErrNotFound
	}

	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return fromRecord(&rec)
}

// ConditionalUpdate writes the mutated item back guarded by
// "version = :expected". A conditional-check failure means another
// writer committed first.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate store.Mutator) (int64, error) {
	txn, err := s.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if txn.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}

	if err := mutate(txn); err != nil {
		return 0, err
	}
	txn.Version = expectedVersion + 1
	txn.UpdatedAt = time.Now().UTC()

	item, err := attributevalue.MarshalMap(toRecord(txn))
	if err != nil {
		return 0, fmt.Errorf("marshal transaction: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return 0, domain.ErrVersionConflict
		}
		return 0, fmt.Errorf("conditional update: %w", err)
	}
	return txn.Version, nil
}

// List scans with a filter expression. Admin-scale pagination concerns
// are out of scope; the page window is applied after an in-memory sort
// by creation time, newest first.
func (s *Store) List(ctx context.Context, f store.Filter) ([]domain.Transaction, int, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.table)}

	expr := ""
	values := map[string]types.AttributeValue{}
	add := func(clause, key, value string) {
		if expr != "" {
			expr += " AND "
		}
		expr += clause
		values[key] = &types.AttributeValueMemberS{Value: value}
	}
	if f.BuyerEmail != "" {
		add("buyer_email = :buyer", ":buyer", f.BuyerEmail)
	}
	if f.SellerEmail != "" {
		add("seller_email = :seller", ":seller", f.SellerEmail)
	}
	if f.Status != "" {
		add("#st = :status", ":status", f.Status)
		input.ExpressionAttributeNames = map[string]string{"#st": "status"}
	}
	if expr != "" {
		input.FilterExpression = aws.String(expr)
		input.ExpressionAttributeValues = values
	}

	var txns []domain.Transaction
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transactions: %w", err)
		}
		for _, item := range page.Items {
			var rec record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, 0, fmt.Errorf("unmarshal transaction: %w", err)
			}
			txn, err := fromRecord(&rec)
			if err != nil {
				return nil, 0, err
			}
			txns = append(txns, *txn)
		}
	}

	sort.Slice(txns, func(i, j int) bool {
		return txns[i].CreatedAt.After(txns[j].CreatedAt)
	})

	total := len(txns)
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return nil, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return txns[start:end], total, nil
}

func (s *Store) Stats(ctx context.Context, f store.StatsFilter) (*store.Stats, error) {
	txns, _, err := s.List(ctx, store.Filter{
		BuyerEmail:  f.BuyerEmail,
		SellerEmail: f.SellerEmail,
		Limit:       1 << 30,
	})
	if err != nil {
		return nil, err
	}

	stats := &store.Stats{}
	for i := range txns {
		t := &txns[i]
		stats.Total++
		stats.TotalAmount = stats.TotalAmount.Add(t.Amount)
		switch t.Status {
		case domain.StatusPending:
			stats.Pending++
			stats.PendingAmount = stats.PendingAmount.Add(t.Amount)
		case domain.StatusCompleted:
			stats.Completed++
			stats.CompletedAmount = stats.CompletedAmount.Add(t.Amount)
		case domain.StatusCancelled:
			stats.Cancelled++
		case domain.StatusRefunded:
			stats.Refunded++
		}
	}
	return stats, nil
}

// --- events ---

type eventRecord struct {
	TransactionID string `dynamodbav:"transaction_id"`
	Seq           int64  `dynamodbav:"seq"`
	ID            string `dynamodbav:"id"`
	Type          string `dynamodbav:"type"`
	Actor         string `dynamodbav:"actor"`
	Detail        string `dynamodbav:"detail,omitempty"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func (s *Store) Append(ctx context.Context, ev *domain.Event) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		seq, err := s.nextSeq(ctx, ev.TransactionID)
		if err != nil {
			return err
		}

		item, err := attributevalue.MarshalMap(eventRecord{
			TransactionID: ev.TransactionID,
			Seq:           seq,
			ID:            ev.ID,
			Type:          string(ev.Type),
			Actor:         string(ev.Actor),
			Detail:        ev.Detail,
			CreatedAt:     ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.eventsTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(seq)"),
		})
		if err == nil {
			ev.Seq = seq
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return fmt.Errorf("append event: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("append event: %w", lastErr)
}

func (s *Store) nextSeq(ctx context.Context, transactionID string) (int64, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.eventsTable),
		KeyConditionExpression: aws.String("transaction_id = :tid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": &types.AttributeValueMemberS{Value: transactionID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("query last event: %w", err)
	}
	if len(out.Items) == 0 {
		return 1, nil
	}
	var rec eventRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return 0, fmt.Errorf("unmarshal event: %w", err)
	}
	return rec.Seq + 1, nil
}

func (s *Store) ListByTransaction(ctx context.Context, transactionID string) ([]domain.Event, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.eventsTable),
		KeyConditionExpression: aws.String("transaction_id = :tid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": &types.AttributeValueMemberS{Value: transactionID},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]domain.Event, 0, len(out.Items))
	for _, item := range out.Items {
		var rec eventRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		ev := domain.Event{
			ID:            rec.ID,
			TransactionID: rec.TransactionID,
			Seq:           rec.Seq,
			Type:          domain.EventType(rec.Type),
			Actor:         domain.Actor(rec.Actor),
			Detail:        rec.Detail,
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
		events = append(events, ev)
	}
	return events, nil
}

// --- bootstrap ---

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isTableExists(err) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.eventsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("transaction_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("seq"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("transaction_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("seq"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isTableExists(err) {
		return fmt.Errorf("create table %s: %w", s.eventsTable, err)
	}
	return nil
}

func isTableExists(err error) bool {
	var riu *types.ResourceInUseException
	return errors.As(err, &riu)
}
