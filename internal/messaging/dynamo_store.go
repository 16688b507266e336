package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const (
	deliveryTTL        = 180 * 24 * time.Hour
	providerIDIndex    = "providerId-index"
	appointmentIDIndex = "appointmentId-index"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type deliveryItem struct {
	Delivery
	ExpiresAt int64 `dynamodbav:"expiresAt,omitempty"`
}

// DynamoDeliveryStore persists the delivery log to DynamoDB. The table is
// keyed by id with GSIs on providerId and appointmentId.
type DynamoDeliveryStore struct {
	client    dynamoAPI
	tableName string
	now       func() time.Time
	logger    *logging.Logger
}

var _ DeliveryStore = (*DynamoDeliveryStore)(nil)

func NewDynamoDeliveryStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoDeliveryStore {
	if client == nil {
		panic("messaging: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("messaging: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoDeliveryStore{client: client, tableName: tableName, now: time.Now, logger: logger}
}

func (s *DynamoDeliveryStore) Record(ctx context.Context, d Delivery) error {
	if d.ID == "" {
		return errors.New("messaging: delivery id required")
	}
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt
	item, err := attributevalue.MarshalMap(deliveryItem{Delivery: d, ExpiresAt: now.Add(deliveryTTL).Unix()})
	if err != nil {
		return fmt.Errorf("messaging: failed to marshal delivery: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("messaging: failed to persist delivery: %w", err)
	}
	return nil
}

func (s *DynamoDeliveryStore) UpdateStatus(ctx context.Context, providerID string, status DeliveryStatus, errCode string) error {
	matches, err := s.query(ctx, providerIDIndex, "providerId", providerID)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return ErrDeliveryNotFound
	}

	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(status)},
		":updated": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
	}
	expr := "SET #status = :status, updatedAt = :updated"
	if errCode != "" {
		values[":error"] = &types.AttributeValueMemberS{Value: errCode}
		expr += ", #error = :error"
	}
	names := map[string]string{"#status": "status"}
	if errCode != "" {
		names["#error"] = "error"
	}

	for _, d := range matches {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: d.ID}},
			UpdateExpression:          aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		if err != nil {
			return fmt.Errorf("messaging: failed to update delivery %s: %w", d.ID, err)
		}
	}
	return nil
}

func (s *DynamoDeliveryStore) ListForAppointment(ctx context.Context, appointmentID string) ([]Delivery, error) {
	out, err := s.query(ctx, appointmentIDIndex, "appointmentId", appointmentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DynamoDeliveryStore) query(ctx context.Context, index, attr, value string) ([]Delivery, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String("#k = :v"),
		ExpressionAttributeNames:  map[string]string{"#k": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}},
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to query %s: %w", index, err)
	}
	var items []deliveryItem
	if err := attributevalue.UnmarshalListOfMaps(resp.Items, &items); err != nil {
		return nil, fmt.Errorf("messaging: failed to decode deliveries: %w", err)
	}
	out := make([]Delivery, 0, len(items))
	for _, it := range items {
		out = append(out, it.Delivery)
	}
	return out, nil
}
