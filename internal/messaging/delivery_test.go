package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var sentAt = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func sampleDelivery() Delivery {
	return Delivery{
		ID:            "d1",
		JobKey:        "recordatorio_24h-a1",
		JobType:       "recordatorio_24h",
		AppointmentID: "a1",
		Channel:       ChannelWhatsApp,
		To:            "+525512345678",
		ProviderID:    "SM1",
		Status:        StatusSent,
		CreatedAt:     sentAt,
	}
}

func TestPostgresDeliveryStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresDeliveryStore(mock)
	ctx := context.Background()

	d := sampleDelivery()
	mock.ExpectExec("INSERT INTO message_deliveries").
		WithArgs("d1", "recordatorio_24h-a1", "recordatorio_24h", "a1", "whatsapp", "+525512345678", "SM1", "sent", "", sentAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Record(ctx, d))

	mock.ExpectExec("UPDATE message_deliveries").WithArgs("SM1", "delivered", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateStatus(ctx, "SM1", StatusDelivered, ""))

	mock.ExpectExec("UPDATE message_deliveries").WithArgs("SM404", "failed", "30003").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.UpdateStatus(ctx, "SM404", StatusFailed, "30003"), ErrDeliveryNotFound)

	rows := pgxmock.NewRows([]string{"id", "job_key", "job_type", "appointment_id", "channel", "recipient", "provider_id", "status", "error", "created_at", "updated_at"}).
		AddRow("d1", "recordatorio_24h-a1", "recordatorio_24h", "a1", "whatsapp", "+525512345678", "SM1", "delivered", "", sentAt, sentAt)
	mock.ExpectQuery("FROM message_deliveries").WithArgs("a1").WillReturnRows(rows)
	list, err := store.ListForAppointment(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusDelivered, list[0].Status)
	assert.Equal(t, ChannelWhatsApp, list[0].Channel)

	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeDynamo struct {
	items   map[string]map[string]types.AttributeValue
	updates []*dynamodb.UpdateItemInput
	putErr  error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	id := in.Item["id"].(*types.AttributeValueMemberS).Value
	if f.items == nil {
		f.items = make(map[string]map[string]types.AttributeValue)
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	attr := in.ExpressionAttributeNames["#k"]
	want := in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if v, ok := item[attr].(*types.AttributeValueMemberS); ok && v.Value == want {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func TestDynamoDeliveryStore(t *testing.T) {
	client := &fakeDynamo{}
	store := NewDynamoDeliveryStore(client, "deliveries", logging.New("error"))
	store.now = func() time.Time { return sentAt }
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sampleDelivery()))
	item := client.items["d1"]
	require.NotNil(t, item)
	var decoded deliveryItem
	require.NoError(t, attributevalue.UnmarshalMap(item, &decoded))
	assert.Equal(t, "SM1", decoded.ProviderID)
	assert.Equal(t, sentAt.Add(deliveryTTL).Unix(), decoded.ExpiresAt)

	list, err := store.ListForAppointment(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "recordatorio_24h-a1", list[0].JobKey)

	require.NoError(t, store.UpdateStatus(ctx, "SM1", StatusFailed, "30003"))
	require.Len(t, client.updates, 1)
	assert.Equal(t, "SET #status = :status, updatedAt = :updated, #error = :error", *client.updates[0].UpdateExpression)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "SM404", StatusRead, ""), ErrDeliveryNotFound)
}

func TestDynamoDeliveryStoreWrapsErrors(t *testing.T) {
	client := &fakeDynamo{putErr: errors.New("throttled")}
	store := NewDynamoDeliveryStore(client, "deliveries", nil)
	err := store.Record(context.Background(), sampleDelivery())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
