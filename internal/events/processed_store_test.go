package events

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewProcessedStore(mock)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM2:sent").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := store.MarkProcessed(ctx, "twilio", "SM2:sent")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM2:sent").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = store.MarkProcessed(ctx, "twilio", "SM2:sent")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec("INSERT INTO processed_events").WithArgs("twilio", "SM3:sent").
		WillReturnError(assert.AnError)
	_, err = store.MarkProcessed(ctx, "twilio", "SM3:sent")
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryProcessedStore(t *testing.T) {
	store := NewMemoryProcessedStore()
	ok, err := store.MarkProcessed(context.Background(), "twilio", "SM1:sent")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.MarkProcessed(context.Background(), "twilio", "SM1:sent")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.MarkProcessed(context.Background(), "twilio", "SM1:delivered")
	require.NoError(t, err)
	assert.True(t, ok)
}
