package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/repository"
)

func TestEventAppendAssignsOrderedSequence(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	txnRepo := repository.NewTransactionRepo(db)
	evRepo := repository.NewEventRepo(db)
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, txnRepo.Insert(ctx, txn))

	types := []domain.EventType{domain.EventCreated, domain.EventPaymentReceived, domain.EventCompleted}
	for _, typ := range types {
		ev := &domain.Event{
			ID:            uuid.NewString(),
			TransactionID: txn.ID,
			Type:          typ,
			Actor:         domain.ActorSystem,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, evRepo.Append(ctx, ev))
	}

	events, err := evRepo.ListByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, types[i], ev.Type)
	}
}

func TestEventTimelinesAreIsolatedPerTransaction(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	txnRepo := repository.NewTransactionRepo(db)
	evRepo := repository.NewEventRepo(db)
	ctx := context.Background()

	a := newTransaction()
	b := newTransaction()
	require.NoError(t, txnRepo.Insert(ctx, a))
	require.NoError(t, txnRepo.Insert(ctx, b))

	for _, id := range []string{a.ID, b.ID, a.ID} {
		require.NoError(t, evRepo.Append(ctx, &domain.Event{
			ID:            uuid.NewString(),
			TransactionID: id,
			Type:          domain.EventCreated,
			Actor:         domain.ActorBuyer,
			CreatedAt:     time.Now().UTC(),
		}))
	}

	eventsA, err := evRepo.ListByTransaction(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, eventsA, 2)

	eventsB, err := evRepo.ListByTransaction(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, eventsB, 1)
	assert.Equal(t, int64(1), eventsB[0].Seq)
}
