package repository_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/repository"
	"github.com/vaultline/escrow/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	// Each pool connection to :memory: would be a distinct database;
	// pin the pool to one connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTransaction() *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:              uuid.NewString(),
		BuyerEmail:      "buyer@example.com",
		SellerEmail:     "seller@example.com",
		Amount:          decimal.RequireFromString("10.50"),
		Currency:        "USD",
		ItemDescription: "logo design",
		Status:          domain.StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestInsertGetRoundtrip(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, repo.Insert(ctx, txn))

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)
	assert.Equal(t, txn.BuyerEmail, got.BuyerEmail)
	assert.Equal(t, txn.SellerEmail, got.SellerEmail)
	assert.True(t, txn.Amount.Equal(got.Amount), "amount %s != %s", txn.Amount, got.Amount)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.False(t, got.PaymentReceived)
	assert.False(t, got.FileUploaded)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.CompletedAt)
}

func TestGetByIDNotFound(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConditionalUpdateCommitsAllFieldsAtomically(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, repo.Insert(ctx, txn))

	newVersion, err := repo.ConditionalUpdate(ctx, txn.ID, 1, func(tr *domain.Transaction) error {
		tr.PaymentReceived = true
		tr.FileUploaded = true
		tr.FileName = "logo.png"
		tr.Status = domain.StatusCompleted
		now := time.Now().UTC()
		tr.CompletedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, got.PaymentReceived)
	assert.True(t, got.FileUploaded)
	assert.Equal(t, "logo.png", got.FileName)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.CompletedAt)
}

func TestConditionalUpdateStaleVersionConflicts(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, repo.Insert(ctx, txn))

	_, err := repo.ConditionalUpdate(ctx, txn.ID, 1, func(tr *domain.Transaction) error {
		tr.PaymentReceived = true
		return nil
	})
	require.NoError(t, err)

	// Writing against the old version must fail and leave the record
	// unchanged.
	_, err = repo.ConditionalUpdate(ctx, txn.ID, 1, func(tr *domain.Transaction) error {
		tr.Status = domain.StatusCancelled
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.PaymentReceived)
}

func TestConditionalUpdateMutatorErrorAborts(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, repo.Insert(ctx, txn))

	_, err := repo.ConditionalUpdate(ctx, txn.ID, 1, func(tr *domain.Transaction) error {
		tr.Status = domain.StatusCancelled
		return domain.ErrInvalidTransition
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestConcurrentConditionalUpdatesExactlyOneWins(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	txn := newTransaction()
	require.NoError(t, repo.Insert(ctx, txn))

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.ConditionalUpdate(ctx, txn.ID, 1, func(tr *domain.Transaction) error {
				tr.PaymentReceived = true
				return nil
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, domain.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, winners, "exactly one writer may commit against version 1")

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestListFiltersAndStats(t *testing.T) {
	t.Parallel()

	repo := repository.NewTransactionRepo(newTestDB(t))
	ctx := context.Background()

	a := newTransaction()
	b := newTransaction()
	b.BuyerEmail = "other@example.com"
	b.Status = domain.StatusCompleted
	b.Amount = decimal.RequireFromString("4.25")
	c := newTransaction()
	c.Status = domain.StatusCancelled
	for _, txn := range []*domain.Transaction{a, b, c} {
		require.NoError(t, repo.Insert(ctx, txn))
	}

	txns, total, err := repo.List(ctx, store.Filter{BuyerEmail: "buyer@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, txns, 2)

	txns, total, err = repo.List(ctx, store.Filter{Status: string(domain.StatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txns, 1)
	assert.Equal(t, b.ID, txns[0].ID)

	stats, err := repo.Stats(ctx, store.StatsFilter{SellerEmail: "seller@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.True(t, stats.TotalAmount.Equal(decimal.RequireFromString("25.25")))
	assert.True(t, stats.CompletedAmount.Equal(decimal.RequireFromString("4.25")))
	assert.True(t, stats.PendingAmount.Equal(decimal.RequireFromString("10.50")))
}
