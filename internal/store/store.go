// Package store defines the persistence contracts the engine relies on.
// Two backends implement them: SQLite (internal/repository) and
// DynamoDB (internal/repository/dynamo).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/domain"
)

// Mutator is applied to a freshly-read copy of the transaction inside
// ConditionalUpdate. Returning an error aborts the update without
// writing; the error is surfaced unchanged to the caller.
type Mutator func(*domain.Transaction) error

// TransactionStore is the durable record of transactions. The
// conditional update is the sole concurrency primitive the engine uses:
// it must commit all mutated fields atomically or not at all, and must
// return domain.ErrVersionConflict when expectedVersion no longer
// matches the stored row.
type TransactionStore interface {
	Insert(ctx context.Context, txn *domain.Transaction) error
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)

	// ConditionalUpdate re-reads the row, verifies version ==
	// expectedVersion, applies mutate, bumps the version and commits in
	// one atomic write. Returns the new version. Implementations must
	// set Version and UpdatedAt on the mutated struct before committing
	// so a caller holding the pointer sees the stored state.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (int64, error)

	List(ctx context.Context, f Filter) ([]domain.Transaction, int, error)
	Stats(ctx context.Context, f StatsFilter) (*Stats, error)
}

// EventStore records the append-only lifecycle timeline.
type EventStore interface {
	Append(ctx context.Context, ev *domain.Event) error
	ListByTransaction(ctx context.Context, transactionID string) ([]domain.Event, error)
}

// Filter narrows List results. Email filters match either side of the
// transaction depending on which field is set.
type Filter struct {
	BuyerEmail  string
	SellerEmail string
	Status      string
	Page        int
	Limit       int
}

// StatsFilter scopes aggregate statistics to one identity's view, or to
// everything when both emails are empty (admin).
type StatsFilter struct {
	BuyerEmail  string
	SellerEmail string
}

// Stats holds the aggregate counts and sums served by the listing
// endpoints. Sums are per original currency-free amounts; the service
// never converts currencies.
type Stats struct {
	Total           int             `json:"total"`
	Pending         int             `json:"pending"`
	Completed       int             `json:"completed"`
	Cancelled       int             `json:"cancelled"`
	Refunded        int             `json:"refunded"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CompletedAmount decimal.Decimal `json:"completed_amount"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
}
