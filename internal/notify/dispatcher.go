// Package notify fans lifecycle events out to user-facing channels.
// Rendering and delivery are external concerns; the engine only needs a
// fire-and-forget dispatch that can never fail a transaction.
package notify

import (
	"log"

	"github.com/vaultline/escrow/internal/domain"
)

// Dispatcher receives every committed lifecycle event.
type Dispatcher interface {
	Dispatch(txn *domain.Transaction, ev *domain.Event)
}

// LogDispatcher writes notifications to the server log.
type LogDispatcher struct{}

var _ Dispatcher = (*LogDispatcher)(nil)

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

func (d *LogDispatcher) Dispatch(txn *domain.Transaction, ev *domain.Event) {
	log.Printf("[notify] transaction %s: %s (buyer=%s seller=%s status=%s)",
		txn.ID, ev.Type, txn.BuyerEmail, txn.SellerEmail, txn.Status)
}
