// Package payment wraps the payment gateway behind the narrow contract
// the engine consumes: intent creation, webhook evidence verification
// and charge reversal. The engine never trusts a client-supplied
// "payment succeeded" claim; only evidence that passes VerifyEvidence
// reaches ConfirmPayment.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Evidence is a verified payment-succeeded signal extracted from a
// gateway webhook.
type Evidence struct {
	IntentRef     string `json:"intent_ref"`
	TransactionID string `json:"transaction_id"`
	Succeeded     bool   `json:"succeeded"`
}

// Gateway is the adapter contract over the payment processor. Stateless
// aside from the processor's own record of intents.
type Gateway interface {
	// CreateIntent registers an authorized-but-unconfirmed charge for
	// the transaction amount and returns its opaque reference.
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency, transactionID string) (string, error)

	// VerifyEvidence authenticates a raw webhook payload (signature
	// check included) and extracts the payment evidence. Payloads that
	// fail authentication never produce Evidence.
	VerifyEvidence(payload []byte, signature string) (*Evidence, error)

	// Reverse refunds a captured charge. Only a nil return means the
	// reversal is confirmed.
	Reverse(ctx context.Context, intentRef string) error
}
