package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/domain"
)

// SandboxGateway is an in-process Gateway for development and tests. It
// keeps an intent ledger in memory and authenticates webhook payloads
// with an HMAC-SHA256 signature over the raw body, the same discipline
// a production gateway webhook uses.
type SandboxGateway struct {
	secret []byte

	mu      sync.Mutex
	intents map[string]sandboxIntent
}

type sandboxIntent struct {
	transactionID string
	amount        decimal.Decimal
	currency      string
	captured      bool
	reversed      bool
}

func NewSandboxGateway(secret string) *SandboxGateway {
	return &SandboxGateway{
		secret:  []byte(secret),
		intents: make(map[string]sandboxIntent),
	}
}

func (g *SandboxGateway) CreateIntent(_ context.Context, amount decimal.Decimal, currency, transactionID string) (string, error) {
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	ref := "pi_" + uuid.NewString()
	g.mu.Lock()
	g.intents[ref] = sandboxIntent{
		transactionID: transactionID,
		amount:        amount,
		currency:      currency,
	}
	g.mu.Unlock()
	return ref, nil
}

// webhookBody is the wire shape the sandbox emits and verifies.
type webhookBody struct {
	Type          string `json:"type"`
	IntentRef     string `json:"intent_ref"`
	TransactionID string `json:"transaction_id"`
}

func (g *SandboxGateway) VerifyEvidence(payload []byte, signature string) (*Evidence, error) {
	expected := Sign(g.secret, payload)
	given, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(given, expected) {
		return nil, fmt.Errorf("%w: bad webhook signature", domain.ErrPaymentMismatch)
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload", domain.ErrPaymentMismatch)
	}
	if body.IntentRef == "" {
		return nil, fmt.Errorf("%w: missing intent ref", domain.ErrPaymentMismatch)
	}

	g.mu.Lock()
	intent, ok := g.intents[body.IntentRef]
	if ok && body.Type == "payment.succeeded" {
		intent.captured = true
		g.intents[body.IntentRef] = intent
	}
	g.mu.Unlock()

	return &Evidence{
		IntentRef:     body.IntentRef,
		TransactionID: body.TransactionID,
		Succeeded:     body.Type == "payment.succeeded",
	}, nil
}

func (g *SandboxGateway) Reverse(_ context.Context, intentRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	intent, ok := g.intents[intentRef]
	if !ok {
		return fmt.Errorf("%w: unknown intent %s", domain.ErrRefundFailed, intentRef)
	}
	if !intent.captured {
		return fmt.Errorf("%w: intent %s not captured", domain.ErrRefundFailed, intentRef)
	}
	if intent.reversed {
		return nil
	}
	intent.reversed = true
	g.intents[intentRef] = intent
	return nil
}

// Sign computes the webhook signature for a payload. Exported so tests
// and the sandbox webhook emitter share one definition.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHex is Sign with the hex encoding the webhook header carries.
func SignHex(secret, payload []byte) string {
	return hex.EncodeToString(Sign(secret, payload))
}
