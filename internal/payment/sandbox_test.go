package payment_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/payment"
)

const secret = "test-secret"

func signedWebhook(t *testing.T, eventType, intentRef, txnID string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"type":           eventType,
		"intent_ref":     intentRef,
		"transaction_id": txnID,
	})
	require.NoError(t, err)
	return payload, payment.SignHex([]byte(secret), payload)
}

func TestCreateIntentReturnsDistinctRefs(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	ctx := context.Background()
	amount := decimal.RequireFromString("10.50")

	a, err := g.CreateIntent(ctx, amount, "USD", "txn-a")
	require.NoError(t, err)
	b, err := g.CreateIntent(ctx, amount, "USD", "txn-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "pi_")
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	_, err := g.CreateIntent(context.Background(), decimal.Zero, "USD", "txn-a")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestVerifyEvidenceAcceptsValidSignature(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	ref, err := g.CreateIntent(context.Background(), decimal.RequireFromString("5"), "USD", "txn-1")
	require.NoError(t, err)

	payload, sig := signedWebhook(t, "payment.succeeded", ref, "txn-1")
	ev, err := g.VerifyEvidence(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, ref, ev.IntentRef)
	assert.Equal(t, "txn-1", ev.TransactionID)
	assert.True(t, ev.Succeeded)
}

func TestVerifyEvidenceRejectsBadSignature(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	payload, _ := signedWebhook(t, "payment.succeeded", "pi_x", "txn-1")

	_, err := g.VerifyEvidence(payload, "deadbeef")
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)

	_, err = g.VerifyEvidence(payload, "not-hex")
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)
}

func TestVerifyEvidenceRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	payload, sig := signedWebhook(t, "payment.succeeded", "pi_x", "txn-1")

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'X'
	_, err := g.VerifyEvidence(tampered, sig)
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)
}

func TestVerifyEvidenceNonCaptureEvent(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	payload, sig := signedWebhook(t, "payment.created", "pi_x", "txn-1")

	ev, err := g.VerifyEvidence(payload, sig)
	require.NoError(t, err)
	assert.False(t, ev.Succeeded)
}

func TestReverse(t *testing.T) {
	t.Parallel()

	g := payment.NewSandboxGateway(secret)
	ctx := context.Background()

	ref, err := g.CreateIntent(ctx, decimal.RequireFromString("5"), "USD", "txn-1")
	require.NoError(t, err)

	// Not captured yet: nothing to reverse.
	assert.ErrorIs(t, g.Reverse(ctx, ref), domain.ErrRefundFailed)

	payload, sig := signedWebhook(t, "payment.succeeded", ref, "txn-1")
	_, err = g.VerifyEvidence(payload, sig)
	require.NoError(t, err)

	require.NoError(t, g.Reverse(ctx, ref))
	// Reversal of a reversed intent stays a success (idempotent).
	assert.NoError(t, g.Reverse(ctx, ref))

	assert.ErrorIs(t, g.Reverse(ctx, "pi_unknown"), domain.ErrRefundFailed)
}
