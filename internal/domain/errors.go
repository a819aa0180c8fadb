package domain

import "errors"

// Sentinel errors for the engine's failure taxonomy. Wrap with
// fmt.Errorf("context: %w", ...) and check with errors.Is.

var (
	// ErrValidation indicates bad input: non-positive amount, empty
	// description, disallowed file type or size. No state change.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates the caller presented no or invalid
	// credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the transaction does not exist or the caller
	// is not a party to it. The two are deliberately indistinguishable
	// to non-admins.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalidTransition indicates the operation is not legal in the
	// transaction's current status/flags.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVersionConflict indicates a lost optimistic-update race. Safe
	// to retry after re-reading.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUpstreamFailure indicates a payment gateway or file custody
	// call failed; the transaction record was left untouched.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrPaymentMismatch indicates webhook evidence does not correspond
	// to the referenced transaction's payment intent.
	ErrPaymentMismatch = errors.New("payment evidence mismatch")

	// ErrRefundFailed indicates the gateway reversal did not confirm;
	// the transaction stays pending.
	ErrRefundFailed = errors.New("refund failed")
)
