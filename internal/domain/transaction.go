package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// FileRole identifies which upload slot a blob belongs to: the seller's
// deliverable or the buyer's optional requirements file.
type FileRole string

const (
	FileRoleSeller FileRole = "seller"
	FileRoleBuyer  FileRole = "buyer"
)

// Transaction is the escrow aggregate. Status transitions are one-way
// (pending -> completed|cancelled|refunded) and only the engine mutates
// status, payment_received or the upload flags, always through a
// conditional update keyed on Version.
type Transaction struct {
	ID              string          `json:"id"`
	BuyerEmail      string          `json:"buyer_email"`
	SellerEmail     string          `json:"seller_email"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ItemDescription string          `json:"item_description"`
	Status          Status          `json:"status"`

	PaymentReceived  bool   `json:"payment_received"`
	PaymentIntentRef string `json:"payment_intent_ref,omitempty"`

	FileUploaded bool   `json:"file_uploaded"`
	FileName     string `json:"file_name,omitempty"`
	FileBlobRef  string `json:"-"`

	BuyerFileUploaded bool   `json:"buyer_file_uploaded"`
	BuyerFileName     string `json:"buyer_file_name,omitempty"`
	BuyerFileBlobRef  string `json:"-"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether no further transition is permitted.
func (t *Transaction) Terminal() bool {
	return t.Status != StatusPending
}

// ReadyToComplete reports whether the auto-completion rule fires: both
// sides have delivered and the transaction is still pending.
func (t *Transaction) ReadyToComplete() bool {
	return t.Status == StatusPending && t.PaymentReceived && t.FileUploaded
}

// CanCancel: buyer-initiated cancel is legal only before payment capture.
func (t *Transaction) CanCancel() bool {
	return t.Status == StatusPending && !t.PaymentReceived
}

// CanRefund: admin refund is legal only after capture and before completion.
func (t *Transaction) CanRefund() bool {
	return t.Status == StatusPending && t.PaymentReceived
}

// DeliveryAvailable reports whether the buyer may download the seller's
// file. Gated on both flags: an early upload stays sealed until payment.
func (t *Transaction) DeliveryAvailable() bool {
	return t.PaymentReceived && t.FileUploaded
}

// IsParty reports whether the given email is the buyer or seller of this
// transaction. Emails compare case-insensitively; a seller who registers
// after creation may sign in with different casing.
func (t *Transaction) IsParty(email string) bool {
	return t.IsBuyer(email) || t.IsSeller(email)
}

func (t *Transaction) IsBuyer(email string) bool {
	return strings.EqualFold(t.BuyerEmail, email)
}

func (t *Transaction) IsSeller(email string) bool {
	return strings.EqualFold(t.SellerEmail, email)
}

// DisplayState is the derived label the read side shows. Computed from
// {status, payment_received, file_uploaded}, never persisted.
func (t *Transaction) DisplayState() string {
	switch t.Status {
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	case StatusRefunded:
		return "Refunded"
	}
	switch {
	case !t.PaymentReceived:
		return "Awaiting Payment"
	case !t.FileUploaded:
		return "Awaiting File"
	default:
		return "Ready to Complete"
	}
}
