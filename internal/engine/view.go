package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/auth"
	"github.com/vaultline/escrow/internal/domain"
)

// View is the role-scoped projection of a transaction. The derived
// display label is computed here, never persisted.
type View struct {
	ID              string          `json:"id"`
	BuyerEmail      string          `json:"buyer_email"`
	SellerEmail     string          `json:"seller_email"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ItemDescription string          `json:"item_description"`
	Status          domain.Status   `json:"status"`
	DisplayState    string          `json:"display_state"`
	ViewerRole      string          `json:"viewer_role"`

	PaymentReceived  bool   `json:"payment_received"`
	PaymentIntentRef string `json:"payment_intent_ref,omitempty"`

	FileUploaded      bool   `json:"file_uploaded"`
	FileName          string `json:"file_name,omitempty"`
	DeliveryAvailable bool   `json:"delivery_available"`

	BuyerFileUploaded bool   `json:"buyer_file_uploaded"`
	BuyerFileName     string `json:"buyer_file_name,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func project(t *domain.Transaction, caller auth.Principal) *View {
	v := &View{
		ID:              t.ID,
		BuyerEmail:      t.BuyerEmail,
		SellerEmail:     t.SellerEmail,
		Amount:          t.Amount,
		Currency:        t.Currency,
		ItemDescription: t.ItemDescription,
		Status:          t.Status,
		DisplayState:    t.DisplayState(),
		PaymentReceived: t.PaymentReceived,

		FileUploaded:      t.FileUploaded,
		DeliveryAvailable: t.DeliveryAvailable(),
		BuyerFileUploaded: t.BuyerFileUploaded,
		BuyerFileName:     t.BuyerFileName,

		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}

	switch {
	case caller.IsAdmin():
		v.ViewerRole = "admin"
		v.PaymentIntentRef = t.PaymentIntentRef
		v.FileName = t.FileName
	case t.IsBuyer(caller.Email):
		v.ViewerRole = "buyer"
		v.PaymentIntentRef = t.PaymentIntentRef
		// The deliverable's name is only revealed once it is
		// downloadable; its existence is visible either way.
		if t.DeliveryAvailable() {
			v.FileName = t.FileName
		}
	case t.IsSeller(caller.Email):
		v.ViewerRole = "seller"
		v.FileName = t.FileName
	}

	return v
}
