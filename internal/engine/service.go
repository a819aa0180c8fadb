// Package engine owns the transaction lifecycle state machine. It is
// the only component that mutates status, payment_received or the
// upload flags, and every mutation goes through the store's conditional
// update so concurrent callers racing on the same transaction cannot
// corrupt it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/auth"
	"github.com/vaultline/escrow/internal/custody"
	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/notify"
	"github.com/vaultline/escrow/internal/payment"
	"github.com/vaultline/escrow/internal/store"
)

// casRetries bounds the internal retry loop around lost version races
// before the conflict is surfaced to the caller.
const casRetries = 3

type Service struct {
	txns       store.TransactionStore
	events     store.EventStore
	gateway    payment.Gateway
	custody    custody.Store
	dispatcher notify.Dispatcher
}

func NewService(
	txns store.TransactionStore,
	events store.EventStore,
	gateway payment.Gateway,
	custodyStore custody.Store,
	dispatcher notify.Dispatcher,
) *Service {
	return &Service{
		txns:       txns,
		events:     events,
		gateway:    gateway,
		custody:    custodyStore,
		dispatcher: dispatcher,
	}
}

// CreateInput carries the buyer-facing create call.
type CreateInput struct {
	Buyer       auth.Principal
	SellerEmail string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// Create opens a new escrow transaction in pending with both flags
// false. The payment intent is requested eagerly but its failure does
// not fail creation: the reference stays empty and is repaired lazily
// on the next RequestPaymentIntent.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Transaction, error) {
	if in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: item description required", domain.ErrValidation)
	}
	seller := strings.ToLower(strings.TrimSpace(in.SellerEmail))
	if seller == "" || !strings.Contains(seller, "@") {
		return nil, fmt.Errorf("%w: seller email required", domain.ErrValidation)
	}
	if strings.EqualFold(seller, in.Buyer.Email) {
		return nil, fmt.Errorf("%w: buyer and seller must differ", domain.ErrValidation)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:              uuid.NewString(),
		BuyerEmail:      strings.ToLower(in.Buyer.Email),
		SellerEmail:     seller,
		Amount:          in.Amount,
		Currency:        currency,
		ItemDescription: strings.TrimSpace(in.Description),
		Status:          domain.StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.txns.Insert(ctx, txn); err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	s.emit(ctx, txn, domain.EventCreated, domain.ActorBuyer, txn.ItemDescription)

	ref, err := s.gateway.CreateIntent(ctx, txn.Amount, txn.Currency, txn.ID)
	if err != nil {
		// Lazy repair: the transaction exists, the intent can be
		// created on a later pay request.
		log.Printf("[engine] WARNING: payment intent for %s failed, will retry on demand: %v", txn.ID, err)
		return txn, nil
	}

	committed, err := s.mutateWithRetry(ctx, txn.ID, func(t *domain.Transaction) error {
		if t.PaymentIntentRef == "" {
			t.PaymentIntentRef = ref
		}
		return nil
	})
	if err != nil {
		log.Printf("[engine] WARNING: storing intent ref for %s failed: %v", txn.ID, err)
		return txn, nil
	}
	s.emit(ctx, committed, domain.EventPaymentIntentCreated, domain.ActorSystem, ref)
	return committed, nil
}

// RequestPaymentIntent returns the transaction's payment intent
// reference, creating one if creation-time setup failed. Idempotent:
// repeated calls before payment reuse the same reference.
func (s *Service) RequestPaymentIntent(ctx context.Context, id string, caller auth.Principal) (string, error) {
	txn, err := s.getForCaller(ctx, id, caller)
	if err != nil {
		return "", err
	}
	if !txn.IsBuyer(caller.Email) {
		return "", domain.ErrNotFound
	}
	if txn.Terminal() {
		return "", fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, txn.Status)
	}
	if txn.PaymentIntentRef != "" {
		return txn.PaymentIntentRef, nil
	}

	ref, err := s.gateway.CreateIntent(ctx, txn.Amount, txn.Currency, txn.ID)
	if err != nil {
		return "", fmt.Errorf("%w: create intent: %v", domain.ErrUpstreamFailure, err)
	}

	committed, err := s.mutateWithRetry(ctx, id, func(t *domain.Transaction) error {
		if t.Terminal() {
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, t.Status)
		}
		if t.PaymentIntentRef == "" {
			t.PaymentIntentRef = ref
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if committed.PaymentIntentRef != ref {
		// A concurrent request won; its reference is the one to reuse.
		return committed.PaymentIntentRef, nil
	}
	s.emit(ctx, committed, domain.EventPaymentIntentCreated, domain.ActorSystem, ref)
	return ref, nil
}

// errAlreadyApplied aborts a conditional update whose effect is already
// present, so idempotent re-deliveries do not burn a version.
var errAlreadyApplied = errors.New("already applied")

// ConfirmPayment consumes verified webhook evidence. Duplicate delivery
// for an already-captured intent is a no-op success; evidence pointing
// at the wrong transaction or intent is rejected.
func (s *Service) ConfirmPayment(ctx context.Context, ev *payment.Evidence) (*domain.Transaction, error) {
	if ev == nil || ev.TransactionID == "" {
		return nil, fmt.Errorf("%w: evidence missing transaction id", domain.ErrPaymentMismatch)
	}

	txn, err := s.txns.GetByID(ctx, ev.TransactionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown transaction %s", domain.ErrPaymentMismatch, ev.TransactionID)
	}
	if err != nil {
		return nil, err
	}
	if txn.PaymentIntentRef == "" || txn.PaymentIntentRef != ev.IntentRef {
		return nil, fmt.Errorf("%w: evidence intent %s does not match transaction %s",
			domain.ErrPaymentMismatch, ev.IntentRef, txn.ID)
	}
	if !ev.Succeeded {
		// Not a capture signal; nothing to apply.
		return txn, nil
	}
	if txn.PaymentReceived {
		log.Printf("[engine] duplicate payment confirmation for %s ignored", txn.ID)
		return txn, nil
	}
	if txn.Terminal() {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, txn.Status)
	}

	committed, err := s.mutateWithRetry(ctx, txn.ID, func(t *domain.Transaction) error {
		if t.PaymentReceived {
			return errAlreadyApplied
		}
		if t.Terminal() {
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, t.Status)
		}
		t.PaymentReceived = true
		s.autoComplete(t)
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		log.Printf("[engine] duplicate payment confirmation for %s ignored", txn.ID)
		return s.txns.GetByID(ctx, txn.ID)
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, committed, domain.EventPaymentReceived, domain.ActorSystem, ev.IntentRef)
	s.emitIfCompleted(ctx, committed)
	return committed, nil
}

// UploadFile stores the blob in custody, then flips the matching upload
// flag. Seller uploads are legal before payment; the buyer only gains
// download access once both gates are true. Custody rejection leaves
// the transaction untouched, and a lost version race after a stored
// blob leaves only an orphan blob, never a corrupted record.
func (s *Service) UploadFile(ctx context.Context, id string, caller auth.Principal, role domain.FileRole, r io.Reader, fileName string) (*domain.Transaction, error) {
	txn, err := s.getForCaller(ctx, id, caller)
	if err != nil {
		return nil, err
	}

	switch role {
	case domain.FileRoleSeller:
		if !txn.IsSeller(caller.Email) && !caller.IsAdmin() {
			return nil, fmt.Errorf("%w: only the seller uploads the deliverable", domain.ErrValidation)
		}
	case domain.FileRoleBuyer:
		if !txn.IsBuyer(caller.Email) && !caller.IsAdmin() {
			return nil, fmt.Errorf("%w: only the buyer uploads requirements", domain.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown file role %q", domain.ErrValidation, role)
	}
	if txn.Terminal() {
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, txn.Status)
	}

	blobRef, err := s.custody.Store(ctx, id, role, r, fileName)
	if err != nil {
		return nil, err
	}

	committed, err := s.mutateWithRetry(ctx, id, func(t *domain.Transaction) error {
		if t.Terminal() {
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, t.Status)
		}
		switch role {
		case domain.FileRoleSeller:
			t.FileUploaded = true
			t.FileName = fileName
			t.FileBlobRef = blobRef
		case domain.FileRoleBuyer:
			t.BuyerFileUploaded = true
			t.BuyerFileName = fileName
			t.BuyerFileBlobRef = blobRef
		}
		s.autoComplete(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	evType := domain.EventFileUploaded
	actor := domain.ActorSeller
	if role == domain.FileRoleBuyer {
		evType = domain.EventBuyerFileUploaded
		actor = domain.ActorBuyer
	}
	s.emit(ctx, committed, evType, actor, fileName)
	s.emitIfCompleted(ctx, committed)
	return committed, nil
}

// autoComplete applies the completion rule inside a mutator: both gates
// true while still pending moves the transaction to completed in the
// same conditional write.
func (s *Service) autoComplete(t *domain.Transaction) {
	if t.ReadyToComplete() {
		now := time.Now().UTC()
		t.Status = domain.StatusCompleted
		t.CompletedAt = &now
	}
}

// Cancel is the buyer's exit before payment capture.
func (s *Service) Cancel(ctx context.Context, id string, caller auth.Principal) (*domain.Transaction, error) {
	txn, err := s.getForCaller(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if !txn.IsBuyer(caller.Email) {
		return nil, domain.ErrNotFound
	}

	committed, err := s.mutateWithRetry(ctx, id, func(t *domain.Transaction) error {
		if !t.CanCancel() {
			if t.PaymentReceived && t.Status == domain.StatusPending {
				return fmt.Errorf("%w: payment already received, use refund", domain.ErrInvalidTransition)
			}
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, t.Status)
		}
		t.Status = domain.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, committed, domain.EventCancelled, domain.ActorBuyer, "")
	return committed, nil
}

// Refund reverses a captured charge. The gateway reversal happens
// first; the status flips only on confirmed reversal, so a failed
// upstream call leaves the record pending.
func (s *Service) Refund(ctx context.Context, id string, caller auth.Principal) (*domain.Transaction, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrNotFound
	}
	txn, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.CanRefund() {
		if !txn.PaymentReceived && txn.Status == domain.StatusPending {
			return nil, fmt.Errorf("%w: no payment to refund", domain.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, txn.Status)
	}

	if err := s.gateway.Reverse(ctx, txn.PaymentIntentRef); err != nil {
		if errors.Is(err, domain.ErrRefundFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reverse charge: %v", domain.ErrRefundFailed, err)
	}

	committed, err := s.mutateWithRetry(ctx, id, func(t *domain.Transaction) error {
		if !t.CanRefund() {
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidTransition, t.Status)
		}
		t.Status = domain.StatusRefunded
		return nil
	})
	if err != nil {
		// The charge is reversed but the record moved underneath us
		// (e.g. auto-completed concurrently). Surface it, loudly.
		log.Printf("[engine] WARNING: charge for %s reversed but status update failed: %v", id, err)
		return nil, err
	}

	s.emit(ctx, committed, domain.EventRefunded, domain.ActorAdmin, "")
	return committed, nil
}

// Get returns the transaction projected for the caller's role.
// Non-parties learn nothing, not even existence.
func (s *Service) Get(ctx context.Context, id string, caller auth.Principal) (*View, error) {
	txn, err := s.getForCaller(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	return project(txn, caller), nil
}

// Timeline returns the ordered lifecycle events, party/admin only.
func (s *Service) Timeline(ctx context.Context, id string, caller auth.Principal) ([]domain.Event, error) {
	if _, err := s.getForCaller(ctx, id, caller); err != nil {
		return nil, err
	}
	return s.events.ListByTransaction(ctx, id)
}

// OpenDownload streams a custody blob. The seller slot opens for the
// buyer only once payment and upload are both true; the buyer slot
// opens for the seller as soon as it exists. Admin opens either.
func (s *Service) OpenDownload(ctx context.Context, id string, caller auth.Principal, slot domain.FileRole) (io.ReadCloser, *custody.BlobInfo, error) {
	txn, err := s.getForCaller(ctx, id, caller)
	if err != nil {
		return nil, nil, err
	}

	var blobRef string
	switch slot {
	case domain.FileRoleSeller:
		if !txn.FileUploaded {
			return nil, nil, fmt.Errorf("%w: no deliverable uploaded", domain.ErrNotFound)
		}
		if txn.IsBuyer(caller.Email) && !txn.DeliveryAvailable() {
			return nil, nil, fmt.Errorf("%w: delivery locked until payment", domain.ErrInvalidTransition)
		}
		blobRef = txn.FileBlobRef
	case domain.FileRoleBuyer:
		if !txn.BuyerFileUploaded {
			return nil, nil, fmt.Errorf("%w: no requirements file uploaded", domain.ErrNotFound)
		}
		blobRef = txn.BuyerFileBlobRef
	default:
		return nil, nil, fmt.Errorf("%w: unknown file slot %q", domain.ErrValidation, slot)
	}

	return s.custody.Open(ctx, blobRef)
}

// Listing is one page of role-scoped transactions plus the aggregate
// statistics for the whole identity, not just the page.
type Listing struct {
	Transactions []View       `json:"transactions"`
	Total        int          `json:"total"`
	Page         int          `json:"page"`
	Limit        int          `json:"limit"`
	Stats        *store.Stats `json:"stats"`
}

// ListForBuyer returns the caller's purchases.
func (s *Service) ListForBuyer(ctx context.Context, caller auth.Principal, status string, page, limit int) (*Listing, error) {
	return s.list(ctx, caller,
		store.Filter{BuyerEmail: caller.Email, Status: status, Page: page, Limit: limit},
		store.StatsFilter{BuyerEmail: caller.Email})
}

// ListForSeller returns the caller's sales.
func (s *Service) ListForSeller(ctx context.Context, caller auth.Principal, status string, page, limit int) (*Listing, error) {
	return s.list(ctx, caller,
		store.Filter{SellerEmail: caller.Email, Status: status, Page: page, Limit: limit},
		store.StatsFilter{SellerEmail: caller.Email})
}

// ListAll is the admin view over every transaction.
func (s *Service) ListAll(ctx context.Context, caller auth.Principal, status string, page, limit int) (*Listing, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrUnauthorized
	}
	return s.list(ctx, caller,
		store.Filter{Status: status, Page: page, Limit: limit},
		store.StatsFilter{})
}

func (s *Service) list(ctx context.Context, caller auth.Principal, f store.Filter, sf store.StatsFilter) (*Listing, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}

	txns, total, err := s.txns.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	stats, err := s.txns.Stats(ctx, sf)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	views := make([]View, 0, len(txns))
	for i := range txns {
		views = append(views, *project(&txns[i], caller))
	}
	return &Listing{
		Transactions: views,
		Total:        total,
		Page:         f.Page,
		Limit:        f.Limit,
		Stats:        stats,
	}, nil
}

// --- internals ---

// getForCaller loads the transaction and enforces party scoping: only
// the buyer, the seller or an admin may even observe it.
func (s *Service) getForCaller(ctx context.Context, id string, caller auth.Principal) (*domain.Transaction, error) {
	txn, err := s.txns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && !txn.IsParty(caller.Email) {
		return nil, domain.ErrNotFound
	}
	return txn, nil
}

// mutateWithRetry runs the read -> mutate -> conditional-write loop.
// No lock is held across it; a lost race re-reads and re-evaluates the
// mutator's preconditions against the fresh record, so a cancel that
// loses to a payment confirmation fails with ErrInvalidTransition
// instead of silently succeeding.
func (s *Service) mutateWithRetry(ctx context.Context, id string, mutate store.Mutator) (*domain.Transaction, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		txn, err := s.txns.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		var committed *domain.Transaction
		wrapped := func(t *domain.Transaction) error {
			if err := mutate(t); err != nil {
				return err
			}
			committed = t
			return nil
		}

		_, err = s.txns.ConditionalUpdate(ctx, id, txn.Version, wrapped)
		if errors.Is(err, domain.ErrVersionConflict) {
			log.Printf("[engine] version conflict on %s, attempt %d/%d", id, attempt+1, casRetries)
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted", domain.ErrVersionConflict, casRetries)
}

// emit appends a timeline event and dispatches the notification.
// Failures are logged, never unwound: the store mutation is the source
// of truth, the timeline is observability.
func (s *Service) emit(ctx context.Context, txn *domain.Transaction, typ domain.EventType, actor domain.Actor, detail string) {
	ev := &domain.Event{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Type:          typ,
		Actor:         actor,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		log.Printf("[engine] WARNING: append %s event for %s failed: %v", typ, txn.ID, err)
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(txn, ev)
	}
}

func (s *Service) emitIfCompleted(ctx context.Context, txn *domain.Transaction) {
	if txn.Status == domain.StatusCompleted {
		s.emit(ctx, txn, domain.EventCompleted, domain.ActorSystem, "")
	}
}
