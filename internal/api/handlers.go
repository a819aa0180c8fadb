package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/engine"
	"github.com/vaultline/escrow/internal/payment"
)

// maxWebhookBody caps the payload read from the payment gateway.
const maxWebhookBody = 1 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	svc     *engine.Service
	gateway payment.Gateway
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the engine's failure taxonomy onto HTTP codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrPaymentMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "concurrent update, try again")
	case errors.Is(err, domain.ErrRefundFailed), errors.Is(err, domain.ErrUpstreamFailure):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- CreateTransaction ---

type createRequest struct {
	SellerEmail string          `json:"seller_email"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	txn, err := h.svc.Create(r.Context(), engine.CreateInput{
		Buyer:       callerFrom(r),
		SellerEmail: req.SellerEmail,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"transaction_id":     txn.ID,
		"payment_intent_ref": txn.PaymentIntentRef,
		"status":             txn.Status,
	})
}

// --- GetTransaction ---

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Pay ---

// Pay is the user-initiated path that creates or retrieves the payment
// intent. It is not itself a payment confirmation; that arrives on the
// webhook.
func (h *Handlers) Pay(w http.ResponseWriter, r *http.Request) {
	ref, err := h.svc.RequestPaymentIntent(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment_intent_ref": ref})
}

// --- Upload ---

func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	role := domain.FileRole(r.FormValue("role"))
	if role == "" {
		role = domain.FileRoleSeller
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	txn, err := h.svc.UploadFile(r.Context(), chi.URLParam(r, "id"), callerFrom(r), role, file, header.Filename)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID,
		"status":         txn.Status,
		"display_state":  txn.DisplayState(),
	})
}

// --- Download ---

func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	slot := domain.FileRole(r.URL.Query().Get("file"))
	if slot == "" {
		slot = domain.FileRoleSeller
	}

	rc, info, err := h.svc.OpenDownload(r.Context(), chi.URLParam(r, "id"), callerFrom(r), slot)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.FileName))
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("[api] stream blob: %v", err)
	}
}

// --- Cancel ---

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID,
		"status":         txn.Status,
	})
}

// --- Refund ---

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.Refund(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID,
		"status":         txn.Status,
	})
}

// --- Timeline ---

func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Timeline(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Listings ---

func (h *Handlers) BuyerData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := h.svc.ListForBuyer(r.Context(), callerFrom(r), q.Get("status"),
		parseIntDefault(q.Get("page"), 1), parseIntDefault(q.Get("limit"), 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handlers) SellerData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := h.svc.ListForSeller(r.Context(), callerFrom(r), q.Get("status"),
		parseIntDefault(q.Get("page"), 1), parseIntDefault(q.Get("limit"), 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handlers) AdminTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := h.svc.ListAll(r.Context(), callerFrom(r), q.Get("status"),
		parseIntDefault(q.Get("page"), 1), parseIntDefault(q.Get("limit"), 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// --- PaymentWebhook ---

// PaymentWebhook consumes gateway callbacks. The payload authenticates
// by signature; a duplicate delivery for an already-captured intent is
// acknowledged with 200 so the gateway stops retrying.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload: "+err.Error())
		return
	}

	evidence, err := h.gateway.VerifyEvidence(payload, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		log.Printf("[api] webhook rejected: %v", err)
		writeDomainError(w, err)
		return
	}

	txn, err := h.svc.ConfirmPayment(r.Context(), evidence)
	if err != nil {
		log.Printf("[api] payment confirmation failed: %v", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID,
		"status":         txn.Status,
	})
}
