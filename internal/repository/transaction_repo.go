package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultline/escrow/internal/domain"
	"github.com/vaultline/escrow/internal/store"
)

// TransactionRepo is the SQLite implementation of store.TransactionStore.
type TransactionRepo struct {
	db *sql.DB
}

var _ store.TransactionStore = (*TransactionRepo)(nil)

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const transactionColumns = `id, buyer_email, seller_email, amount, currency,
	item_description, status, payment_received, payment_intent_ref,
	file_uploaded, file_name, file_blob_ref,
	buyer_file_uploaded, buyer_file_name, buyer_file_blob_ref,
	version, created_at, updated_at, completed_at`

func (r *TransactionRepo) Insert(ctx context.Context, txn *domain.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions
		(`+transactionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		txn.ID, txn.BuyerEmail, txn.SellerEmail, txn.Amount.String(),
		txn.Currency, txn.ItemDescription, string(txn.Status),
		boolInt(txn.PaymentReceived), nullString(txn.PaymentIntentRef),
		boolInt(txn.FileUploaded), nullString(txn.FileName), nullString(txn.FileBlobRef),
		boolInt(txn.BuyerFileUploaded), nullString(txn.BuyerFileName), nullString(txn.BuyerFileBlobRef),
		txn.Version, txn.CreatedAt.UTC().Format(time.RFC3339Nano),
		txn.UpdatedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(txn.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

// ConditionalUpdate implements the compare-and-set the engine relies on.
// The row is re-read, the mutator applied to the copy, and the write
// committed only if the stored version still equals expectedVersion.
// All mutated fields land in one UPDATE, so readers never observe a
// partial write.
func (r *TransactionRepo) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate store.Mutator) (int64, error) {
	txn, err := r.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if txn.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}

	if err := mutate(txn); err != nil {
		return 0, err
	}

	// The struct is brought to its committed shape before the write so
	// callers holding the pointer observe exactly what was stored.
	txn.Version = expectedVersion + 1
	txn.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET
			status = ?, payment_received = ?, payment_intent_ref = ?,
			file_uploaded = ?, file_name = ?, file_blob_ref = ?,
			buyer_file_uploaded = ?, buyer_file_name = ?, buyer_file_blob_ref = ?,
			version = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(txn.Status), boolInt(txn.PaymentReceived), nullString(txn.PaymentIntentRef),
		boolInt(txn.FileUploaded), nullString(txn.FileName), nullString(txn.FileBlobRef),
		boolInt(txn.BuyerFileUploaded), nullString(txn.BuyerFileName), nullString(txn.BuyerFileBlobRef),
		txn.Version, txn.UpdatedAt.Format(time.RFC3339Nano),
		formatNullableTime(txn.CompletedAt),
		id, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("conditional update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Someone else committed between our read and our write.
		return 0, domain.ErrVersionConflict
	}
	return txn.Version, nil
}

func (r *TransactionRepo) List(ctx context.Context, f store.Filter) ([]domain.Transaction, int, error) {
	where, args := buildTransactionWhere(f)

	var total int
	countSQL := "SELECT COUNT(*) FROM transactions" + where
	if err := r.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	querySQL := "SELECT " + transactionColumns + " FROM transactions" + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		txns = append(txns, *txn)
	}
	return txns, total, rows.Err()
}

func (r *TransactionRepo) Stats(ctx context.Context, f store.StatsFilter) (*store.Stats, error) {
	where, args := buildStatsWhere(f)

	rows, err := r.db.QueryContext(ctx,
		"SELECT status, amount FROM transactions"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	// Amounts are decimal strings, so the sums are computed here rather
	// than with SQL SUM over floats.
	s := &store.Stats{}
	for rows.Next() {
		var status, amountStr string
		if err := rows.Scan(&status, &amountStr); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("stats amount %q: %w", amountStr, err)
		}

		s.Total++
		s.TotalAmount = s.TotalAmount.Add(amount)
		switch domain.Status(status) {
		case domain.StatusPending:
			s.Pending++
			s.PendingAmount = s.PendingAmount.Add(amount)
		case domain.StatusCompleted:
			s.Completed++
			s.CompletedAmount = s.CompletedAmount.Add(amount)
		case domain.StatusCancelled:
			s.Cancelled++
		case domain.StatusRefunded:
			s.Refunded++
		}
	}
	return s, rows.Err()
}

// --- helpers ---

func buildTransactionWhere(f store.Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.BuyerEmail != "" {
		clauses = append(clauses, "buyer_email = ? COLLATE NOCASE")
		args = append(args, f.BuyerEmail)
	}
	if f.SellerEmail != "" {
		clauses = append(clauses, "seller_email = ? COLLATE NOCASE")
		args = append(args, f.SellerEmail)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildStatsWhere(f store.StatsFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.BuyerEmail != "" {
		clauses = append(clauses, "buyer_email = ? COLLATE NOCASE")
		args = append(args, f.BuyerEmail)
	}
	if f.SellerEmail != "" {
		clauses = append(clauses, "seller_email = ? COLLATE NOCASE")
		args = append(args, f.SellerEmail)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scanTransaction(scan func(dest ...any) error) (*domain.Transaction, error) {
	var txn domain.Transaction
	var amountStr, status, createdAt, updatedAt string
	var paymentReceived, fileUploaded, buyerFileUploaded int
	var intentRef, fileName, fileBlobRef, buyerFileName, buyerFileBlobRef, completedAt sql.NullString

	err := scan(
		&txn.ID, &txn.BuyerEmail, &txn.SellerEmail, &amountStr, &txn.Currency,
		&txn.ItemDescription, &status, &paymentReceived, &intentRef,
		&fileUploaded, &fileName, &fileBlobRef,
		&buyerFileUploaded, &buyerFileName, &buyerFileBlobRef,
		&txn.Version, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amountStr, err)
	}
	txn.Status = domain.Status(status)
	txn.PaymentReceived = paymentReceived != 0
	txn.FileUploaded = fileUploaded != 0
	txn.BuyerFileUploaded = buyerFileUploaded != 0
	txn.PaymentIntentRef = intentRef.String
	txn.FileName = fileName.String
	txn.FileBlobRef = fileBlobRef.String
	txn.BuyerFileName = buyerFileName.String
	txn.BuyerFileBlobRef = buyerFileBlobRef.String
	txn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	txn.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		txn.CompletedAt = &t
	}

	return &txn, nil
}
