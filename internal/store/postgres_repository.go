/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. All ledger-mutating operations run inside a single database
 * transaction: the status transition, the wallet balance mutation, the
 * paired wallet_transactions row, and the audit row commit together or not
 * at all. Conversion and payout rows are serialized with row-level locks
 * (`SELECT ... FOR UPDATE`) so state-machine preconditions are checked and
 * applied as one atomic step.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAffiliateNotFound      = errors.New("affiliate not found")
	ErrLinkNotFound           = errors.New("affiliate link not found")
	ErrConversionNotFound     = errors.New("conversion not found")
	ErrPendingRevenueNotFound = errors.New("pending revenue not found")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrPayoutNotFound         = errors.New("payout not found")
	ErrDuplicateConversion    = errors.New("conversion already recorded for transaction")
	ErrDuplicateEvent         = errors.New("event already processed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInsufficientBalance    = errors.New("insufficient wallet balance")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const affiliateColumns = `id, user_id, code, status, total_clicks, total_conversions, total_sales, total_earnings, created_at, updated_at`

func scanAffiliate(row pgx.Row) (*domain.AffiliateProfile, error) {
	var a domain.AffiliateProfile
	err := row.Scan(&a.ID, &a.UserID, &a.Code, &a.Status, &a.TotalClicks, &a.TotalConversions, &a.TotalSales, &a.TotalEarnings, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAffiliateByCode retrieves an affiliate profile by its unique code.
func (r *PostgresRepository) FindAffiliateByCode(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliate_profiles WHERE lower(btrim(code)) = lower(btrim($1))`
	return scanAffiliate(r.db.QueryRow(ctx, query, code))
}

// FindAffiliateByID retrieves an affiliate profile by its ID.
func (r *PostgresRepository) FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.AffiliateProfile, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliate_profiles WHERE id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, affiliateID))
}

// FindAffiliateByUserID retrieves the affiliate profile owned by a platform user.
func (r *PostgresRepository) FindAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.AffiliateProfile, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliate_profiles WHERE user_id = $1`
	return scanAffiliate(r.db.QueryRow(ctx, query, userID))
}

// FindLinkByCode retrieves a link by affiliate code plus link code.
func (r *PostgresRepository) FindLinkByCode(ctx context.Context, affiliateCode, linkCode string) (*domain.AffiliateLink, error) {
	var l domain.AffiliateLink
	query := `
		SELECT l.id, l.affiliate_id, l.code, l.type, l.offer_type, l.offer_id, l.target_url,
		       l.active, l.archived, l.expires_at, l.click_count, l.created_at, l.updated_at
		FROM affiliate_links l
		JOIN affiliate_profiles p ON p.id = l.affiliate_id
		WHERE lower(btrim(p.code)) = lower(btrim($1)) AND lower(btrim(l.code)) = lower(btrim($2))
	`
	err := r.db.QueryRow(ctx, query, affiliateCode, linkCode).Scan(
		&l.ID, &l.AffiliateID, &l.Code, &l.Type, &l.OfferType, &l.OfferID, &l.TargetURL,
		&l.Active, &l.Archived, &l.ExpiresAt, &l.ClickCount, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLinkNotFound
		}
		return nil, err
	}
	return &l, nil
}

// RecordClickAtomic appends the immutable click event and bumps the link and
// affiliate click counters. The counters are read-model caches; the clicks
// table stays authoritative and the counter sweep corrects any drift.
func (r *PostgresRepository) RecordClickAtomic(ctx context.Context, click *domain.Click) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO clicks (id, link_id, affiliate_id, ip_address, user_agent, referrer, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
	`, click.ID, click.LinkID, click.AffiliateID, click.IPAddress, click.UserAgent, click.Referrer)
	if err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `UPDATE affiliate_links SET click_count = click_count + 1, updated_at = NOW() WHERE id = $1`, click.LinkID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `UPDATE affiliate_profiles SET total_clicks = total_clicks + 1, updated_at = NOW() WHERE id = $1`, click.AffiliateID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreateConversionAtomic records a new conversion and credits the wallet's
// pending balance. This is the only path by which new money enters the
// ledger. Idempotent on the purchase transaction id.
func (r *PostgresRepository) CreateConversionAtomic(ctx context.Context, conv *domain.Conversion) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		INSERT INTO conversions (id, affiliate_id, transaction_id, commission_amount, commission_rate, commission_type,
		                         sale_amount, approval_status, payout_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (transaction_id) DO NOTHING
	`, conv.ID, conv.AffiliateID, conv.TransactionID, conv.CommissionAmount, conv.CommissionRate,
		conv.CommissionType, conv.SaleAmount, domain.ConversionPending, domain.ConversionUnpaid)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrDuplicateConversion
	}

	var walletID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO wallets (id, affiliate_id, balance, balance_pending, total_earnings, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3, NOW(), NOW())
		ON CONFLICT (affiliate_id) DO UPDATE
		SET balance_pending = wallets.balance_pending + EXCLUDED.balance_pending,
		    total_earnings  = wallets.total_earnings + EXCLUDED.total_earnings,
		    updated_at      = NOW()
		RETURNING id
	`, uuid.New(), conv.AffiliateID, conv.CommissionAmount).Scan(&walletID)
	if err != nil {
		return err
	}

	meta := domain.NewCommissionMetadata(domain.CommissionMetadata{
		TransactionID:  conv.TransactionID,
		SaleAmount:     conv.SaleAmount,
		CommissionRate: conv.CommissionRate,
		CommissionType: conv.CommissionType,
	})
	if err := insertWalletTransaction(ctx, tx, walletID, domain.WalletTxCommissionPending, conv.CommissionAmount, conv.TransactionID, meta); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE affiliate_profiles
		SET total_conversions = total_conversions + 1,
		    total_sales       = total_sales + $2,
		    total_earnings    = total_earnings + $3,
		    updated_at        = NOW()
		WHERE id = $1
	`, conv.AffiliateID, conv.SaleAmount, conv.CommissionAmount)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const conversionColumns = `id, affiliate_id, transaction_id, commission_amount, adjusted_amount, commission_rate, commission_type, sale_amount, approval_status, payout_status, payout_id, review_note, created_at, updated_at`

func scanConversion(row pgx.Row) (*domain.Conversion, error) {
	var c domain.Conversion
	err := row.Scan(&c.ID, &c.AffiliateID, &c.TransactionID, &c.CommissionAmount, &c.AdjustedAmount,
		&c.CommissionRate, &c.CommissionType, &c.SaleAmount, &c.ApprovalStatus, &c.PayoutStatus,
		&c.PayoutID, &c.ReviewNote, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindConversionByID retrieves a conversion by its ID.
func (r *PostgresRepository) FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id = $1`
	return scanConversion(r.db.QueryRow(ctx, query, conversionID))
}

// FindConversionByTransactionID retrieves the conversion recorded for a
// purchase transaction. transaction_id is unique, so this resolves replayed
// purchase events regardless of which affiliate the replay attributes to.
func (r *PostgresRepository) FindConversionByTransactionID(ctx context.Context, transactionID string) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE transaction_id = $1`
	return scanConversion(r.db.QueryRow(ctx, query, transactionID))
}

// ListConversionsByAffiliate returns an affiliate's conversions, newest first.
func (r *PostgresRepository) ListConversionsByAffiliate(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE affiliate_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, affiliateID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// lockConversion loads a conversion row under FOR UPDATE inside tx.
func lockConversion(ctx context.Context, tx pgx.Tx, conversionID uuid.UUID) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id = $1 FOR UPDATE`
	return scanConversion(tx.QueryRow(ctx, query, conversionID))
}

func insertWalletTransaction(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, txType string, amount int64, reference string, meta domain.TransactionMetadata) error {
	metaJSON, err := meta.MarshalForStorage()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New(), walletID, txType, amount, reference, metaJSON)
	return err
}

func insertActivityLog(ctx context.Context, tx pgx.Tx, actorID uuid.UUID, action, targetType, targetID string, meta domain.TransactionMetadata) error {
	metaJSON, err := meta.MarshalForStorage()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_logs (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New(), actorID, action, targetType, targetID, metaJSON)
	return err
}

func walletIDForAffiliate(ctx context.Context, tx pgx.Tx, affiliateID uuid.UUID) (uuid.UUID, error) {
	var walletID uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM wallets WHERE affiliate_id = $1 FOR UPDATE`, affiliateID).Scan(&walletID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrWalletNotFound
		}
		return uuid.Nil, err
	}
	return walletID, nil
}

// ApproveConversionAtomic moves a pending conversion's commission from the
// pending balance to the available balance.
func (r *PostgresRepository) ApproveConversionAtomic(ctx context.Context, conversionID, actorID uuid.UUID) (*domain.Conversion, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversion(ctx, tx, conversionID)
	if err != nil {
		return nil, err
	}
	if conv.ApprovalStatus != domain.ConversionPending {
		return nil, fmt.Errorf("%w: cannot approve conversion in status %q", ErrInvalidStateTransition, conv.ApprovalStatus)
	}

	walletID, err := walletIDForAffiliate(ctx, tx, conv.AffiliateID)
	if err != nil {
		return nil, err
	}
	amount := conv.CommissionAmount

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET balance_pending = balance_pending - $2,
		    balance         = balance + $2,
		    updated_at      = NOW()
		WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE conversions SET approval_status = $2, updated_at = NOW() WHERE id = $1`, conv.ID, domain.ConversionApproved); err != nil {
		return nil, err
	}

	meta := domain.NewCommissionMetadata(domain.CommissionMetadata{
		TransactionID:  conv.TransactionID,
		SaleAmount:     conv.SaleAmount,
		CommissionRate: conv.CommissionRate,
		CommissionType: conv.CommissionType,
	})
	if err := insertWalletTransaction(ctx, tx, walletID, domain.WalletTxCommissionApproved, amount, conv.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "conversion.approve", "conversion", conv.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	conv.ApprovalStatus = domain.ConversionApproved
	return conv, nil
}

// AdjustConversionAtomic corrects a conversion's commission downward. The
// ledger delta is the difference between the current effective amount and
// the adjusted amount, never the full adjusted amount. Adjusting a pending
// conversion also releases it: the pending hold is removed and the adjusted
// amount becomes available, so adjusted conversions are payable like
// approved ones.
func (r *PostgresRepository) AdjustConversionAtomic(ctx context.Context, conversionID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversion(ctx, tx, conversionID)
	if err != nil {
		return nil, err
	}
	if conv.ApprovalStatus != domain.ConversionPending && conv.ApprovalStatus != domain.ConversionApproved {
		return nil, fmt.Errorf("%w: cannot adjust conversion in status %q", ErrInvalidStateTransition, conv.ApprovalStatus)
	}
	if adjustedAmount < 0 || adjustedAmount > conv.CommissionAmount {
		return nil, fmt.Errorf("%w: adjusted amount %d outside [0, %d]", ErrInvalidStateTransition, adjustedAmount, conv.CommissionAmount)
	}

	walletID, err := walletIDForAffiliate(ctx, tx, conv.AffiliateID)
	if err != nil {
		return nil, err
	}

	effective := conv.EffectiveAmount()
	delta := adjustedAmount - effective

	if conv.ApprovalStatus == domain.ConversionPending {
		// Release the pending hold and make the adjusted amount available.
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance_pending = balance_pending - $2,
			    balance         = balance + $3,
			    updated_at      = NOW()
			WHERE id = $1
		`, walletID, effective, adjustedAmount)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance    = balance + $2,
			    updated_at = NOW()
			WHERE id = $1
		`, walletID, delta)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversions
		SET approval_status = $2, adjusted_amount = $3, review_note = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, conv.ID, domain.ConversionAdjusted, adjustedAmount, note)
	if err != nil {
		return nil, err
	}

	meta := domain.NewAdjustmentMetadata(domain.AdjustmentMetadata{
		OriginalAmount: conv.CommissionAmount,
		AdjustedAmount: adjustedAmount,
		Note:           note,
	})
	if err := insertWalletTransaction(ctx, tx, walletID, domain.WalletTxCommissionAdjusted, delta, conv.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "conversion.adjust", "conversion", conv.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	conv.ApprovalStatus = domain.ConversionAdjusted
	conv.AdjustedAmount = &adjustedAmount
	return conv, nil
}

// RejectConversionAtomic removes a pending conversion's hold with no
// corresponding balance credit. Approved money cannot be rejected; it must
// go through a payout-style clawback instead.
func (r *PostgresRepository) RejectConversionAtomic(ctx context.Context, conversionID uuid.UUID, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversion(ctx, tx, conversionID)
	if err != nil {
		return nil, err
	}
	if conv.ApprovalStatus != domain.ConversionPending {
		return nil, fmt.Errorf("%w: cannot reject conversion in status %q", ErrInvalidStateTransition, conv.ApprovalStatus)
	}

	walletID, err := walletIDForAffiliate(ctx, tx, conv.AffiliateID)
	if err != nil {
		return nil, err
	}
	amount := conv.CommissionAmount

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET balance_pending = balance_pending - $2,
		    updated_at      = NOW()
		WHERE id = $1
	`, walletID, amount)
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE conversions SET approval_status = $2, review_note = NULLIF($3, ''), updated_at = NOW() WHERE id = $1`, conv.ID, domain.ConversionRejected, note); err != nil {
		return nil, err
	}

	meta := domain.NewAdjustmentMetadata(domain.AdjustmentMetadata{
		OriginalAmount: amount,
		AdjustedAmount: 0,
		Note:           note,
	})
	if err := insertWalletTransaction(ctx, tx, walletID, domain.WalletTxCommissionRejected, -amount, conv.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "conversion.reject", "conversion", conv.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	conv.ApprovalStatus = domain.ConversionRejected
	return conv, nil
}

// MarkConversionPaidAtomic links an approved or adjusted conversion to a
// settled payout. Idempotent when called again with the same payout id.
func (r *PostgresRepository) MarkConversionPaidAtomic(ctx context.Context, conversionID, payoutID uuid.UUID) error {
	res, err := r.db.Exec(ctx, `
		UPDATE conversions
		SET payout_status = $3, payout_id = $2, updated_at = NOW()
		WHERE id = $1
		  AND approval_status IN ($4, $5)
		  AND (payout_status = $6 OR payout_id = $2)
	`, conversionID, payoutID, domain.ConversionPaid,
		domain.ConversionApproved, domain.ConversionAdjusted, domain.ConversionUnpaid)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		conv, findErr := r.FindConversionByID(ctx, conversionID)
		if findErr != nil {
			return findErr
		}
		return fmt.Errorf("%w: cannot mark conversion %s paid (approval=%q payout=%q)",
			ErrInvalidStateTransition, conversionID, conv.ApprovalStatus, conv.PayoutStatus)
	}
	return nil
}

// CreatePendingRevenueAtomic holds a non-affiliate revenue share in the
// wallet's pending balance, with its paired wallet transaction. Idempotent
// on (transaction_id, type). A missing platform wallet fails the whole unit
// so the idempotency key is not burned on a credit that never landed.
func (r *PostgresRepository) CreatePendingRevenueAtomic(ctx context.Context, rec *domain.PendingRevenue) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		INSERT INTO pending_revenues (id, wallet_id, transaction_id, sale_amount, amount, type, percentage, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (transaction_id, type) DO NOTHING
	`, rec.ID, rec.WalletID, rec.TransactionID, rec.SaleAmount, rec.Amount, rec.Type, rec.Percentage, domain.ConversionPending)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}

	res, err = tx.Exec(ctx, `
		UPDATE wallets SET balance_pending = balance_pending + $2, updated_at = NOW() WHERE id = $1
	`, rec.WalletID, rec.Amount)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: platform wallet %s", ErrWalletNotFound, rec.WalletID)
	}

	meta := domain.NewCommissionMetadata(domain.CommissionMetadata{
		TransactionID:  rec.TransactionID,
		SaleAmount:     rec.SaleAmount,
		CommissionRate: rec.Percentage,
		CommissionType: rec.Type,
	})
	if err := insertWalletTransaction(ctx, tx, rec.WalletID, domain.WalletTxRevenueSharePending, rec.Amount, rec.TransactionID, meta); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const pendingRevenueColumns = `id, wallet_id, transaction_id, sale_amount, amount, adjusted_amount, type, percentage, status, note, created_at, updated_at`

func scanPendingRevenue(row pgx.Row) (*domain.PendingRevenue, error) {
	var p domain.PendingRevenue
	err := row.Scan(&p.ID, &p.WalletID, &p.TransactionID, &p.SaleAmount, &p.Amount, &p.AdjustedAmount,
		&p.Type, &p.Percentage, &p.Status, &p.Note, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPendingRevenueNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPendingRevenueByID retrieves a pending revenue record by its ID.
func (r *PostgresRepository) FindPendingRevenueByID(ctx context.Context, revenueID uuid.UUID) (*domain.PendingRevenue, error) {
	query := `SELECT ` + pendingRevenueColumns + ` FROM pending_revenues WHERE id = $1`
	return scanPendingRevenue(r.db.QueryRow(ctx, query, revenueID))
}

// lockPendingRevenue loads a pending revenue row under FOR UPDATE inside tx.
func lockPendingRevenue(ctx context.Context, tx pgx.Tx, revenueID uuid.UUID) (*domain.PendingRevenue, error) {
	query := `SELECT ` + pendingRevenueColumns + ` FROM pending_revenues WHERE id = $1 FOR UPDATE`
	return scanPendingRevenue(tx.QueryRow(ctx, query, revenueID))
}

func lockWalletByID(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM wallets WHERE id = $1 FOR UPDATE`, walletID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrWalletNotFound
		}
		return err
	}
	return nil
}

// ApprovePendingRevenueAtomic moves a pending revenue share from the
// platform wallet's pending balance to its available balance.
func (r *PostgresRepository) ApprovePendingRevenueAtomic(ctx context.Context, revenueID, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := lockPendingRevenue(ctx, tx, revenueID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ConversionPending {
		return nil, fmt.Errorf("%w: cannot approve revenue share in status %q", ErrInvalidStateTransition, rec.Status)
	}
	if err := lockWalletByID(ctx, tx, rec.WalletID); err != nil {
		return nil, err
	}
	amount := rec.Amount

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET balance_pending = balance_pending - $2,
		    balance         = balance + $2,
		    updated_at      = NOW()
		WHERE id = $1
	`, rec.WalletID, amount)
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE pending_revenues SET status = $2, updated_at = NOW() WHERE id = $1`, rec.ID, domain.ConversionApproved); err != nil {
		return nil, err
	}

	meta := domain.NewCommissionMetadata(domain.CommissionMetadata{
		TransactionID:  rec.TransactionID,
		SaleAmount:     rec.SaleAmount,
		CommissionRate: rec.Percentage,
		CommissionType: rec.Type,
	})
	if err := insertWalletTransaction(ctx, tx, rec.WalletID, domain.WalletTxRevenueShareApproved, amount, rec.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "pending_revenue.approve", "pending_revenue", rec.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	rec.Status = domain.ConversionApproved
	return rec, nil
}

// AdjustPendingRevenueAtomic corrects a revenue share downward, mirroring
// the conversion adjustment semantics: adjusting a pending record releases
// the hold and makes the adjusted amount available.
func (r *PostgresRepository) AdjustPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := lockPendingRevenue(ctx, tx, revenueID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ConversionPending && rec.Status != domain.ConversionApproved {
		return nil, fmt.Errorf("%w: cannot adjust revenue share in status %q", ErrInvalidStateTransition, rec.Status)
	}
	if adjustedAmount < 0 || adjustedAmount > rec.Amount {
		return nil, fmt.Errorf("%w: adjusted amount %d outside [0, %d]", ErrInvalidStateTransition, adjustedAmount, rec.Amount)
	}
	if err := lockWalletByID(ctx, tx, rec.WalletID); err != nil {
		return nil, err
	}

	effective := rec.EffectiveAmount()
	delta := adjustedAmount - effective

	if rec.Status == domain.ConversionPending {
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance_pending = balance_pending - $2,
			    balance         = balance + $3,
			    updated_at      = NOW()
			WHERE id = $1
		`, rec.WalletID, effective, adjustedAmount)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE wallets
			SET balance    = balance + $2,
			    updated_at = NOW()
			WHERE id = $1
		`, rec.WalletID, delta)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE pending_revenues
		SET status = $2, adjusted_amount = $3, note = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, rec.ID, domain.ConversionAdjusted, adjustedAmount, note)
	if err != nil {
		return nil, err
	}

	meta := domain.NewAdjustmentMetadata(domain.AdjustmentMetadata{
		OriginalAmount: rec.Amount,
		AdjustedAmount: adjustedAmount,
		Note:           note,
	})
	if err := insertWalletTransaction(ctx, tx, rec.WalletID, domain.WalletTxRevenueShareAdjusted, delta, rec.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "pending_revenue.adjust", "pending_revenue", rec.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	rec.Status = domain.ConversionAdjusted
	rec.AdjustedAmount = &adjustedAmount
	return rec, nil
}

// RejectPendingRevenueAtomic removes a pending revenue share's hold with no
// corresponding balance credit.
func (r *PostgresRepository) RejectPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := lockPendingRevenue(ctx, tx, revenueID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ConversionPending {
		return nil, fmt.Errorf("%w: cannot reject revenue share in status %q", ErrInvalidStateTransition, rec.Status)
	}
	if err := lockWalletByID(ctx, tx, rec.WalletID); err != nil {
		return nil, err
	}
	amount := rec.Amount

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET balance_pending = balance_pending - $2,
		    updated_at      = NOW()
		WHERE id = $1
	`, rec.WalletID, amount)
	if err != nil {
		return nil, err
	}

	if _, err = tx.Exec(ctx, `UPDATE pending_revenues SET status = $2, note = NULLIF($3, ''), updated_at = NOW() WHERE id = $1`, rec.ID, domain.ConversionRejected, note); err != nil {
		return nil, err
	}

	meta := domain.NewAdjustmentMetadata(domain.AdjustmentMetadata{
		OriginalAmount: amount,
		AdjustedAmount: 0,
		Note:           note,
	})
	if err := insertWalletTransaction(ctx, tx, rec.WalletID, domain.WalletTxRevenueShareRejected, -amount, rec.ID.String(), meta); err != nil {
		return nil, err
	}
	if err := insertActivityLog(ctx, tx, actorID, "pending_revenue.reject", "pending_revenue", rec.ID.String(), meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	rec.Status = domain.ConversionRejected
	return rec, nil
}

// FindWalletByAffiliateID retrieves an affiliate's wallet.
func (r *PostgresRepository) FindWalletByAffiliateID(ctx context.Context, affiliateID uuid.UUID) (*domain.Wallet, error) {
	var w domain.Wallet
	query := `SELECT id, affiliate_id, balance, balance_pending, total_earnings, created_at, updated_at FROM wallets WHERE affiliate_id = $1`
	err := r.db.QueryRow(ctx, query, affiliateID).Scan(&w.ID, &w.AffiliateID, &w.Balance, &w.BalancePending, &w.TotalEarnings, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// ListWalletTransactions returns a wallet's ledger lines, newest first.
func (r *PostgresRepository) ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	query := `
		SELECT id, wallet_id, type, amount, reference, metadata, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var wt domain.WalletTransaction
		var metaJSON []byte
		if err := rows.Scan(&wt.ID, &wt.WalletID, &wt.Type, &wt.Amount, &wt.Reference, &metaJSON, &wt.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &wt.Metadata); err != nil {
				return nil, fmt.Errorf("decode wallet transaction metadata: %w", err)
			}
		}
		out = append(out, wt)
	}
	return out, rows.Err()
}

// CreatePayoutAtomic debits the wallet and creates the payout request in one
// unit. The conditional debit guards the no-negative-balance invariant under
// concurrent requests.
func (r *PostgresRepository) CreatePayoutAtomic(ctx context.Context, payout *domain.Payout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var walletID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE affiliate_id = $1 AND balance >= $2
		RETURNING id
	`, payout.AffiliateID, payout.Amount).Scan(&walletID)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Distinguish a missing wallet from an underfunded one.
			if _, findErr := r.FindWalletByAffiliateID(ctx, payout.AffiliateID); findErr != nil {
				return findErr
			}
			return ErrInsufficientBalance
		}
		return err
	}
	payout.WalletID = walletID

	_, err = tx.Exec(ctx, `
		INSERT INTO payouts (id, affiliate_id, wallet_id, amount, status, bank_code, account_number, account_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, payout.ID, payout.AffiliateID, walletID, payout.Amount, domain.PayoutRequested,
		payout.Destination.BankCode, payout.Destination.AccountNumber, payout.Destination.AccountName)
	if err != nil {
		return err
	}

	meta := domain.NewPayoutMetadata(domain.PayoutMetadata{PayoutID: payout.ID.String()})
	if err := insertWalletTransaction(ctx, tx, walletID, domain.WalletTxPayoutDebit, -payout.Amount, payout.ID.String(), meta); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const payoutColumns = `id, affiliate_id, wallet_id, amount, status, bank_code, account_number, account_name, provider_disbursement_id, failure_reason, settled_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(&p.ID, &p.AffiliateID, &p.WalletID, &p.Amount, &p.Status,
		&p.Destination.BankCode, &p.Destination.AccountNumber, &p.Destination.AccountName,
		&p.ProviderDisbursementID, &p.FailureReason, &p.SettledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPayoutByID retrieves a payout by its ID.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return scanPayout(r.db.QueryRow(ctx, query, payoutID))
}

// FindPayoutByProviderID retrieves a payout by the provider's disbursement id.
func (r *PostgresRepository) FindPayoutByProviderID(ctx context.Context, providerID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE provider_disbursement_id = $1`
	return scanPayout(r.db.QueryRow(ctx, query, providerID))
}

// ListPayoutsByAffiliate returns an affiliate's payouts, newest first.
func (r *PostgresRepository) ListPayoutsByAffiliate(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE affiliate_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, affiliateID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPayoutProcessing records the provider disbursement id after a
// successful submission. Only valid from `requested`.
func (r *PostgresRepository) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID, providerID string) error {
	res, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = $3, provider_disbursement_id = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, payoutID, providerID, domain.PayoutProcessing, domain.PayoutRequested)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		if _, findErr := r.FindPayoutByID(ctx, payoutID); findErr != nil {
			return findErr
		}
		return fmt.Errorf("%w: payout %s is not in requested state", ErrInvalidStateTransition, payoutID)
	}
	return nil
}

// ApplyPayoutPaidAtomic finalizes a successful payout. The wallet was
// already debited at request time and is not touched again. Returns
// applied=false when the payout is already terminal, so callback replay is
// a no-op.
func (r *PostgresRepository) ApplyPayoutPaidAtomic(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = $2,
		    provider_disbursement_id = COALESCE(NULLIF($3, ''), provider_disbursement_id),
		    settled_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, payoutID, domain.PayoutPaid, providerID, settledAt, domain.PayoutRequested, domain.PayoutProcessing)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		if _, findErr := r.FindPayoutByID(ctx, payoutID); findErr != nil {
			return false, findErr
		}
		return false, nil
	}
	return true, nil
}

// ApplyPayoutRefundAtomic applies a failed or reversed settlement: the
// payout transitions, the wallet is credited back the original amount, and
// the refund ledger line is appended, all together or not at all.
func (r *PostgresRepository) ApplyPayoutRefundAtomic(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
	if !domain.PayoutRefundable(status) {
		return false, fmt.Errorf("%w: status %q is not refundable", ErrInvalidStateTransition, status)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	payout, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, payoutID))
	if err != nil {
		return false, err
	}
	if domain.PayoutTerminal(payout.Status) {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE payouts
		SET status = $2,
		    failure_reason = NULLIF($3, ''),
		    provider_disbursement_id = COALESCE(NULLIF($4, ''), provider_disbursement_id),
		    settled_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, payoutID, status, failureReason, providerID)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1`, payout.WalletID, payout.Amount)
	if err != nil {
		return false, err
	}

	meta := domain.NewPayoutMetadata(domain.PayoutMetadata{
		PayoutID:       payout.ID.String(),
		ProviderID:     providerID,
		ProviderStatus: status,
		FailureReason:  failureReason,
	})
	if err := insertWalletTransaction(ctx, tx, payout.WalletID, domain.WalletTxPayoutRefund, payout.Amount, payout.ID.String(), meta); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AppendActivityLog writes one immutable audit row.
func (r *PostgresRepository) AppendActivityLog(ctx context.Context, entry *domain.ActivityLog) error {
	metaJSON, err := entry.Metadata.MarshalForStorage()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO activity_logs (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, entry.ID, entry.ActorID, entry.Action, entry.TargetType, entry.TargetID, metaJSON)
	return err
}

// RecountAffiliateStats recomputes the affiliate read-model counters from
// the authoritative click and conversion logs and corrects drifted rows.
// Returns the number of corrected profiles.
func (r *PostgresRepository) RecountAffiliateStats(ctx context.Context) (int64, error) {
	res, err := r.db.Exec(ctx, `
		UPDATE affiliate_profiles p
		SET total_clicks      = agg.clicks,
		    total_conversions = agg.conversions,
		    total_sales       = agg.sales,
		    total_earnings    = agg.earnings,
		    updated_at        = NOW()
		FROM (
			SELECT pr.id,
			       COALESCE(ck.clicks, 0)       AS clicks,
			       COALESCE(cv.conversions, 0)  AS conversions,
			       COALESCE(cv.sales, 0)        AS sales,
			       COALESCE(cv.earnings, 0)     AS earnings
			FROM affiliate_profiles pr
			LEFT JOIN (
				SELECT affiliate_id, COUNT(*) AS clicks
				FROM clicks GROUP BY affiliate_id
			) ck ON ck.affiliate_id = pr.id
			LEFT JOIN (
				SELECT affiliate_id,
				       COUNT(*)              AS conversions,
				       SUM(sale_amount)      AS sales,
				       SUM(commission_amount) AS earnings
				FROM conversions
				WHERE approval_status <> 'rejected'
				GROUP BY affiliate_id
			) cv ON cv.affiliate_id = pr.id
		) agg
		WHERE agg.id = p.id
		  AND (p.total_clicks      <> agg.clicks
		    OR p.total_conversions <> agg.conversions
		    OR p.total_sales       <> agg.sales
		    OR p.total_earnings    <> agg.earnings)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
