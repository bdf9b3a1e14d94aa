/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access required by the affiliate-service. Methods suffixed `Atomic`
 * perform their multi-row work (status transition + wallet mutation +
 * ledger line + audit row) inside one database transaction; callers never
 * compose partial ledger writes themselves.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Affiliate directory
	FindAffiliateByCode(ctx context.Context, code string) (*domain.AffiliateProfile, error)
	FindAffiliateByID(ctx context.Context, affiliateID uuid.UUID) (*domain.AffiliateProfile, error)
	FindAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.AffiliateProfile, error)

	// Links and clicks
	FindLinkByCode(ctx context.Context, affiliateCode, linkCode string) (*domain.AffiliateLink, error)
	RecordClickAtomic(ctx context.Context, click *domain.Click) error

	// Conversions. CreateConversionAtomic inserts the conversion, credits
	// the wallet's pending balance and lifetime earnings, appends the
	// paired wallet transaction, and bumps the affiliate read-model
	// counters, all in one transaction. It is idempotent on the purchase
	// transaction id and returns ErrDuplicateConversion on replay.
	CreateConversionAtomic(ctx context.Context, conv *domain.Conversion) error
	FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error)
	FindConversionByTransactionID(ctx context.Context, transactionID string) (*domain.Conversion, error)
	ListConversionsByAffiliate(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error)

	// Admin review transitions. Each locks the conversion row, verifies the
	// state-machine precondition, applies the wallet delta with its paired
	// wallet transaction, and appends the activity log row atomically.
	ApproveConversionAtomic(ctx context.Context, conversionID, actorID uuid.UUID) (*domain.Conversion, error)
	AdjustConversionAtomic(ctx context.Context, conversionID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.Conversion, error)
	RejectConversionAtomic(ctx context.Context, conversionID uuid.UUID, note string, actorID uuid.UUID) (*domain.Conversion, error)
	MarkConversionPaidAtomic(ctx context.Context, conversionID, payoutID uuid.UUID) error

	// Pending revenue (non-affiliate shares held for manual verification).
	// Creation credits the platform wallet's pending balance with its paired
	// wallet transaction; the review transitions mirror the conversion ones.
	CreatePendingRevenueAtomic(ctx context.Context, rec *domain.PendingRevenue) error
	FindPendingRevenueByID(ctx context.Context, revenueID uuid.UUID) (*domain.PendingRevenue, error)
	ApprovePendingRevenueAtomic(ctx context.Context, revenueID, actorID uuid.UUID) (*domain.PendingRevenue, error)
	AdjustPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.PendingRevenue, error)
	RejectPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, note string, actorID uuid.UUID) (*domain.PendingRevenue, error)

	// Wallets
	FindWalletByAffiliateID(ctx context.Context, affiliateID uuid.UUID) (*domain.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error)

	// Payouts. CreatePayoutAtomic debits the wallet (guarded against going
	// negative), creates the payout in `requested`, and appends the debit
	// wallet transaction in one unit; ErrInsufficientBalance when the
	// wallet cannot cover the amount.
	CreatePayoutAtomic(ctx context.Context, payout *domain.Payout) error
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutByProviderID(ctx context.Context, providerID string) (*domain.Payout, error)
	ListPayoutsByAffiliate(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Payout, error)
	MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID, providerID string) error

	// Webhook reconciliation. Both return applied=false when the payout is
	// already in a terminal state, making callback replay a no-op.
	ApplyPayoutPaidAtomic(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error)
	ApplyPayoutRefundAtomic(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error)

	// Audit and read-model maintenance
	AppendActivityLog(ctx context.Context, entry *domain.ActivityLog) error
	RecountAffiliateStats(ctx context.Context) (int64, error)
}
