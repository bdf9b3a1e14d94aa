/**
 * @description
 * This file defines the ledger domain models: conversions, wallets, the
 * append-only wallet transaction log, and pending revenue records. The
 * ledger is the source of truth for money owed and earned; every wallet
 * mutation is paired 1:1 with a WalletTransaction row in the same atomic
 * unit so balances can be recomputed independently from the log.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversion approval statuses. One explicit state enum per concern instead
// of flag combinations; illegal transitions are rejected at the store layer.
const (
	ConversionPending  = "pending"
	ConversionApproved = "approved"
	ConversionAdjusted = "adjusted"
	ConversionRejected = "rejected"
)

// Conversion payout statuses.
const (
	ConversionUnpaid = "unpaid"
	ConversionPaid   = "paid"
)

// Commission policy types, snapshotted onto conversions at creation time.
const (
	CommissionTypePercentage = "PERCENTAGE"
	CommissionTypeFlat       = "FLAT"
)

// WalletTransaction types. Amounts are signed from the wallet's point of
// view: credits positive, debits negative.
const (
	WalletTxCommissionPending    = "commission_pending"
	WalletTxCommissionApproved   = "commission_approved"
	WalletTxCommissionAdjusted   = "commission_adjusted"
	WalletTxCommissionRejected   = "commission_rejected"
	WalletTxRevenueSharePending  = "revenue_share_pending"
	WalletTxRevenueShareApproved = "revenue_share_approved"
	WalletTxRevenueShareAdjusted = "revenue_share_adjusted"
	WalletTxRevenueShareRejected = "revenue_share_rejected"
	WalletTxPayoutDebit          = "payout_debit"
	WalletTxPayoutRefund         = "payout_refund"
)

// Conversion binds one purchase transaction to one affiliate. The commission
// rate and type are frozen at creation so historical payouts stay
// reproducible when offer policy changes. A transaction produces at most one
// conversion; creation is idempotent on TransactionID.
type Conversion struct {
	ID               uuid.UUID  `json:"id"`
	AffiliateID      uuid.UUID  `json:"affiliate_id"`
	TransactionID    string     `json:"transaction_id"`
	CommissionAmount int64      `json:"commission_amount"` // in rupiah
	AdjustedAmount   *int64     `json:"adjusted_amount,omitempty"`
	CommissionRate   float64    `json:"commission_rate"`
	CommissionType   string     `json:"commission_type"`
	SaleAmount       int64      `json:"sale_amount"`
	ApprovalStatus   string     `json:"approval_status"`
	PayoutStatus     string     `json:"payout_status"`
	PayoutID         *uuid.UUID `json:"payout_id,omitempty"`
	ReviewNote       *string    `json:"review_note,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectiveAmount returns the amount the ledger currently owes for this
// conversion: the adjusted amount when present, otherwise the snapshot.
func (c *Conversion) EffectiveAmount() int64 {
	if c.AdjustedAmount != nil {
		return *c.AdjustedAmount
	}
	return c.CommissionAmount
}

// Wallet is the per-affiliate running balance. Balance only increases via an
// approved conversion or a payout-reversal credit and only decreases via a
// payout debit; BalancePending only increases on conversion creation and
// only decreases on approval (moved) or rejection (removed). TotalEarnings
// is lifetime and monotonic non-decreasing.
type Wallet struct {
	ID             uuid.UUID `json:"id"`
	AffiliateID    uuid.UUID `json:"affiliate_id"`
	Balance        int64     `json:"balance"`         // available for withdrawal
	BalancePending int64     `json:"balance_pending"` // earned, not yet approved
	TotalEarnings  int64     `json:"total_earnings"`  // lifetime, monotonic
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WalletTransaction is one append-only ledger line. Reference carries the
// idempotency key of the triggering event (transaction id, conversion id,
// or payout id).
type WalletTransaction struct {
	ID        uuid.UUID           `json:"id"`
	WalletID  uuid.UUID           `json:"wallet_id"`
	Type      string              `json:"type"`
	Amount    int64               `json:"amount"` // signed, in rupiah
	Reference string              `json:"reference"`
	Metadata  TransactionMetadata `json:"metadata"`
	CreatedAt time.Time           `json:"created_at"`
}

// PendingRevenue types for non-affiliate revenue shares.
const (
	PendingRevenueAdminFee     = "ADMIN_FEE"
	PendingRevenueFounderShare = "FOUNDER_SHARE"
)

// PendingRevenue holds amounts earned but not yet confirmed, with the same
// approve/adjust/reject vocabulary as conversions. Used for revenue types
// requiring manual verification.
type PendingRevenue struct {
	ID             uuid.UUID `json:"id"`
	WalletID       uuid.UUID `json:"wallet_id"`
	TransactionID  string    `json:"transaction_id"`
	SaleAmount     int64     `json:"sale_amount"`
	Amount         int64     `json:"amount"`
	AdjustedAmount *int64    `json:"adjusted_amount,omitempty"`
	Type           string    `json:"type"`
	Percentage     float64   `json:"percentage"`
	Status         string    `json:"status"`
	Note           *string   `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EffectiveAmount returns the amount currently held or owed for this
// revenue share: the adjusted amount when present, otherwise the original.
func (p *PendingRevenue) EffectiveAmount() int64 {
	if p.AdjustedAmount != nil {
		return *p.AdjustedAmount
	}
	return p.Amount
}

// ActivityLog is the immutable audit record for admin review and payout
// actions.
type ActivityLog struct {
	ID         uuid.UUID           `json:"id"`
	ActorID    uuid.UUID           `json:"actor_id"`
	Action     string              `json:"action"`
	TargetType string              `json:"target_type"`
	TargetID   string              `json:"target_id"`
	Metadata   TransactionMetadata `json:"metadata"`
	CreatedAt  time.Time           `json:"created_at"`
}
