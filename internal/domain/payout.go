/**
 * @description
 * This file defines the payout domain models. A payout moves available
 * wallet funds to an external bank or e-wallet destination through the
 * payout provider. The wallet is debited optimistically when the payout is
 * requested; terminal transitions are driven exclusively by provider
 * webhooks, never guessed client-side.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout statuses. requested and processing are in-flight; paid, failed and
// reversed are terminal. failed and reversed are refundable, paid is not.
const (
	PayoutRequested  = "requested"
	PayoutProcessing = "processing"
	PayoutPaid       = "paid"
	PayoutFailed     = "failed"
	PayoutReversed   = "reversed"
)

// PayoutTerminal reports whether a status is a terminal payout state.
func PayoutTerminal(status string) bool {
	switch status {
	case PayoutPaid, PayoutFailed, PayoutReversed:
		return true
	}
	return false
}

// PayoutRefundable reports whether a terminal status triggers a refund
// credit of the original payout amount.
func PayoutRefundable(status string) bool {
	return status == PayoutFailed || status == PayoutReversed
}

// PayoutDestination is the bank/e-wallet account snapshot frozen onto the
// payout at request time.
type PayoutDestination struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Payout is a withdrawal request. The provider reference id equals the
// internal payout id so callbacks correlate without a side lookup table.
type Payout struct {
	ID                     uuid.UUID         `json:"id"`
	AffiliateID            uuid.UUID         `json:"affiliate_id"`
	WalletID               uuid.UUID         `json:"wallet_id"`
	Amount                 int64             `json:"amount"` // in rupiah
	Status                 string            `json:"status"`
	Destination            PayoutDestination `json:"destination"`
	ProviderDisbursementID *string           `json:"provider_disbursement_id,omitempty"`
	FailureReason          *string           `json:"failure_reason,omitempty"`
	SettledAt              *time.Time        `json:"settled_at,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// PayoutRequest is the DTO for affiliate-initiated withdrawal requests.
type PayoutRequest struct {
	Amount      int64             `json:"amount"` // in rupiah
	Destination PayoutDestination `json:"destination"`
}
