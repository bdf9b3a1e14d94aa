/**
 * @description
 * This file defines the inbound event payloads crossing the service boundary:
 * the purchase confirmation that creates conversions and the payout webhook
 * from the provider. Outbound RabbitMQ event shapes live in pkg/rabbitmq.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseEvent is the internal call payload from the checkout flow that
// triggers attribution and conversion recording. CookieValue carries the raw
// `affiliate_ref` cookie as forwarded by the checkout layer.
type PurchaseEvent struct {
	TransactionID string     `json:"transaction_id"`
	BuyerID       *uuid.UUID `json:"buyer_id,omitempty"`
	OfferType     string     `json:"offer_type"`
	OfferID       *uuid.UUID `json:"offer_id,omitempty"`
	Amount        int64      `json:"amount"` // in rupiah
	OverrideCode  string     `json:"override_code,omitempty"`
	CouponCode    string     `json:"coupon_code,omitempty"`
	CookieValue   string     `json:"cookie_value,omitempty"`
}

// PayoutWebhookEvent is the provider callback body for payout settlement.
// ExternalID is the provider's disbursement id; ReferenceID is our payout
// id, echoed back from submission.
type PayoutWebhookEvent struct {
	ExternalID    string    `json:"external_id"`
	ReferenceID   string    `json:"reference_id"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
