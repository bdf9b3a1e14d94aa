/**
 * @description
 * This file defines the typed metadata envelope stored on wallet
 * transactions and activity log rows. Each known shape gets its own tag and
 * an explicit schema version so historical records remain parseable as the
 * shapes evolve, instead of an untyped JSON blob.
 */

package domain

import (
	"encoding/json"
	"fmt"
)

// Metadata envelope kinds.
const (
	MetadataKindCommission = "commission"
	MetadataKindAdjustment = "adjustment"
	MetadataKindPayout     = "payout"
)

// CommissionMetadata snapshots how a commission was computed.
type CommissionMetadata struct {
	TransactionID  string  `json:"transaction_id"`
	SaleAmount     int64   `json:"sale_amount"`
	CommissionRate float64 `json:"commission_rate"`
	CommissionType string  `json:"commission_type"`
}

// AdjustmentMetadata records an admin adjustment or rejection.
type AdjustmentMetadata struct {
	OriginalAmount int64  `json:"original_amount"`
	AdjustedAmount int64  `json:"adjusted_amount"`
	Note           string `json:"note,omitempty"`
}

// PayoutMetadata links a ledger line to a payout lifecycle step.
type PayoutMetadata struct {
	PayoutID       string `json:"payout_id"`
	ProviderID     string `json:"provider_id,omitempty"`
	ProviderStatus string `json:"provider_status,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// TransactionMetadata is a tagged union: exactly one payload field is set,
// selected by Kind. Version is per-tag so each shape can evolve
// independently.
type TransactionMetadata struct {
	Kind       string              `json:"kind,omitempty"`
	Version    int                 `json:"version,omitempty"`
	Commission *CommissionMetadata `json:"commission,omitempty"`
	Adjustment *AdjustmentMetadata `json:"adjustment,omitempty"`
	Payout     *PayoutMetadata     `json:"payout,omitempty"`
}

// NewCommissionMetadata builds a v1 commission envelope.
func NewCommissionMetadata(m CommissionMetadata) TransactionMetadata {
	return TransactionMetadata{Kind: MetadataKindCommission, Version: 1, Commission: &m}
}

// NewAdjustmentMetadata builds a v1 adjustment envelope.
func NewAdjustmentMetadata(m AdjustmentMetadata) TransactionMetadata {
	return TransactionMetadata{Kind: MetadataKindAdjustment, Version: 1, Adjustment: &m}
}

// NewPayoutMetadata builds a v1 payout envelope.
func NewPayoutMetadata(m PayoutMetadata) TransactionMetadata {
	return TransactionMetadata{Kind: MetadataKindPayout, Version: 1, Payout: &m}
}

// Validate checks that the payload matches the declared kind.
func (m TransactionMetadata) Validate() error {
	switch m.Kind {
	case "":
		return nil
	case MetadataKindCommission:
		if m.Commission == nil {
			return fmt.Errorf("metadata kind %q missing payload", m.Kind)
		}
	case MetadataKindAdjustment:
		if m.Adjustment == nil {
			return fmt.Errorf("metadata kind %q missing payload", m.Kind)
		}
	case MetadataKindPayout:
		if m.Payout == nil {
			return fmt.Errorf("metadata kind %q missing payload", m.Kind)
		}
	default:
		return fmt.Errorf("unknown metadata kind %q", m.Kind)
	}
	return nil
}

// MarshalForStorage serializes the envelope for a jsonb column. Empty
// envelopes serialize to null so the column stays sparse.
func (m TransactionMetadata) MarshalForStorage() ([]byte, error) {
	if m.Kind == "" {
		return []byte("null"), nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
