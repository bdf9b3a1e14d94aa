/**
 * @description
 * This file implements the webhook reconciler: provider payout callbacks are
 * normalized to the internal status vocabulary and applied to the ledger
 * idempotently. Webhooks may arrive duplicated, delayed, or out of order;
 * replaying an identical callback must be a no-op, and an unknown reference
 * must be a non-retryable error so the provider stops redelivering it.
 *
 * It also hosts the reconciliation sweeps: resolving payouts stuck in
 * processing by polling the provider, and recomputing the affiliate
 * read-model counters from the authoritative click/conversion logs.
 *
 * @dependencies
 * - context, errors, strings, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/google/uuid"
)

// NormalizeProviderStatus maps the provider's status vocabulary onto the
// internal payout enum. Unknown statuses map to "" and produce no state
// change, tolerating provider vocabulary drift without crashing.
func NormalizeProviderStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCEEDED", "COMPLETED":
		return domain.PayoutPaid
	case "FAILED", "CANCELLED":
		return domain.PayoutFailed
	case "REVERSED":
		return domain.PayoutReversed
	case "PENDING", "ACCEPTED":
		return domain.PayoutProcessing
	default:
		return ""
	}
}

// HandlePayoutWebhook applies one provider callback to the ledger.
//
// Lookup order: our reference id (the payout id we sent at submission),
// falling back to the provider's external id for callbacks that omit the
// reference. store.ErrPayoutNotFound means the handler must answer with a
// non-retryable client error.
func (s *Service) HandlePayoutWebhook(ctx context.Context, event domain.PayoutWebhookEvent) error {
	payout, err := s.findWebhookPayout(ctx, event)
	if err != nil {
		return err
	}

	status := NormalizeProviderStatus(event.Status)
	if status == "" {
		log.Printf("level=warn component=service flow=webhook msg=\"unrecognized provider status, no state change\" payout_id=%s status=%q", payout.ID, event.Status)
		return nil
	}

	switch status {
	case domain.PayoutProcessing:
		if err := s.repo.MarkPayoutProcessing(ctx, payout.ID, event.ExternalID); err != nil {
			if errors.Is(err, store.ErrInvalidStateTransition) {
				// Already processing or settled; a late PENDING callback is a no-op.
				return nil
			}
			return err
		}
		log.Printf("level=info component=service flow=webhook msg=\"payout processing\" payout_id=%s provider_id=%s", payout.ID, event.ExternalID)
		return nil

	case domain.PayoutPaid:
		settledAt := event.Timestamp
		if settledAt.IsZero() {
			settledAt = time.Now().UTC()
		}
		applied, err := s.repo.ApplyPayoutPaidAtomic(ctx, payout.ID, event.ExternalID, settledAt)
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("level=info component=service flow=webhook msg=\"paid callback replayed on terminal payout, no-op\" payout_id=%s", payout.ID)
			return nil
		}
		log.Printf("level=info component=service flow=webhook msg=\"payout paid\" payout_id=%s amount=%d", payout.ID, payout.Amount)
		s.linkConversionsToPayout(ctx, payout)
		s.publishPayoutEvent(ctx, payout, domain.PayoutPaid, "")
		return nil

	case domain.PayoutFailed, domain.PayoutReversed:
		applied, err := s.repo.ApplyPayoutRefundAtomic(ctx, payout.ID, status, event.FailureReason, event.ExternalID)
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("level=info component=service flow=webhook msg=\"refund callback replayed on terminal payout, no-op\" payout_id=%s status=%s", payout.ID, status)
			return nil
		}
		log.Printf("level=info component=service flow=webhook msg=\"payout refunded\" payout_id=%s status=%s amount=%d reason=%q", payout.ID, status, payout.Amount, event.FailureReason)
		s.publishPayoutEvent(ctx, payout, status, event.FailureReason)
		return nil
	}

	return nil
}

func (s *Service) findWebhookPayout(ctx context.Context, event domain.PayoutWebhookEvent) (*domain.Payout, error) {
	if ref := strings.TrimSpace(event.ReferenceID); ref != "" {
		payoutID, err := uuid.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed reference id %q", store.ErrPayoutNotFound, ref)
		}
		return s.repo.FindPayoutByID(ctx, payoutID)
	}
	if ext := strings.TrimSpace(event.ExternalID); ext != "" {
		return s.repo.FindPayoutByProviderID(ctx, ext)
	}
	return nil, fmt.Errorf("%w: callback carries no reference", store.ErrPayoutNotFound)
}

// linkConversionsToPayout marks the affiliate's oldest payable conversions as
// paid by this payout, oldest first, until their effective amounts cover the
// payout. Best-effort: a failure here never un-settles the payout; the next
// paid payout picks up anything left unlinked.
func (s *Service) linkConversionsToPayout(ctx context.Context, payout *domain.Payout) {
	const pageSize = 100
	remaining := payout.Amount

	var payable []domain.Conversion
	for offset := 0; ; offset += pageSize {
		page, err := s.repo.ListConversionsByAffiliate(ctx, payout.AffiliateID, pageSize, offset)
		if err != nil {
			log.Printf("level=warn component=service flow=webhook msg=\"failed to list conversions for payout linkage\" payout_id=%s err=%v", payout.ID, err)
			return
		}
		for _, conv := range page {
			if conv.PayoutStatus != domain.ConversionUnpaid {
				continue
			}
			if conv.ApprovalStatus != domain.ConversionApproved && conv.ApprovalStatus != domain.ConversionAdjusted {
				continue
			}
			payable = append(payable, conv)
		}
		if len(page) < pageSize {
			break
		}
	}

	// Listing is newest first; link oldest first.
	for i := len(payable) - 1; i >= 0 && remaining > 0; i-- {
		conv := payable[i]
		if conv.EffectiveAmount() > remaining {
			break
		}
		if err := s.repo.MarkConversionPaidAtomic(ctx, conv.ID, payout.ID); err != nil {
			log.Printf("level=warn component=service flow=webhook msg=\"failed to mark conversion paid\" conversion_id=%s payout_id=%s err=%v", conv.ID, payout.ID, err)
			continue
		}
		remaining -= conv.EffectiveAmount()
	}
}

// ReconcileStuckPayouts polls the provider for payouts that have sat in
// processing longer than minAge and applies any terminal outcome through the
// same idempotent transitions the webhook path uses. Used when a webhook was
// lost; never assumes failure from silence alone.
func (s *Service) ReconcileStuckPayouts(ctx context.Context, payoutIDs []uuid.UUID, minAge time.Duration) (resolved int, err error) {
	cutoff := time.Now().UTC().Add(-minAge)

	for _, payoutID := range payoutIDs {
		payout, findErr := s.repo.FindPayoutByID(ctx, payoutID)
		if findErr != nil {
			log.Printf("level=warn component=service flow=payout_reconcile msg=\"payout lookup failed\" payout_id=%s err=%v", payoutID, findErr)
			continue
		}
		if domain.PayoutTerminal(payout.Status) || payout.UpdatedAt.After(cutoff) {
			continue
		}

		disb, provErr := s.payoutClient.GetDisbursement(ctx, payout.ID.String())
		if provErr != nil {
			log.Printf("level=warn component=service flow=payout_reconcile msg=\"provider lookup failed; payout stays in flight\" payout_id=%s err=%v", payout.ID, provErr)
			continue
		}

		status := NormalizeProviderStatus(disb.Status)
		if status == "" || status == domain.PayoutProcessing {
			continue
		}
		webhookErr := s.HandlePayoutWebhook(ctx, domain.PayoutWebhookEvent{
			ExternalID:  disb.ID,
			ReferenceID: payout.ID.String(),
			Status:      disb.Status,
			Timestamp:   time.Now().UTC(),
		})
		if webhookErr != nil {
			log.Printf("level=error component=service flow=payout_reconcile msg=\"failed to apply provider state\" payout_id=%s status=%s err=%v", payout.ID, status, webhookErr)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// ReconcileCounters recomputes affiliate profile counters from the click and
// conversion logs and corrects drift. Counters are dashboard read-models;
// money decisions never trust them.
func (s *Service) ReconcileCounters(ctx context.Context) (int64, error) {
	corrected, err := s.repo.RecountAffiliateStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("recount affiliate stats: %w", err)
	}
	if corrected > 0 {
		log.Printf("level=info component=service flow=counter_sweep msg=\"corrected drifted counters\" profiles=%d", corrected)
	}
	return corrected, nil
}
