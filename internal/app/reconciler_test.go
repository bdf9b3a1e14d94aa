package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/eksporyuk/affiliate-service/pkg/payoutclient"
	"github.com/google/uuid"
)

func TestNormalizeProviderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SUCCEEDED", domain.PayoutPaid},
		{"COMPLETED", domain.PayoutPaid},
		{"completed", domain.PayoutPaid},
		{" FAILED ", domain.PayoutFailed},
		{"CANCELLED", domain.PayoutFailed},
		{"REVERSED", domain.PayoutReversed},
		{"PENDING", domain.PayoutProcessing},
		{"ACCEPTED", domain.PayoutProcessing},
		{"SOMETHING_NEW", ""},
		{"", ""},
	}

	for _, tc := range tests {
		if got := NormalizeProviderStatus(tc.in); got != tc.want {
			t.Errorf("NormalizeProviderStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func processingPayout() *domain.Payout {
	return &domain.Payout{
		ID:          uuid.New(),
		AffiliateID: uuid.New(),
		WalletID:    uuid.New(),
		Amount:      150000,
		Status:      domain.PayoutProcessing,
	}
}

func TestHandlePayoutWebhook_UnknownReferenceIsNotFound(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil, nil, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ReferenceID: uuid.NewString(),
		Status:      "SUCCEEDED",
	})
	if !errors.Is(err, store.ErrPayoutNotFound) {
		t.Fatalf("expected ErrPayoutNotFound, got %v", err)
	}
}

func TestHandlePayoutWebhook_MalformedReferenceIsNotFound(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil, nil, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ReferenceID: "not-a-uuid",
		Status:      "SUCCEEDED",
	})
	if !errors.Is(err, store.ErrPayoutNotFound) {
		t.Fatalf("expected ErrPayoutNotFound for malformed reference, got %v", err)
	}
}

func TestHandlePayoutWebhook_UnknownStatusIsNoOp(t *testing.T) {
	payout := processingPayout()
	repo := &stubRepo{
		findPayoutByID: func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
			return payout, nil
		},
		applyPayoutPaid: func(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
			t.Fatal("unknown status must not touch the ledger")
			return false, nil
		},
		applyPayoutRefund: func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
			t.Fatal("unknown status must not touch the ledger")
			return false, nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ReferenceID: payout.ID.String(),
		Status:      "SOMETHING_NEW",
	})
	if err != nil {
		t.Fatalf("unknown status must be acknowledged without error, got %v", err)
	}
}

func TestHandlePayoutWebhook_PaidLinksConversionsOldestFirst(t *testing.T) {
	payout := processingPayout()
	payout.Amount = 100000

	// Listing is newest first; linkage should walk oldest first.
	newest := domain.Conversion{
		ID:               uuid.New(),
		AffiliateID:      payout.AffiliateID,
		CommissionAmount: 60000,
		ApprovalStatus:   domain.ConversionApproved,
		PayoutStatus:     domain.ConversionUnpaid,
	}
	oldest := domain.Conversion{
		ID:               uuid.New(),
		AffiliateID:      payout.AffiliateID,
		CommissionAmount: 50000,
		ApprovalStatus:   domain.ConversionApproved,
		PayoutStatus:     domain.ConversionUnpaid,
	}
	rejected := domain.Conversion{
		ID:               uuid.New(),
		AffiliateID:      payout.AffiliateID,
		CommissionAmount: 40000,
		ApprovalStatus:   domain.ConversionRejected,
		PayoutStatus:     domain.ConversionUnpaid,
	}

	var linked []uuid.UUID
	repo := &stubRepo{
		findPayoutByID: func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
			return payout, nil
		},
		applyPayoutPaid: func(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
			return true, nil
		},
		listConversions: func(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error) {
			if offset == 0 {
				return []domain.Conversion{newest, rejected, oldest}, nil
			}
			return nil, nil
		},
		markConversionPaid: func(ctx context.Context, conversionID, payoutID uuid.UUID) error {
			linked = append(linked, conversionID)
			return nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ExternalID:  "disb-1",
		ReferenceID: payout.ID.String(),
		Status:      "SUCCEEDED",
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("HandlePayoutWebhook returned error: %v", err)
	}
	// 100000 covers the oldest (50000) but not the newest (60000) afterwards.
	if len(linked) != 1 || linked[0] != oldest.ID {
		t.Fatalf("expected only the oldest payable conversion linked, got %v", linked)
	}
	if len(publisher.payoutEvents) != 1 || publisher.payoutEvents[0].Status != domain.PayoutPaid {
		t.Fatalf("expected one paid payout event, got %+v", publisher.payoutEvents)
	}
}

func TestHandlePayoutWebhook_PaidReplayIsNoOp(t *testing.T) {
	payout := processingPayout()
	payout.Status = domain.PayoutPaid
	repo := &stubRepo{
		findPayoutByID: func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
			return payout, nil
		},
		applyPayoutPaid: func(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
			return false, nil
		},
		markConversionPaid: func(ctx context.Context, conversionID, payoutID uuid.UUID) error {
			t.Fatal("replayed callback must not link conversions again")
			return nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ReferenceID: payout.ID.String(),
		Status:      "SUCCEEDED",
	})
	if err != nil {
		t.Fatalf("replayed callback must be acknowledged, got %v", err)
	}
	if len(publisher.payoutEvents) != 0 {
		t.Fatalf("expected no event on replay, got %+v", publisher.payoutEvents)
	}
}

func TestHandlePayoutWebhook_FailedRefundsAndPublishes(t *testing.T) {
	payout := processingPayout()
	var refundStatus, refundReason string
	repo := &stubRepo{
		findPayoutByID: func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
			return payout, nil
		},
		applyPayoutRefund: func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
			refundStatus = status
			refundReason = failureReason
			return true, nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ReferenceID:   payout.ID.String(),
		Status:        "FAILED",
		FailureReason: "account closed",
	})
	if err != nil {
		t.Fatalf("HandlePayoutWebhook returned error: %v", err)
	}
	if refundStatus != domain.PayoutFailed || refundReason != "account closed" {
		t.Fatalf("expected failed refund with reason, got status=%s reason=%q", refundStatus, refundReason)
	}
	if len(publisher.payoutEvents) != 1 || publisher.payoutEvents[0].Status != domain.PayoutFailed {
		t.Fatalf("expected one failed payout event, got %+v", publisher.payoutEvents)
	}
}

func TestHandlePayoutWebhook_ReversedAfterPaidUsesExternalIDLookup(t *testing.T) {
	payout := processingPayout()
	payout.Status = domain.PayoutPaid
	var refundStatus string
	repo := &stubRepo{
		findPayoutByProviderID: func(ctx context.Context, providerID string) (*domain.Payout, error) {
			if providerID != "disb-9" {
				return nil, store.ErrPayoutNotFound
			}
			return payout, nil
		},
		applyPayoutRefund: func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
			refundStatus = status
			return true, nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	err := svc.HandlePayoutWebhook(context.Background(), domain.PayoutWebhookEvent{
		ExternalID: "disb-9",
		Status:     "REVERSED",
	})
	if err != nil {
		t.Fatalf("HandlePayoutWebhook returned error: %v", err)
	}
	if refundStatus != domain.PayoutReversed {
		t.Fatalf("expected reversed refund, got %q", refundStatus)
	}
}

func TestReconcileStuckPayouts(t *testing.T) {
	stale := processingPayout()
	stale.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := processingPayout()
	fresh.UpdatedAt = time.Now().UTC()
	settled := processingPayout()
	settled.Status = domain.PayoutPaid
	settled.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)

	payouts := map[uuid.UUID]*domain.Payout{
		stale.ID:   stale,
		fresh.ID:   fresh,
		settled.ID: settled,
	}

	var paidApplied bool
	repo := &stubRepo{
		findPayoutByID: func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
			if p, ok := payouts[payoutID]; ok {
				return p, nil
			}
			return nil, store.ErrPayoutNotFound
		},
		applyPayoutPaid: func(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
			if payoutID != stale.ID {
				t.Fatalf("only the stale payout should settle, got %s", payoutID)
			}
			paidApplied = true
			return true, nil
		},
	}
	disburser := &stubDisburser{
		get: func(ctx context.Context, referenceID string) (*payoutclient.DisbursementResponse, error) {
			if referenceID != stale.ID.String() {
				t.Fatalf("provider should only be polled for the stale payout, got %s", referenceID)
			}
			return &payoutclient.DisbursementResponse{ID: "disb-7", ReferenceID: referenceID, Status: "SUCCEEDED"}, nil
		},
	}
	svc := newTestService(repo, disburser, nil, Config{})

	resolved, err := svc.ReconcileStuckPayouts(context.Background(), []uuid.UUID{stale.ID, fresh.ID, settled.ID}, time.Hour)
	if err != nil {
		t.Fatalf("ReconcileStuckPayouts returned error: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected one resolved payout, got %d", resolved)
	}
	if !paidApplied {
		t.Fatal("expected the stale payout to be settled as paid")
	}
}

func TestReconcileCounters(t *testing.T) {
	repo := &stubRepo{
		recountAffiliateStats: func(ctx context.Context) (int64, error) {
			return 3, nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	corrected, err := svc.ReconcileCounters(context.Background())
	if err != nil {
		t.Fatalf("ReconcileCounters returned error: %v", err)
	}
	if corrected != 3 {
		t.Fatalf("expected 3 corrected profiles, got %d", corrected)
	}
}
