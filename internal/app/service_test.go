package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/eksporyuk/affiliate-service/pkg/payoutclient"
	"github.com/eksporyuk/affiliate-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// stubRepo implements store.Repository with overridable functions. Methods
// without an override return their not-found sentinel.
type stubRepo struct {
	store.Repository

	findAffiliateByCode         func(ctx context.Context, code string) (*domain.AffiliateProfile, error)
	findLinkByCode              func(ctx context.Context, affiliateCode, linkCode string) (*domain.AffiliateLink, error)
	recordClickAtomic           func(ctx context.Context, click *domain.Click) error
	createConversionAtomic      func(ctx context.Context, conv *domain.Conversion) error
	findConversionByTransaction func(ctx context.Context, transactionID string) (*domain.Conversion, error)
	listConversions             func(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error)
	approveConversion           func(ctx context.Context, conversionID, actorID uuid.UUID) (*domain.Conversion, error)
	adjustConversion            func(ctx context.Context, conversionID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.Conversion, error)
	rejectConversion            func(ctx context.Context, conversionID uuid.UUID, note string, actorID uuid.UUID) (*domain.Conversion, error)
	markConversionPaid          func(ctx context.Context, conversionID, payoutID uuid.UUID) error
	createPendingRevenue        func(ctx context.Context, rec *domain.PendingRevenue) error
	approvePendingRevenue       func(ctx context.Context, revenueID, actorID uuid.UUID) (*domain.PendingRevenue, error)
	adjustPendingRevenue        func(ctx context.Context, revenueID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.PendingRevenue, error)
	rejectPendingRevenue        func(ctx context.Context, revenueID uuid.UUID, note string, actorID uuid.UUID) (*domain.PendingRevenue, error)
	findWalletByAffiliateID     func(ctx context.Context, affiliateID uuid.UUID) (*domain.Wallet, error)
	createPayoutAtomic          func(ctx context.Context, payout *domain.Payout) error
	findPayoutByID              func(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	findPayoutByProviderID      func(ctx context.Context, providerID string) (*domain.Payout, error)
	markPayoutProcessing        func(ctx context.Context, payoutID uuid.UUID, providerID string) error
	applyPayoutPaid             func(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error)
	applyPayoutRefund           func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error)
	recountAffiliateStats       func(ctx context.Context) (int64, error)
}

func (r *stubRepo) FindAffiliateByCode(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
	if r.findAffiliateByCode != nil {
		return r.findAffiliateByCode(ctx, code)
	}
	return nil, store.ErrAffiliateNotFound
}

func (r *stubRepo) FindLinkByCode(ctx context.Context, affiliateCode, linkCode string) (*domain.AffiliateLink, error) {
	if r.findLinkByCode != nil {
		return r.findLinkByCode(ctx, affiliateCode, linkCode)
	}
	return nil, store.ErrLinkNotFound
}

func (r *stubRepo) RecordClickAtomic(ctx context.Context, click *domain.Click) error {
	if r.recordClickAtomic != nil {
		return r.recordClickAtomic(ctx, click)
	}
	return nil
}

func (r *stubRepo) CreateConversionAtomic(ctx context.Context, conv *domain.Conversion) error {
	if r.createConversionAtomic != nil {
		return r.createConversionAtomic(ctx, conv)
	}
	return nil
}

func (r *stubRepo) FindConversionByTransactionID(ctx context.Context, transactionID string) (*domain.Conversion, error) {
	if r.findConversionByTransaction != nil {
		return r.findConversionByTransaction(ctx, transactionID)
	}
	return nil, store.ErrConversionNotFound
}

func (r *stubRepo) ListConversionsByAffiliate(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error) {
	if r.listConversions != nil {
		return r.listConversions(ctx, affiliateID, limit, offset)
	}
	return nil, nil
}

func (r *stubRepo) ApproveConversionAtomic(ctx context.Context, conversionID, actorID uuid.UUID) (*domain.Conversion, error) {
	if r.approveConversion != nil {
		return r.approveConversion(ctx, conversionID, actorID)
	}
	return nil, store.ErrConversionNotFound
}

func (r *stubRepo) AdjustConversionAtomic(ctx context.Context, conversionID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	if r.adjustConversion != nil {
		return r.adjustConversion(ctx, conversionID, adjustedAmount, note, actorID)
	}
	return nil, store.ErrConversionNotFound
}

func (r *stubRepo) RejectConversionAtomic(ctx context.Context, conversionID uuid.UUID, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	if r.rejectConversion != nil {
		return r.rejectConversion(ctx, conversionID, note, actorID)
	}
	return nil, store.ErrConversionNotFound
}

func (r *stubRepo) MarkConversionPaidAtomic(ctx context.Context, conversionID, payoutID uuid.UUID) error {
	if r.markConversionPaid != nil {
		return r.markConversionPaid(ctx, conversionID, payoutID)
	}
	return nil
}

func (r *stubRepo) CreatePendingRevenueAtomic(ctx context.Context, rec *domain.PendingRevenue) error {
	if r.createPendingRevenue != nil {
		return r.createPendingRevenue(ctx, rec)
	}
	return nil
}

func (r *stubRepo) ApprovePendingRevenueAtomic(ctx context.Context, revenueID, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	if r.approvePendingRevenue != nil {
		return r.approvePendingRevenue(ctx, revenueID, actorID)
	}
	return nil, store.ErrPendingRevenueNotFound
}

func (r *stubRepo) AdjustPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	if r.adjustPendingRevenue != nil {
		return r.adjustPendingRevenue(ctx, revenueID, adjustedAmount, note, actorID)
	}
	return nil, store.ErrPendingRevenueNotFound
}

func (r *stubRepo) RejectPendingRevenueAtomic(ctx context.Context, revenueID uuid.UUID, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	if r.rejectPendingRevenue != nil {
		return r.rejectPendingRevenue(ctx, revenueID, note, actorID)
	}
	return nil, store.ErrPendingRevenueNotFound
}

func (r *stubRepo) FindWalletByAffiliateID(ctx context.Context, affiliateID uuid.UUID) (*domain.Wallet, error) {
	if r.findWalletByAffiliateID != nil {
		return r.findWalletByAffiliateID(ctx, affiliateID)
	}
	return nil, store.ErrWalletNotFound
}

func (r *stubRepo) CreatePayoutAtomic(ctx context.Context, payout *domain.Payout) error {
	if r.createPayoutAtomic != nil {
		return r.createPayoutAtomic(ctx, payout)
	}
	return nil
}

func (r *stubRepo) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	if r.findPayoutByID != nil {
		return r.findPayoutByID(ctx, payoutID)
	}
	return nil, store.ErrPayoutNotFound
}

func (r *stubRepo) FindPayoutByProviderID(ctx context.Context, providerID string) (*domain.Payout, error) {
	if r.findPayoutByProviderID != nil {
		return r.findPayoutByProviderID(ctx, providerID)
	}
	return nil, store.ErrPayoutNotFound
}

func (r *stubRepo) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID, providerID string) error {
	if r.markPayoutProcessing != nil {
		return r.markPayoutProcessing(ctx, payoutID, providerID)
	}
	return nil
}

func (r *stubRepo) ApplyPayoutPaidAtomic(ctx context.Context, payoutID uuid.UUID, providerID string, settledAt time.Time) (bool, error) {
	if r.applyPayoutPaid != nil {
		return r.applyPayoutPaid(ctx, payoutID, providerID, settledAt)
	}
	return false, store.ErrPayoutNotFound
}

func (r *stubRepo) ApplyPayoutRefundAtomic(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
	if r.applyPayoutRefund != nil {
		return r.applyPayoutRefund(ctx, payoutID, status, failureReason, providerID)
	}
	return false, store.ErrPayoutNotFound
}

func (r *stubRepo) RecountAffiliateStats(ctx context.Context) (int64, error) {
	if r.recountAffiliateStats != nil {
		return r.recountAffiliateStats(ctx)
	}
	return 0, nil
}

// stubPublisher records published events.
type stubPublisher struct {
	mu               sync.Mutex
	commissionEvents []rabbitmq.CommissionEvent
	payoutEvents     []rabbitmq.PayoutEvent
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *stubPublisher) PublishCommissionEvent(ctx context.Context, event rabbitmq.CommissionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commissionEvents = append(p.commissionEvents, event)
	return nil
}

func (p *stubPublisher) PublishPayoutEvent(ctx context.Context, event rabbitmq.PayoutEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payoutEvents = append(p.payoutEvents, event)
	return nil
}

func (p *stubPublisher) Close() {}

// stubDisburser implements DisbursementClient.
type stubDisburser struct {
	create func(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error)
	get    func(ctx context.Context, referenceID string) (*payoutclient.DisbursementResponse, error)
}

func (d *stubDisburser) CreateDisbursement(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error) {
	if d.create != nil {
		return d.create(ctx, req)
	}
	return &payoutclient.DisbursementResponse{ID: "disb-1", ReferenceID: req.ReferenceID, Status: "PENDING"}, nil
}

func (d *stubDisburser) GetDisbursement(ctx context.Context, referenceID string) (*payoutclient.DisbursementResponse, error) {
	if d.get != nil {
		return d.get(ctx, referenceID)
	}
	return nil, errors.New("not configured")
}

func approvedAffiliate(code string) *domain.AffiliateProfile {
	return &domain.AffiliateProfile{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Code:   code,
		Status: domain.AffiliateStatusApproved,
	}
}

func newTestService(repo store.Repository, disburser DisbursementClient, publisher rabbitmq.Publisher, cfg Config) *Service {
	if cfg.CheckoutBaseURL == "" {
		cfg.CheckoutBaseURL = "https://shop.example.com"
	}
	if cfg.DefaultPolicy.Type == "" {
		cfg.DefaultPolicy = CommissionPolicy{Type: domain.CommissionTypePercentage, Rate: 20}
	}
	return NewService(repo, disburser, publisher, cfg)
}

func TestRecordConversion_OrganicSaleCreatesNothing(t *testing.T) {
	created := false
	repo := &stubRepo{
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error {
			created = true
			return nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-organic",
		Amount:        500000,
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv != nil {
		t.Fatalf("expected nil conversion for organic sale, got %+v", conv)
	}
	if created {
		t.Fatal("expected no conversion to be created for organic sale")
	}
}

func TestRecordConversion_OverrideAttributionSnapshotsCommission(t *testing.T) {
	affiliate := approvedAffiliate("budi")
	var captured *domain.Conversion
	repo := &stubRepo{
		findAffiliateByCode: func(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
			if code == "budi" {
				return affiliate, nil
			}
			return nil, store.ErrAffiliateNotFound
		},
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error {
			captured = conv
			return nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-1",
		Amount:        500000,
		OverrideCode:  "budi",
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv == nil || captured == nil {
		t.Fatal("expected a conversion to be created")
	}
	if conv.CommissionAmount != 100000 {
		t.Fatalf("expected 20%% commission of 100000, got %d", conv.CommissionAmount)
	}
	if conv.CommissionRate != 20 || conv.CommissionType != domain.CommissionTypePercentage {
		t.Fatalf("expected policy snapshot on conversion, got rate=%f type=%s", conv.CommissionRate, conv.CommissionType)
	}
	if conv.ApprovalStatus != domain.ConversionPending || conv.PayoutStatus != domain.ConversionUnpaid {
		t.Fatalf("expected pending/unpaid conversion, got %s/%s", conv.ApprovalStatus, conv.PayoutStatus)
	}
	if len(publisher.commissionEvents) != 1 || publisher.commissionEvents[0].Status != domain.ConversionPending {
		t.Fatalf("expected one pending commission event, got %+v", publisher.commissionEvents)
	}
}

func TestRecordConversion_OverrideBeatsCookie(t *testing.T) {
	override := approvedAffiliate("override-aff")
	cookieAff := approvedAffiliate("cookie-aff")
	repo := &stubRepo{
		findAffiliateByCode: func(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
			switch code {
			case "override-aff":
				return override, nil
			case "cookie-aff":
				return cookieAff, nil
			}
			return nil, store.ErrAffiliateNotFound
		},
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error { return nil },
	}
	svc := newTestService(repo, nil, nil, Config{})

	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-2",
		Amount:        100000,
		OverrideCode:  "override-aff",
		CookieValue:   `{"affiliate_code":"cookie-aff","set_at":"` + time.Now().UTC().Format(time.RFC3339) + `"}`,
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv == nil || conv.AffiliateID != override.ID {
		t.Fatalf("expected override affiliate to win attribution, got %+v", conv)
	}
}

func TestRecordConversion_DuplicateTransactionReturnsExisting(t *testing.T) {
	affiliate := approvedAffiliate("budi")
	existing := domain.Conversion{
		ID:            uuid.New(),
		AffiliateID:   affiliate.ID,
		TransactionID: "trx-dup",
	}
	repo := &stubRepo{
		findAffiliateByCode: func(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
			return affiliate, nil
		},
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error {
			return store.ErrDuplicateConversion
		},
		findConversionByTransaction: func(ctx context.Context, transactionID string) (*domain.Conversion, error) {
			if transactionID == "trx-dup" {
				return &existing, nil
			}
			return nil, store.ErrConversionNotFound
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-dup",
		Amount:        500000,
		OverrideCode:  "budi",
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv == nil || conv.ID != existing.ID {
		t.Fatalf("expected the existing conversion back on replay, got %+v", conv)
	}
	if len(publisher.commissionEvents) != 0 {
		t.Fatalf("expected no commission event on replay, got %d", len(publisher.commissionEvents))
	}
}

func TestRecordConversion_ReplayAttributedToOtherAffiliateStillResolves(t *testing.T) {
	first := approvedAffiliate("first-touch")
	second := approvedAffiliate("second-touch")
	existing := domain.Conversion{
		ID:            uuid.New(),
		AffiliateID:   first.ID,
		TransactionID: "trx-replay",
	}
	repo := &stubRepo{
		findAffiliateByCode: func(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
			if code == "second-touch" {
				return second, nil
			}
			return nil, store.ErrAffiliateNotFound
		},
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error {
			return store.ErrDuplicateConversion
		},
		findConversionByTransaction: func(ctx context.Context, transactionID string) (*domain.Conversion, error) {
			if transactionID == "trx-replay" {
				return &existing, nil
			}
			return nil, store.ErrConversionNotFound
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	// The buyer clicked a different affiliate's link between checkout
	// retries, so the replay attributes to an affiliate that does not own
	// the recorded conversion. The replay must still resolve cleanly.
	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-replay",
		Amount:        500000,
		OverrideCode:  "second-touch",
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv == nil || conv.ID != existing.ID || conv.AffiliateID != first.ID {
		t.Fatalf("expected the originally recorded conversion back, got %+v", conv)
	}
}

func TestRecordConversion_ZeroCommissionSkipsConversion(t *testing.T) {
	affiliate := approvedAffiliate("budi")
	repo := &stubRepo{
		findAffiliateByCode: func(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
			return affiliate, nil
		},
		createConversionAtomic: func(ctx context.Context, conv *domain.Conversion) error {
			t.Fatal("conversion should not be created for zero commission")
			return nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{
		DefaultPolicy: CommissionPolicy{Type: domain.CommissionTypePercentage, Rate: 0},
	})

	conv, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-3",
		Amount:        100000,
		OverrideCode:  "budi",
	})
	if err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if conv != nil {
		t.Fatalf("expected nil conversion for zero commission, got %+v", conv)
	}
}

func TestRecordConversion_HoldsRevenueSharesForOrganicSales(t *testing.T) {
	platformWallet := uuid.New()
	var held []domain.PendingRevenue
	repo := &stubRepo{
		createPendingRevenue: func(ctx context.Context, rec *domain.PendingRevenue) error {
			held = append(held, *rec)
			return nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{
		PlatformWalletID:    platformWallet,
		AdminFeePercent:     5,
		FounderSharePercent: 2,
	})

	if _, err := svc.RecordConversion(context.Background(), domain.PurchaseEvent{
		TransactionID: "trx-4",
		Amount:        100000,
	}); err != nil {
		t.Fatalf("RecordConversion returned error: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("expected admin fee and founder share holds, got %d", len(held))
	}
	if held[0].Type != domain.PendingRevenueAdminFee || held[0].Amount != 5000 {
		t.Fatalf("unexpected admin fee hold: %+v", held[0])
	}
	if held[1].Type != domain.PendingRevenueFounderShare || held[1].Amount != 2000 {
		t.Fatalf("unexpected founder share hold: %+v", held[1])
	}
	for _, rec := range held {
		if rec.SaleAmount != 100000 {
			t.Fatalf("expected sale amount snapshot on %s hold, got %d", rec.Type, rec.SaleAmount)
		}
		if rec.WalletID != platformWallet {
			t.Fatalf("expected hold on platform wallet, got %s", rec.WalletID)
		}
	}
}

func TestApprovePendingRevenue_DelegatesToRepository(t *testing.T) {
	revenueID := uuid.New()
	actorID := uuid.New()
	repo := &stubRepo{
		approvePendingRevenue: func(ctx context.Context, id, actor uuid.UUID) (*domain.PendingRevenue, error) {
			if id != revenueID || actor != actorID {
				t.Fatalf("unexpected approve args: %s %s", id, actor)
			}
			return &domain.PendingRevenue{
				ID:     id,
				Amount: 5000,
				Status: domain.ConversionApproved,
			}, nil
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	rec, err := svc.ApprovePendingRevenue(context.Background(), revenueID, actorID)
	if err != nil {
		t.Fatalf("ApprovePendingRevenue returned error: %v", err)
	}
	if rec.Status != domain.ConversionApproved {
		t.Fatalf("expected approved revenue share, got %s", rec.Status)
	}
}

func TestAdjustPendingRevenue_PropagatesInvalidTransition(t *testing.T) {
	repo := &stubRepo{
		adjustPendingRevenue: func(ctx context.Context, id uuid.UUID, amount int64, note string, actor uuid.UUID) (*domain.PendingRevenue, error) {
			return nil, store.ErrInvalidStateTransition
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	_, err := svc.AdjustPendingRevenue(context.Background(), uuid.New(), 1000, "partial refund", uuid.New())
	if !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestRejectPendingRevenue_PropagatesNotFound(t *testing.T) {
	svc := newTestService(&stubRepo{}, nil, nil, Config{})

	_, err := svc.RejectPendingRevenue(context.Background(), uuid.New(), "chargeback", uuid.New())
	if !errors.Is(err, store.ErrPendingRevenueNotFound) {
		t.Fatalf("expected ErrPendingRevenueNotFound, got %v", err)
	}
}

func TestApproveConversion_PublishesApprovedEvent(t *testing.T) {
	conversionID := uuid.New()
	actorID := uuid.New()
	repo := &stubRepo{
		approveConversion: func(ctx context.Context, id, actor uuid.UUID) (*domain.Conversion, error) {
			if id != conversionID || actor != actorID {
				t.Fatalf("unexpected approve args: %s %s", id, actor)
			}
			return &domain.Conversion{
				ID:               id,
				CommissionAmount: 75000,
				ApprovalStatus:   domain.ConversionApproved,
			}, nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, nil, publisher, Config{})

	conv, err := svc.ApproveConversion(context.Background(), conversionID, actorID)
	if err != nil {
		t.Fatalf("ApproveConversion returned error: %v", err)
	}
	if conv.ApprovalStatus != domain.ConversionApproved {
		t.Fatalf("expected approved conversion, got %s", conv.ApprovalStatus)
	}
	if len(publisher.commissionEvents) != 1 || publisher.commissionEvents[0].Status != domain.ConversionApproved {
		t.Fatalf("expected one approved commission event, got %+v", publisher.commissionEvents)
	}
}

func TestAdjustConversion_PropagatesInvalidTransition(t *testing.T) {
	repo := &stubRepo{
		adjustConversion: func(ctx context.Context, id uuid.UUID, amount int64, note string, actor uuid.UUID) (*domain.Conversion, error) {
			return nil, store.ErrInvalidStateTransition
		},
	}
	svc := newTestService(repo, nil, nil, Config{})

	_, err := svc.AdjustConversion(context.Background(), uuid.New(), 10000, "over-quoted", uuid.New())
	if !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestRequestPayout_RejectsAmountBelowMinimum(t *testing.T) {
	svc := newTestService(&stubRepo{}, &stubDisburser{}, nil, Config{MinPayoutAmount: 50000})

	_, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 25000})
	if !errors.Is(err, ErrInvalidPayoutAmount) {
		t.Fatalf("expected ErrInvalidPayoutAmount, got %v", err)
	}
}

func TestRequestPayout_PropagatesInsufficientBalance(t *testing.T) {
	repo := &stubRepo{
		createPayoutAtomic: func(ctx context.Context, payout *domain.Payout) error {
			return store.ErrInsufficientBalance
		},
	}
	svc := newTestService(repo, &stubDisburser{}, nil, Config{})

	_, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 100000})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRequestPayout_ExplicitRejectionRefundsAtomically(t *testing.T) {
	var refundStatus string
	var refundedPayout uuid.UUID
	repo := &stubRepo{
		createPayoutAtomic: func(ctx context.Context, payout *domain.Payout) error { return nil },
		applyPayoutRefund: func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
			refundStatus = status
			refundedPayout = payoutID
			return true, nil
		},
	}
	disburser := &stubDisburser{
		create: func(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error) {
			return nil, &payoutclient.ErrorResponse{StatusCode: 400, ErrorCode: "INVALID_DESTINATION", Message: "account not found"}
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, disburser, publisher, Config{})

	payout, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 100000})
	if err == nil {
		t.Fatal("expected an error for explicit provider rejection")
	}
	if payout == nil || payout.Status != domain.PayoutFailed {
		t.Fatalf("expected a failed payout back, got %+v", payout)
	}
	if refundStatus != domain.PayoutFailed || refundedPayout != payout.ID {
		t.Fatalf("expected refund to failed for payout %s, got status=%s payout=%s", payout.ID, refundStatus, refundedPayout)
	}
	if len(publisher.payoutEvents) != 1 || publisher.payoutEvents[0].Status != domain.PayoutFailed {
		t.Fatalf("expected one failed payout event, got %+v", publisher.payoutEvents)
	}
}

func TestRequestPayout_AmbiguousFailureLeavesPayoutInFlight(t *testing.T) {
	refunded := false
	repo := &stubRepo{
		createPayoutAtomic: func(ctx context.Context, payout *domain.Payout) error { return nil },
		applyPayoutRefund: func(ctx context.Context, payoutID uuid.UUID, status, failureReason, providerID string) (bool, error) {
			refunded = true
			return true, nil
		},
	}
	disburser := &stubDisburser{
		create: func(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error) {
			return nil, errors.New("request timed out")
		},
	}
	svc := newTestService(repo, disburser, nil, Config{})

	payout, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("ambiguous failure must not surface an error, got %v", err)
	}
	if payout == nil || payout.Status != domain.PayoutRequested {
		t.Fatalf("expected payout to stay requested, got %+v", payout)
	}
	if refunded {
		t.Fatal("ambiguous failure must never trigger a refund")
	}
}

func TestRequestPayout_SuccessMarksProcessing(t *testing.T) {
	var markedProvider string
	repo := &stubRepo{
		createPayoutAtomic: func(ctx context.Context, payout *domain.Payout) error { return nil },
		markPayoutProcessing: func(ctx context.Context, payoutID uuid.UUID, providerID string) error {
			markedProvider = providerID
			return nil
		},
	}
	disburser := &stubDisburser{
		create: func(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error) {
			return &payoutclient.DisbursementResponse{ID: "disb-42", ReferenceID: req.ReferenceID, Status: "PENDING"}, nil
		},
	}
	svc := newTestService(repo, disburser, nil, Config{})

	payout, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if payout.Status != domain.PayoutProcessing {
		t.Fatalf("expected processing payout, got %s", payout.Status)
	}
	if markedProvider != "disb-42" {
		t.Fatalf("expected provider id recorded, got %q", markedProvider)
	}
}

func TestRequestPayout_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	var mu sync.Mutex
	balance := int64(100000)

	repo := &stubRepo{
		createPayoutAtomic: func(ctx context.Context, payout *domain.Payout) error {
			mu.Lock()
			defer mu.Unlock()
			if balance < payout.Amount {
				return store.ErrInsufficientBalance
			}
			balance -= payout.Amount
			return nil
		},
	}
	svc := newTestService(repo, &stubDisburser{}, nil, Config{})

	const workers = 5
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RequestPayout(context.Background(), uuid.New(), domain.PayoutRequest{Amount: 60000}); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	succeeded := 0
	for range successes {
		succeeded++
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one payout to win the balance, got %d", succeeded)
	}
	mu.Lock()
	defer mu.Unlock()
	if balance < 0 {
		t.Fatalf("wallet balance went negative: %d", balance)
	}
}
