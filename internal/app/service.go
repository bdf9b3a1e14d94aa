/**
 * @description
 * This file contains the core business logic for the affiliate-service. The
 * `Service` struct orchestrates attribution, commission calculation, ledger
 * transitions, and payout submission, coordinating between the database
 * repository, the disbursement provider client, and the message broker.
 *
 * Key features:
 * - Records conversions idempotently from confirmed purchase events.
 * - Drives the admin review transitions (approve / adjust / reject).
 * - Requests payouts with an optimistic wallet debit and compensates when the
 *   provider rejects the submission synchronously.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/payoutclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/eksporyuk/affiliate-service/pkg/payoutclient"
	"github.com/eksporyuk/affiliate-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// ErrInvalidPayoutAmount rejects payout requests below the configured
// minimum or not strictly positive.
var ErrInvalidPayoutAmount = errors.New("invalid payout amount")

// DisbursementClient is the provider surface the service needs; satisfied by
// *payoutclient.Client.
type DisbursementClient interface {
	CreateDisbursement(ctx context.Context, req payoutclient.DisbursementRequest) (*payoutclient.DisbursementResponse, error)
	GetDisbursement(ctx context.Context, referenceID string) (*payoutclient.DisbursementResponse, error)
}

// Config carries the business knobs the service needs at runtime.
type Config struct {
	CheckoutBaseURL     string
	AttributionTTL      time.Duration
	MinPayoutAmount     int64
	AdminFeePercent     float64
	FounderSharePercent float64
	// PlatformWalletID receives admin-fee / founder-share pending revenue.
	// Zero value disables revenue-share holds.
	PlatformWalletID uuid.UUID
	// Policies maps offer type to its commission policy. DefaultPolicy
	// applies when an offer type has no entry.
	Policies      map[string]CommissionPolicy
	DefaultPolicy CommissionPolicy
}

// Service provides the core business logic for the affiliate program.
type Service struct {
	repo          store.Repository
	payoutClient  DisbursementClient
	eventProducer rabbitmq.Publisher
	cfg           Config
}

// NewService creates a new affiliate service instance.
func NewService(repo store.Repository, payoutClient DisbursementClient, producer rabbitmq.Publisher, cfg Config) *Service {
	if cfg.AttributionTTL <= 0 {
		cfg.AttributionTTL = 30 * 24 * time.Hour
	}
	return &Service{
		repo:          repo,
		payoutClient:  payoutClient,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// policyForOffer returns the commission policy for an offer type.
func (s *Service) policyForOffer(offerType string) CommissionPolicy {
	if policy, ok := s.cfg.Policies[offerType]; ok {
		return policy
	}
	return s.cfg.DefaultPolicy
}

// RecordConversion resolves attribution for a confirmed purchase and, when an
// affiliate earned credit, records the conversion and its pending wallet
// credit. Returns (nil, nil) for organic sales. Idempotent on the purchase
// transaction id: a retried event returns the existing conversion.
func (s *Service) RecordConversion(ctx context.Context, event domain.PurchaseEvent) (*domain.Conversion, error) {
	if event.TransactionID == "" {
		return nil, errors.New("purchase event missing transaction id")
	}
	if event.Amount <= 0 {
		return nil, fmt.Errorf("purchase event %s has non-positive amount %d", event.TransactionID, event.Amount)
	}

	attribution, err := s.ResolveAttribution(ctx, event)
	if err != nil {
		return nil, err
	}

	// Revenue shares are held regardless of attribution outcome.
	s.recordPendingRevenueShares(ctx, event)

	if attribution.Affiliate == nil {
		log.Printf("level=info component=service flow=conversion msg=\"organic sale, no attribution\" transaction_id=%s", event.TransactionID)
		return nil, nil
	}

	policy := s.policyForOffer(event.OfferType)
	commission := CalculateCommission(policy, event.Amount)
	if commission <= 0 {
		log.Printf("level=info component=service flow=conversion msg=\"zero commission, skipping conversion\" transaction_id=%s affiliate_id=%s", event.TransactionID, attribution.Affiliate.ID)
		return nil, nil
	}

	conv := &domain.Conversion{
		ID:               uuid.New(),
		AffiliateID:      attribution.Affiliate.ID,
		TransactionID:    event.TransactionID,
		CommissionAmount: commission,
		CommissionRate:   policy.SnapshotRate(),
		CommissionType:   policy.Type,
		SaleAmount:       event.Amount,
		ApprovalStatus:   domain.ConversionPending,
		PayoutStatus:     domain.ConversionUnpaid,
	}

	if err := s.repo.CreateConversionAtomic(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversion) {
			// The replay may resolve to a different affiliate than the
			// recorded conversion did; the transaction id alone identifies it.
			log.Printf("level=info component=service flow=conversion msg=\"duplicate purchase event, returning existing conversion\" transaction_id=%s", event.TransactionID)
			return s.repo.FindConversionByTransactionID(ctx, event.TransactionID)
		}
		return nil, fmt.Errorf("create conversion: %w", err)
	}

	log.Printf("level=info component=service flow=conversion msg=\"conversion recorded\" conversion_id=%s affiliate_id=%s transaction_id=%s commission=%d source=%s",
		conv.ID, conv.AffiliateID, conv.TransactionID, conv.CommissionAmount, attribution.Source)

	s.publishCommissionEvent(ctx, conv)
	return conv, nil
}

// recordPendingRevenueShares holds the platform's admin-fee and founder-share
// cuts in the configured platform wallet. Failures here never fail the
// purchase; both inserts are idempotent on (transaction id, type).
func (s *Service) recordPendingRevenueShares(ctx context.Context, event domain.PurchaseEvent) {
	if s.cfg.PlatformWalletID == uuid.Nil {
		return
	}

	shares := []struct {
		kind    string
		percent float64
	}{
		{domain.PendingRevenueAdminFee, s.cfg.AdminFeePercent},
		{domain.PendingRevenueFounderShare, s.cfg.FounderSharePercent},
	}
	for _, share := range shares {
		if share.percent <= 0 {
			continue
		}
		amount := CalculateCommission(CommissionPolicy{Type: domain.CommissionTypePercentage, Rate: share.percent}, event.Amount)
		if amount <= 0 {
			continue
		}
		rec := &domain.PendingRevenue{
			ID:            uuid.New(),
			WalletID:      s.cfg.PlatformWalletID,
			TransactionID: event.TransactionID,
			SaleAmount:    event.Amount,
			Amount:        amount,
			Type:          share.kind,
			Percentage:    share.percent,
		}
		if err := s.repo.CreatePendingRevenueAtomic(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			log.Printf("level=warn component=service flow=conversion msg=\"failed to hold revenue share\" transaction_id=%s type=%s err=%v", event.TransactionID, share.kind, err)
		}
	}
}

// ApproveConversion moves a pending conversion's commission from the pending
// balance to the available balance.
func (s *Service) ApproveConversion(ctx context.Context, conversionID, actorID uuid.UUID) (*domain.Conversion, error) {
	conv, err := s.repo.ApproveConversionAtomic(ctx, conversionID, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"conversion approved\" conversion_id=%s actor_id=%s amount=%d", conv.ID, actorID, conv.CommissionAmount)
	s.publishCommissionEvent(ctx, conv)
	return conv, nil
}

// AdjustConversion corrects a conversion's commission. Adjustments may only
// lower the amount, never raise it above the original snapshot.
func (s *Service) AdjustConversion(ctx context.Context, conversionID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	conv, err := s.repo.AdjustConversionAtomic(ctx, conversionID, adjustedAmount, note, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"conversion adjusted\" conversion_id=%s actor_id=%s adjusted_amount=%d", conv.ID, actorID, adjustedAmount)
	s.publishCommissionEvent(ctx, conv)
	return conv, nil
}

// RejectConversion removes a pending conversion's hold. There is no
// reinstatement path for rejected conversions.
func (s *Service) RejectConversion(ctx context.Context, conversionID uuid.UUID, note string, actorID uuid.UUID) (*domain.Conversion, error) {
	conv, err := s.repo.RejectConversionAtomic(ctx, conversionID, note, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"conversion rejected\" conversion_id=%s actor_id=%s", conv.ID, actorID)
	s.publishCommissionEvent(ctx, conv)
	return conv, nil
}

// ApprovePendingRevenue moves a held revenue share from the platform
// wallet's pending balance to its available balance.
func (s *Service) ApprovePendingRevenue(ctx context.Context, revenueID, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	rec, err := s.repo.ApprovePendingRevenueAtomic(ctx, revenueID, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"revenue share approved\" revenue_id=%s actor_id=%s amount=%d", rec.ID, actorID, rec.Amount)
	return rec, nil
}

// AdjustPendingRevenue corrects a held revenue share downward.
func (s *Service) AdjustPendingRevenue(ctx context.Context, revenueID uuid.UUID, adjustedAmount int64, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	rec, err := s.repo.AdjustPendingRevenueAtomic(ctx, revenueID, adjustedAmount, note, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"revenue share adjusted\" revenue_id=%s actor_id=%s adjusted_amount=%d", rec.ID, actorID, adjustedAmount)
	return rec, nil
}

// RejectPendingRevenue releases a held revenue share without crediting it.
func (s *Service) RejectPendingRevenue(ctx context.Context, revenueID uuid.UUID, note string, actorID uuid.UUID) (*domain.PendingRevenue, error) {
	rec, err := s.repo.RejectPendingRevenueAtomic(ctx, revenueID, note, actorID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=review msg=\"revenue share rejected\" revenue_id=%s actor_id=%s", rec.ID, actorID)
	return rec, nil
}

// GetAffiliateByUserID resolves the affiliate profile owned by an
// authenticated platform user.
func (s *Service) GetAffiliateByUserID(ctx context.Context, userID uuid.UUID) (*domain.AffiliateProfile, error) {
	return s.repo.FindAffiliateByUserID(ctx, userID)
}

// GetConversion retrieves one conversion.
func (s *Service) GetConversion(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	return s.repo.FindConversionByID(ctx, conversionID)
}

// ListConversions returns an affiliate's conversions, newest first.
func (s *Service) ListConversions(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Conversion, error) {
	return s.repo.ListConversionsByAffiliate(ctx, affiliateID, clampLimit(limit), maxInt(offset, 0))
}

// GetWallet retrieves an affiliate's wallet.
func (s *Service) GetWallet(ctx context.Context, affiliateID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.FindWalletByAffiliateID(ctx, affiliateID)
}

// ListWalletTransactions returns a wallet's ledger lines, newest first.
func (s *Service) ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	return s.repo.ListWalletTransactions(ctx, walletID, clampLimit(limit), maxInt(offset, 0))
}

// GetPayout retrieves one payout.
func (s *Service) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return s.repo.FindPayoutByID(ctx, payoutID)
}

// ListPayouts returns an affiliate's payouts, newest first.
func (s *Service) ListPayouts(ctx context.Context, affiliateID uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	return s.repo.ListPayoutsByAffiliate(ctx, affiliateID, clampLimit(limit), maxInt(offset, 0))
}

// RequestPayout debits the affiliate's available balance, creates the payout
// record, and submits the disbursement to the provider.
//
// The debit is optimistic: money is in flight the instant the payout is
// requested. When the provider explicitly rejects the submission, the failed
// transition and refund credit are applied as one atomic unit, so a debited
// wallet always has a matching in-flight or failed payout. Ambiguous
// submission failures (timeouts, 5xx) leave the payout in flight; only a
// webhook or the reconciliation sweep may settle it, since assuming failure
// risks a double refund if the provider in fact succeeded.
func (s *Service) RequestPayout(ctx context.Context, affiliateID uuid.UUID, req domain.PayoutRequest) (*domain.Payout, error) {
	if req.Amount <= 0 || req.Amount < s.cfg.MinPayoutAmount {
		return nil, fmt.Errorf("%w: amount %d below minimum %d", ErrInvalidPayoutAmount, req.Amount, s.cfg.MinPayoutAmount)
	}

	payout := &domain.Payout{
		ID:          uuid.New(),
		AffiliateID: affiliateID,
		Amount:      req.Amount,
		Status:      domain.PayoutRequested,
		Destination: req.Destination,
	}
	if err := s.repo.CreatePayoutAtomic(ctx, payout); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=payout msg=\"payout requested, wallet debited\" payout_id=%s affiliate_id=%s amount=%d", payout.ID, affiliateID, payout.Amount)

	resp, err := s.payoutClient.CreateDisbursement(ctx, payoutclient.DisbursementRequest{
		ReferenceID:       payout.ID.String(),
		Amount:            payout.Amount,
		Currency:          "IDR",
		BankCode:          req.Destination.BankCode,
		AccountNumber:     req.Destination.AccountNumber,
		AccountHolderName: req.Destination.AccountName,
		Description:       "Affiliate payout",
	})
	if err != nil {
		var provErr *payoutclient.ErrorResponse
		if errors.As(err, &provErr) && provErr.IsExplicitRejection() {
			// Confirmed rejection: settle as failed and refund atomically.
			applied, refundErr := s.repo.ApplyPayoutRefundAtomic(ctx, payout.ID, domain.PayoutFailed, provErr.Error(), "")
			if refundErr != nil {
				log.Printf("level=error component=service flow=payout msg=\"provider rejected submission but refund failed; payout left in flight for reconciliation\" payout_id=%s err=%v", payout.ID, refundErr)
				return nil, fmt.Errorf("payout submission rejected and refund failed: %w", refundErr)
			}
			if applied {
				s.publishPayoutEvent(ctx, payout, domain.PayoutFailed, provErr.Error())
			}
			payout.Status = domain.PayoutFailed
			return payout, fmt.Errorf("payout submission rejected: %w", err)
		}

		// Ambiguous failure: outcome unknown, keep the payout in flight.
		log.Printf("level=warn component=service flow=payout msg=\"provider submission outcome unknown; payout stays in flight\" payout_id=%s err=%v", payout.ID, err)
		s.publishPayoutEvent(ctx, payout, domain.PayoutRequested, "")
		return payout, nil
	}

	if err := s.repo.MarkPayoutProcessing(ctx, payout.ID, resp.ID); err != nil {
		// A fast webhook may have settled the payout already; not an error.
		log.Printf("level=warn component=service flow=payout msg=\"could not mark payout processing\" payout_id=%s provider_id=%s err=%v", payout.ID, resp.ID, err)
	} else {
		payout.Status = domain.PayoutProcessing
	}
	log.Printf("level=info component=service flow=payout msg=\"payout submitted\" payout_id=%s provider_id=%s", payout.ID, resp.ID)

	s.publishPayoutEvent(ctx, payout, payout.Status, "")
	return payout, nil
}

func (s *Service) publishCommissionEvent(ctx context.Context, conv *domain.Conversion) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.CommissionEvent{
		ConversionID: conv.ID,
		AffiliateID:  conv.AffiliateID,
		Amount:       conv.EffectiveAmount(),
		Status:       conv.ApprovalStatus,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.eventProducer.PublishCommissionEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish commission event\" conversion_id=%s err=%v", conv.ID, err)
	}
}

func (s *Service) publishPayoutEvent(ctx context.Context, payout *domain.Payout, status, reason string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.PayoutEvent{
		PayoutID:    payout.ID,
		AffiliateID: payout.AffiliateID,
		Amount:      payout.Amount,
		Status:      status,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.eventProducer.PublishPayoutEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish payout event\" payout_id=%s err=%v", payout.ID, err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
