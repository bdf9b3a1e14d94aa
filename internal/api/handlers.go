/**
 * @description
 * This file contains the HTTP handlers for the affiliate-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/app"
	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	attributionCookieName = "affiliate_ref"
	couponCookieName      = "affiliate_coupon"
)

// RateLimits configures the per-window request budgets enforced in handlers.
type RateLimits struct {
	ClickPerMinute  int
	PayoutPerMinute int
}

// AffiliateHandlers holds the application service that handlers will use.
type AffiliateHandlers struct {
	service     *app.Service
	rateLimiter *app.RedisRateLimiter
	limits      RateLimits
	cookieTTL   time.Duration
}

// NewAffiliateHandlers creates a new instance of AffiliateHandlers. A nil
// rateLimiter disables throttling.
func NewAffiliateHandlers(service *app.Service, rateLimiter *app.RedisRateLimiter, limits RateLimits, cookieTTL time.Duration) *AffiliateHandlers {
	if cookieTTL <= 0 {
		cookieTTL = 30 * 24 * time.Hour
	}
	return &AffiliateHandlers{
		service:     service,
		rateLimiter: rateLimiter,
		limits:      limits,
		cookieTTL:   cookieTTL,
	}
}

// ClickRedirectHandler handles the public attribution link:
// GET /aff/{affiliateCode}/{linkCode}[/{variant}]. On success it sets the
// attribution cookies and answers with a 302 to the resolved destination.
func (h *AffiliateHandlers) ClickRedirectHandler(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.consumeLimit(r, w, app.RateLimitScopeClick, ip, h.limits.ClickPerMinute) {
		return
	}

	req := app.ClickRequest{
		AffiliateCode: chi.URLParam(r, "affiliateCode"),
		LinkCode:      chi.URLParam(r, "linkCode"),
		Variant:       chi.URLParam(r, "variant"),
		CouponCode:    r.URL.Query().Get("coupon"),
		IPAddress:     ip,
		UserAgent:     r.UserAgent(),
		Referrer:      r.Referer(),
		Query:         r.URL.Query(),
	}

	result, err := h.service.TrackClick(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrLinkNotFound) || errors.Is(err, store.ErrAffiliateNotFound) {
			http.NotFound(w, r)
			return
		}
		if errors.Is(err, app.ErrLinkExpired) {
			http.Error(w, "This affiliate link has expired", http.StatusGone)
			return
		}
		log.Printf("level=error component=api endpoint=click outcome=failed affiliate_code=%s link_code=%s err=%v", req.AffiliateCode, req.LinkCode, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// An empty cookie means the click could not be recorded; the visitor is
	// still redirected but earns no attribution.
	if result.Cookie.AffiliateCode != "" {
		cookieValue, err := json.Marshal(result.Cookie)
		if err != nil {
			log.Printf("level=error component=api endpoint=click msg=\"failed to encode attribution cookie\" err=%v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		expires := time.Now().Add(h.cookieTTL)
		http.SetCookie(w, &http.Cookie{
			Name:     attributionCookieName,
			Value:    url.QueryEscape(string(cookieValue)),
			Path:     "/",
			Expires:  expires,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		if result.Cookie.CouponCode != "" {
			// Readable by the checkout frontend to prefill the coupon field.
			http.SetCookie(w, &http.Cookie{
				Name:     couponCookieName,
				Value:    result.Cookie.CouponCode,
				Path:     "/",
				Expires:  expires,
				SameSite: http.SameSiteLaxMode,
			})
		}
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// RecordConversionHandler handles the internal purchase-confirmation call:
// POST /internal/conversions. Idempotent per transaction id.
func (h *AffiliateHandlers) RecordConversionHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.PurchaseEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("level=warn component=api endpoint=record_conversion outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// The checkout layer forwards the raw cookie when not in the body.
	if event.CookieValue == "" {
		if cookie, err := r.Cookie(attributionCookieName); err == nil {
			if decoded, decErr := url.QueryUnescape(cookie.Value); decErr == nil {
				event.CookieValue = decoded
			}
		}
	}

	conv, err := h.service.RecordConversion(r.Context(), event)
	if err != nil {
		log.Printf("level=warn component=api endpoint=record_conversion outcome=failed transaction_id=%s err=%v", event.TransactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if conv == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"attributed": false})
		return
	}
	h.writeJSON(w, http.StatusCreated, conv)
}

// ListConversionsHandler returns the authenticated affiliate's conversions.
func (h *AffiliateHandlers) ListConversionsHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}
	limit, offset := paginationParams(r)

	conversions, err := h.service.ListConversions(r.Context(), affiliate.ID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_conversions outcome=failed affiliate_id=%s err=%v", affiliate.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if conversions == nil {
		conversions = []domain.Conversion{}
	}
	h.writeJSON(w, http.StatusOK, conversions)
}

// GetConversionHandler returns one conversion owned by the authenticated
// affiliate.
func (h *AffiliateHandlers) GetConversionHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}

	conversionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid conversion ID format")
		return
	}

	conv, err := h.service.GetConversion(r.Context(), conversionID)
	if err != nil {
		if errors.Is(err, store.ErrConversionNotFound) {
			h.writeError(w, http.StatusNotFound, "Conversion not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_conversion outcome=failed conversion_id=%s err=%v", conversionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if conv.AffiliateID != affiliate.ID {
		h.writeError(w, http.StatusNotFound, "Conversion not found")
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// ApproveConversionHandler handles the admin review transition:
// POST /admin/conversions/{id}/approve.
func (h *AffiliateHandlers) ApproveConversionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, conversionID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	conv, err := h.service.ApproveConversion(r.Context(), conversionID, actorID)
	if err != nil {
		h.writeReviewError(w, "approve_conversion", conversionID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// AdjustConversionHandler handles POST /admin/conversions/{id}/adjust.
func (h *AffiliateHandlers) AdjustConversionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, conversionID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	var req struct {
		AdjustedAmount int64  `json:"adjusted_amount"`
		Note           string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conv, err := h.service.AdjustConversion(r.Context(), conversionID, req.AdjustedAmount, req.Note, actorID)
	if err != nil {
		h.writeReviewError(w, "adjust_conversion", conversionID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// RejectConversionHandler handles POST /admin/conversions/{id}/reject.
func (h *AffiliateHandlers) RejectConversionHandler(w http.ResponseWriter, r *http.Request) {
	actorID, conversionID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conv, err := h.service.RejectConversion(r.Context(), conversionID, req.Note, actorID)
	if err != nil {
		h.writeReviewError(w, "reject_conversion", conversionID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// ApprovePendingRevenueHandler handles the admin review transition for held
// revenue shares: POST /admin/revenues/{id}/approve.
func (h *AffiliateHandlers) ApprovePendingRevenueHandler(w http.ResponseWriter, r *http.Request) {
	actorID, revenueID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	rec, err := h.service.ApprovePendingRevenue(r.Context(), revenueID, actorID)
	if err != nil {
		h.writeRevenueReviewError(w, "approve_revenue", revenueID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// AdjustPendingRevenueHandler handles POST /admin/revenues/{id}/adjust.
func (h *AffiliateHandlers) AdjustPendingRevenueHandler(w http.ResponseWriter, r *http.Request) {
	actorID, revenueID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	var req struct {
		AdjustedAmount int64  `json:"adjusted_amount"`
		Note           string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.service.AdjustPendingRevenue(r.Context(), revenueID, req.AdjustedAmount, req.Note, actorID)
	if err != nil {
		h.writeRevenueReviewError(w, "adjust_revenue", revenueID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// RejectPendingRevenueHandler handles POST /admin/revenues/{id}/reject.
func (h *AffiliateHandlers) RejectPendingRevenueHandler(w http.ResponseWriter, r *http.Request) {
	actorID, revenueID, ok := h.reviewParams(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.service.RejectPendingRevenue(r.Context(), revenueID, req.Note, actorID)
	if err != nil {
		h.writeRevenueReviewError(w, "reject_revenue", revenueID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetWalletHandler returns the authenticated affiliate's wallet balances.
func (h *AffiliateHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), affiliate.ID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			// No earnings yet; render an empty wallet rather than a 404.
			h.writeJSON(w, http.StatusOK, domain.Wallet{AffiliateID: affiliate.ID})
			return
		}
		log.Printf("level=error component=api endpoint=get_wallet outcome=failed affiliate_id=%s err=%v", affiliate.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// ListWalletTransactionsHandler returns the authenticated affiliate's ledger
// lines, newest first.
func (h *AffiliateHandlers) ListWalletTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), affiliate.ID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeJSON(w, http.StatusOK, []domain.WalletTransaction{})
			return
		}
		log.Printf("level=error component=api endpoint=list_wallet_transactions outcome=failed affiliate_id=%s err=%v", affiliate.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	limit, offset := paginationParams(r)
	transactions, err := h.service.ListWalletTransactions(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_wallet_transactions outcome=failed wallet_id=%s err=%v", wallet.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if transactions == nil {
		transactions = []domain.WalletTransaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// RequestPayoutHandler handles POST /payouts: an affiliate-initiated
// withdrawal of available balance.
func (h *AffiliateHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}
	if !h.consumeLimit(r, w, app.RateLimitScopePayout, affiliate.ID.String(), h.limits.PayoutPerMinute) {
		return
	}

	var req domain.PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payout, err := h.service.RequestPayout(r.Context(), affiliate.ID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=request_payout outcome=failed affiliate_id=%s err=%v", affiliate.ID, err)
		switch {
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, "Insufficient available balance")
		case errors.Is(err, app.ErrInvalidPayoutAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusPaymentRequired, "No available balance")
		case payout != nil:
			// Submission was explicitly rejected; the refund already ran.
			h.writeJSON(w, http.StatusBadGateway, payout)
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, payout)
}

// ListPayoutsHandler returns the authenticated affiliate's payouts.
func (h *AffiliateHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}
	limit, offset := paginationParams(r)

	payouts, err := h.service.ListPayouts(r.Context(), affiliate.ID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payouts outcome=failed affiliate_id=%s err=%v", affiliate.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	h.writeJSON(w, http.StatusOK, payouts)
}

// GetPayoutHandler returns one payout owned by the authenticated affiliate.
func (h *AffiliateHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	affiliate, ok := h.resolveAffiliate(w, r)
	if !ok {
		return
	}

	payoutID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout ID format")
		return
	}

	payout, err := h.service.GetPayout(r.Context(), payoutID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payout outcome=failed payout_id=%s err=%v", payoutID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if payout.AffiliateID != affiliate.ID {
		h.writeError(w, http.StatusNotFound, "Payout not found")
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// PayoutWebhookHandler handles POST /webhooks/payout: the provider's
// settlement callback. Unknown references answer 404 so the provider stops
// retrying; anything successfully applied (including replays) answers 200.
func (h *AffiliateHandlers) PayoutWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.PayoutWebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("level=warn component=api endpoint=payout_webhook outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid webhook body")
		return
	}

	if err := h.service.HandlePayoutWebhook(r.Context(), event); err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			log.Printf("level=warn component=api endpoint=payout_webhook outcome=unknown_reference external_id=%s reference_id=%s", event.ExternalID, event.ReferenceID)
			h.writeError(w, http.StatusNotFound, "Unknown payout reference")
			return
		}
		// Transient failure: a non-2xx answer makes the provider redeliver.
		log.Printf("level=error component=api endpoint=payout_webhook outcome=failed external_id=%s reference_id=%s err=%v", event.ExternalID, event.ReferenceID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReconcileCountersHandler handles POST /internal/reconcile/counters: the
// periodic sweep correcting drifted affiliate read-model counters.
func (h *AffiliateHandlers) ReconcileCountersHandler(w http.ResponseWriter, r *http.Request) {
	corrected, err := h.service.ReconcileCounters(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_counters outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"corrected_profiles": corrected})
}

// ReconcilePayoutsHandler handles POST /internal/reconcile/payouts: polls the
// provider for the named payouts stuck in flight and applies any terminal
// outcome through the same idempotent path the webhook uses.
func (h *AffiliateHandlers) ReconcilePayoutsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayoutIDs     []string `json:"payout_ids"`
		MinAgeMinutes int      `json:"min_age_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payoutIDs := make([]uuid.UUID, 0, len(req.PayoutIDs))
	for _, raw := range req.PayoutIDs {
		payoutID, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid payout ID format: "+raw)
			return
		}
		payoutIDs = append(payoutIDs, payoutID)
	}
	minAge := time.Duration(req.MinAgeMinutes) * time.Minute
	if minAge <= 0 {
		minAge = time.Hour
	}

	resolved, err := h.service.ReconcileStuckPayouts(r.Context(), payoutIDs, minAge)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_payouts outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}

// resolveAffiliate maps the JWT subject to the caller's affiliate profile.
func (h *AffiliateHandlers) resolveAffiliate(w http.ResponseWriter, r *http.Request) (*domain.AffiliateProfile, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return nil, false
	}

	affiliate, err := h.service.GetAffiliateByUserID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			h.writeError(w, http.StatusNotFound, "No affiliate profile for this account")
			return nil, false
		}
		log.Printf("level=error component=api msg=\"affiliate resolution failed\" user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return nil, false
	}
	return affiliate, true
}

// reviewParams extracts the admin actor and review target for admin
// endpoints.
func (h *AffiliateHandlers) reviewParams(w http.ResponseWriter, r *http.Request) (actorID, targetID uuid.UUID, ok bool) {
	userIDStr, found := GetAuthUserID(r.Context())
	if !found {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, uuid.Nil, false
	}
	actorID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, uuid.Nil, false
	}

	targetID, err = uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid ID format")
		return uuid.Nil, uuid.Nil, false
	}
	return actorID, targetID, true
}

func (h *AffiliateHandlers) writeReviewError(w http.ResponseWriter, endpoint string, conversionID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrConversionNotFound):
		h.writeError(w, http.StatusNotFound, "Conversion not found")
	case errors.Is(err, store.ErrInvalidStateTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusConflict, "Affiliate has no wallet for this conversion")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed conversion_id=%s err=%v", endpoint, conversionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *AffiliateHandlers) writeRevenueReviewError(w http.ResponseWriter, endpoint string, revenueID uuid.UUID, err error) {
	switch {
	case errors.Is(err, store.ErrPendingRevenueNotFound):
		h.writeError(w, http.StatusNotFound, "Revenue record not found")
	case errors.Is(err, store.ErrInvalidStateTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusConflict, "Platform wallet missing for this revenue record")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed revenue_id=%s err=%v", endpoint, revenueID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// consumeLimit enforces a per-window budget; answers 429 with Retry-After
// when exceeded. Limiter failures fail open.
func (h *AffiliateHandlers) consumeLimit(r *http.Request, w http.ResponseWriter, scope, subject string, limit int) bool {
	if h.rateLimiter == nil || limit <= 0 {
		return true
	}
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, subject, limit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}

// writeJSON is a helper for writing JSON responses.
func (h *AffiliateHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AffiliateHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
