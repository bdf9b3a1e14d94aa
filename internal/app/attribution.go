/**
 * @description
 * This file implements attribution: deciding which affiliate, if any, earns
 * credit for a confirmed purchase. Precedence, first match wins:
 *
 *   1. An explicit affiliate override passed with the purchase.
 *   2. The attribution cookie's affiliate code, if not expired.
 *   3. No attribution (organic sale) — a valid outcome, not an error.
 *
 * Last touch wins is enforced entirely by cookie overwrite at click time;
 * only one cookie exists client-side, so resolution never arbitrates between
 * simultaneous cookies. Resolution itself is a pure function of the event,
 * the cookie value, and the affiliate directory state.
 *
 * @dependencies
 * - encoding/json, strings, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and the affiliate directory.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
)

// Attribution sources, recorded for audit and event payloads.
const (
	AttributionSourceOverride = "override"
	AttributionSourceCookie   = "cookie"
	AttributionSourceOrganic  = "organic"
)

// Attribution is the outcome of resolving a purchase event. Affiliate is nil
// for organic sales.
type Attribution struct {
	Affiliate  *domain.AffiliateProfile
	Source     string
	CouponCode string
}

// ParseAttributionCookie decodes a raw `affiliate_ref` cookie value. Returns
// false when the value is absent, malformed, carries no affiliate code, or
// was set longer than ttl ago.
func ParseAttributionCookie(raw string, now time.Time, ttl time.Duration) (domain.AttributionCookie, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.AttributionCookie{}, false
	}

	var cookie domain.AttributionCookie
	if err := json.Unmarshal([]byte(raw), &cookie); err != nil {
		return domain.AttributionCookie{}, false
	}
	if strings.TrimSpace(cookie.AffiliateCode) == "" {
		return domain.AttributionCookie{}, false
	}
	if !cookie.SetAt.IsZero() && now.Sub(cookie.SetAt) > ttl {
		return domain.AttributionCookie{}, false
	}
	return cookie, true
}

// ResolveAttribution determines the credited affiliate for a purchase event.
// An override or cookie naming an unknown or non-approved affiliate falls
// through to the next rule instead of failing the purchase.
func (s *Service) ResolveAttribution(ctx context.Context, event domain.PurchaseEvent) (Attribution, error) {
	if code := strings.TrimSpace(event.OverrideCode); code != "" {
		affiliate, err := s.lookupActiveAffiliate(ctx, code)
		if err != nil {
			return Attribution{}, fmt.Errorf("resolve override affiliate: %w", err)
		}
		if affiliate != nil {
			return Attribution{Affiliate: affiliate, Source: AttributionSourceOverride, CouponCode: event.CouponCode}, nil
		}
		log.Printf("level=info component=service flow=attribution msg=\"override code did not resolve; falling through\" code=%s transaction_id=%s", code, event.TransactionID)
	}

	if cookie, ok := ParseAttributionCookie(event.CookieValue, time.Now().UTC(), s.cfg.AttributionTTL); ok {
		affiliate, err := s.lookupActiveAffiliate(ctx, cookie.AffiliateCode)
		if err != nil {
			return Attribution{}, fmt.Errorf("resolve cookie affiliate: %w", err)
		}
		if affiliate != nil {
			coupon := event.CouponCode
			if coupon == "" {
				coupon = cookie.CouponCode
			}
			return Attribution{Affiliate: affiliate, Source: AttributionSourceCookie, CouponCode: coupon}, nil
		}
		log.Printf("level=info component=service flow=attribution msg=\"cookie affiliate did not resolve; treating as organic\" code=%s transaction_id=%s", cookie.AffiliateCode, event.TransactionID)
	}

	return Attribution{Source: AttributionSourceOrganic}, nil
}

// lookupActiveAffiliate returns the approved affiliate for a code, nil when
// the code is unknown or the affiliate is not approved, and an error only for
// infrastructure failures.
func (s *Service) lookupActiveAffiliate(ctx context.Context, code string) (*domain.AffiliateProfile, error) {
	affiliate, err := s.repo.FindAffiliateByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if affiliate.Status != domain.AffiliateStatusApproved {
		return nil, nil
	}
	return affiliate, nil
}
