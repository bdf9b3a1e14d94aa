/**
 * @description
 * This file defines the affiliate-program domain models: the affiliate profile,
 * trackable links, and the immutable click log. Profile and link counters are
 * read-model caches for dashboards; the Click and Conversion logs remain the
 * source of truth and a periodic sweep corrects counter drift.
 *
 * @notes
 * - Amounts are stored as `int64` in whole rupiah to avoid floating-point
 *   inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Affiliate profile statuses.
const (
	AffiliateStatusPending     = "pending"
	AffiliateStatusApproved    = "approved"
	AffiliateStatusDeactivated = "deactivated"
)

// Link redirect types. Redirect resolution is a pure function of the link
// type plus request query params.
const (
	LinkTypeCheckout  = "checkout"   // platform checkout for the bound offer
	LinkTypeSalesPage = "sales_page" // external sales page URL
	LinkTypeCustom    = "custom"     // operator-configured target URL
)

// Offer discriminators for affiliate links.
const (
	OfferTypeMembership = "membership"
	OfferTypeProduct    = "product"
	OfferTypeGeneral    = "general"
)

// AffiliateProfile represents one user enrolled in the affiliate program.
// Counters are caches updated alongside ledger writes; never trusted for
// money decisions.
type AffiliateProfile struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	Code             string    `json:"code"`
	Status           string    `json:"status"`
	TotalClicks      int64     `json:"total_clicks"`
	TotalConversions int64     `json:"total_conversions"`
	TotalSales       int64     `json:"total_sales"`    // in rupiah
	TotalEarnings    int64     `json:"total_earnings"` // in rupiah
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AffiliateLink is a trackable link bound to one affiliate and one offer.
// Links are soft-disabled once they have conversions, never hard-deleted.
type AffiliateLink struct {
	ID          uuid.UUID  `json:"id"`
	AffiliateID uuid.UUID  `json:"affiliate_id"`
	Code        string     `json:"code"`
	Type        string     `json:"type"`
	OfferType   string     `json:"offer_type"`
	OfferID     *uuid.UUID `json:"offer_id,omitempty"`
	TargetURL   *string    `json:"target_url,omitempty"`
	Active      bool       `json:"active"`
	Archived    bool       `json:"archived"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClickCount  int64      `json:"click_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the link's optional expiry has passed.
func (l *AffiliateLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Click is an immutable visit event. Append-only; never mutated or deleted.
type Click struct {
	ID          uuid.UUID `json:"id"`
	LinkID      uuid.UUID `json:"link_id"`
	AffiliateID uuid.UUID `json:"affiliate_id"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
	Referrer    string    `json:"referrer,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AttributionCookie is the JSON envelope written into the `affiliate_ref`
// cookie. Last write wins: a new click always overwrites the previous
// cookie, so resolution never has to arbitrate between simultaneous cookies.
type AttributionCookie struct {
	AffiliateCode string    `json:"affiliate_code"`
	CouponCode    string    `json:"coupon_code,omitempty"`
	SetAt         time.Time `json:"set_at"`
}
