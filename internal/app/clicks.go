/**
 * @description
 * This file implements click tracking for affiliate links: validating the
 * link, appending the immutable click event, and resolving the redirect
 * destination. Redirect resolution is a pure function of the link plus the
 * request's query parameters so it is replayable.
 *
 * @dependencies
 * - net/url, strings, time: Standard Go libraries.
 * - github.com/google/uuid: Click event ids.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/google/uuid"
)

// ErrLinkExpired distinguishes an expired link from an unknown one so the
// handler can render a distinct response.
var ErrLinkExpired = errors.New("affiliate link expired")

// ClickRequest carries the inbound visit's routing and request metadata.
type ClickRequest struct {
	AffiliateCode string
	LinkCode      string
	Variant       string
	CouponCode    string
	IPAddress     string
	UserAgent     string
	Referrer      string
	Query         url.Values
}

// ClickResult is the outcome of a tracked click: where to redirect and the
// attribution cookie the handler should set.
type ClickResult struct {
	RedirectURL string
	Cookie      domain.AttributionCookie
}

// TrackClick validates the link, records the click, and resolves the
// redirect. Inactive, archived, or unknown links (and non-approved
// affiliates) all surface as ErrLinkNotFound so probing cannot distinguish
// them; expired links get their own error.
func (s *Service) TrackClick(ctx context.Context, req ClickRequest) (*ClickResult, error) {
	affiliate, err := s.repo.FindAffiliateByCode(ctx, req.AffiliateCode)
	if err != nil {
		if errors.Is(err, store.ErrAffiliateNotFound) {
			return nil, store.ErrLinkNotFound
		}
		return nil, fmt.Errorf("find affiliate: %w", err)
	}
	if affiliate.Status != domain.AffiliateStatusApproved {
		return nil, store.ErrLinkNotFound
	}

	link, err := s.repo.FindLinkByCode(ctx, req.AffiliateCode, req.LinkCode)
	if err != nil {
		return nil, err
	}
	if !link.Active || link.Archived {
		return nil, store.ErrLinkNotFound
	}
	now := time.Now().UTC()
	if link.Expired(now) {
		return nil, ErrLinkExpired
	}

	click := &domain.Click{
		ID:          uuid.New(),
		LinkID:      link.ID,
		AffiliateID: affiliate.ID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Referrer:    req.Referrer,
	}
	// The visitor still gets redirected if the click write fails, but no
	// attribution cookie is set: the clicks table is authoritative, and an
	// attribution without a click in the log cannot be audited.
	if err := s.repo.RecordClickAtomic(ctx, click); err != nil {
		log.Printf("level=error component=service flow=click msg=\"failed to record click, skipping attribution cookie\" link_id=%s affiliate_id=%s err=%v", link.ID, affiliate.ID, err)
		return &ClickResult{
			RedirectURL: ResolveRedirect(link, req.Variant, req.Query, s.cfg.CheckoutBaseURL),
		}, nil
	}

	return &ClickResult{
		RedirectURL: ResolveRedirect(link, req.Variant, req.Query, s.cfg.CheckoutBaseURL),
		Cookie: domain.AttributionCookie{
			AffiliateCode: affiliate.Code,
			CouponCode:    strings.TrimSpace(req.CouponCode),
			SetAt:         now,
		},
	}, nil
}

// ResolveRedirect chooses the destination URL for a clicked link. Pure:
// the same link, variant, and query always produce the same URL.
func ResolveRedirect(link *domain.AffiliateLink, variant string, query url.Values, checkoutBaseURL string) string {
	switch link.Type {
	case domain.LinkTypeSalesPage, domain.LinkTypeCustom:
		if link.TargetURL != nil && strings.TrimSpace(*link.TargetURL) != "" {
			return appendQuery(*link.TargetURL, query)
		}
		// A misconfigured external link still lands somewhere sensible.
		return checkoutBaseURL
	default:
		return checkoutURL(link, variant, query, checkoutBaseURL)
	}
}

func checkoutURL(link *domain.AffiliateLink, variant string, query url.Values, checkoutBaseURL string) string {
	u, err := url.Parse(checkoutBaseURL)
	if err != nil {
		return checkoutBaseURL
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/checkout/" + link.OfferType

	params := url.Values{}
	if link.OfferID != nil {
		params.Set("offer_id", link.OfferID.String())
	}
	if v := strings.TrimSpace(variant); v != "" {
		params.Set("package", v)
	}
	for key, values := range query {
		for _, value := range values {
			params.Set(key, value)
		}
	}
	u.RawQuery = params.Encode()
	return u.String()
}

func appendQuery(target string, query url.Values) string {
	if len(query) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	params := u.Query()
	for key, values := range query {
		for _, value := range values {
			params.Set(key, value)
		}
	}
	u.RawQuery = params.Encode()
	return u.String()
}
