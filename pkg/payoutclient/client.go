/**
 * @description
 * This package provides a client for the external disbursement provider used
 * to settle affiliate payouts. It encapsulates the logic for making
 * authenticated HTTP requests, handling request body construction, and
 * parsing responses.
 *
 * The reference id sent with each disbursement equals the internal payout id,
 * so provider callbacks correlate back to our records without a side lookup
 * table.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the disbursement provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new disbursement client. The bounded timeout matters:
// on timeout the provider-side outcome is unknown and the payout must stay
// in processing until a webhook resolves it.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DisbursementRequest represents the payload for creating a disbursement.
type DisbursementRequest struct {
	ReferenceID       string `json:"reference_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	BankCode          string `json:"channel_code"`
	AccountNumber     string `json:"account_number"`
	AccountHolderName string `json:"account_holder_name"`
	Description       string `json:"description,omitempty"`
}

// DisbursementResponse is the provider's reply to a disbursement request.
type DisbursementResponse struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
}

// ErrorResponse represents an error from the disbursement provider API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("disbursement api error: %s - %s", e.ErrorCode, e.Message)
	}
	return "unknown disbursement api error"
}

// IsExplicitRejection reports whether the provider definitively refused the
// disbursement (4xx), as opposed to an ambiguous server-side failure. Only
// explicit rejections are safe to treat as confirmed failures; everything
// else leaves the provider-side outcome unknown.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// CreateDisbursement submits a payout to the provider.
func (c *Client) CreateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal disbursement request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/disbursements", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create disbursement request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.APIKey, "")
	// Provider-side idempotency: retrying the same payout must not create a
	// second disbursement.
	httpReq.Header.Set("Idempotency-Key", req.ReferenceID)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute disbursement request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read disbursement response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payout_client op=create_disbursement status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=payout_client op=create_disbursement status=%d code=%q message=%q", resp.StatusCode, errResp.ErrorCode, errResp.Message)
		return nil, &errResp
	}

	var successResp DisbursementResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	return &successResp, nil
}

// GetDisbursement fetches the current provider-side state of a disbursement
// by our reference id. Used by the reconciliation sweep for payouts stuck in
// processing.
func (c *Client) GetDisbursement(ctx context.Context, referenceID string) (*DisbursementResponse, error) {
	url := c.BaseURL + "/disbursements?reference_id=" + referenceID

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create disbursement lookup request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.APIKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute disbursement lookup: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read disbursement lookup response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payout_client op=get_disbursement reference_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", referenceID, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=payout_client op=get_disbursement reference_id=%s status=%d code=%q message=%q", referenceID, resp.StatusCode, errResp.ErrorCode, errResp.Message)
		return nil, &errResp
	}

	var successResp DisbursementResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode disbursement lookup response: %w", err)
	}

	return &successResp, nil
}
