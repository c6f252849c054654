// Package billing sells the one-time Pro unlock through Creem checkouts
// and applies completed payments to the viewer's entitlement.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		if strings.HasPrefix(apiKey, "creem_test_") {
			baseURL = "https://test-api.creem.io"
		} else {
			baseURL = "https://api.creem.io"
		}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CheckoutParams describes one unlock purchase. Email and Name prefill
// the hosted checkout form; UserID travels in metadata so the webhook can
// attribute the payment.
type CheckoutParams struct {
	ProductID        string
	UserID           string
	Email            string
	Name             string
	AmountMinorUnits int
	Currency         string
	Description      string
	SuccessURL       string
}

type checkoutRequest struct {
	ProductID        string            `json:"product_id"`
	AmountMinorUnits int               `json:"amount,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	Description      string            `json:"description,omitempty"`
	SuccessURL       string            `json:"success_url"`
	Customer         checkoutCustomer  `json:"customer"`
	Metadata         map[string]string `json:"metadata"`
}

type checkoutCustomer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Checkout is a created checkout session. ID is the provider's payment
// reference and is stored alongside the pending purchase.
type Checkout struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

func (c *Client) CreateCheckout(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	body, err := json.Marshal(checkoutRequest{
		ProductID:        params.ProductID,
		AmountMinorUnits: params.AmountMinorUnits,
		Currency:         params.Currency,
		Description:      params.Description,
		SuccessURL:       params.SuccessURL,
		Customer:         checkoutCustomer{Email: params.Email, Name: params.Name},
		Metadata:         map[string]string{"userId": params.UserID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkout request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("creem checkout returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result Checkout
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode checkout response: %w", err)
	}
	return &result, nil
}
