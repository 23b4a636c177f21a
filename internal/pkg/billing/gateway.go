package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/SubSync/internal/pkg/env"
	"github.com/google/uuid"
)

const defaultProviderAPIBaseURL = "https://api.stripe.com/v1"

// ProviderClient is the thin adapter for direct user-initiated provider
// actions: customer creation, setup-intent issuance and subscription
// creation. It never mutates subscription records; confirmation of anything
// it creates arrives later as a webhook event through the normal pipeline.
//
// Calls are single-attempt with a bounded per-call timeout. Retries with
// backoff are owned by the caller.
type ProviderClient struct {
	APIBaseURL string
	APIKey     string

	HTTPClient *http.Client
}

func NewProviderClientFromEnv() *ProviderClient {
	return &ProviderClient{
		APIBaseURL: strings.TrimRight(env.GetEnv("PROVIDER_API_BASE_URL", defaultProviderAPIBaseURL), "/"),
		APIKey:     strings.TrimSpace(env.GetEnv("PROVIDER_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateCustomer creates the external customer entity for a local user.
func (c *ProviderClient) CreateCustomer(ctx context.Context, userID uint, email string) (*ProviderCustomer, error) {
	form := url.Values{}
	form.Set("email", strings.TrimSpace(email))
	form.Set("metadata[user_id]", strconv.FormatUint(uint64(userID), 10))

	body, err := c.post(ctx, "/customers", form)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("provider customer response: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("provider customer response missing id")
	}
	return &ProviderCustomer{ID: out.ID, Email: out.Email}, nil
}

// CreateSetupIntent starts a payment-method setup flow for a provider
// customer and returns the client-secret token the front-end completes it
// with.
func (c *ProviderClient) CreateSetupIntent(ctx context.Context, providerCustomerID string) (*SetupIntent, error) {
	customerID := strings.TrimSpace(providerCustomerID)
	if customerID == "" {
		return nil, ErrInvalidCustomer
	}

	form := url.Values{}
	form.Set("customer", customerID)

	body, err := c.post(ctx, "/setup_intents", form)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("provider setup intent response: %w", err)
	}
	if strings.TrimSpace(out.ClientSecret) == "" {
		return nil, errors.New("provider setup intent response missing client_secret")
	}
	return &SetupIntent{ID: out.ID, ClientSecret: out.ClientSecret}, nil
}

// CreateSubscription creates the external subscription entity. The returned
// descriptor is informational; the record is only mutated once the provider
// confirms via webhook.
func (c *ProviderClient) CreateSubscription(ctx context.Context, providerCustomerID, planID string) (*ProviderSubscription, error) {
	customerID := strings.TrimSpace(providerCustomerID)
	plan := strings.TrimSpace(planID)
	if customerID == "" || plan == "" {
		return nil, ErrInvalidCustomer
	}

	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("items[0][price]", plan)

	body, err := c.post(ctx, "/subscriptions", form)
	if err != nil {
		return nil, err
	}

	var out struct {
		ID               string `json:"id"`
		Customer         string `json:"customer"`
		Status           string `json:"status"`
		CurrentPeriodEnd int64  `json:"current_period_end"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("provider subscription response: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, errors.New("provider subscription response missing id")
	}
	return &ProviderSubscription{
		ID:               out.ID,
		CustomerID:       out.Customer,
		PlanID:           plan,
		Status:           out.Status,
		CurrentPeriodEnd: unixTimePtr(out.CurrentPeriodEnd),
	}, nil
}

func (c *ProviderClient) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("PROVIDER_API_KEY is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyProviderStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyProviderStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return fmt.Errorf("%w: status=%d body=%s", ErrInvalidCustomer, status, truncateBody(body))
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderUnavailable, status, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
