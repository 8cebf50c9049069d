package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaybill/relaybill/internal/config"
	"go.uber.org/zap"
)

var ErrProviderUnconfigured = errors.New("billing_provider_unconfigured")

// ProviderSubscription is the provider's view of one subscription.
type ProviderSubscription struct {
	ID               string     `json:"id"`
	PrincipalRef     string     `json:"principal_ref"`
	PlanCode         string     `json:"plan_code"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// CreateSubscriptionRequest is the outbound subscribe call.
type CreateSubscriptionRequest struct {
	PrincipalRef string `json:"principal_ref"`
	PlanCode     string `json:"plan_code"`
}

// UpdateSubscriptionRequest changes the plan on an existing subscription.
type UpdateSubscriptionRequest struct {
	ExternalSubscriptionID string `json:"external_subscription_id"`
	PlanCode               string `json:"plan_code"`
}

// Client is the thin outbound surface to the subscription-billing provider.
type Client interface {
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error)
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*ProviderSubscription, error)
	ListSubscriptions(ctx context.Context) ([]ProviderSubscription, error)
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(cfg config.Config, log *zap.Logger) Client {
	return &httpClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/"),
		apiKey:  cfg.Provider.APIKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("providers.billing"),
	}
}

func (c *httpClient) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	var sub ProviderSubscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *httpClient) UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (*ProviderSubscription, error) {
	var sub ProviderSubscription
	path := "/v1/subscriptions/" + strings.TrimSpace(req.ExternalSubscriptionID)
	if err := c.do(ctx, http.MethodPatch, path, req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *httpClient) ListSubscriptions(ctx context.Context) ([]ProviderSubscription, error) {
	var resp struct {
		Subscriptions []ProviderSubscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return ErrProviderUnconfigured
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
