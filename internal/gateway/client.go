package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// StatusChecker asks the provider for the current status of a payment.
type StatusChecker interface {
	CheckStatus(ctx context.Context, externalID string) (*Notification, error)
}

// ClientConfig configures the provider status client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	SiteID  string
	Timeout time.Duration
}

// ErrUnavailable is returned while the provider is failing or the breaker is open.
var ErrUnavailable = errors.New("gateway: provider unavailable")

// Client is an HTTP StatusChecker. Calls go through a circuit breaker so a
// struggling provider is not hammered by the verification timer.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	siteID  string
	logger  *slog.Logger
}

// NewClient creates a provider status client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json").
			SetHeader("X-Api-Key", cfg.APIKey).
			SetRetryCount(0), // the breaker and the timer handle retries
		siteID: cfg.SiteID,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-status",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var cs errClientStatus
			return err == nil || errors.As(err, &cs)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gwBreakerState.Set(breakerValue(to))
			logger.Warn("gateway circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

type statusResponse struct {
	ExternalID string `json:"external_transaction_id"`
	StatusCode string `json:"status_code"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentID  string `json:"payment_id"`
}

// CheckStatus implements StatusChecker.
func (c *Client) CheckStatus(ctx context.Context, externalID string) (*Notification, error) {
	start := time.Now()
	defer func() { gwCheckLatency.Observe(time.Since(start).Seconds()) }()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var body statusResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("site_id", c.siteID).
			SetResult(&body).
			Get("/v1/payments/" + url.PathEscape(externalID) + "/status")
		if err != nil {
			return nil, fmt.Errorf("check status %s: %w", externalID, err)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, fmt.Errorf("check status %s: provider returned %d", externalID, resp.StatusCode())
		}
		if resp.StatusCode() != http.StatusOK {
			// Client errors do not count against the provider's health.
			return &body, errClientStatus{code: resp.StatusCode()}
		}
		return &body, nil
	})

	var cs errClientStatus
	switch {
	case errors.As(err, &cs):
		return nil, fmt.Errorf("check status %s: provider returned %d", externalID, cs.code)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body := out.(*statusResponse)
	n := &Notification{
		ExternalID: body.ExternalID,
		StatusCode: body.StatusCode,
		Currency:   body.Currency,
		PaymentID:  body.PaymentID,
	}
	if body.Amount != "" {
		if err := n.Amount.UnmarshalText([]byte(body.Amount)); err != nil {
			return nil, fmt.Errorf("check status %s: bad amount %q", externalID, body.Amount)
		}
	}
	return n, nil
}

// errClientStatus marks a 4xx answer. IsSuccessful keeps it out of the
// breaker's failure count.
type errClientStatus struct{ code int }

func (e errClientStatus) Error() string { return fmt.Sprintf("provider returned %d", e.code) }

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}
