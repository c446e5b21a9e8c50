package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/inkgen/inkgen-api/internal/pkg/errorhandler"
)

// Order and capture statuses reported by the Orders v2 API.
const (
	StatusCompleted = "COMPLETED"
	StatusDeclined  = "DECLINED"
	StatusPending   = "PENDING"
)

// ErrNotConfigured is returned when credentials are missing.
var ErrNotConfigured = errors.New("paypal client is not configured")

// Config holds PayPal API configuration
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the PayPal REST API with a cached OAuth token.
type Client struct {
	httpClient *http.Client
	config     Config

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates new PayPal API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
	}
}

// APIError is a non-2xx PayPal response.
type APIError struct {
	StatusCode int           `json:"-"`
	Name       string        `json:"name"`
	Message    string        `json:"message"`
	DebugID    string        `json:"debug_id"`
	Details    []ErrorDetail `json:"details"`
}

type ErrorDetail struct {
	Issue       string `json:"issue"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("paypal api returned %d %s: %s", e.StatusCode, e.Name, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + e.Details[0].Issue + ")"
	}
	if e.DebugID != "" {
		msg += " debug_id=" + e.DebugID
	}
	return msg
}

// HasIssue reports whether any detail carries the given issue code.
func (e *APIError) HasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached client-credentials token, refreshing it a
// minute before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	if c.config.ClientID == "" || c.config.ClientSecret == "" || c.config.BaseURL == "" {
		return "", ErrNotConfigured
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal token request: %w", err)
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out tokenResponse
	if err := c.execute(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("paypal token response without access_token")
	}

	ttl := time.Duration(out.ExpiresIn)*time.Second - time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.token = out.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do sends an authenticated JSON request. A 401 drops the cached token and
// retries once.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, headers map[string]string) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode paypal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
		if err != nil {
			return fmt.Errorf("paypal api call failed: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		err = c.execute(req, out)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
			continue
		}
		return err
	}
}

func (c *Client) execute(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal api call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("paypal api call failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Name == "" {
			// OAuth errors use error/error_description.
			var oauth struct {
				Error       string `json:"error"`
				Description string `json:"error_description"`
			}
			if json.Unmarshal(body, &oauth) == nil {
				apiErr.Name, apiErr.Message = oauth.Error, oauth.Description
			}
		}
		errorhandler.LogExternalServiceError(req.Context(), "paypal", req.URL.Path, resp.StatusCode, apiErr, string(body))
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse paypal response: %w", err)
	}
	return nil
}

// Money is a PayPal amount object.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// NewMoney formats amount with two decimals.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{CurrencyCode: currency, Value: amount.StringFixed(2)}
}

// Decimal parses Value; an unparsable value reads as zero.
func (m Money) Decimal() decimal.Decimal {
	d, err := decimal.NewFromString(m.Value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Link is a HATEOAS link.
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// FindLink returns the href of the first link with rel.
func FindLink(links []Link, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}
