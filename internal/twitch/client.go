package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"activity-relay/internal/httpx"
	"activity-relay/internal/models"
	"activity-relay/internal/security"
)

const (
	DefaultHelixURL  = "https://api.twitch.tv/helix"
	DefaultAuthURL   = "https://id.twitch.tv/oauth2/authorize"
	DefaultTokenURL  = "https://id.twitch.tv/oauth2/token"
	DefaultRevokeURL = "https://id.twitch.tv/oauth2/revoke"
)

// Client talks to the Helix EventSub API with an app access token.
// Calls are rate limited per broadcaster so one noisy channel cannot
// starve the others, and retried with backoff on transient failures.
type Client struct {
	log      *slog.Logger
	http     *http.Client
	clientID string
	appToken oauth2.TokenSource
	limiter  *security.LimiterStore
	retry    httpx.RetryConfig

	helixURL  string
	revokeURL string
}

type ClientOptions struct {
	HelixURL  string
	TokenURL  string
	RevokeURL string
}

func NewClient(log *slog.Logger, clientID, clientSecret string) *Client {
	return NewClientWithOptions(log, clientID, clientSecret, ClientOptions{})
}

func NewClientWithOptions(log *slog.Logger, clientID, clientSecret string, opts ClientOptions) *Client {
	if opts.HelixURL == "" {
		opts.HelixURL = DefaultHelixURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.RevokeURL == "" {
		opts.RevokeURL = DefaultRevokeURL
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     opts.TokenURL,
	}

	return &Client{
		log:       log,
		http:      httpx.NewPooledClient(30 * time.Second),
		clientID:  clientID,
		appToken:  cc.TokenSource(context.Background()),
		limiter:   security.NewLimiterStore(5, 10, 10*time.Minute),
		retry:     httpx.DefaultRetryConfig(),
		helixURL:  opts.HelixURL,
		revokeURL: opts.RevokeURL,
	}
}

type helixSubscriptionList struct {
	Data []models.EventSubSubscription `json:"data"`
}

type createSubscriptionRequest struct {
	Type      string                   `json:"type"`
	Version   string                   `json:"version"`
	Condition models.EventSubCondition `json:"condition"`
	Transport models.EventSubTransport `json:"transport"`
}

// CreateSubscription registers a webhook-transport EventSub subscription.
// Twitch responds 409 for an already-existing identical subscription; that
// is surfaced as an error so the manager can reconcile instead.
func (c *Client) CreateSubscription(ctx context.Context, eventType, version string, condition models.EventSubCondition, callback, secret string) (models.EventSubSubscription, error) {
	body, err := json.Marshal(createSubscriptionRequest{
		Type:      eventType,
		Version:   version,
		Condition: condition,
		Transport: models.EventSubTransport{
			Method:   "webhook",
			Callback: callback,
			Secret:   secret,
		},
	})
	if err != nil {
		return models.EventSubSubscription{}, err
	}

	resp, respBody, err := c.do(ctx, http.MethodPost, c.helixURL+"/eventsub/subscriptions", body, condition.BroadcasterUserID)
	if err != nil {
		return models.EventSubSubscription{}, err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return models.EventSubSubscription{}, fmt.Errorf("create subscription %s: status %d: %s", eventType, resp.StatusCode, truncate(respBody))
	}

	var list helixSubscriptionList
	if err := json.Unmarshal(respBody, &list); err != nil {
		return models.EventSubSubscription{}, fmt.Errorf("decode subscription response: %w", err)
	}
	if len(list.Data) == 0 {
		return models.EventSubSubscription{}, fmt.Errorf("create subscription %s: empty response", eventType)
	}
	return list.Data[0], nil
}

// DeleteSubscription removes a provider subscription. A provider-side 404
// is treated as success so deletes stay idempotent.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	u := c.helixURL + "/eventsub/subscriptions?id=" + url.QueryEscape(subscriptionID)
	resp, respBody, err := c.do(ctx, http.MethodDelete, u, nil, "")
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete subscription %s: status %d: %s", subscriptionID, resp.StatusCode, truncate(respBody))
}

// ListSubscriptions fetches the provider's authoritative subscription list,
// optionally filtered to one broadcaster.
func (c *Client) ListSubscriptions(ctx context.Context, broadcasterID string) ([]models.EventSubSubscription, error) {
	u := c.helixURL + "/eventsub/subscriptions"
	if broadcasterID != "" {
		u += "?user_id=" + url.QueryEscape(broadcasterID)
	}

	resp, respBody, err := c.do(ctx, http.MethodGet, u, nil, broadcasterID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list subscriptions: status %d: %s", resp.StatusCode, truncate(respBody))
	}

	var list helixSubscriptionList
	if err := json.Unmarshal(respBody, &list); err != nil {
		return nil, fmt.Errorf("decode subscription list: %w", err)
	}
	return list.Data, nil
}

// RevokeUserToken is best-effort: the local credential is deleted whether or
// not the provider accepts the revocation, so errors here are advisory.
func (c *Client) RevokeUserToken(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: status %d", resp.StatusCode)
	}
	return nil
}

// do sends an authenticated Helix request, retrying transient failures with
// backoff. Rate limiting is keyed per broadcaster.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, limitKey string) (*http.Response, []byte, error) {
	if limitKey == "" {
		limitKey = "app"
	}
	if err := c.limiter.Wait(ctx, limitKey); err != nil {
		return nil, nil, err
	}

	tok, err := c.appToken.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("app token: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := httpx.CalculateBackoff(c.retry, attempt-1, retryAfterOf(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("helix_request_failed", "method", method, "attempt", attempt, "error", err)
			continue
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &retryableStatus{status: resp.StatusCode, retryAfter: parseRetryAfter(resp)}
			c.log.Warn("helix_transient_status", "method", method, "status", resp.StatusCode, "attempt", attempt)
			continue
		}

		return resp, respBody, nil
	}

	return nil, nil, fmt.Errorf("helix %s %s: retries exhausted: %w", method, rawURL, lastErr)
}

type retryableStatus struct {
	status     int
	retryAfter time.Duration
}

func (e *retryableStatus) Error() string {
	return "transient status " + strconv.Itoa(e.status)
}

func retryAfterOf(err error) time.Duration {
	if rs, ok := err.(*retryableStatus); ok {
		return rs.retryAfter
	}
	return 0
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
