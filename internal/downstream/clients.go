// Package downstream holds the clients for the consumer APIs the pipeline
// calls outward: reputation (activity submission), context (identity
// resolution) and gateway (account activation).
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"activity-relay/internal/httpx"
	"activity-relay/internal/models"
)

// PermanentError marks a definitive downstream rejection (4xx other than
// rate-limit). Retrying would loop forever on an invalid payload, so the
// forwarder records it and moves on.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("downstream rejected: status %d: %s", e.Status, e.Body)
}

// ReputationClient submits activities to the reputation endpoint.
type ReputationClient struct {
	log     *slog.Logger
	http    *http.Client
	baseURL string
}

func NewReputationClient(log *slog.Logger, baseURL string) *ReputationClient {
	return &ReputationClient{
		log:     log,
		http:    httpx.NewPooledClient(15 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type activitySubmission struct {
	ActivityID string    `json:"activity_id"`
	ChannelID  string    `json:"channel_id"`
	UserRef    string    `json:"user_ref"`
	EventType  string    `json:"event_type"`
	Points     int64     `json:"points"`
	DerivedAt  time.Time `json:"derived_at"`
}

// SubmitActivity posts one activity. Transient failures (network, 5xx,
// rate-limit) come back as ordinary errors; a non-retryable rejection comes
// back as *PermanentError.
func (c *ReputationClient) SubmitActivity(ctx context.Context, act models.Activity) error {
	body, err := json.Marshal(activitySubmission{
		ActivityID: act.ID,
		ChannelID:  act.ChannelID,
		UserRef:    act.UserRef,
		EventType:  act.EventType,
		Points:     act.Points,
		DerivedAt:  act.DerivedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/activities", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reputation post: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("reputation transient: status %d", resp.StatusCode)
	default:
		return &PermanentError{Status: resp.StatusCode, Body: string(respBody)}
	}
}

// ContextClient resolves a platform user to an internal identity.
type ContextClient struct {
	log     *slog.Logger
	http    *http.Client
	baseURL string
}

func NewContextClient(log *slog.Logger, baseURL string) *ContextClient {
	return &ContextClient{
		log:     log,
		http:    httpx.NewPooledClient(10 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type resolveResponse struct {
	UserRef string `json:"user_ref"`
}

func (c *ContextClient) ResolveUser(ctx context.Context, platformUserID string) (string, error) {
	u := c.baseURL + "/resolve?platform_user_id=" + url.QueryEscape(platformUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("context lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("context lookup: status %d", resp.StatusCode)
	}

	var out resolveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", fmt.Errorf("context lookup decode: %w", err)
	}
	if out.UserRef == "" {
		return "", fmt.Errorf("context lookup: empty user_ref")
	}
	return out.UserRef, nil
}

// GatewayClient activates an account on the gateway after a completed
// authorization.
type GatewayClient struct {
	log     *slog.Logger
	http    *http.Client
	baseURL string
}

func NewGatewayClient(log *slog.Logger, baseURL string) *GatewayClient {
	return &GatewayClient{
		log:     log,
		http:    httpx.NewPooledClient(10 * time.Second),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *GatewayClient) ActivateAccount(ctx context.Context, accountID string) error {
	body, err := json.Marshal(map[string]string{"account_id": accountID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/activate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway activation: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway activation: status %d", resp.StatusCode)
	}
	return nil
}
