package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"activity-relay/internal/logging"
	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
)

const (
	stateTTL       = 10 * time.Minute
	refreshLockTTL = 30 * time.Second
	stateKeyPrefix = "oauth:state:"
	refreshLockPfx = "oauth:refresh:lock:"
)

// credentialStore is the slice of the store the manager needs. The pgx
// implementation lives in internal/store.
type credentialStore interface {
	Upsert(ctx context.Context, cred models.Credential) error
	Get(ctx context.Context, accountID string) (models.Credential, error)
	ReplaceTokens(ctx context.Context, accountID, prevAccessToken string, cred models.Credential) (bool, error)
	Delete(ctx context.Context, accountID string) error
	ListExpiring(ctx context.Context, within time.Duration) ([]models.Credential, error)
	RecordRefreshFailure(ctx context.Context, accountID string, maxFailures int) (bool, error)
	MarkReauthRequired(ctx context.Context, accountID string) error
}

// stateStore keeps single-use OAuth state tokens and refresh locks.
// Backed by redis in production.
type stateStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// activator is invoked once per completed authorization (gateway-activation
// downstream call). Failures are logged, never fatal to the flow.
type activator interface {
	ActivateAccount(ctx context.Context, accountID string) error
}

// OAuthManager drives the authorization-code flow and the token lifecycle
// for every monitored account.
type OAuthManager struct {
	log    *slog.Logger
	creds  credentialStore
	state  stateStore
	oauth  *oauth2.Config
	client *Client

	gateway activator // nil when no gateway API is configured

	lookahead   time.Duration
	sweepEvery  time.Duration
	maxFailures int

	stopChan chan struct{}
}

type OAuthOptions struct {
	AuthURL  string
	TokenURL string

	Lookahead   time.Duration
	SweepEvery  time.Duration
	MaxFailures int
}

var defaultScopes = []string{
	"moderator:read:followers",
	"channel:read:subscriptions",
	"bits:read",
	"channel:moderate",
}

func NewOAuthManager(log *slog.Logger, creds credentialStore, state stateStore, client *Client, clientID, clientSecret, redirectURI string, gateway activator, opts OAuthOptions) *OAuthManager {
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = 10 * time.Minute
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}

	return &OAuthManager{
		log:   log,
		creds: creds,
		state: state,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       defaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:      client,
		gateway:     gateway,
		lookahead:   opts.Lookahead,
		sweepEvery:  opts.SweepEvery,
		maxFailures: opts.MaxFailures,
		stopChan:    make(chan struct{}),
	}
}

// BeginAuthorization creates a single-use, time-boxed state token bound to
// the account being onboarded and returns the provider authorization URL.
func (m *OAuthManager) BeginAuthorization(ctx context.Context, accountRef string) (string, string, error) {
	if m.oauth.ClientID == "" || m.oauth.ClientSecret == "" {
		return "", "", relayerr.NewConfigError("TWITCH_CLIENT_ID", "client credentials unset")
	}
	if strings.TrimSpace(accountRef) == "" {
		return "", "", fmt.Errorf("account_ref is required")
	}

	stateToken := uuid.NewString()
	if err := m.state.Set(ctx, stateKeyPrefix+stateToken, accountRef, stateTTL); err != nil {
		return "", "", fmt.Errorf("store state token: %w", err)
	}

	return m.oauth.AuthCodeURL(stateToken), stateToken, nil
}

// CompleteAuthorization validates and consumes the state token, exchanges
// the code, persists the credential and pings the gateway activation hook.
func (m *OAuthManager) CompleteAuthorization(ctx context.Context, code, stateToken string) (models.Credential, error) {
	accountRef, err := m.state.GetDel(ctx, stateKeyPrefix+stateToken)
	if err != nil || accountRef == "" {
		return models.Credential{}, fmt.Errorf("state token unknown, used or expired: %w", relayerr.ErrInvalidState)
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		m.log.Warn("oauth_exchange_rejected", "account_id", accountRef, "error", err)
		return models.Credential{}, fmt.Errorf("%w: %v", relayerr.ErrExchange, err)
	}

	cred := models.Credential{
		AccountID:    accountRef,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopesOf(tok),
		ExpiresAt:    tok.Expiry,
		CreatedAt:    time.Now(),
	}
	if err := m.creds.Upsert(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("persist credential: %w", err)
	}

	m.log.Info("authorization_completed",
		"account_id", accountRef,
		"access_token", logging.MaskToken(tok.AccessToken),
		"expires_at", tok.Expiry,
	)

	if m.gateway != nil {
		if err := m.gateway.ActivateAccount(ctx, accountRef); err != nil {
			m.log.Warn("gateway_activation_failed", "account_id", accountRef, "error", err)
		}
	}

	return cred, nil
}

// Refresh replaces the account's token pair. Concurrent refreshes for the
// same account are serialized by a redis lock plus a conditional update
// keyed on the prior access token, so exactly one caller lands a write.
func (m *OAuthManager) Refresh(ctx context.Context, accountID string) (models.Credential, error) {
	cred, err := m.creds.Get(ctx, accountID)
	if err != nil {
		return models.Credential{}, err
	}
	if cred.ReauthRequired {
		return models.Credential{}, fmt.Errorf("account %s: %w", accountID, relayerr.ErrReauthRequired)
	}

	lockKey := refreshLockPfx + accountID
	acquired, err := m.state.SetNX(ctx, lockKey, "1", refreshLockTTL)
	if err == nil && !acquired {
		// a refresh is already in flight; return whatever is stored once
		// the winner lands (or the old pair if it hasn't yet)
		return m.creds.Get(ctx, accountID)
	}
	if err == nil {
		defer func() { _ = m.state.Del(context.Background(), lockKey) }()
	}

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return models.Credential{}, m.handleRefreshFailure(ctx, accountID, err)
	}

	next := models.Credential{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scopes:       scopesOf(tok),
		ExpiresAt:    tok.Expiry,
		CreatedAt:    cred.CreatedAt,
	}
	if next.RefreshToken == "" {
		// provider may omit the refresh token when it is unchanged
		next.RefreshToken = cred.RefreshToken
	}

	updated, err := m.creds.ReplaceTokens(ctx, accountID, cred.AccessToken, next)
	if err != nil {
		return models.Credential{}, fmt.Errorf("replace tokens: %w", err)
	}
	if !updated {
		// lost the race; the other refresh already swapped the pair
		return m.creds.Get(ctx, accountID)
	}

	m.log.Info("credential_refreshed",
		"account_id", accountID,
		"access_token", logging.MaskToken(next.AccessToken),
		"expires_at", next.ExpiresAt,
	)
	return next, nil
}

// handleRefreshFailure decides between "try again later" and "the refresh
// token is dead". A definitive provider rejection flags the account
// ReauthRequired immediately; this must surface to an operator instead of
// being retried forever.
func (m *OAuthManager) handleRefreshFailure(ctx context.Context, accountID string, cause error) error {
	var re *oauth2.RetrieveError
	if errors.As(cause, &re) && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
		if err := m.creds.MarkReauthRequired(ctx, accountID); err != nil {
			m.log.Error("mark_reauth_failed", "account_id", accountID, "error", err)
		}
		m.log.Warn("refresh_token_invalid", "account_id", accountID, "status", re.Response.StatusCode)
		return fmt.Errorf("account %s: %w", accountID, relayerr.ErrReauthRequired)
	}

	flagged, err := m.creds.RecordRefreshFailure(ctx, accountID, m.maxFailures)
	if err != nil {
		m.log.Error("record_refresh_failure_failed", "account_id", accountID, "error", err)
	}
	if flagged {
		m.log.Warn("refresh_failure_cap_reached", "account_id", accountID, "max_failures", m.maxFailures)
		return fmt.Errorf("account %s: %w", accountID, relayerr.ErrReauthRequired)
	}
	return fmt.Errorf("refresh account %s: %w", accountID, cause)
}

// Revoke tells the provider to drop the token, then deletes the local
// credential regardless of the provider's answer. Stale tokens must never
// survive locally.
func (m *OAuthManager) Revoke(ctx context.Context, accountID string) error {
	cred, err := m.creds.Get(ctx, accountID)
	if err != nil {
		return err
	}

	if err := m.client.RevokeUserToken(ctx, cred.AccessToken); err != nil {
		m.log.Warn("provider_revoke_failed", "account_id", accountID, "error", err)
	}

	if err := m.creds.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	m.log.Info("credential_revoked", "account_id", accountID)
	return nil
}

// Status reports the credential state for the operator surface. Tokens are
// never included.
func (m *OAuthManager) Status(ctx context.Context, accountID string) (models.Credential, error) {
	cred, err := m.creds.Get(ctx, accountID)
	if err != nil {
		return models.Credential{}, err
	}
	cred.AccessToken = ""
	cred.RefreshToken = ""
	return cred, nil
}

// StartRefreshSweep runs the periodic proactive-refresh loop until Stop.
func (m *OAuthManager) StartRefreshSweep() {
	go func() {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.sweepEvery)
				m.SweepOnce(ctx)
				cancel()
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *OAuthManager) Stop() {
	close(m.stopChan)
}

// SweepOnce refreshes every credential expiring inside the lookahead
// window. Failures are logged and retried on the next sweep; accounts that
// hit the failure cap are flagged and skipped until re-authorized.
func (m *OAuthManager) SweepOnce(ctx context.Context) {
	creds, err := m.creds.ListExpiring(ctx, m.lookahead)
	if err != nil {
		m.log.Warn("refresh_sweep_query_failed", "error", err)
		return
	}

	refreshed := 0
	for _, cred := range creds {
		if _, err := m.Refresh(ctx, cred.AccountID); err != nil {
			if errors.Is(err, relayerr.ErrReauthRequired) {
				m.log.Warn("refresh_sweep_reauth_required", "account_id", cred.AccountID)
			} else {
				m.log.Warn("refresh_sweep_failed", "account_id", cred.AccountID, "error", err)
			}
			continue
		}
		refreshed++
	}

	if len(creds) > 0 {
		m.log.Info("refresh_sweep_completed", "candidates", len(creds), "refreshed", refreshed)
	}
}

func scopesOf(tok *oauth2.Token) []string {
	raw, ok := tok.Extra("scope").([]interface{})
	if !ok {
		return nil
	}
	scopes := make([]string, 0, len(raw))
	for _, s := range raw {
		if v, ok := s.(string); ok {
			scopes = append(scopes, v)
		}
	}
	return scopes
}
