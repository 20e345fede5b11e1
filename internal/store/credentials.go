package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"activity-relay/internal/db"
	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
	"activity-relay/internal/security"
)

// CredentialStore is the only writer of the credentials table. Refresh
// tokens are encrypted before they touch the database; callers always see
// plaintext.
type CredentialStore struct {
	db  *db.DB
	key []byte
}

func (s *CredentialStore) Upsert(ctx context.Context, cred models.Credential) error {
	refreshEnc, err := security.EncryptSecret(cred.RefreshToken, s.key)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	// a fresh authorization always wins over whatever was stored, and
	// clears any reauth flag left by a dead refresh token
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO credentials (account_id, access_token, refresh_token_encrypted, scopes, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (account_id) DO UPDATE
		 SET access_token = EXCLUDED.access_token,
		     refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
		     scopes = EXCLUDED.scopes,
		     expires_at = EXCLUDED.expires_at,
		     reauth_required = FALSE,
		     refresh_failures = 0`,
		cred.AccountID, cred.AccessToken, refreshEnc, cred.Scopes, cred.ExpiresAt,
	)
	return err
}

func (s *CredentialStore) Get(ctx context.Context, accountID string) (models.Credential, error) {
	var cred models.Credential
	var refreshEnc string

	err := s.db.Pool.QueryRow(ctx,
		`SELECT account_id, access_token, refresh_token_encrypted, scopes, expires_at, created_at, reauth_required, refresh_failures
		 FROM credentials
		 WHERE account_id = $1`,
		accountID,
	).Scan(
		&cred.AccountID,
		&cred.AccessToken,
		&refreshEnc,
		&cred.Scopes,
		&cred.ExpiresAt,
		&cred.CreatedAt,
		&cred.ReauthRequired,
		&cred.RefreshFailures,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential %s: %w", accountID, relayerr.ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, err
	}

	cred.RefreshToken, err = security.DecryptSecret(refreshEnc, s.key)
	if err != nil {
		return models.Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	return cred, nil
}

// ReplaceTokens swaps the stored token pair only if the access token still
// matches what the caller read before refreshing. A concurrent refresh that
// already landed makes this a no-op, so exactly one of two racing refreshes
// updates the row.
func (s *CredentialStore) ReplaceTokens(ctx context.Context, accountID, prevAccessToken string, cred models.Credential) (bool, error) {
	refreshEnc, err := security.EncryptSecret(cred.RefreshToken, s.key)
	if err != nil {
		return false, fmt.Errorf("encrypt refresh token: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE credentials
		 SET access_token = $1,
		     refresh_token_encrypted = $2,
		     scopes = $3,
		     expires_at = $4,
		     reauth_required = FALSE,
		     refresh_failures = 0
		 WHERE account_id = $5 AND access_token = $6`,
		cred.AccessToken, refreshEnc, cred.Scopes, cred.ExpiresAt,
		accountID, prevAccessToken,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *CredentialStore) Delete(ctx context.Context, accountID string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE account_id = $1`, accountID)
	return err
}

// ListExpiring returns credentials whose expiry falls inside the lookahead
// window. Accounts already flagged for re-authorization are excluded so the
// sweep never hammers a dead refresh token.
func (s *CredentialStore) ListExpiring(ctx context.Context, within time.Duration) ([]models.Credential, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT account_id, access_token, refresh_token_encrypted, scopes, expires_at, created_at, reauth_required, refresh_failures
		 FROM credentials
		 WHERE reauth_required = FALSE AND expires_at <= NOW() + $1
		 ORDER BY expires_at ASC`,
		within,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	creds := make([]models.Credential, 0)
	for rows.Next() {
		var cred models.Credential
		var refreshEnc string
		if err := rows.Scan(
			&cred.AccountID,
			&cred.AccessToken,
			&refreshEnc,
			&cred.Scopes,
			&cred.ExpiresAt,
			&cred.CreatedAt,
			&cred.ReauthRequired,
			&cred.RefreshFailures,
		); err != nil {
			return nil, err
		}
		cred.RefreshToken, err = security.DecryptSecret(refreshEnc, s.key)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token for %s: %w", cred.AccountID, err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// RecordRefreshFailure bumps the consecutive-failure counter and flags the
// account ReauthRequired once it crosses maxFailures. Returns true when the
// flag was set by this call.
func (s *CredentialStore) RecordRefreshFailure(ctx context.Context, accountID string, maxFailures int) (bool, error) {
	var flagged bool
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE credentials
		 SET refresh_failures = refresh_failures + 1,
		     reauth_required = (refresh_failures + 1 >= $2)
		 WHERE account_id = $1
		 RETURNING reauth_required`,
		accountID, maxFailures,
	).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("credential %s: %w", accountID, relayerr.ErrNotFound)
	}
	return flagged, err
}

// MarkReauthRequired flags the account immediately, regardless of the
// failure counter. Used when the provider says the refresh token is invalid.
func (s *CredentialStore) MarkReauthRequired(ctx context.Context, accountID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE credentials SET reauth_required = TRUE WHERE account_id = $1`,
		accountID,
	)
	return err
}
