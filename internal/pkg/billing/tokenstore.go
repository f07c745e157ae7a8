package billing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MatsHolmberg/DesignDesk/app/models"
	"github.com/MatsHolmberg/DesignDesk/internal/pkg/env"
	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"
)

// Access tokens are refreshed this long before their recorded expiry so a
// request never races the provider-side cutoff.
const tokenRefreshSkew = 60 * time.Second

// TokenStore persists provider OAuth tokens encrypted at rest, keyed by user
// account. Tokens survive restarts; refresh tokens are rotated on use.
type TokenStore struct {
	repo   Repository
	client *FortnoxClient
	key    [32]byte
}

// NewTokenStore builds a token store from a base64-encoded 32-byte key.
func NewTokenStore(repo Repository, client *FortnoxClient, base64Key string) (*TokenStore, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid billing token key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("billing token key must be 32 bytes, got %d", len(raw))
	}
	ts := &TokenStore{repo: repo, client: client}
	copy(ts.key[:], raw)
	return ts, nil
}

// NewTokenStoreFromEnv reads the key from BILLING_TOKEN_KEY.
func NewTokenStoreFromEnv(repo Repository, client *FortnoxClient) (*TokenStore, error) {
	key := env.GetEnv("BILLING_TOKEN_KEY", "")
	if key == "" {
		return nil, fmt.Errorf("%w: BILLING_TOKEN_KEY missing", ErrProviderNotConfigured)
	}
	return NewTokenStore(repo, client, key)
}

// SaveTokens links a provider account to a user and stores the token pair.
func (ts *TokenStore) SaveTokens(ctx context.Context, userID uint, providerAccountID, email string, tok *FortnoxTokenResponse) (*models.BillingAccount, error) {
	_ = ctx
	if userID == 0 || strings.TrimSpace(providerAccountID) == "" {
		return nil, errors.New("user id and provider account id are required")
	}
	if tok == nil || strings.TrimSpace(tok.AccessToken) == "" {
		return nil, errors.New("token response is required")
	}

	accessEnc, err := ts.encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = ts.encrypt(tok.RefreshToken); err != nil {
			return nil, err
		}
	}

	var expiresAt *time.Time
	if tok.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	account := &models.BillingAccount{
		UserID:            userID,
		Provider:          models.ProviderFortnox,
		ProviderAccountID: strings.TrimSpace(providerAccountID),
		Email:             strings.TrimSpace(email),
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    expiresAt,
	}
	if err := ts.repo.UpsertBillingAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// HasAccount reports whether a usable token is on file for the user.
func (ts *TokenStore) HasAccount(userID uint) bool {
	account, err := ts.repo.GetBillingAccountByUser(userID, models.ProviderFortnox)
	if err != nil {
		return false
	}
	return account.AccessTokenEnc != ""
}

// AccessToken returns a valid decrypted access token for the user, refreshing
// and persisting a rotated pair when the stored one is about to expire.
func (ts *TokenStore) AccessToken(ctx context.Context, userID uint) (string, error) {
	account, err := ts.repo.GetBillingAccountByUser(userID, models.ProviderFortnox)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: no linked invoicing account", ErrProviderNotConfigured)
		}
		return "", err
	}
	if account.AccessTokenEnc == "" {
		return "", fmt.Errorf("%w: no stored access token", ErrProviderNotConfigured)
	}

	expired := account.TokenExpiresAt != nil && time.Until(*account.TokenExpiresAt) < tokenRefreshSkew
	if !expired {
		return ts.decrypt(account.AccessTokenEnc)
	}

	if account.RefreshTokenEnc == "" {
		return "", fmt.Errorf("%w: access token expired and no refresh token stored", ErrProviderNotConfigured)
	}
	refreshToken, err := ts.decrypt(account.RefreshTokenEnc)
	if err != nil {
		return "", err
	}

	tok, err := ts.client.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	if _, err := ts.SaveTokens(ctx, userID, account.ProviderAccountID, account.Email, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (ts *TokenStore) encrypt(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &ts.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (ts *TokenStore) decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	if len(raw) < 24 {
		return "", errors.New("stored token ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &ts.key)
	if !ok {
		return "", errors.New("stored token ciphertext failed to open")
	}
	return string(plain), nil
}
