package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// TokenPair is a backend-issued session credential.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthBridge exchanges a resolved wallet identity for a platform session.
// It trusts the resolver's classification rather than re-deriving it, so
// there is exactly one lookup path.
//
// Ownership here means "the injected provider reported this address" — no
// signed challenge is involved. That is a deliberate carry-over from the
// testnet-only product this replaces; responses carry ownership_basis so
// downstream consumers can see the weaker guarantee.
type AuthBridge struct {
	url      string
	client   *http.Client
	resolver *Resolver
	limiter  *RateLimiter
	audit    *AuditLogger
}

func NewAuthBridge(url string, timeout time.Duration, resolver *Resolver,
	limiter *RateLimiter, audit *AuditLogger) *AuthBridge {
	return &AuthBridge{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		resolver: resolver,
		limiter:  limiter,
		audit:    audit,
	}
}

// Exchange requests a session token pair for an address the resolver has
// already classified as Existing or LinkedToSession. On backend failure
// the resolver rolls back to Unconnected.
func (b *AuthBridge) Exchange(ctx context.Context, rawAddr string) (*TokenPair, string, error) {
	addr, err := normalizeAddress(rawAddr)
	if err != nil {
		return nil, "", err
	}

	if _, allowed := b.limiter.Allow(rateKey("auth", addr)); !allowed {
		b.audit.Record("auth_rate_limited", "sessions", map[string]interface{}{"address": addr})
		return nil, "", ErrRateLimited
	}

	state := b.resolver.State()
	if state != StateExisting && state != StateLinkedToSession {
		return nil, "", fmt.Errorf("%w: address not resolved for sign-in (state %s)", ErrWalletNotFound, state)
	}

	payload, _ := json.Marshal(map[string]string{"walletAddress": addr})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/auth/wallet", bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.resolver.Rollback()
		b.audit.Record("auth_failed", "sessions", map[string]interface{}{"address": addr, "error": err.Error()})
		return nil, "", fmt.Errorf("%w: %v", ErrBackendAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		b.resolver.Rollback()
		return nil, "", fmt.Errorf("%w: read auth response: %v", ErrBackendAuth, err)
	}

	if !gjson.GetBytes(body, "success").Bool() {
		b.resolver.Rollback()
		backendErr := gjson.GetBytes(body, "error").String()
		b.audit.Record("auth_failed", "sessions", map[string]interface{}{
			"address": addr, "error": backendErr, "status": resp.StatusCode,
		})
		if gjson.GetBytes(body, "needsSignup").Bool() || resp.StatusCode == http.StatusNotFound {
			return nil, "", ErrWalletNotFound
		}
		if backendErr != "" {
			return nil, "", fmt.Errorf("%w: %s", ErrBackendAuth, backendErr)
		}
		return nil, "", fmt.Errorf("%w: status %d", ErrBackendAuth, resp.StatusCode)
	}

	tokens := &TokenPair{
		AccessToken:  gjson.GetBytes(body, "accessToken").String(),
		RefreshToken: gjson.GetBytes(body, "refreshToken").String(),
	}
	if tokens.AccessToken == "" {
		b.resolver.Rollback()
		return nil, "", fmt.Errorf("%w: response missing access token", ErrBackendAuth)
	}

	accountID := gjson.GetBytes(body, "user.account_id").String()
	if accountID == "" {
		accountID = gjson.GetBytes(body, "user.id").String()
	}
	if accountID != "" {
		b.resolver.SetAuthenticated(accountID)
	}

	b.audit.Record("auth_succeeded", "sessions", map[string]interface{}{
		"address": addr, "account_id": accountID,
	})
	return tokens, accountID, nil
}

// handleAuthWallet handles POST /auth/wallet: {"address": "0x..."}.
func (b *AuthBridge) handleAuthWallet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Address == "" {
		http.Error(w, `{"error":"address required"}`, http.StatusBadRequest)
		return
	}

	tokens, accountID, err := b.Exchange(req.Context(), body.Address)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":         true,
		"access_token":    tokens.AccessToken,
		"refresh_token":   tokens.RefreshToken,
		"account_id":      accountID,
		"ownership_basis": "provider_reported",
	})
}
