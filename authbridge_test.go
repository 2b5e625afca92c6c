package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func newTestAuthBridge(backendURL string, r *Resolver) *AuthBridge {
	return NewAuthBridge(backendURL, 2*time.Second, r, NewRateLimiter(100, time.Minute), NewAuditLogger(nil))
}

func TestExchangeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/wallet" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["walletAddress"] != testAddrA {
			t.Errorf("unexpected wallet address %q", body["walletAddress"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":      true,
			"accessToken":  "access-123",
			"refreshToken": "refresh-456",
			"user":         map[string]string{"account_id": "acct-1"},
		})
	}))
	defer srv.Close()

	r := newTestResolver(newMemoryAccountStore())
	r.state = StateExisting
	b := newTestAuthBridge(srv.URL, r)

	tokens, accountID, err := b.Exchange(context.Background(), testAddrA)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tokens.AccessToken != "access-123" || tokens.RefreshToken != "refresh-456" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if accountID != "acct-1" {
		t.Fatalf("expected acct-1, got %s", accountID)
	}
	if r.Authenticated() != "acct-1" {
		t.Fatal("exchange should record the authenticated account")
	}
}

func TestExchangeRequiresResolvedState(t *testing.T) {
	r := newTestResolver(newMemoryAccountStore())
	// state is Unconnected; no backend call should even be attempted
	b := newTestAuthBridge("http://127.0.0.1:1", r)

	_, _, err := b.Exchange(context.Background(), testAddrA)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound for unresolved state, got %v", err)
	}
}

func TestExchangeNeedsSignupRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     false,
			"needsSignup": true,
			"error":       "no account for wallet",
		})
	}))
	defer srv.Close()

	r := newTestResolver(newMemoryAccountStore())
	r.state = StateExisting
	b := newTestAuthBridge(srv.URL, r)

	_, _, err := b.Exchange(context.Background(), testAddrA)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
	if r.State() != StateUnconnected {
		t.Fatalf("failed exchange should roll the resolver back, got %s", r.State())
	}
	if r.Authenticated() != "" {
		t.Fatal("no session may be recorded on failure")
	}
}

func TestExchangeBackendFailureRollsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "database down"})
	}))
	defer srv.Close()

	r := newTestResolver(newMemoryAccountStore())
	r.state = StateLinkedToSession
	b := newTestAuthBridge(srv.URL, r)

	_, _, err := b.Exchange(context.Background(), testAddrA)
	if !errors.Is(err, ErrBackendAuth) {
		t.Fatalf("expected ErrBackendAuth, got %v", err)
	}
	if r.State() != StateUnconnected {
		t.Fatalf("backend failure should roll back, got %s", r.State())
	}
}

func TestExchangeUnreachableBackendRollsBack(t *testing.T) {
	r := newTestResolver(newMemoryAccountStore())
	r.state = StateExisting
	b := newTestAuthBridge("http://127.0.0.1:1", r)

	_, _, err := b.Exchange(context.Background(), testAddrA)
	if !errors.Is(err, ErrBackendAuth) {
		t.Fatalf("expected ErrBackendAuth, got %v", err)
	}
	if r.State() != StateUnconnected {
		t.Fatalf("transport failure should roll back, got %s", r.State())
	}
}

func TestExchangeRateLimited(t *testing.T) {
	r := newTestResolver(newMemoryAccountStore())
	r.state = StateExisting
	b := newTestAuthBridge("http://127.0.0.1:1", r)
	b.limiter = NewRateLimiter(1, time.Minute)

	// Burn the single allowed attempt (it fails on transport, which still
	// counts against the window)
	b.Exchange(context.Background(), testAddrA)
	r.state = StateExisting

	_, _, err := b.Exchange(context.Background(), testAddrA)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestHandleAuthWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":      true,
			"accessToken":  "access-123",
			"refreshToken": "refresh-456",
			"user":         map[string]string{"account_id": "acct-1"},
		})
	}))
	defer srv.Close()

	r := newTestResolver(newMemoryAccountStore())
	r.state = StateExisting
	b := newTestAuthBridge(srv.URL, r)

	req := httptest.NewRequest(http.MethodPost, "/auth/wallet",
		jsonBody(t, map[string]string{"address": testAddrA}))
	rec := httptest.NewRecorder()
	b.handleAuthWallet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["access_token"] != "access-123" || resp["account_id"] != "acct-1" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if resp["ownership_basis"] != "provider_reported" {
		t.Fatal("response must disclose the ownership basis")
	}
}
