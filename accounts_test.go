package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryAccountStoreLinkIdempotent(t *testing.T) {
	s := newMemoryAccountStore()
	s.AddAccount("acct-1")

	if err := s.LinkWallet(context.Background(), "acct-1", "0xabc"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Linking the same pair again is a no-op, not a conflict
	if err := s.LinkWallet(context.Background(), "acct-1", "0xabc"); err != nil {
		t.Fatalf("idempotent link: %v", err)
	}

	// A different account claiming the same address conflicts
	s.AddAccount("acct-2")
	if err := s.LinkWallet(context.Background(), "acct-2", "0xabc"); !errors.Is(err, ErrLinkConflict) {
		t.Fatalf("expected ErrLinkConflict, got %v", err)
	}

	p, err := s.FindByWalletAddress(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p == nil || p.AccountID != "acct-1" {
		t.Fatalf("expected acct-1 to own 0xabc, got %+v", p)
	}

	// Unknown address: nil, nil
	p, err = s.FindByWalletAddress(context.Background(), "0xunknown")
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil for unknown address, got %+v %v", p, err)
	}
}

func TestHTTPAccountStoreFind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/by-wallet/0xknown":
			json.NewEncoder(w).Encode(map[string]string{
				"account_id":            "acct-9",
				"linked_wallet_address": "0xknown",
			})
		case "/accounts/by-wallet/0xmissing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := newHTTPAccountStore(srv.URL, 2*time.Second)

	p, err := s.FindByWalletAddress(context.Background(), "0xknown")
	if err != nil {
		t.Fatalf("find known: %v", err)
	}
	if p == nil || p.AccountID != "acct-9" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	// 404 is "no linked account", not an error
	p, err = s.FindByWalletAddress(context.Background(), "0xmissing")
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil on 404, got %+v %v", p, err)
	}

	// 5xx wraps ErrAccountStoreDown
	_, err = s.FindByWalletAddress(context.Background(), "0xboom")
	if !errors.Is(err, ErrAccountStoreDown) {
		t.Fatalf("expected ErrAccountStoreDown, got %v", err)
	}
}

func TestHTTPAccountStoreLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/acct-1/wallet":
			w.WriteHeader(http.StatusOK)
		case "/accounts/acct-2/wallet":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := newHTTPAccountStore(srv.URL, 2*time.Second)

	if err := s.LinkWallet(context.Background(), "acct-1", "0xabc"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.LinkWallet(context.Background(), "acct-2", "0xabc"); !errors.Is(err, ErrLinkConflict) {
		t.Fatalf("expected ErrLinkConflict on 409, got %v", err)
	}
	if err := s.LinkWallet(context.Background(), "acct-3", "0xabc"); !errors.Is(err, ErrAccountStoreDown) {
		t.Fatalf("expected ErrAccountStoreDown on 500, got %v", err)
	}
}

func TestHTTPAccountStoreUnreachable(t *testing.T) {
	s := newHTTPAccountStore("http://127.0.0.1:1", 100*time.Millisecond)
	_, err := s.FindByWalletAddress(context.Background(), "0xabc")
	if !errors.Is(err, ErrAccountStoreDown) {
		t.Fatalf("expected ErrAccountStoreDown for unreachable store, got %v", err)
	}
}
