package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// AccountProfile is the external account store's view of a platform
// account. The core only reads profiles and requests link upserts.
type AccountProfile struct {
	AccountID           string    `json:"account_id"`
	LinkedWalletAddress string    `json:"linked_wallet_address,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// AccountStore is the narrow contract to the external account store. The
// store enforces that at most one profile carries a given wallet address;
// this core treats a conflicting link as ErrLinkConflict, never as a
// silent overwrite.
type AccountStore interface {
	// FindByWalletAddress returns nil, nil when no profile links the address.
	FindByWalletAddress(ctx context.Context, address string) (*AccountProfile, error)
	// LinkWallet upserts the link. Linking the same pair twice is idempotent.
	LinkWallet(ctx context.Context, accountID, address string) error
}

// httpAccountStore talks to the account store service over HTTP.
type httpAccountStore struct {
	baseURL string
	client  *http.Client
}

func newHTTPAccountStore(baseURL string, timeout time.Duration) *httpAccountStore {
	return &httpAccountStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *httpAccountStore) FindByWalletAddress(ctx context.Context, address string) (*AccountProfile, error) {
	url := fmt.Sprintf("%s/accounts/by-wallet/%s", s.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountStoreDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: lookup returned status %d", ErrAccountStoreDown, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read lookup response: %v", ErrAccountStoreDown, err)
	}

	accountID := gjson.GetBytes(body, "account_id").String()
	if accountID == "" {
		return nil, fmt.Errorf("%w: lookup response missing account_id", ErrAccountStoreDown)
	}
	profile := &AccountProfile{
		AccountID:           accountID,
		LinkedWalletAddress: gjson.GetBytes(body, "linked_wallet_address").String(),
	}
	if created := gjson.GetBytes(body, "created_at").String(); created != "" {
		if t, perr := time.Parse(time.RFC3339, created); perr == nil {
			profile.CreatedAt = t
		}
	}
	return profile, nil
}

func (s *httpAccountStore) LinkWallet(ctx context.Context, accountID, address string) error {
	payload, _ := json.Marshal(map[string]string{"wallet_address": address})
	url := fmt.Sprintf("%s/accounts/%s/wallet", s.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccountStoreDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrLinkConflict
	default:
		return fmt.Errorf("%w: link returned status %d", ErrAccountStoreDown, resp.StatusCode)
	}
}

// memoryAccountStore is an in-process account store used by tests and demo
// mode. It enforces the same one-address-one-account invariant as the real
// service.
type memoryAccountStore struct {
	mu        sync.Mutex
	byAddress map[string]*AccountProfile
	byID      map[string]*AccountProfile

	lookups int // call counter, inspected by tests
	links   int
}

func newMemoryAccountStore() *memoryAccountStore {
	return &memoryAccountStore{
		byAddress: make(map[string]*AccountProfile),
		byID:      make(map[string]*AccountProfile),
	}
}

// AddAccount seeds a profile without a linked wallet.
func (s *memoryAccountStore) AddAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[accountID] = &AccountProfile{AccountID: accountID, CreatedAt: time.Now()}
}

func (s *memoryAccountStore) FindByWalletAddress(_ context.Context, address string) (*AccountProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	p, ok := s.byAddress[address]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memoryAccountStore) LinkWallet(_ context.Context, accountID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links++

	if existing, ok := s.byAddress[address]; ok {
		if existing.AccountID == accountID {
			return nil // idempotent
		}
		return ErrLinkConflict
	}

	p, ok := s.byID[accountID]
	if !ok {
		p = &AccountProfile{AccountID: accountID, CreatedAt: time.Now()}
		s.byID[accountID] = p
	}
	p.LinkedWalletAddress = address
	s.byAddress[address] = p
	return nil
}

// Lookups returns the number of FindByWalletAddress calls served.
func (s *memoryAccountStore) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}
