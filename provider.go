package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// EIP-1193 provider error code for a user-rejected request.
const codeUserRejected = 4001

// Provider event types pushed by a wallet provider.
const (
	eventAccountsChanged = "accountsChanged"
	eventChainChanged    = "chainChanged"
)

// ProviderEvent is one provider-originated notification. Events for a
// session are delivered in the order the provider emitted them.
type ProviderEvent struct {
	Type     string
	Accounts []string
	ChainID  string
}

// ProviderInfo is display metadata for one wallet provider.
type ProviderInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	Installed bool   `json:"installed"`
}

// Provider is the capability surface of a wallet provider. Vendor-specific
// detection flags never leak past implementations of this interface.
type Provider interface {
	ID() string
	Info() ProviderInfo
	IsInstalled() bool
	Request(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)
	Events() <-chan ProviderEvent
}

// rpcError carries a provider RPC error code so user rejection (4001) can
// be told apart from generic failures.
type rpcError struct {
	Code    int
	Message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("provider rpc error %d: %s", e.Code, e.Message)
}

// isUserRejection reports whether a provider error is the user declining
// the connection prompt.
func isUserRejection(err error) bool {
	var re *rpcError
	return errors.As(err, &re) && re.Code == codeUserRejected
}

// preferenceOrder ranks well-known provider ids, most widely adopted first.
// This is a policy default; an explicit user choice always overrides it.
var preferenceOrder = []string{"metamask", "coinbase", "brave", "rabby"}

// Registry enumerates the wallet providers available to this session.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order, for stable listing
	preferred string   // explicit user override, empty = policy default
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Re-registering an id replaces the previous
// instance (a reconnecting bridge does this).
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

// Unregister removes a provider, e.g. when its bridge disconnects.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.preferred == id {
		r.preferred = ""
	}
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns metadata for all registered providers in registration order.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok {
			infos = append(infos, p.Info())
		}
	}
	return infos
}

// SetPreferred records an explicit user provider choice.
func (r *Registry) SetPreferred(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return ErrNoProvider
	}
	r.preferred = id
	return nil
}

// Primary returns the provider to use when the caller names none: the
// explicit user choice if set, else the highest-ranked installed provider
// by preference order, else the first installed provider detected.
func (r *Registry) Primary() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.preferred != "" {
		if p, ok := r.providers[r.preferred]; ok && p.IsInstalled() {
			return p, nil
		}
	}

	rank := make(map[string]int, len(preferenceOrder))
	for i, id := range preferenceOrder {
		rank[id] = i + 1
	}

	candidates := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.providers[id]; ok && p.IsInstalled() {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank[candidates[i]], rank[candidates[j]]
		if ri == 0 {
			ri = len(preferenceOrder) + 2
		}
		if rj == 0 {
			rj = len(preferenceOrder) + 2
		}
		return ri < rj
	})
	return r.providers[candidates[0]], nil
}

// requestAccounts asks a provider for account access and returns the
// reported address list. A user declining the prompt surfaces as
// ErrUserRejected, distinct from any other provider failure.
func requestAccounts(ctx context.Context, p Provider) ([]string, error) {
	raw, err := p.Request(ctx, "eth_requestAccounts", nil)
	if err != nil {
		if isUserRejection(err) {
			return nil, ErrUserRejected
		}
		return nil, fmt.Errorf("eth_requestAccounts: %w", err)
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// handleProviders handles GET /providers: enumerate registered providers.
func (r *Registry) handleProviders(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodPost {
		var body struct {
			Preferred string `json:"preferred"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Preferred == "" {
			http.Error(w, `{"error":"preferred provider id required"}`, http.StatusBadRequest)
			return
		}
		if err := r.SetPreferred(body.Preferred); err != nil {
			writeError(w, err)
			return
		}
	}

	r.mu.RLock()
	preferred := r.preferred
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": r.List(),
		"preferred": preferred,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
