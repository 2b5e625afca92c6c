package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ResolutionState is the resolver's position in the
// Unconnected → Resolving → {New | Existing | LinkedToSession} machine.
type ResolutionState int

const (
	StateUnconnected ResolutionState = iota
	StateResolving
	StateNew
	StateExisting
	StateLinkedToSession
)

func (s ResolutionState) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateNew:
		return "new"
	case StateExisting:
		return "existing"
	case StateLinkedToSession:
		return "linked_to_session"
	default:
		return "unconnected"
	}
}

// ResolutionResult classifies one connection attempt. It is transient and
// never persisted.
type ResolutionResult struct {
	State     ResolutionState `json:"-"`
	Address   string          `json:"address"`
	AccountID string          `json:"account_id,omitempty"`
}

// WalletSession is the single active wallet connection. It is created on a
// successful provider connection and destroyed on explicit disconnect or an
// accountsChanged event reporting zero accounts.
type WalletSession struct {
	Address     string    `json:"address"`
	ProviderID  string    `json:"provider_id"`
	ChainID     string    `json:"chain_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// inflightResolution coalesces concurrent lookups for the same address.
type inflightResolution struct {
	done   chan struct{}
	result *ResolutionResult
	err    error
}

// Resolver classifies a validated wallet address as new, existing, or
// linked to the current authenticated session. It owns the generation
// counter that discards resolutions outrun by newer provider events.
type Resolver struct {
	registry *Registry
	guard    *NetworkGuard
	accounts AccountStore
	limiter  *RateLimiter
	cache    *resultCache
	audit    *AuditLogger
	store    *Store

	// onIdentityGone fires when both the wallet and the platform session
	// for an identity are gone; the passport verifier clears its record.
	onIdentityGone func(identityKey string)

	mu            sync.Mutex
	session       *WalletSession
	authAccountID string
	state         ResolutionState
	network       NetworkStatus
	chainID       string
	target        string // address of the most recent resolution request
	generation    uint64

	inflight *xsync.MapOf[string, *inflightResolution]
}

func NewResolver(registry *Registry, guard *NetworkGuard, accounts AccountStore,
	limiter *RateLimiter, cache *resultCache, audit *AuditLogger, store *Store) *Resolver {
	return &Resolver{
		registry: registry,
		guard:    guard,
		accounts: accounts,
		limiter:  limiter,
		cache:    cache,
		audit:    audit,
		store:    store,
		inflight: xsync.NewMapOf[string, *inflightResolution](),
	}
}

// identityKey derives the namespacing key for persisted local state: the
// account id when a platform session exists, else a wallet-derived key so
// unauthenticated users still get their own namespace.
func identityKey(accountID, address string) string {
	if accountID != "" {
		return "acct:" + accountID
	}
	return "wallet:" + address
}

// SetAuthenticated records the platform session's account id.
func (r *Resolver) SetAuthenticated(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authAccountID = accountID
}

// Authenticated returns the current platform session's account id, if any.
func (r *Resolver) Authenticated() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authAccountID
}

// ClearAuthenticated drops the platform session. When no wallet session
// remains either, the identity's passport record is cleared.
func (r *Resolver) ClearAuthenticated() {
	r.mu.Lock()
	account := r.authAccountID
	r.authAccountID = ""
	sessionGone := r.session == nil
	r.mu.Unlock()

	if account != "" && sessionGone && r.onIdentityGone != nil {
		r.onIdentityGone(identityKey(account, ""))
	}
}

// State returns the current resolution state.
func (r *Resolver) State() ResolutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns a copy of the active wallet session, or nil.
func (r *Resolver) Session() *WalletSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	cp := *r.session
	return &cp
}

// beginResolution stamps a resolution request with a generation. A request
// for a different address than the last one supersedes anything in flight.
func (r *Resolver) beginResolution(addr string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target != addr {
		r.generation++
		r.target = addr
	}
	r.state = StateResolving
	return r.generation
}

// commit installs a result only if no newer wallet event or resolution
// request started since gen was issued.
func (r *Resolver) commit(gen uint64, res *ResolutionResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return false
	}
	r.state = res.State
	return true
}

// rollbackState returns the machine to Unconnected unless a newer
// resolution has already moved it.
func (r *Resolver) rollbackState(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation == gen {
		r.state = StateUnconnected
	}
}

// Rollback forces the machine back to Unconnected. The auth bridge calls
// this on backend failure so the UI never sits in a half-linked state.
func (r *Resolver) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateUnconnected
}

// Resolve classifies a wallet address. Address validation fails fast,
// before the rate limiter or any network call.
func (r *Resolver) Resolve(ctx context.Context, rawAddr string) (*ResolutionResult, error) {
	addr, err := normalizeAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	gen := r.beginResolution(addr)
	return r.resolve(ctx, gen, addr)
}

func (r *Resolver) resolve(ctx context.Context, gen uint64, addr string) (*ResolutionResult, error) {
	if _, allowed := r.limiter.Allow(rateKey("resolve", addr)); !allowed {
		r.rollbackState(gen)
		r.audit.Record("resolve_rate_limited", "wallet_state", map[string]interface{}{"address": addr})
		return nil, ErrRateLimited
	}

	r.mu.Lock()
	network := r.network
	auth := r.authAccountID
	r.mu.Unlock()

	// Wrong chain: stay Unconnected and skip the account store entirely,
	// so lookups never leak for addresses on an unaccepted network.
	if network != NetworkSupported {
		r.rollbackState(gen)
		return nil, ErrUnsupportedNetwork
	}

	// An authenticated session links directly; linking is idempotent so no
	// existence lookup is needed.
	if auth != "" {
		if err := r.accounts.LinkWallet(ctx, auth, addr); err != nil {
			r.rollbackState(gen)
			if errors.Is(err, ErrLinkConflict) {
				r.audit.Record("link_conflict", "account_profiles", map[string]interface{}{
					"address": addr, "account_id": auth,
				})
				return nil, err
			}
			if !errors.Is(err, ErrAccountStoreDown) {
				err = fmt.Errorf("%w: %v", ErrAccountStoreDown, err)
			}
			return nil, err
		}
		res := &ResolutionResult{State: StateLinkedToSession, Address: addr, AccountID: auth}
		if !r.commit(gen, res) {
			return nil, ErrSuperseded
		}
		r.cache.put(addr, auth, true)
		r.persistConnected(auth, addr)
		r.audit.Record("wallet_linked", "account_profiles", map[string]interface{}{
			"address": addr, "account_id": auth,
		})
		return res, nil
	}

	// Coalesce concurrent resolutions for the same address: the second
	// caller waits on the first lookup instead of issuing a duplicate.
	fl := &inflightResolution{done: make(chan struct{})}
	actual, loaded := r.inflight.LoadOrStore(addr, fl)
	if loaded {
		select {
		case <-actual.done:
			return actual.result, actual.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res, err := r.lookup(ctx, gen, addr)
	fl.result, fl.err = res, err
	close(fl.done)
	r.inflight.Delete(addr)
	return res, err
}

func (r *Resolver) lookup(ctx context.Context, gen uint64, addr string) (*ResolutionResult, error) {
	var accountID string
	var found bool

	if cached, ok := r.cache.get(addr); ok {
		accountID, found = cached.AccountID, cached.Found
	} else {
		profile, err := r.accounts.FindByWalletAddress(ctx, addr)
		if err != nil {
			r.rollbackState(gen)
			if !errors.Is(err, ErrAccountStoreDown) {
				err = fmt.Errorf("%w: %v", ErrAccountStoreDown, err)
			}
			return nil, err
		}
		found = profile != nil
		if found {
			accountID = profile.AccountID
		}
		r.cache.put(addr, accountID, found)
	}

	res := &ResolutionResult{Address: addr, AccountID: accountID}
	if found {
		res.State = StateExisting
	} else {
		res.State = StateNew
	}
	if !r.commit(gen, res) {
		return nil, ErrSuperseded
	}
	r.persistConnected("", addr)
	r.audit.Record("wallet_resolved", "account_profiles", map[string]interface{}{
		"address": addr, "state": res.State.String(),
	})
	return res, nil
}

func (r *Resolver) persistConnected(accountID, addr string) {
	if r.store == nil {
		return
	}
	st := WalletState{
		IdentityKey: identityKey(accountID, addr),
		LastAddress: addr,
	}
	if err := r.store.SaveWalletState(st); err != nil {
		log.Printf("resolver: persist wallet state: %v", err)
	}
}

// AttachProvider consumes a provider's event stream. A single goroutine
// reads the channel so events are processed strictly in arrival order.
func (r *Resolver) AttachProvider(p Provider) {
	go func() {
		for ev := range p.Events() {
			r.handleEvent(p, ev)
		}
	}()
}

func (r *Resolver) handleEvent(p Provider, ev ProviderEvent) {
	switch ev.Type {
	case eventChainChanged:
		status := r.guard.Classify(ev.ChainID)
		r.mu.Lock()
		r.chainID = normalizeChainID(ev.ChainID)
		r.network = status
		r.generation++ // abandon anything in flight
		if status != NetworkSupported {
			r.state = StateUnconnected
		}
		if r.session != nil {
			r.session.ChainID = r.chainID
		}
		r.mu.Unlock()
		log.Printf("resolver: chain changed to %s (%s)", ev.ChainID, status)

	case eventAccountsChanged:
		if len(ev.Accounts) == 0 {
			r.Disconnect()
			return
		}
		addr, err := normalizeAddress(ev.Accounts[0])
		if err != nil {
			log.Printf("resolver: ignoring malformed address from %s: %v", p.ID(), err)
			return
		}
		r.mu.Lock()
		if r.session != nil {
			r.session.Address = addr
		}
		r.mu.Unlock()
		// Stamp the generation synchronously so ordering is preserved,
		// then resolve off the event loop.
		gen := r.beginResolution(addr)
		go func() {
			if _, err := r.resolve(context.Background(), gen, addr); err != nil && !errors.Is(err, ErrSuperseded) {
				log.Printf("resolver: resolve %s after accountsChanged: %v", addr, err)
			}
		}()

	default:
		log.Printf("resolver: unknown provider event %q from %s", ev.Type, p.ID())
	}
}

// Connect establishes the wallet session through a provider: request
// accounts, classify the network, then resolve the first reported address.
func (r *Resolver) Connect(ctx context.Context, p Provider) (*WalletSession, *ResolutionResult, error) {
	accounts, err := requestAccounts(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if len(accounts) == 0 {
		return nil, nil, ErrNoProvider
	}
	addr, err := normalizeAddress(accounts[0])
	if err != nil {
		return nil, nil, err
	}

	chainID, status := r.guard.Check(ctx, p)

	r.mu.Lock()
	r.network = status
	r.chainID = chainID
	session := &WalletSession{
		Address:     addr,
		ProviderID:  p.ID(),
		ChainID:     chainID,
		ConnectedAt: time.Now(),
	}
	r.session = session
	r.mu.Unlock()

	r.audit.Record("wallet_connected", "wallet_state", map[string]interface{}{
		"address": addr, "provider": p.ID(), "chain_id": chainID, "network": status.String(),
	})

	gen := r.beginResolution(addr)
	res, err := r.resolve(ctx, gen, addr)
	if err != nil {
		cp := *session
		return &cp, nil, err
	}
	cp := *session
	return &cp, res, nil
}

// Disconnect destroys the wallet session and records the explicit
// disconnect flag so the next visit does not auto-reconnect.
func (r *Resolver) Disconnect() {
	r.mu.Lock()
	r.generation++
	r.target = ""
	sess := r.session
	r.session = nil
	r.state = StateUnconnected
	auth := r.authAccountID
	r.mu.Unlock()

	if sess == nil {
		return
	}

	key := identityKey(auth, sess.Address)
	if r.store != nil {
		err := r.store.SaveWalletState(WalletState{
			IdentityKey:        key,
			LastAddress:        sess.Address,
			ExplicitDisconnect: true,
		})
		if err != nil {
			log.Printf("resolver: persist disconnect: %v", err)
		}
	}
	r.audit.Record("wallet_disconnected", "wallet_state", map[string]interface{}{
		"address": sess.Address,
	})

	if auth == "" && r.onIdentityGone != nil {
		r.onIdentityGone(key)
	}
}

// handleConnect handles POST /connect: {"provider_id": "..."} (optional).
func (r *Resolver) handleConnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ProviderID string `json:"provider_id"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	var p Provider
	var err error
	if body.ProviderID != "" {
		var ok bool
		p, ok = r.registry.Get(body.ProviderID)
		if !ok {
			writeError(w, ErrNoProvider)
			return
		}
	} else {
		p, err = r.registry.Primary()
		if err != nil {
			writeError(w, err)
			return
		}
	}

	session, res, err := r.Connect(req.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session":    session,
		"state":      res.State.String(),
		"account_id": res.AccountID,
		"network":    r.networkString(),
	})
}

// handleResolve handles POST /resolve: {"address": "0x..."}.
func (r *Resolver) handleResolve(w http.ResponseWriter, req *http.Request) {
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

	res, err := r.Resolve(req.Context(), body.Address)
	if err != nil {
		writeError(w, err)
		return
	}

	// "new" signals the caller to offer sign-up; "existing" sign-in.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"address":    res.Address,
		"state":      res.State.String(),
		"account_id": res.AccountID,
	})
}

// handleDisconnect handles POST /disconnect.
func (r *Resolver) handleDisconnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}
	r.Disconnect()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"state": StateUnconnected.String()})
}

func (r *Resolver) networkString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.network.String()
}

// Snapshot reports resolver internals for /stats.
func (r *Resolver) Snapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := map[string]interface{}{
		"state":         r.state.String(),
		"network":       r.network.String(),
		"chain_id":      r.chainID,
		"generation":    r.generation,
		"authenticated": r.authAccountID != "",
	}
	if r.session != nil {
		snap["session"] = *r.session
	}
	return snap
}
