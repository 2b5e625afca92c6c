package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testAddrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testAddrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newTestResolver(accounts AccountStore) *Resolver {
	r := NewResolver(
		NewRegistry(),
		NewNetworkGuard([]string{"0x13882"}),
		accounts,
		NewRateLimiter(100, time.Minute),
		newResultCache(time.Minute),
		NewAuditLogger(nil),
		nil,
	)
	r.network = NetworkSupported
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResolveNewAndExisting(t *testing.T) {
	s := newMemoryAccountStore()
	s.AddAccount("acct-1")
	if err := s.LinkWallet(context.Background(), "acct-1", testAddrB); err != nil {
		t.Fatalf("seed link: %v", err)
	}
	r := newTestResolver(s)

	res, err := r.Resolve(context.Background(), testAddrA)
	if err != nil {
		t.Fatalf("resolve unknown: %v", err)
	}
	if res.State != StateNew || res.AccountID != "" {
		t.Fatalf("unknown address should be new, got %+v", res)
	}
	if r.State() != StateNew {
		t.Fatalf("resolver should sit in new, got %s", r.State())
	}

	res, err = r.Resolve(context.Background(), testAddrB)
	if err != nil {
		t.Fatalf("resolve linked: %v", err)
	}
	if res.State != StateExisting || res.AccountID != "acct-1" {
		t.Fatalf("linked address should be existing acct-1, got %+v", res)
	}
}

func TestResolveChecksumInputNormalized(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)

	res, err := r.Resolve(context.Background(), "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Address != testAddrA {
		t.Fatalf("expected normalized address, got %s", res.Address)
	}

	if _, err := r.Resolve(context.Background(), "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestResolveCachesLookups(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)

	if _, err := r.Resolve(context.Background(), testAddrA); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), testAddrA); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if s.Lookups() != 1 {
		t.Fatalf("second resolve should hit the cache, lookups=%d", s.Lookups())
	}
}

func TestResolveUnsupportedNetworkSkipsLookup(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)
	r.network = NetworkUnsupported

	_, err := r.Resolve(context.Background(), testAddrA)
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
	// The account store must never be consulted on a wrong chain
	if s.Lookups() != 0 {
		t.Fatalf("lookup leaked on unsupported network: %d", s.Lookups())
	}
	if r.State() != StateUnconnected {
		t.Fatalf("state should stay unconnected, got %s", r.State())
	}
}

func TestResolveRateLimited(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)
	r.limiter = NewRateLimiter(1, time.Minute)

	if _, err := r.Resolve(context.Background(), testAddrA); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), testAddrA); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

// gateStore blocks lookups until released, counting calls.
type gateStore struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	blockOn string // only block lookups for this address; "" blocks all
}

func newGateStore(blockOn string) *gateStore {
	return &gateStore{
		started: make(chan struct{}),
		release: make(chan struct{}),
		blockOn: blockOn,
	}
}

func (g *gateStore) FindByWalletAddress(_ context.Context, address string) (*AccountProfile, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if g.blockOn == "" || address == g.blockOn {
		if first {
			close(g.started)
		}
		<-g.release
	}
	return nil, nil
}

func (g *gateStore) LinkWallet(context.Context, string, string) error { return nil }

func (g *gateStore) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	s := newGateStore("")
	r := newTestResolver(s)

	type outcome struct {
		res *ResolutionResult
		err error
	}
	results := make(chan outcome, 2)

	go func() {
		res, err := r.Resolve(context.Background(), testAddrA)
		results <- outcome{res, err}
	}()
	<-s.started

	// Second resolution for the same address while the first is in flight
	go func() {
		res, err := r.Resolve(context.Background(), testAddrA)
		results <- outcome{res, err}
	}()

	// Give the second caller time to park on the in-flight entry, then
	// let the single lookup finish.
	time.Sleep(20 * time.Millisecond)
	close(s.release)

	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatalf("resolve %d: %v", i, o.err)
		}
		if o.res.State != StateNew {
			t.Fatalf("resolve %d: expected new, got %s", i, o.res.State)
		}
	}
	if s.Calls() != 1 {
		t.Fatalf("concurrent resolutions should share one lookup, got %d", s.Calls())
	}
}

func TestNewerResolutionSupersedesOlder(t *testing.T) {
	s := newGateStore(testAddrA)
	r := newTestResolver(s)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), testAddrA)
		errCh <- err
	}()
	<-s.started

	// The user switched to address B while A's lookup was in flight
	res, err := r.Resolve(context.Background(), testAddrB)
	if err != nil {
		t.Fatalf("resolve B: %v", err)
	}
	if res.State != StateNew {
		t.Fatalf("B should resolve new, got %s", res.State)
	}

	close(s.release)
	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("stale resolution should report ErrSuperseded, got %v", err)
	}
	// B's classification stands
	if r.State() != StateNew {
		t.Fatalf("state should reflect B, got %s", r.State())
	}
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	store := openTestStore(t)
	s := newMemoryAccountStore()
	r := newTestResolver(s)
	r.store = store

	p := NewScriptedProvider("metamask", "MetaMask", "0x13882", []string{testAddrA})
	session, res, err := r.Connect(context.Background(), p)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.Address != testAddrA || session.ProviderID != "metamask" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if res.State != StateNew {
		t.Fatalf("expected new, got %s", res.State)
	}

	st, err := store.WalletState("wallet:" + testAddrA)
	if err != nil || st == nil {
		t.Fatalf("wallet state should persist on connect: %+v %v", st, err)
	}
	if st.ExplicitDisconnect {
		t.Fatal("connect must not set the disconnect flag")
	}

	r.Disconnect()
	if r.State() != StateUnconnected || r.Session() != nil {
		t.Fatal("disconnect should drop session and state")
	}
	st, err = store.WalletState("wallet:" + testAddrA)
	if err != nil || st == nil {
		t.Fatalf("wallet state should survive disconnect: %+v %v", st, err)
	}
	if !st.ExplicitDisconnect {
		t.Fatal("explicit disconnect flag should be recorded")
	}
}

func TestConnectUserRejected(t *testing.T) {
	r := newTestResolver(newMemoryAccountStore())
	p := NewScriptedProvider("metamask", "MetaMask", "0x13882", []string{testAddrA})
	p.SetRejectConnect(true)

	_, _, err := r.Connect(context.Background(), p)
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if r.State() != StateUnconnected {
		t.Fatalf("rejection should leave state unconnected, got %s", r.State())
	}
}

func TestConnectUnsupportedChain(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)

	p := NewScriptedProvider("metamask", "MetaMask", "0x1", []string{testAddrA})
	session, _, err := r.Connect(context.Background(), p)
	if !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
	// The wallet session exists; only resolution is withheld
	if session == nil || session.ChainID != "0x1" {
		t.Fatalf("session should carry the rejected chain: %+v", session)
	}
	if s.Lookups() != 0 {
		t.Fatal("no lookup may run on an unsupported chain")
	}
}

func TestAuthenticatedResolveLinks(t *testing.T) {
	s := newMemoryAccountStore()
	s.AddAccount("acct-1")
	r := newTestResolver(s)
	r.SetAuthenticated("acct-1")

	res, err := r.Resolve(context.Background(), testAddrA)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != StateLinkedToSession || res.AccountID != "acct-1" {
		t.Fatalf("expected linked_to_session acct-1, got %+v", res)
	}

	p, err := s.FindByWalletAddress(context.Background(), testAddrA)
	if err != nil || p == nil || p.AccountID != "acct-1" {
		t.Fatalf("link should be recorded: %+v %v", p, err)
	}

	// Resolving again is idempotent
	if _, err := r.Resolve(context.Background(), testAddrA); err != nil {
		t.Fatalf("idempotent re-link: %v", err)
	}
}

func TestAuthenticatedResolveLinkConflict(t *testing.T) {
	s := newMemoryAccountStore()
	s.AddAccount("acct-1")
	s.AddAccount("acct-2")
	if err := s.LinkWallet(context.Background(), "acct-2", testAddrA); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := newTestResolver(s)
	r.SetAuthenticated("acct-1")

	_, err := r.Resolve(context.Background(), testAddrA)
	if !errors.Is(err, ErrLinkConflict) {
		t.Fatalf("expected ErrLinkConflict, got %v", err)
	}
	if r.State() != StateUnconnected {
		t.Fatalf("conflict should roll back to unconnected, got %s", r.State())
	}
}

func TestAccountsChangedEvents(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)

	p := NewScriptedProvider("metamask", "MetaMask", "0x13882", []string{testAddrA})
	if _, _, err := r.Connect(context.Background(), p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.AttachProvider(p)

	p.EmitAccountsChanged([]string{testAddrB})
	waitFor(t, "session to track new address", func() bool {
		sess := r.Session()
		return sess != nil && sess.Address == testAddrB && r.State() == StateNew
	})

	// Zero accounts means the wallet disconnected
	p.EmitAccountsChanged(nil)
	waitFor(t, "disconnect on empty accounts", func() bool {
		return r.Session() == nil && r.State() == StateUnconnected
	})
}

func TestChainChangedEvents(t *testing.T) {
	s := newMemoryAccountStore()
	r := newTestResolver(s)

	p := NewScriptedProvider("metamask", "MetaMask", "0x13882", []string{testAddrA})
	if _, _, err := r.Connect(context.Background(), p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.AttachProvider(p)

	p.EmitChainChanged("0x1")
	waitFor(t, "unsupported chain to reset state", func() bool {
		return r.State() == StateUnconnected
	})
	if _, err := r.Resolve(context.Background(), testAddrA); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork after chain switch, got %v", err)
	}

	p.EmitChainChanged("0x13882")
	waitFor(t, "supported chain restored", func() bool {
		snap := r.Snapshot()
		return snap["network"] == "supported"
	})
	if _, err := r.Resolve(context.Background(), testAddrA); err != nil {
		t.Fatalf("resolve after switching back: %v", err)
	}
}
