package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ScriptedStep is one timed event in a demo script.
type ScriptedStep struct {
	Delay time.Duration
	Event ProviderEvent
}

// ScriptedProvider is an in-process wallet provider driven by explicit
// calls or a timed script. It backs demo mode and tests; nothing starts
// it implicitly, the owner calls Start and Stop.
type ScriptedProvider struct {
	id   string
	name string

	mu            sync.Mutex
	accounts      []string
	chainID       string
	rejectConnect bool
	started       bool
	stop          chan struct{}

	events chan ProviderEvent
}

func NewScriptedProvider(id, name, chainID string, accounts []string) *ScriptedProvider {
	return &ScriptedProvider{
		id:       id,
		name:     name,
		chainID:  chainID,
		accounts: accounts,
		events:   make(chan ProviderEvent, 16),
	}
}

func (p *ScriptedProvider) ID() string { return p.id }

func (p *ScriptedProvider) Info() ProviderInfo {
	return ProviderInfo{ID: p.id, Name: p.name, Installed: true}
}

func (p *ScriptedProvider) IsInstalled() bool { return true }

func (p *ScriptedProvider) Events() <-chan ProviderEvent { return p.events }

// SetRejectConnect makes the next eth_requestAccounts fail with the
// user-rejection code.
func (p *ScriptedProvider) SetRejectConnect(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectConnect = reject
}

func (p *ScriptedProvider) Request(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch method {
	case "eth_requestAccounts", "eth_accounts":
		if p.rejectConnect {
			return nil, &rpcError{Code: codeUserRejected, Message: "user rejected the request"}
		}
		out, _ := json.Marshal(p.accounts)
		return out, nil
	case "eth_chainId":
		out, _ := json.Marshal(p.chainID)
		return out, nil
	default:
		return nil, fmt.Errorf("scripted provider: unsupported method %q", method)
	}
}

// EmitAccountsChanged updates the provider's account list and pushes the
// corresponding event.
func (p *ScriptedProvider) EmitAccountsChanged(accounts []string) {
	p.mu.Lock()
	p.accounts = accounts
	p.mu.Unlock()
	p.events <- ProviderEvent{Type: eventAccountsChanged, Accounts: accounts}
}

// EmitChainChanged updates the provider's chain and pushes the event.
func (p *ScriptedProvider) EmitChainChanged(chainID string) {
	p.mu.Lock()
	p.chainID = chainID
	p.mu.Unlock()
	p.events <- ProviderEvent{Type: eventChainChanged, ChainID: chainID}
}

// Start plays a script of timed events until it runs out or Stop is
// called. Calling Start on a running provider is a no-op.
func (p *ScriptedProvider) Start(script []ScriptedStep) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	go func() {
		for _, step := range script {
			select {
			case <-stop:
				return
			case <-time.After(step.Delay):
			}

			switch step.Event.Type {
			case eventAccountsChanged:
				p.EmitAccountsChanged(step.Event.Accounts)
			case eventChainChanged:
				p.EmitChainChanged(step.Event.ChainID)
			}
		}
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
	}()
}

// Stop halts a running script. Safe to call when not started.
func (p *ScriptedProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		close(p.stop)
		p.started = false
	}
}
