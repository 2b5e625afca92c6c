package main

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// NetworkStatus classifies the provider's active chain.
type NetworkStatus int

const (
	NetworkUnsupported NetworkStatus = iota
	NetworkSupported
)

func (s NetworkStatus) String() string {
	if s == NetworkSupported {
		return "supported"
	}
	return "unsupported"
}

// NetworkGuard validates the active chain identifier against the accepted
// set. It is consulted at connect time and again on every chainChanged
// event, since a user may switch networks after connecting.
type NetworkGuard struct {
	accepted map[string]bool
}

func NewNetworkGuard(chainIDs []string) *NetworkGuard {
	accepted := make(map[string]bool, len(chainIDs))
	for _, id := range chainIDs {
		accepted[normalizeChainID(id)] = true
	}
	return &NetworkGuard{accepted: accepted}
}

// normalizeChainID lowercases a hex chain id so "0X13882" and "0x13882"
// compare equal.
func normalizeChainID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Classify returns Supported when the chain id is in the accepted set.
func (g *NetworkGuard) Classify(chainID string) NetworkStatus {
	if g.accepted[normalizeChainID(chainID)] {
		return NetworkSupported
	}
	return NetworkUnsupported
}

// Check reads the provider's active chain and classifies it. A failed
// chain read classifies as Unsupported instead of returning an error, so
// the caller's state machine stays total.
func (g *NetworkGuard) Check(ctx context.Context, p Provider) (string, NetworkStatus) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := p.Request(cctx, "eth_chainId", nil)
	if err != nil {
		log.Printf("network: chain read from %s failed: %v", p.ID(), err)
		return "", NetworkUnsupported
	}
	var chainID string
	if err := json.Unmarshal(raw, &chainID); err != nil {
		log.Printf("network: bad chain id from %s: %v", p.ID(), err)
		return "", NetworkUnsupported
	}
	return normalizeChainID(chainID), g.Classify(chainID)
}
