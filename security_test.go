package main

import (
	"testing"
	"time"
)

func TestNormalizeAddress(t *testing.T) {
	addr, err := normalizeAddress("  0xAbCdEf1234567890aBcDeF1234567890ABCDEF12  ")
	if err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if addr != "0xabcdef1234567890abcdef1234567890abcdef12" {
		t.Fatalf("expected lowercased address, got %s", addr)
	}

	invalid := []string{
		"",
		"0x",
		"abcdef1234567890abcdef1234567890abcdef12",   // missing 0x
		"0xabcdef1234567890abcdef1234567890abcdef1",  // 39 hex chars
		"0xabcdef1234567890abcdef1234567890abcdef123", // 41 hex chars
		"0xzbcdef1234567890abcdef1234567890abcdef12", // non-hex char
		"javascript:alert(1)",
	}
	for _, raw := range invalid {
		if _, err := normalizeAddress(raw); err != ErrInvalidAddress {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", raw, err)
		}
	}
}

func TestResultCacheTTL(t *testing.T) {
	c := newResultCache(30 * time.Millisecond)

	c.put("0xabc", "acct-1", true)
	got, ok := c.get("0xabc")
	if !ok || got.AccountID != "acct-1" || !got.Found {
		t.Fatalf("expected cached hit, got ok=%v %+v", ok, got)
	}

	// Negative results are cached too
	c.put("0xdef", "", false)
	got, ok = c.get("0xdef")
	if !ok || got.Found {
		t.Fatalf("expected cached miss result, got ok=%v %+v", ok, got)
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.get("0xabc"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestResultCacheInvalidate(t *testing.T) {
	c := newResultCache(time.Minute)
	c.put("0xabc", "acct-1", true)
	c.invalidate("0xabc")
	if _, ok := c.get("0xabc"); ok {
		t.Fatal("invalidated entry should be gone")
	}
}

func TestAuditLoggerNilStore(t *testing.T) {
	a := NewAuditLogger(nil)
	// Must not panic and must not error out the caller
	a.Record("test_action", "wallet_state", map[string]interface{}{"k": "v"})
	a.Record("test_action", "wallet_state", nil)
}

func TestAuditLoggerPersists(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	a := NewAuditLogger(store)
	a.Record("wallet_connected", "wallet_state", map[string]interface{}{"address": "0xabc"})

	entries, err := store.RecentAudit(10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Action != "wallet_connected" || entries[0].TargetTable != "wallet_state" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}
