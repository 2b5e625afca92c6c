package main

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// normalizeAddress lowercases, trims, and validates a wallet address.
// Returns ErrInvalidAddress for anything that is not 0x + 40 hex chars.
// Runs before any I/O so malformed input never reaches the network.
func normalizeAddress(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return "", ErrInvalidAddress
	}
	for _, c := range addr[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", ErrInvalidAddress
		}
	}
	return addr, nil
}

// lookupResult is a cached "does this address have a linked account" answer.
type lookupResult struct {
	AccountID string
	Found     bool
	expiresAt time.Time
}

// resultCache memoizes account lookups for a short TTL so a burst of
// provider events (connect immediately followed by accountsChanged) does
// not trigger redundant account store round-trips.
type resultCache struct {
	entries *xsync.MapOf[string, lookupResult]
	ttl     time.Duration
}

func newResultCache(ttl time.Duration) *resultCache {
	c := &resultCache{
		entries: xsync.NewMapOf[string, lookupResult](),
		ttl:     ttl,
	}
	// Sweep expired entries once per TTL interval
	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for range ticker.C {
			now := time.Now()
			c.entries.Range(func(key string, v lookupResult) bool {
				if now.After(v.expiresAt) {
					c.entries.Delete(key)
				}
				return true
			})
		}
	}()
	return c
}

func (c *resultCache) get(address string) (lookupResult, bool) {
	v, ok := c.entries.Load(address)
	if !ok || time.Now().After(v.expiresAt) {
		return lookupResult{}, false
	}
	return v, true
}

func (c *resultCache) put(address, accountID string, found bool) {
	c.entries.Store(address, lookupResult{
		AccountID: accountID,
		Found:     found,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *resultCache) invalidate(address string) {
	c.entries.Delete(address)
}

// AuditLogger records security-relevant operations. A failure to record
// must never abort the primary operation: errors are logged and dropped.
type AuditLogger struct {
	store *Store
}

func NewAuditLogger(store *Store) *AuditLogger {
	return &AuditLogger{store: store}
}

// Record appends an audit entry with an action tag, the table it targets,
// and contextual details.
func (a *AuditLogger) Record(action, table string, details map[string]interface{}) {
	payload := ""
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			log.Printf("audit: marshal details for %s: %v", action, err)
		} else {
			payload = string(b)
		}
	}
	if a.store == nil {
		log.Printf("audit: %s table=%s %s", action, table, payload)
		return
	}
	if err := a.store.AppendAudit(action, table, payload); err != nil {
		log.Printf("audit: append %s failed: %v", action, err)
	}
}
