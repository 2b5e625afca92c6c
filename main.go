package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var startTime = time.Now()

func main() {
	cfgPath := os.Getenv("CONFIG")
	if cfgPath == "" {
		cfgPath = "config.toml"
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("store: open %s: %v", cfg.Storage.Path, err)
	}
	defer store.Close()

	audit := NewAuditLogger(store)
	cache := newResultCache(time.Duration(cfg.RateLimit.CacheTTLSec) * time.Second)

	limiter := NewRateLimiter(cfg.RateLimit.MaxAttempts, time.Duration(cfg.RateLimit.WindowSec)*time.Second)
	if states, err := store.LoadRateWindows(); err != nil {
		log.Printf("ratelimit: restore failed: %v", err)
	} else if len(states) > 0 {
		limiter.Restore(states)
		log.Printf("ratelimit: restored %d windows", len(states))
	}

	registry := NewRegistry()
	guard := NewNetworkGuard(cfg.Network.AcceptedChainIDs)

	accounts := newHTTPAccountStore(cfg.AccountStore.URL, time.Duration(cfg.AccountStore.TimeoutSec)*time.Second)
	resolver := NewResolver(registry, guard, accounts, limiter, cache, audit, store)

	auth := NewAuthBridge(cfg.AuthBridge.URL, time.Duration(cfg.AuthBridge.TimeoutSec)*time.Second,
		resolver, limiter, audit)

	verifier := NewPassportVerifier(cfg.Passport, store, audit, resolver)
	resolver.onIdentityGone = verifier.ClearIdentity

	hub := NewScoreHub()
	verifier.onScore = func(address string, score float64) {
		hub.Publish(address, "passport", score)
	}

	ledger := NewTrustLedger(cfg.Trust, verifier)
	ledger.onUpdate = func(accountID string, score int) {
		hub.Publish(accountID, "trust", float64(score))
	}

	bridge := NewWalletBridge(registry, resolver)

	if cfg.Server.DemoMode {
		demo := NewScriptedProvider("metamask", "MetaMask (scripted)",
			cfg.Network.AcceptedChainIDs[0],
			[]string{"0x1234567890abcdef1234567890abcdef12345678"})
		registry.Register(demo)
		resolver.AttachProvider(demo)
		log.Printf("demo: scripted provider registered on chain %s", cfg.Network.AcceptedChainIDs[0])
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"providers": len(registry.List()),
			"state":     resolver.State().String(),
			"uptime":    time.Since(startTime).String(),
		})
	})
	mux.HandleFunc("/providers", registry.handleProviders)
	mux.HandleFunc("/connect", resolver.handleConnect)
	mux.HandleFunc("/resolve", resolver.handleResolve)
	mux.HandleFunc("/disconnect", resolver.handleDisconnect)
	mux.HandleFunc("/auth/wallet", auth.handleAuthWallet)
	mux.HandleFunc("/passport/verify", verifier.handleVerify)
	mux.HandleFunc("/passport/score", verifier.handleScore)
	mux.HandleFunc("/passport/cancel", verifier.handleCancel)
	mux.HandleFunc("/passport/window-closed", verifier.handleWindowClosed)
	mux.HandleFunc("/trust", ledger.handleTrust)
	mux.HandleFunc("/trust/action", ledger.handleTrustAction)
	mux.HandleFunc("/ws/wallet", bridge.handleWalletSocket)
	mux.HandleFunc("/ws/scores", handleScoreSocketInfo(hub))
	mux.HandleFunc("/openapi.json", handleOpenAPI)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":          "wallet-identity",
			"resolution":       resolver.Snapshot(),
			"providers":        registry.List(),
			"passport_jobs":    verifier.ActiveJobs(),
			"trust_accounts":   ledger.Count(),
			"stream_clients":   hub.ClientCount(),
			"accepted_chains":  cfg.Network.AcceptedChainIDs,
			"rate_window_sec":  cfg.RateLimit.WindowSec,
			"rate_max":         cfg.RateLimit.MaxAttempts,
			"uptime":           time.Since(startTime).String(),
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"name":        "Wallet Identity Service",
			"description": "Wallet identity reconciliation, passport verification, and trust scoring for the TrustTrail platform.",
			"endpoints": `GET /providers — Registered wallet providers
POST /connect — Connect a wallet and resolve its identity
POST /resolve — Re-resolve an address against the account store
POST /disconnect — Explicit wallet disconnect
POST /auth/wallet — Exchange a resolved wallet for a platform session
POST /passport/verify — Start passport verification for an address
GET /passport/score?address=0x... — Persisted passport score
POST /passport/cancel — Cancel an in-flight verification
GET /trust?account=<id> — Trust score, level, and composite score
POST /trust/action — Report an engagement action
GET /ws/wallet — WebSocket wallet provider bridge
GET /ws/scores — WebSocket score stream
GET /stats — Service stats`,
		})
	})

	ipLimiter := NewRateLimiter(cfg.Server.IPRateLimit, time.Duration(cfg.Server.IPRateWindowSec)*time.Second)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: RateLimitMiddleware(ipLimiter, mux),
	}

	go func() {
		log.Printf("Wallet Identity API listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := store.SaveRateWindows(limiter.Snapshot()); err != nil {
		log.Printf("ratelimit: persist windows: %v", err)
	}
}
