package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the complete service configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Network      NetworkConfig      `toml:"network"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
	Passport     PassportConfig     `toml:"passport"`
	Trust        TrustConfig        `toml:"trust"`
	Storage      StorageConfig      `toml:"storage"`
	AuthBridge   AuthBridgeConfig   `toml:"authbridge"`
	AccountStore AccountStoreConfig `toml:"accountstore"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	// Port is overridden by the PORT environment variable when set.
	Port string `toml:"port"`

	// IPRateLimit is the per-IP request cap applied by the HTTP middleware.
	IPRateLimit int `toml:"ip_rate_limit"`

	// IPRateWindowSec is the middleware window in seconds.
	IPRateWindowSec int `toml:"ip_rate_window_sec"`

	// DemoMode registers a scripted wallet provider at startup.
	DemoMode bool `toml:"demo_mode"`
}

// NetworkConfig defines which chains the guard accepts.
type NetworkConfig struct {
	// AcceptedChainIDs are hex chain identifiers (e.g. "0x13882" for the
	// Polygon Amoy testnet).
	AcceptedChainIDs []string `toml:"accepted_chain_ids"`
}

// RateLimitConfig controls the per-(operation, address) sliding window.
type RateLimitConfig struct {
	WindowSec   int `toml:"window_sec"`
	MaxAttempts int `toml:"max_attempts"`

	// CacheTTLSec is the lifetime of cached account-lookup results.
	CacheTTLSec int `toml:"cache_ttl_sec"`
}

// PassportConfig controls the passport verification polling loop.
type PassportConfig struct {
	ProviderURL     string `toml:"provider_url"`
	PollIntervalSec int    `toml:"poll_interval_sec"`
	MaxAttempts     int    `toml:"max_attempts"`
	CloseGraceSec   int    `toml:"close_grace_sec"`
	FetchTimeoutSec int    `toml:"fetch_timeout_sec"`

	// StaleAfterSec marks a persisted record stale once it is older than
	// this many seconds.
	StaleAfterSec int `toml:"stale_after_sec"`
}

// TrustConfig carries the trust score weights and level table. The weight
// constants and the log-compression base were chosen empirically upstream;
// they are preserved as configuration, not re-derived.
type TrustConfig struct {
	UpvoteWeight            float64 `toml:"upvote_weight"`
	DownvoteWeight          float64 `toml:"downvote_weight"`
	CommentWeight           float64 `toml:"comment_weight"`
	EngagementWeight        float64 `toml:"engagement_weight"`
	ShareWeight             float64 `toml:"share_weight"`
	ReviewQualityWeight     float64 `toml:"review_quality_weight"`
	CommunityFeedbackWeight float64 `toml:"community_feedback_weight"`
	DaysActiveWeight        float64 `toml:"days_active_weight"`
	DaysActiveCap           float64 `toml:"days_active_cap"`
	LogBase                 float64 `toml:"log_base"`

	// PassportWeight scales the passport score's contribution to the
	// composite display score; StaleDecay further scales it when the
	// passport record has gone stale.
	PassportWeight float64 `toml:"passport_weight"`
	StaleDecay     float64 `toml:"stale_decay"`
}

// StorageConfig holds local-state persistence configuration.
type StorageConfig struct {
	// Path is the sqlite database file, or ":memory:" for tests.
	Path string `toml:"path"`
}

// AuthBridgeConfig points at the trusted backend that issues sessions.
type AuthBridgeConfig struct {
	URL        string `toml:"url"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// AccountStoreConfig points at the external account store.
type AccountStoreConfig struct {
	URL        string `toml:"url"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8090",
			IPRateLimit:     60,
			IPRateWindowSec: 60,
		},
		Network: NetworkConfig{
			AcceptedChainIDs: []string{"0x13882"},
		},
		RateLimit: RateLimitConfig{
			WindowSec:   30,
			MaxAttempts: 3,
			CacheTTLSec: 60,
		},
		Passport: PassportConfig{
			ProviderURL:     "https://api.scorer.gitcoin.co",
			PollIntervalSec: 10,
			MaxAttempts:     60,
			CloseGraceSec:   3,
			FetchTimeoutSec: 10,
			StaleAfterSec:   24 * 60 * 60,
		},
		Trust: TrustConfig{
			UpvoteWeight:            5,
			DownvoteWeight:          3,
			CommentWeight:           2,
			EngagementWeight:        1.5,
			ShareWeight:             3,
			ReviewQualityWeight:     10,
			CommunityFeedbackWeight: 7,
			DaysActiveWeight:        0.5,
			DaysActiveCap:           50,
			LogBase:                 100,
			PassportWeight:          0.25,
			StaleDecay:              0.5,
		},
		Storage: StorageConfig{
			Path: "trusttrail.db",
		},
		AuthBridge: AuthBridgeConfig{
			URL:        "http://localhost:8091",
			TimeoutSec: 10,
		},
		AccountStore: AccountStoreConfig{
			URL:        "http://localhost:8092",
			TimeoutSec: 10,
		},
	}
}

// LoadConfig reads a TOML config file, applying defaults for anything the
// file does not set. A missing file returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c Config) Validate() error {
	if len(c.Network.AcceptedChainIDs) == 0 {
		return fmt.Errorf("config: at least one accepted chain id required")
	}
	if c.RateLimit.WindowSec <= 0 || c.RateLimit.MaxAttempts <= 0 {
		return fmt.Errorf("config: rate limit window and attempts must be positive")
	}
	if c.Passport.PollIntervalSec <= 0 || c.Passport.MaxAttempts <= 0 {
		return fmt.Errorf("config: passport poll interval and attempts must be positive")
	}
	if c.Trust.LogBase <= 1 {
		return fmt.Errorf("config: trust log base must be greater than 1")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage path required")
	}
	return nil
}
