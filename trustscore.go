package main

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"
)

// TrustMetrics is the engagement tuple the trust engine scores.
type TrustMetrics struct {
	Upvotes           int     `json:"upvotes"`
	Downvotes         int     `json:"downvotes"`
	Comments          int     `json:"comments"`
	Engagements       int     `json:"engagements"`
	Shares            int     `json:"shares"`
	ReviewQuality     float64 `json:"review_quality"`
	CommunityFeedback float64 `json:"community_feedback"`
	DaysActive        int     `json:"days_active"`
}

// ComputeTrustScore is the deterministic scoring function: a weighted
// linear combination clamped at zero, then compressed by
// floor(raw·ln(raw+10)/ln(base)). More positive engagement never lowers
// the result. The function performs no I/O; callers own persistence.
//
// The weights and the compression base were chosen empirically upstream
// and are carried as configuration, not re-derived.
func ComputeTrustScore(m TrustMetrics, w TrustConfig) int {
	raw := float64(m.Upvotes)*w.UpvoteWeight -
		float64(m.Downvotes)*w.DownvoteWeight +
		float64(m.Comments)*w.CommentWeight +
		float64(m.Engagements)*w.EngagementWeight +
		float64(m.Shares)*w.ShareWeight +
		m.ReviewQuality*w.ReviewQualityWeight +
		m.CommunityFeedback*w.CommunityFeedbackWeight +
		math.Min(float64(m.DaysActive)*w.DaysActiveWeight, w.DaysActiveCap)

	if raw < 0 {
		raw = 0
	}
	return int(math.Floor(raw * math.Log(raw+10) / math.Log(w.LogBase)))
}

// TrustLevel is one of the six ordered level bands. Max is inclusive; the
// top band has Max -1 (unbounded).
type TrustLevel struct {
	Name       string  `json:"name"`
	Min        int     `json:"min"`
	Max        int     `json:"max"`
	Multiplier float64 `json:"multiplier"`
}

// trustLevels are the fixed non-overlapping bands and the reward
// multipliers external reward logic consumes.
var trustLevels = []TrustLevel{
	{Name: "newcomer", Min: 0, Max: 99, Multiplier: 1.0},
	{Name: "contributor", Min: 100, Max: 299, Multiplier: 1.1},
	{Name: "trusted", Min: 300, Max: 599, Multiplier: 1.25},
	{Name: "veteran", Min: 600, Max: 999, Multiplier: 1.5},
	{Name: "expert", Min: 1000, Max: 1999, Multiplier: 1.75},
	{Name: "legend", Min: 2000, Max: -1, Multiplier: 2.0},
}

// levelFor maps a compressed score to its level band.
func levelFor(score int) TrustLevel {
	for _, lvl := range trustLevels {
		if score >= lvl.Min && (lvl.Max < 0 || score <= lvl.Max) {
			return lvl
		}
	}
	return trustLevels[0]
}

// compositePassportBonus is the passport score's contribution to the
// composite display score: scaled by the configured weight and halved
// again (StaleDecay) once the record has gone stale.
func compositePassportBonus(rec *PassportRecord, w TrustConfig) float64 {
	if rec == nil {
		return 0
	}
	bonus := rec.Score * w.PassportWeight
	if rec.Stale {
		bonus *= w.StaleDecay
	}
	return bonus
}

// TrustScoreRecord is the persisted trust state for one account.
type TrustScoreRecord struct {
	AccountID   string       `json:"account_id"`
	Metrics     TrustMetrics `json:"metrics"`
	Score       int          `json:"score"`
	Level       string       `json:"level"`
	Multiplier  float64      `json:"multiplier"`
	LastUpdated time.Time    `json:"last_updated"`
}

// TrustLedger owns trust score records. The engine itself is pure; all
// mutation and storage concerns live here. Metrics are mutated
// incrementally by action reports and recomputed from scratch only on
// initial load.
type TrustLedger struct {
	cfg      TrustConfig
	passport *PassportVerifier
	onUpdate func(accountID string, score int)

	mu      sync.RWMutex
	records map[string]*TrustScoreRecord
}

func NewTrustLedger(cfg TrustConfig, passport *PassportVerifier) *TrustLedger {
	return &TrustLedger{
		cfg:      cfg,
		passport: passport,
		records:  make(map[string]*TrustScoreRecord),
	}
}

// Load installs an account's metrics wholesale and recomputes its score.
func (l *TrustLedger) Load(accountID string, m TrustMetrics) *TrustScoreRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recompute(accountID, m)
	return rec
}

// recompute must be called with l.mu held.
func (l *TrustLedger) recompute(accountID string, m TrustMetrics) *TrustScoreRecord {
	score := ComputeTrustScore(m, l.cfg)
	lvl := levelFor(score)
	rec := &TrustScoreRecord{
		AccountID:   accountID,
		Metrics:     m,
		Score:       score,
		Level:       lvl.Name,
		Multiplier:  lvl.Multiplier,
		LastUpdated: time.Now(),
	}
	l.records[accountID] = rec
	return rec
}

// ReportAction applies one engagement action and recomputes the score.
// Unknown actions return false.
func (l *TrustLedger) ReportAction(accountID, action string, value float64) (*TrustScoreRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := TrustMetrics{}
	if rec, ok := l.records[accountID]; ok {
		m = rec.Metrics
	}

	switch action {
	case "upvote":
		m.Upvotes++
	case "downvote":
		m.Downvotes++
	case "comment":
		m.Comments++
	case "engagement":
		m.Engagements++
	case "share":
		m.Shares++
	case "review_quality":
		m.ReviewQuality += value
	case "community_feedback":
		m.CommunityFeedback += value
	case "day_active":
		m.DaysActive++
	default:
		return nil, false
	}

	rec := l.recompute(accountID, m)
	if l.onUpdate != nil {
		go l.onUpdate(accountID, rec.Score)
	}
	return rec, true
}

// Get returns a copy of an account's record, or nil.
func (l *TrustLedger) Get(accountID string) *TrustScoreRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[accountID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Count reports the number of tracked accounts, for /stats.
func (l *TrustLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// handleTrust handles GET /trust?account=<id>.
func (l *TrustLedger) handleTrust(w http.ResponseWriter, req *http.Request) {
	accountID := req.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, `{"error":"account parameter required"}`, http.StatusBadRequest)
		return
	}

	rec := l.Get(accountID)
	resp := map[string]interface{}{
		"account_id": accountID,
		"found":      rec != nil,
	}
	if rec != nil {
		resp["score"] = rec.Score
		resp["level"] = rec.Level
		resp["multiplier"] = rec.Multiplier
		resp["metrics"] = rec.Metrics
		resp["last_updated"] = rec.LastUpdated.UTC().Format(time.RFC3339)

		if l.passport != nil {
			if prec, err := l.passport.Record(identityKey(accountID, "")); err == nil && prec != nil {
				resp["passport_score"] = prec.Score
				resp["passport_stale"] = prec.Stale
				resp["composite_score"] = float64(rec.Score) + compositePassportBonus(prec, l.cfg)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleTrustAction handles POST /trust/action:
// {"account": "...", "action": "upvote", "value": 0.5}.
func (l *TrustLedger) handleTrustAction(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Account string  `json:"account"`
		Action  string  `json:"action"`
		Value   float64 `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Account == "" || body.Action == "" {
		http.Error(w, `{"error":"account and action required"}`, http.StatusBadRequest)
		return
	}

	rec, ok := l.ReportAction(body.Account, body.Action, body.Value)
	if !ok {
		http.Error(w, `{"error":"unknown action"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}
