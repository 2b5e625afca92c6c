package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// VerifyState is the passport verifier's position in the
// Idle → WindowOpened → Polling → {Verified | WindowClosedFinalize |
// TimedOut} machine.
type VerifyState int

const (
	VerifyIdle VerifyState = iota
	VerifyWindowOpened
	VerifyPolling
	VerifyWindowClosedFinalize
	VerifyVerified
	VerifyTimedOut
)

func (s VerifyState) String() string {
	switch s {
	case VerifyWindowOpened:
		return "window_opened"
	case VerifyPolling:
		return "polling"
	case VerifyWindowClosedFinalize:
		return "window_closed_finalize"
	case VerifyVerified:
		return "verified"
	case VerifyTimedOut:
		return "timed_out"
	default:
		return "idle"
	}
}

// PassportRecord is the best-known external reputation score for an
// identity. A score of exactly zero is a valid, final outcome — "no stamps
// yet" is not a failure.
type PassportRecord struct {
	IdentityKey   string    `json:"identity_key"`
	WalletAddress string    `json:"wallet_address"`
	Score         float64   `json:"score"`
	VerifiedAt    time.Time `json:"verified_at"`
	Stale         bool      `json:"stale"`
}

// VerificationWindow is the handle to the out-of-process verification
// surface. There is no callback channel; closure is detected by polling.
type VerificationWindow interface {
	Closed() bool
	Close()
}

// WindowOpener opens the external verification surface for an address.
type WindowOpener func(address string) (VerificationWindow, error)

// remoteWindow tracks a client-side verification window. The client
// reports closure through POST /passport/window-closed.
type remoteWindow struct {
	mu     sync.Mutex
	closed bool
}

func (w *remoteWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *remoteWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// ScoreClient fetches passport scores from the external score provider.
type ScoreClient struct {
	baseURL string
	client  *http.Client
}

func NewScoreClient(baseURL string, timeout time.Duration) *ScoreClient {
	return &ScoreClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch returns (score, found, err). A 404 means the provider has no score
// yet: (0, false, nil), not an error.
func (c *ScoreClient) Fetch(ctx context.Context, address string) (float64, bool, error) {
	url := fmt.Sprintf("%s/score/%s", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("build score request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("fetch score: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("score provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, false, fmt.Errorf("read score response: %w", err)
	}

	field := gjson.GetBytes(body, "score")
	if !field.Exists() {
		return 0, false, fmt.Errorf("score response missing score field")
	}
	return field.Float(), true, nil
}

// verificationJob is one in-flight verification for an identity key.
type verificationJob struct {
	identityKey string
	address     string
	window      VerificationWindow
	cancel      chan struct{}
	cancelOnce  sync.Once

	mu        sync.Mutex
	state     VerifyState
	lastKnown float64
	hasKnown  bool
	attempts  int
}

func (j *verificationJob) setState(s VerifyState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

func (j *verificationJob) currentState() VerifyState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *verificationJob) recordScore(score float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastKnown = score
	j.hasKnown = true
}

func (j *verificationJob) lastScore() (float64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastKnown, j.hasKnown
}

func (j *verificationJob) bumpAttempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts++
	return j.attempts
}

func (j *verificationJob) requestCancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

// PassportVerifier drives the window-based external verification flow as a
// cancellable polling task. Per-tick fetch failures are absorbed — the loop
// itself is the retry mechanism; only window closure, budget exhaustion, or
// explicit cancellation ends it, and the first two always persist a
// defined (possibly zero) score.
type PassportVerifier struct {
	scores     *ScoreClient
	store      *Store
	audit      *AuditLogger
	resolver   *Resolver
	openWindow WindowOpener
	onScore    func(address string, score float64)

	interval    time.Duration
	maxAttempts int
	grace       time.Duration
	staleAfter  time.Duration

	mu   sync.Mutex
	jobs map[string]*verificationJob
}

func NewPassportVerifier(cfg PassportConfig, store *Store, audit *AuditLogger, resolver *Resolver) *PassportVerifier {
	v := &PassportVerifier{
		scores:      NewScoreClient(cfg.ProviderURL, time.Duration(cfg.FetchTimeoutSec)*time.Second),
		store:       store,
		audit:       audit,
		resolver:    resolver,
		interval:    time.Duration(cfg.PollIntervalSec) * time.Second,
		maxAttempts: cfg.MaxAttempts,
		grace:       time.Duration(cfg.CloseGraceSec) * time.Second,
		staleAfter:  time.Duration(cfg.StaleAfterSec) * time.Second,
		jobs:        make(map[string]*verificationJob),
	}
	v.openWindow = func(string) (VerificationWindow, error) { return &remoteWindow{}, nil }
	return v
}

// VerifyStatus reports the verifier's view of one identity.
type VerifyStatus struct {
	State    string          `json:"state"`
	Attempts int             `json:"attempts"`
	Record   *PassportRecord `json:"record,omitempty"`
}

// Start begins verification for an address. If a positive score already
// exists at the provider, it short-circuits to Verified without opening
// any external surface. Starting while a job is already running returns
// the running job's status.
func (v *PassportVerifier) Start(ctx context.Context, rawAddr string) (*VerifyStatus, error) {
	addr, err := normalizeAddress(rawAddr)
	if err != nil {
		return nil, err
	}
	key := identityKey(v.resolver.Authenticated(), addr)

	v.mu.Lock()
	if job, ok := v.jobs[key]; ok {
		switch job.currentState() {
		case VerifyWindowOpened, VerifyPolling, VerifyWindowClosedFinalize:
			v.mu.Unlock()
			return v.statusOf(job), nil
		}
		delete(v.jobs, key) // terminal job, replace it
	}
	v.mu.Unlock()

	// Fast path: a positive score already at the provider means no window
	// needs to open at all.
	if score, found, err := v.scores.Fetch(ctx, addr); err == nil && found && score > 0 {
		rec := v.persist(key, addr, score)
		v.audit.Record("passport_fast_path", "passport_records", map[string]interface{}{
			"address": addr, "score": score,
		})
		return &VerifyStatus{State: VerifyVerified.String(), Record: rec}, nil
	}

	win, err := v.openWindow(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}

	job := &verificationJob{
		identityKey: key,
		address:     addr,
		window:      win,
		cancel:      make(chan struct{}),
		state:       VerifyWindowOpened,
	}
	v.mu.Lock()
	v.jobs[key] = job
	v.mu.Unlock()

	v.audit.Record("passport_started", "passport_records", map[string]interface{}{
		"address": addr, "identity_key": key,
	})

	go v.run(job)
	return v.statusOf(job), nil
}

func (v *PassportVerifier) run(job *verificationJob) {
	job.setState(VerifyPolling)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for i := 0; i < v.maxAttempts; i++ {
		select {
		case <-job.cancel:
			// Explicit cancellation: stop polling and discard without
			// persisting. Any previously stored record stays untouched.
			job.setState(VerifyIdle)
			return
		case <-ticker.C:
		}

		job.bumpAttempts()

		if job.window.Closed() {
			v.finalizeClosed(job)
			return
		}

		score, found, err := v.scores.Fetch(context.Background(), job.address)
		if err != nil {
			continue // no update this tick
		}
		if found {
			job.recordScore(score)
			if score > 0 {
				v.persist(job.identityKey, job.address, score)
				job.setState(VerifyVerified)
				job.window.Close()
				log.Printf("passport: %s verified with score %.2f", job.address, score)
				return
			}
		}
	}

	// Attempt budget exhausted with the window still open. TimedOut is a
	// UI condition only; the stored record is still a valid final score.
	score, _ := job.lastScore()
	v.persist(job.identityKey, job.address, score)
	job.setState(VerifyTimedOut)
	log.Printf("passport: %s timed out after %d polls, persisted score %.2f",
		job.address, v.maxAttempts, score)
}

// finalizeClosed handles user-initiated window closure: wait a short grace
// period for a final in-flight update, then persist the best available of
// {fresh fetch, last known score, zero}, in that order.
func (v *PassportVerifier) finalizeClosed(job *verificationJob) {
	job.setState(VerifyWindowClosedFinalize)

	select {
	case <-job.cancel:
		job.setState(VerifyIdle)
		return
	case <-time.After(v.grace):
	}

	score := 0.0
	if fresh, found, err := v.scores.Fetch(context.Background(), job.address); err == nil && found {
		score = fresh
	} else if last, ok := job.lastScore(); ok {
		score = last
	}

	v.persist(job.identityKey, job.address, score)
	job.setState(VerifyVerified)
	log.Printf("passport: window closed for %s, finalized score %.2f", job.address, score)
}

// persist writes the record and notifies score listeners. The record is
// written with stale=false; staleness is derived from age on read.
func (v *PassportVerifier) persist(key, addr string, score float64) *PassportRecord {
	rec := PassportRecord{
		IdentityKey:   key,
		WalletAddress: addr,
		Score:         score,
		VerifiedAt:    time.Now(),
	}
	if v.store != nil {
		if err := v.store.SavePassportRecord(rec); err != nil {
			log.Printf("passport: persist record for %s: %v", addr, err)
		}
	}
	v.audit.Record("passport_persisted", "passport_records", map[string]interface{}{
		"address": addr, "score": score,
	})
	if v.onScore != nil {
		v.onScore(addr, score)
	}
	return &rec
}

// Cancel stops an in-flight verification without persisting anything.
func (v *PassportVerifier) Cancel(rawAddr string) bool {
	addr, err := normalizeAddress(rawAddr)
	if err != nil {
		return false
	}
	key := identityKey(v.resolver.Authenticated(), addr)

	v.mu.Lock()
	job, ok := v.jobs[key]
	if ok {
		delete(v.jobs, key)
	}
	v.mu.Unlock()

	if !ok {
		return false
	}
	job.requestCancel()
	job.window.Close()
	v.audit.Record("passport_cancelled", "passport_records", map[string]interface{}{
		"address": addr,
	})
	return true
}

// ClearIdentity cancels any running job and deletes the stored record.
// Called when both the wallet and the platform session are gone.
func (v *PassportVerifier) ClearIdentity(key string) {
	v.mu.Lock()
	job, ok := v.jobs[key]
	if ok {
		delete(v.jobs, key)
	}
	v.mu.Unlock()
	if ok {
		job.requestCancel()
	}
	if v.store != nil {
		if err := v.store.DeletePassportRecord(key); err != nil {
			log.Printf("passport: clear record %s: %v", key, err)
		}
	}
}

// Record loads the stored record for an identity key, marking it stale
// when older than the configured threshold.
func (v *PassportVerifier) Record(key string) (*PassportRecord, error) {
	if v.store == nil {
		return nil, nil
	}
	rec, err := v.store.LoadPassportRecord(key)
	if err != nil || rec == nil {
		return rec, err
	}
	rec.Stale = time.Since(rec.VerifiedAt) > v.staleAfter
	return rec, nil
}

func (v *PassportVerifier) statusOf(job *verificationJob) *VerifyStatus {
	job.mu.Lock()
	defer job.mu.Unlock()
	return &VerifyStatus{State: job.state.String(), Attempts: job.attempts}
}

// markWindowClosed flags the active job's window for an address as closed.
func (v *PassportVerifier) markWindowClosed(rawAddr string) bool {
	addr, err := normalizeAddress(rawAddr)
	if err != nil {
		return false
	}
	key := identityKey(v.resolver.Authenticated(), addr)

	v.mu.Lock()
	job, ok := v.jobs[key]
	v.mu.Unlock()
	if !ok {
		return false
	}
	job.window.Close()
	return true
}

// handleVerify handles POST /passport/verify: {"address": "0x..."}.
func (v *PassportVerifier) handleVerify(w http.ResponseWriter, req *http.Request) {
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

	status, err := v.Start(req.Context(), body.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleScore handles GET /passport/score?address=0x...
func (v *PassportVerifier) handleScore(w http.ResponseWriter, req *http.Request) {
	raw := req.URL.Query().Get("address")
	if raw == "" {
		http.Error(w, `{"error":"address parameter required"}`, http.StatusBadRequest)
		return
	}
	addr, err := normalizeAddress(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	key := identityKey(v.resolver.Authenticated(), addr)

	rec, err := v.Record(key)
	if err != nil {
		writeError(w, err)
		return
	}

	v.mu.Lock()
	job, running := v.jobs[key]
	v.mu.Unlock()

	resp := map[string]interface{}{
		"address": addr,
		"found":   rec != nil,
	}
	if rec != nil {
		resp["record"] = rec
	}
	if running {
		resp["state"] = job.currentState().String()
	} else if rec != nil {
		resp["state"] = VerifyVerified.String()
	} else {
		resp["state"] = VerifyIdle.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCancel handles POST /passport/cancel: {"address": "0x..."}.
func (v *PassportVerifier) handleCancel(w http.ResponseWriter, req *http.Request) {
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
	cancelled := v.Cancel(body.Address)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"cancelled": cancelled})
}

// handleWindowClosed handles POST /passport/window-closed: the client
// reports that the user closed the verification window.
func (v *PassportVerifier) handleWindowClosed(w http.ResponseWriter, req *http.Request) {
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
	marked := v.markWindowClosed(body.Address)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"acknowledged": marked})
}

// ActiveJobs reports the number of running verifications, for /stats.
func (v *PassportVerifier) ActiveJobs() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.jobs)
}
