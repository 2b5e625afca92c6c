package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// walletFrame is the envelope for all wallet bridge messages on /ws/wallet.
// The connecting bridge (a browser extension relay or a test harness)
// sends "hello" once, then answers "request" frames with "response" frames
// and pushes "event" frames as the wallet emits them.
type walletFrame struct {
	Type     string            `json:"type"`
	ID       uint64            `json:"id,omitempty"`
	Method   string            `json:"method,omitempty"`
	Params   []interface{}     `json:"params,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    *walletFrameError `json:"error,omitempty"`
	Event    string            `json:"event,omitempty"`
	Accounts []string          `json:"accounts,omitempty"`
	ChainID  string            `json:"chain_id,omitempty"`

	// hello fields
	ProviderID string `json:"provider_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Installed  bool   `json:"installed,omitempty"`
}

type walletFrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsProvider adapts one wallet bridge connection to the Provider
// interface. Requests are correlated to responses by frame id; events
// are forwarded in arrival order.
type wsProvider struct {
	id   string
	info ProviderInfo
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan walletFrame

	events chan ProviderEvent
}

func newWSProvider(conn *websocket.Conn, hello walletFrame) *wsProvider {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsProvider{
		id: hello.ProviderID,
		info: ProviderInfo{
			ID:        hello.ProviderID,
			Name:      hello.Name,
			Icon:      hello.Icon,
			Installed: hello.Installed,
		},
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan walletFrame),
		events:  make(chan ProviderEvent, 16),
	}
}

func (p *wsProvider) ID() string         { return p.id }
func (p *wsProvider) Info() ProviderInfo { return p.info }
func (p *wsProvider) IsInstalled() bool  { return p.info.Installed }

func (p *wsProvider) Events() <-chan ProviderEvent { return p.events }

// Request sends one RPC frame over the bridge and waits for the matching
// response. Provider-side errors come back as rpcError so callers can
// distinguish user rejection.
func (p *wsProvider) Request(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	reply := make(chan walletFrame, 1)
	p.pending[id] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	frame := walletFrame{Type: "request", ID: id, Method: method, Params: params}
	wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
	err := wsjson.Write(wctx, p.conn, frame)
	wcancel()
	if err != nil {
		return nil, fmt.Errorf("wallet bridge write: %w", err)
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, &rpcError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, fmt.Errorf("wallet bridge disconnected")
	}
}

// readLoop pumps frames off the socket until the bridge goes away.
func (p *wsProvider) readLoop() {
	defer func() {
		p.cancel()
		close(p.events)
	}()

	for {
		var frame walletFrame
		if err := wsjson.Read(p.ctx, p.conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case "response":
			p.mu.Lock()
			reply, ok := p.pending[frame.ID]
			p.mu.Unlock()
			if ok {
				reply <- frame
			}

		case "event":
			ev := ProviderEvent{Type: frame.Event, Accounts: frame.Accounts, ChainID: frame.ChainID}
			select {
			case p.events <- ev:
			default:
				log.Printf("ws: provider %s event buffer full, dropping %s", p.id, frame.Event)
			}

		default:
			log.Printf("ws: provider %s sent unknown frame type %q", p.id, frame.Type)
		}
	}
}

// WalletBridge accepts wallet provider connections on /ws/wallet and
// registers each as a Provider for the lifetime of its socket.
type WalletBridge struct {
	registry *Registry
	resolver *Resolver
}

func NewWalletBridge(registry *Registry, resolver *Resolver) *WalletBridge {
	return &WalletBridge{registry: registry, resolver: resolver}
}

// handleWalletSocket is the HTTP handler for the /ws/wallet endpoint.
func (b *WalletBridge) handleWalletSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: wallet accept error: %v", err)
		return
	}

	hctx, hcancel := context.WithTimeout(r.Context(), 10*time.Second)
	var hello walletFrame
	err = wsjson.Read(hctx, c, &hello)
	hcancel()
	if err != nil || hello.Type != "hello" || hello.ProviderID == "" {
		_ = wsjson.Write(context.Background(), c, walletFrame{Type: "error",
			Error: &walletFrameError{Message: "hello frame with provider_id required"}})
		c.CloseNow()
		return
	}

	p := newWSProvider(c, hello)
	b.registry.Register(p)
	b.resolver.AttachProvider(p)
	log.Printf("ws: wallet provider %s connected", p.id)

	_ = wsjson.Write(p.ctx, c, walletFrame{Type: "ready", ProviderID: p.id})

	p.readLoop()

	b.registry.Unregister(p.id)
	c.CloseNow()
	log.Printf("ws: wallet provider %s disconnected", p.id)
}

// scoreUpdate is one pushed score change on the /ws/scores stream.
type scoreUpdate struct {
	Key   string    `json:"key"`
	Kind  string    `json:"kind"` // "passport" or "trust"
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// scoreStreamMsg is the envelope for all /ws/scores messages.
type scoreStreamMsg struct {
	Type    string        `json:"type"`
	Keys    []string      `json:"keys,omitempty"`
	Updates []scoreUpdate `json:"updates,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// scoreClientConn represents one connected score stream client.
type scoreClientConn struct {
	conn   *websocket.Conn
	keys   map[string]bool // subscribed addresses / account ids
	mu     sync.Mutex
	cancel context.CancelFunc
}

// ScoreHub manages all active score stream clients and fans out passport
// and trust score changes as they land.
type ScoreHub struct {
	mu      sync.Mutex
	clients map[*scoreClientConn]bool
}

func NewScoreHub() *ScoreHub {
	return &ScoreHub{clients: make(map[*scoreClientConn]bool)}
}

func (h *ScoreHub) register(c *scoreClientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *ScoreHub) unregister(c *scoreClientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *ScoreHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish pushes one score change to every client subscribed to its key.
func (h *ScoreHub) Publish(key, kind string, score float64) {
	h.mu.Lock()
	clients := make([]*scoreClientConn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	msg := scoreStreamMsg{
		Type:    "update",
		Updates: []scoreUpdate{{Key: key, Kind: kind, Score: score, At: time.Now().UTC()}},
	}

	sent := 0
	for _, client := range clients {
		client.mu.Lock()
		subscribed := client.keys[key]
		client.mu.Unlock()
		if !subscribed {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, client.conn, msg)
		cancel()
		if err != nil {
			log.Printf("ws: failed to send score update to client: %v", err)
			client.cancel()
			continue
		}
		sent++
	}

	if sent > 0 {
		log.Printf("ws: published %s score for %s to %d clients", kind, key, sent)
	}
}

// normalizeStreamKey canonicalizes subscription keys: wallet addresses
// are normalized, account ids pass through as-is.
func normalizeStreamKey(key string) (string, error) {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(key)), "0x") {
		return normalizeAddress(key)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	return key, nil
}

// handleScoreSocket is the HTTP handler for the /ws/scores endpoint.
func (h *ScoreHub) handleScoreSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: scores accept error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &scoreClientConn{
		conn:   c,
		keys:   make(map[string]bool),
		cancel: cancel,
	}

	h.register(client)
	defer func() {
		h.unregister(client)
		c.CloseNow()
	}()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	_ = wsjson.Write(wctx, c, scoreStreamMsg{Type: "connected"})
	wcancel()

	// Read loop: process subscribe/unsubscribe messages
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg scoreStreamMsg
		err := wsjson.Read(ctx, c, &msg)
		if err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			resolved := make([]string, 0, len(msg.Keys))
			for _, k := range msg.Keys {
				key, err := normalizeStreamKey(k)
				if err != nil {
					continue
				}
				resolved = append(resolved, key)
			}
			if len(resolved) == 0 {
				errMsg := scoreStreamMsg{Type: "error", Error: "no valid keys provided"}
				wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
				_ = wsjson.Write(wctx, c, errMsg)
				wcancel()
				continue
			}
			// Cap subscriptions at 100 keys
			client.mu.Lock()
			for _, k := range resolved {
				if len(client.keys) >= 100 {
					break
				}
				client.keys[k] = true
			}
			client.mu.Unlock()

			ack := scoreStreamMsg{Type: "subscribed", Keys: resolved}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(wctx, c, ack)
			wcancel()

		case "unsubscribe":
			client.mu.Lock()
			for _, k := range msg.Keys {
				key, _ := normalizeStreamKey(k)
				delete(client.keys, key)
			}
			client.mu.Unlock()

			ack := scoreStreamMsg{Type: "unsubscribed"}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(wctx, c, ack)
			wcancel()

		default:
			errMsg := scoreStreamMsg{Type: "error", Error: "unknown message type: " + msg.Type}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(wctx, c, errMsg)
			wcancel()
		}
	}
}

// handleScoreSocketInfo returns endpoint documentation for plain HTTP
// requests and upgrades WebSocket requests in place.
func handleScoreSocketInfo(hub *ScoreHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			hub.handleScoreSocket(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"endpoint":          "/ws/scores",
			"protocol":          "websocket",
			"connected_clients": hub.ClientCount(),
			"description":       "Real-time passport and trust score streaming keyed by wallet address or account id.",
			"messages": map[string]interface{}{
				"subscribe": map[string]interface{}{
					"description": "Subscribe to score updates for keys (max 100)",
					"example":     `{"type":"subscribe","keys":["0xabc...","acct-42"]}`,
				},
				"unsubscribe": map[string]interface{}{
					"description": "Unsubscribe from score updates",
					"example":     `{"type":"unsubscribe","keys":["0xabc..."]}`,
				},
			},
			"responses": map[string]interface{}{
				"connected":  "Sent on connection",
				"subscribed": "Acknowledges a subscribe with the accepted keys",
				"update":     "Pushed when a passport verification lands or a trust score changes",
				"error":      "Sent when a message cannot be processed",
			},
		})
	}
}
