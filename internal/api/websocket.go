package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/pktfilter/internal/filter"
	"grimm.is/pktfilter/internal/logging"
)

// Event topics published by the hub.
const (
	TopicDecision = "decision"
	TopicRules    = "rules"
	TopicTier     = "tier"
	TopicCache    = "cache"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Enforce same-origin for browser clients.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == r.Host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == r.Host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients
type WSMessage struct {
	Topic string    `json:"topic"`
	Scope string    `json:"scope"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// DecisionEvent is published on TopicDecision for each classification.
type DecisionEvent struct {
	filter.Outcome
	StatusWord uint32 `json:"status_word"`
}

// RulesEvent is published on TopicRules after every table change.
type RulesEvent struct {
	NonHashable int `json:"non_hashable"`
	Hashable    int `json:"hashable"`
}

// TierEvent is published on TopicTier when a non-hashable table moves.
type TierEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CacheEvent is published on TopicCache for invalidations and evictions.
type CacheEvent struct {
	Invalidated int  `json:"invalidated,omitempty"`
	Evicted     bool `json:"evicted,omitempty"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn  *websocket.Conn
	scope string // empty for every scope

	mu     sync.RWMutex
	topics map[string]bool

	send chan []byte
}

func (c *wsClient) wants(topic, scope string) bool {
	if c.scope != "" && c.scope != scope {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// DecisionHub fans engine events out to WebSocket subscribers. It implements
// filter.Observer; with no subscribers every callback returns immediately.
type DecisionHub struct {
	logger *logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[*wsClient]bool
	count   atomic.Int32
}

var _ filter.Observer = (*DecisionHub)(nil)

// NewDecisionHub creates an empty hub.
func NewDecisionHub(logger *logging.Logger) *DecisionHub {
	if logger == nil {
		logger = logging.Default()
	}
	return &DecisionHub{
		logger:  logger.WithComponent("ws"),
		now:     time.Now,
		clients: make(map[*wsClient]bool),
	}
}

// Subscribers returns the number of connected clients.
func (h *DecisionHub) Subscribers() int { return int(h.count.Load()) }

// Publish sends a message to all clients subscribed to topic and scope.
// Slow clients drop messages rather than block the engine.
func (h *DecisionHub) Publish(topic string, scope filter.Scope, data any) {
	if h.count.Load() == 0 {
		return
	}
	key := scope.String()
	msg, err := json.Marshal(WSMessage{Topic: topic, Scope: key, Time: h.now(), Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(topic, key) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Classified implements filter.Observer.
func (h *DecisionHub) Classified(scope filter.Scope, out filter.Outcome) {
	if h.count.Load() == 0 {
		return
	}
	h.Publish(TopicDecision, scope, DecisionEvent{Outcome: out, StatusWord: out.StatusWord()})
}

// CacheEvicted implements filter.Observer.
func (h *DecisionHub) CacheEvicted(scope filter.Scope) {
	h.Publish(TopicCache, scope, CacheEvent{Evicted: true})
}

// CacheInvalidated implements filter.Observer.
func (h *DecisionHub) CacheInvalidated(scope filter.Scope, dropped int) {
	h.Publish(TopicCache, scope, CacheEvent{Invalidated: dropped})
}

// RulesChanged implements filter.Observer.
func (h *DecisionHub) RulesChanged(scope filter.Scope, nonHashable, hashable int) {
	h.Publish(TopicRules, scope, RulesEvent{NonHashable: nonHashable, Hashable: hashable})
}

// TierChanged implements filter.Observer.
func (h *DecisionHub) TierChanged(scope filter.Scope, from, to filter.Tier) {
	h.Publish(TopicTier, scope, TierEvent{From: from.String(), To: to.String()})
}

func (h *DecisionHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.count.Add(1)
}

func (h *DecisionHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.count.Add(-1)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *DecisionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		h.count.Add(-1)
	}
}

// ServeHTTP upgrades the connection and streams events. Initial topics come
// from the comma-separated "topics" query parameter (default: decision) and
// "scope" restricts the stream to one scope. Clients may later send
// {"action": "subscribe"|"unsubscribe", "topics": [...]}.
func (h *DecisionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope != "" {
		sc, err := filter.ParseScope(scope)
		if err != nil {
			WriteErrorCtx(w, r, http.StatusBadRequest, "invalid scope: %v", err)
			return
		}
		scope = sc.String()
	}

	topics := map[string]bool{}
	if q := r.URL.Query().Get("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics[t] = true
			}
		}
	} else {
		topics[TopicDecision] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		scope:  scope,
		topics: topics,
		send:   make(chan []byte, 256),
	}
	h.register(c)
	h.logger.Debug("websocket client connected", "client", getClientIP(r), "scope", scope)

	go c.writePump()
	go c.readPump(h)
}

// readPump handles subscription changes until the client goes away.
func (c *wsClient) readPump(h *DecisionHub) {
	defer h.unregister(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, topic := range msg.Topics {
				c.topics[topic] = true
			}
		case "unsubscribe":
			for _, topic := range msg.Topics {
				delete(c.topics, topic)
			}
		}
		c.mu.Unlock()
	}
}

// writePump sends messages to the client
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
