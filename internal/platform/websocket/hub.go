// Package websocket pushes case activity to connected boards. A board
// subscribes to topics (one case, one hospital, or the tenant's whole
// activity feed) and receives every event published on them. Subscriptions
// are keyed by tenant, so a board never sees another hospital group's cases.
package websocket

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/platform/db"
)

// TopicActivity carries every event of a tenant.
const TopicActivity = "activity"

func CaseTopic(caseID int64) string { return "case:" + strconv.FormatInt(caseID, 10) }

func HospitalTopic(hospitalID int64) string {
	return "hospital:" + strconv.FormatInt(hospitalID, 10)
}

// ValidTopic reports whether a board may subscribe to topic: "activity",
// "case:<id>" or "hospital:<id>" with a decimal id.
func ValidTopic(topic string) bool {
	if topic == TopicActivity {
		return true
	}
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || (kind != "case" && kind != "hospital") {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 63)
	return err == nil
}

// subscription is a topic within one tenant.
type subscription struct {
	tenant string
	topic  string
}

// Event is one message pushed to a board.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	CaseID    int64           `json:"case_id,omitempty"`
	ActorID   *int64          `json:"actor_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher delivers an event to the subscribers of its topic in the
// tenant carried by ctx.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one connected board. Its topic set is guarded by the hub lock.
type Client struct {
	ID     string
	Tenant string
	Send   chan []byte

	topics map[string]struct{}
}

func NewClient(tenant string, buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
}

// Hub routes published events to subscribed clients.
type Hub struct {
	mu     sync.RWMutex
	subs   map[subscription]map[*Client]struct{}
	live   map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[subscription]map[*Client]struct{}),
		live:   make(map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.live[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister drops every subscription of c and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.detach(subscription{c.Tenant, topic}, c)
	}
	c.topics = nil
	delete(h.live, c)
	close(c.Send)
}

func (h *Hub) detach(s subscription, c *Client) {
	set := h.subs[s]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, s)
	}
}

// Subscribe adds topics to a registered client. Invalid topics are skipped.
func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[c]; !ok {
		return
	}
	for _, topic := range topics {
		if !ValidTopic(topic) {
			h.logger.Debug().Str("client", c.ID).Str("topic", topic).Msg("rejected subscription")
			continue
		}
		s := subscription{c.Tenant, topic}
		if h.subs[s] == nil {
			h.subs[s] = make(map[*Client]struct{})
		}
		h.subs[s][c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := c.topics[topic]; !ok {
			continue
		}
		delete(c.topics, topic)
		h.detach(subscription{c.Tenant, topic}, c)
	}
}

// Topics returns the client's subscriptions in sorted order.
func (h *Hub) Topics(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	slices.Sort(out)
	return out
}

func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	default:
		h.logger.Debug().Str("client", c.ID).Str("action", msg.Action).Msg("unknown action")
	}
}

// Publish stamps event and sends it to the subscribers of its topic in the
// tenant of ctx. A client whose buffer is full misses the event.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subs[subscription{db.TenantFromContext(ctx), event.Topic}] {
		select {
		case c.Send <- payload:
		default:
			h.logger.Warn().Str("client", c.ID).Str("type", event.Type).Msg("send buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.live)
}

func (h *Hub) subscriberCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subscription{tenant, topic}])
}
