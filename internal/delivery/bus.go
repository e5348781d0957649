// Package delivery implements the publish/subscribe fan-out between the
// message store and live sessions. A committed message is pushed to every
// session currently subscribed to its conversation; a typing notice is pushed
// to the peer's sessions only.
//
// Delivery is fire-and-forget: events are never persisted, a full subscriber
// queue drops the event for that subscriber alone, and durability comes
// solely from the message store. The publisher is never blocked by a slow
// consumer.
package delivery

import (
	"sync"
	"time"

	"github.com/tbourn/go-dm-backend/internal/domain"
	"github.com/tbourn/go-dm-backend/internal/presence"
)

// Event types pushed to session channels.
const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// Typing is the ephemeral payload of a typing notice.
type Typing struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Event is one unit of real-time delivery. Exactly one of Message or Typing
// is set, matching Type. Events exist only on the wire between the bus and a
// subscribed session.
type Event struct {
	Type        string          `json:"type"`
	Message     *domain.Message `json:"message,omitempty"`
	Typing      *Typing         `json:"typing,omitempty"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

// DefaultQueueSize bounds a session's outbound event queue when no explicit
// capacity is configured.
const DefaultQueueSize = 64

// Bus fans committed events out to subscribed sessions. Safe for concurrent
// use.
type Bus struct {
	reg       *presence.Registry
	queueSize int

	mu    sync.RWMutex
	sinks map[string]chan Event // sessionID -> outbound queue
}

// NewBus returns a bus that resolves subscribers through reg. queueSize <= 0
// falls back to DefaultQueueSize.
func NewBus(reg *presence.Registry, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		reg:       reg,
		queueSize: queueSize,
		sinks:     make(map[string]chan Event),
	}
}

// Attach creates the bounded outbound queue for a session and returns its
// receive side. Attaching an already attached session replaces (and closes)
// the previous queue.
func (b *Bus) Attach(sessionID string) <-chan Event {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	if old, ok := b.sinks[sessionID]; ok {
		close(old)
	}
	b.sinks[sessionID] = ch
	b.mu.Unlock()
	return ch
}

// Detach removes and closes a session's outbound queue. Safe to call for an
// unknown session.
func (b *Bus) Detach(sessionID string) {
	b.mu.Lock()
	if ch, ok := b.sinks[sessionID]; ok {
		delete(b.sinks, sessionID)
		close(ch)
	}
	b.mu.Unlock()
}

// PublishMessage pushes a committed message to every session subscribed to
// its conversation. A full queue drops the event for that session only and
// marks it lagged for reconciliation; the call itself never fails because the
// sender already holds a durable commit.
func (b *Bus) PublishMessage(m *domain.Message) {
	ev := Event{Type: EventMessage, Message: m, DeliveredAt: time.Now().UTC()}
	for _, sub := range b.reg.SubscribersOf(m.ConversationID) {
		b.push(sub.SessionID, ev)
	}
}

// PublishTyping pushes an ephemeral typing notice to the peer's sessions
// subscribed to the conversation. The typer's own sessions are skipped. No
// ordering or delivery guarantee; drops are not reconciled.
func (b *Bus) PublishTyping(userID, conversationID string) {
	ev := Event{
		Type:        EventTyping,
		Typing:      &Typing{UserID: userID, ConversationID: conversationID},
		DeliveredAt: time.Now().UTC(),
	}
	for _, sub := range b.reg.SubscribersOf(conversationID) {
		if sub.UserID == userID {
			continue
		}
		b.push(sub.SessionID, ev)
	}
}

func (b *Bus) push(sessionID string, ev Event) {
	// The read lock is held across the send so Detach's close (behind the
	// write lock) cannot land between lookup and send. The send never blocks,
	// so the lock is held only for the non-blocking select.
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.sinks[sessionID]
	if !ok {
		// Subscribed but no live queue (session tearing down); count as drop
		// for messages so the gap is visible.
		if ev.Type == EventMessage {
			deliveryDrops.WithLabelValues(ev.Type).Inc()
		}
		return
	}
	select {
	case ch <- ev:
		deliveryEvents.WithLabelValues(ev.Type).Inc()
	default:
		deliveryDrops.WithLabelValues(ev.Type).Inc()
		if ev.Type == EventMessage {
			b.reg.MarkLagged(sessionID)
		}
	}
}
