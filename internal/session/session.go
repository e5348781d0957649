// Package session implements the per-connection state machine that binds one
// authenticated user to a selected peer. A ChatSession mediates between the
// client, the message service, and the presence registry: it owns the
// Unselected → Active(peer) → Closed lifecycle, the at-most-one-subscription
// invariant, and consumer-side dedupe of delivery events.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/tbourn/go-dm-backend/internal/delivery"
	"github.com/tbourn/go-dm-backend/internal/domain"
	"github.com/tbourn/go-dm-backend/internal/presence"
)

// State is the lifecycle phase of a ChatSession.
type State int

const (
	// StateUnselected: session is open but no peer has been chosen.
	StateUnselected State = iota
	// StateActive: a peer is selected and the session is subscribed.
	StateActive
	// StateClosed: terminal; no further operations are accepted.
	StateClosed
)

// ErrInvalidState is returned for operations issued in the wrong lifecycle
// phase (sending before selecting a peer, anything after close). It signals
// a client bug and is surfaced as-is.
var ErrInvalidState = errors.New("invalid session state")

// Disposition tells the transport what to do with a received delivery event.
type Disposition int

const (
	// DispositionDrop: duplicate or irrelevant; discard silently.
	DispositionDrop Disposition = iota
	// DispositionTranscript: append to the active conversation transcript.
	DispositionTranscript
	// DispositionNotification: event for another conversation; surface as an
	// unread signal without touching the active transcript.
	DispositionNotification
	// DispositionTyping: peer is typing in the active conversation.
	DispositionTyping
)

// Store is the slice of the message service a session depends on.
type Store interface {
	Send(ctx context.Context, senderID, receiverID, body string) (*domain.Message, error)
	History(ctx context.Context, conversationID, requestingUserID string, afterSeq int64, limit int) ([]domain.Message, error)
	Typing(userID, conversationID string) error
}

// ChatSession is one live connection of one user. All methods are safe for
// concurrent use; the transport typically drives Send/SelectPeer from its
// read side and Receive from its write side.
type ChatSession struct {
	id     string
	userID string

	store Store
	reg   *presence.Registry

	mu      sync.Mutex
	state   State
	peerID  string
	convID  string
	lastSeq int64 // highest seq applied to the active transcript
}

// New returns an open session in the Unselected state. No subscription
// exists until the first SelectPeer.
func New(id, userID string, store Store, reg *presence.Registry) *ChatSession {
	return &ChatSession{id: id, userID: userID, store: store, reg: reg}
}

// ID returns the session identifier.
func (s *ChatSession) ID() string { return s.id }

// UserID returns the authenticated user bound to this session.
func (s *ChatSession) UserID() string { return s.userID }

// State returns the current lifecycle phase.
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the currently selected peer, if any.
func (s *ChatSession) Peer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.state == StateActive
}

// SelectPeer transitions to Active(peerID): it subscribes the session to the
// pair conversation (replacing any prior subscription) and returns the full
// history as the client's initial snapshot.
//
// Subscription happens before the history read so no commit falls between
// snapshot and live stream; an event already covered by the snapshot is
// deduped by Receive. On a store failure the prior subscription is restored
// and the state is unchanged.
func (s *ChatSession) SelectPeer(ctx context.Context, peerID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrInvalidState
	}

	conv, err := domain.PairID(s.userID, peerID)
	if err != nil {
		return nil, err
	}

	prevState, prevPeer, prevConv, prevSeq := s.state, s.peerID, s.convID, s.lastSeq
	s.reg.Subscribe(s.id, s.userID, conv)

	history, err := s.store.History(ctx, conv, s.userID, 0, 0)
	if err != nil {
		// No partial transition: roll the subscription back.
		if prevState == StateActive {
			s.reg.Subscribe(s.id, s.userID, prevConv)
			s.state, s.peerID, s.convID, s.lastSeq = prevState, prevPeer, prevConv, prevSeq
		} else {
			s.reg.Unsubscribe(s.id)
		}
		return nil, err
	}

	s.state = StateActive
	s.peerID = peerID
	s.convID = conv
	s.lastSeq = 0
	if n := len(history); n > 0 {
		s.lastSeq = history[n-1].Seq
	}
	return history, nil
}

// Send commits a message to the active conversation and returns it. A blank
// body is a silent no-op (nil, nil) per the ignore-blank-submit policy. The
// committed message is applied to the transcript optimistically, so its own
// delivery event later dedupes.
func (s *ChatSession) Send(ctx context.Context, body string) (*domain.Message, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	peer := s.peerID
	s.mu.Unlock()

	if isBlank(body) {
		return nil, nil
	}

	// Store I/O outside the session lock.
	m, err := s.store.Send(ctx, s.userID, peer, body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateActive && s.convID == m.ConversationID && m.Seq > s.lastSeq {
		s.lastSeq = m.Seq
	}
	s.mu.Unlock()
	return m, nil
}

// Receive classifies one inbound delivery event. Duplicates (including the
// session's own optimistically applied sends) are dropped by sequence
// comparison: per-session, per-conversation delivery is ordered, so an event
// at or below lastSeq has already been applied.
func (s *ChatSession) Receive(ev delivery.Event) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return DispositionDrop
	}

	switch ev.Type {
	case delivery.EventMessage:
		m := ev.Message
		if m == nil {
			return DispositionDrop
		}
		if m.ConversationID != s.convID {
			// Stale queue remnant from a previous subscription: surface as an
			// unread signal, never as transcript content.
			return DispositionNotification
		}
		if m.Seq <= s.lastSeq {
			return DispositionDrop
		}
		s.lastSeq = m.Seq
		return DispositionTranscript

	case delivery.EventTyping:
		if ev.Typing == nil || ev.Typing.ConversationID != s.convID || ev.Typing.UserID == s.userID {
			return DispositionDrop
		}
		return DispositionTyping
	}
	return DispositionDrop
}

// Typing emits a best-effort typing notice for the active conversation.
func (s *ChatSession) Typing(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrInvalidState
	}
	conv := s.convID
	s.mu.Unlock()

	return s.store.Typing(s.userID, conv)
}

// Reconcile returns messages committed to the active conversation after the
// last one applied to the transcript, advancing the transcript cursor. Used
// after a backpressure drop flagged the session as lagged.
func (s *ChatSession) Reconcile(ctx context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	conv, after := s.convID, s.lastSeq
	s.mu.Unlock()

	missed, err := s.store.History(ctx, conv, s.userID, after, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateActive && s.convID == conv {
		if n := len(missed); n > 0 && missed[n-1].Seq > s.lastSeq {
			s.lastSeq = missed[n-1].Seq
		}
	}
	s.mu.Unlock()
	return missed, nil
}

// Lagged reports and clears the session's reconciliation flag.
func (s *ChatSession) Lagged() bool {
	return s.reg.ConsumeLagged(s.id)
}

// Close unsubscribes and makes the session terminal. Closing a closed
// session fails with ErrInvalidState.
func (s *ChatSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrInvalidState
	}
	s.state = StateClosed
	s.peerID = ""
	s.convID = ""
	s.reg.Unsubscribe(s.id)
	return nil
}

func isBlank(body string) bool {
	for _, r := range body {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
