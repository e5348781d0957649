// Package presence tracks which live sessions are subscribed to which
// conversations. It is the lookup table the delivery bus consults when
// fanning out a committed message.
//
// Concurrency model:
//   - Subscriber sets are partitioned into shards by an FNV hash of the
//     conversation id, each shard guarded by its own RWMutex, so mutations on
//     one conversation never serialize against unrelated conversations.
//   - A separate session index enforces the at-most-one-subscription-per-
//     session invariant and makes replace/unsubscribe O(1).
//
// No lock in this package is ever held across store or network I/O.
package presence

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of subscriber-set partitions. Power of two.
const shardCount = 32

// Subscription binds a live session to the single conversation it listens on.
type Subscription struct {
	SessionID      string
	UserID         string
	ConversationID string
}

type shard struct {
	mu    sync.RWMutex
	convs map[string]map[string]Subscription // conversationID -> sessionID -> sub
}

// Registry is the shared subscription table. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	shards [shardCount]shard

	mu       sync.Mutex
	sessions map[string]string // sessionID -> conversationID
	lagged   map[string]struct{}
}

// NewRegistry returns an empty registry ready for concurrent use.
func NewRegistry() *Registry {
	r := &Registry{
		sessions: make(map[string]string),
		lagged:   make(map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].convs = make(map[string]map[string]Subscription)
	}
	return r
}

func (r *Registry) shardOf(conversationID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &r.shards[h.Sum32()&(shardCount-1)]
}

// Subscribe registers sessionID as listening on conversationID, replacing any
// prior subscription held by that session. Calling it again with the same
// conversation is idempotent.
func (r *Registry) Subscribe(sessionID, userID, conversationID string) {
	r.mu.Lock()
	prev, had := r.sessions[sessionID]
	r.sessions[sessionID] = conversationID
	r.mu.Unlock()

	if had && prev != conversationID {
		r.remove(prev, sessionID)
	}

	s := r.shardOf(conversationID)
	s.mu.Lock()
	set, ok := s.convs[conversationID]
	if !ok {
		set = make(map[string]Subscription)
		s.convs[conversationID] = set
	}
	set[sessionID] = Subscription{SessionID: sessionID, UserID: userID, ConversationID: conversationID}
	s.mu.Unlock()
}

// Unsubscribe removes any subscription held by sessionID. Calling it for an
// unknown session is a no-op.
func (r *Registry) Unsubscribe(sessionID string) {
	r.mu.Lock()
	conv, had := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	delete(r.lagged, sessionID)
	r.mu.Unlock()

	if had {
		r.remove(conv, sessionID)
	}
}

func (r *Registry) remove(conversationID, sessionID string) {
	s := r.shardOf(conversationID)
	s.mu.Lock()
	if set, ok := s.convs[conversationID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.convs, conversationID)
		}
	}
	s.mu.Unlock()
}

// SubscribersOf returns a point-in-time snapshot of the sessions subscribed
// to conversationID. The returned slice is owned by the caller.
func (r *Registry) SubscribersOf(conversationID string) []Subscription {
	s := r.shardOf(conversationID)
	s.mu.RLock()
	set := s.convs[conversationID]
	out := make([]Subscription, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	s.mu.RUnlock()
	return out
}

// ConversationOf returns the conversation sessionID currently listens on.
func (r *Registry) ConversationOf(sessionID string) (string, bool) {
	r.mu.Lock()
	conv, ok := r.sessions[sessionID]
	r.mu.Unlock()
	return conv, ok
}

// MarkLagged flags a session whose delivery queue overflowed; the session is
// expected to reconcile from the store before trusting its transcript again.
func (r *Registry) MarkLagged(sessionID string) {
	r.mu.Lock()
	if _, live := r.sessions[sessionID]; live {
		r.lagged[sessionID] = struct{}{}
	}
	r.mu.Unlock()
}

// ConsumeLagged reports whether sessionID was marked lagged and clears the
// flag. The caller owns the follow-up reconciliation read.
func (r *Registry) ConsumeLagged(sessionID string) bool {
	r.mu.Lock()
	_, was := r.lagged[sessionID]
	delete(r.lagged, sessionID)
	r.mu.Unlock()
	return was
}
