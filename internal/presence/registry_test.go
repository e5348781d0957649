package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestSubscribe_ReplacesPriorSubscription(t *testing.T) {
	r := NewRegistry()

	r.Subscribe("s1", "alice", "alice|bob")
	if subs := r.SubscribersOf("alice|bob"); len(subs) != 1 || subs[0].SessionID != "s1" {
		t.Fatalf("unexpected subscribers: %+v", subs)
	}

	// Switching conversations moves the one allowed subscription.
	r.Subscribe("s1", "alice", "alice|carol")
	if subs := r.SubscribersOf("alice|bob"); len(subs) != 0 {
		t.Fatalf("old conversation still has subscribers: %+v", subs)
	}
	subs := r.SubscribersOf("alice|carol")
	if len(subs) != 1 || subs[0].UserID != "alice" || subs[0].ConversationID != "alice|carol" {
		t.Fatalf("unexpected subscribers after switch: %+v", subs)
	}
	if conv, ok := r.ConversationOf("s1"); !ok || conv != "alice|carol" {
		t.Fatalf("ConversationOf = %q,%v", conv, ok)
	}
}

func TestSubscribe_IdempotentSameConversation(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("s1", "alice", "alice|bob")
	r.Subscribe("s1", "alice", "alice|bob")
	if subs := r.SubscribersOf("alice|bob"); len(subs) != 1 {
		t.Fatalf("expected exactly one subscription, got %+v", subs)
	}
}

func TestUnsubscribe_NoopWhenAbsent(t *testing.T) {
	r := NewRegistry()
	r.Unsubscribe("ghost") // must not panic or error

	r.Subscribe("s1", "alice", "alice|bob")
	r.Unsubscribe("s1")
	if subs := r.SubscribersOf("alice|bob"); len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %+v", subs)
	}
	if _, ok := r.ConversationOf("s1"); ok {
		t.Fatalf("session index should be empty after unsubscribe")
	}
}

func TestSubscribersOf_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("s1", "alice", "alice|bob")
	snap := r.SubscribersOf("alice|bob")
	r.Unsubscribe("s1")
	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later unsubscribe: %+v", snap)
	}
}

func TestLaggedFlag(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("s1", "alice", "alice|bob")

	if r.ConsumeLagged("s1") {
		t.Fatalf("fresh session must not be lagged")
	}
	r.MarkLagged("s1")
	if !r.ConsumeLagged("s1") {
		t.Fatalf("expected lagged flag")
	}
	if r.ConsumeLagged("s1") {
		t.Fatalf("flag must be cleared after consumption")
	}

	// Marking a dead session is ignored.
	r.Unsubscribe("s1")
	r.MarkLagged("s1")
	if r.ConsumeLagged("s1") {
		t.Fatalf("dead session must not accumulate lag flags")
	}
}

func TestRegistry_ConcurrentDistinctConversations(t *testing.T) {
	r := NewRegistry()

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			conv := fmt.Sprintf("u%d|v%d", i, i)
			for j := 0; j < 100; j++ {
				r.Subscribe(sid, fmt.Sprintf("u%d", i), conv)
				_ = r.SubscribersOf(conv)
			}
			r.Unsubscribe(sid)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		conv := fmt.Sprintf("u%d|v%d", i, i)
		if subs := r.SubscribersOf(conv); len(subs) != 0 {
			t.Fatalf("conversation %s not cleaned up: %+v", conv, subs)
		}
	}
}
