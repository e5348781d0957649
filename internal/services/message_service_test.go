package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/google/uuid"

	"github.com/tbourn/go-dm-backend/internal/domain"
)

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:msg_svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Message{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu       sync.Mutex
	messages []*domain.Message
	typing   []string // "user@conversation"
}

func (b *recordingBus) PublishMessage(m *domain.Message) {
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
}

func (b *recordingBus) PublishTyping(userID, conversationID string) {
	b.mu.Lock()
	b.typing = append(b.typing, userID+"@"+conversationID)
	b.mu.Unlock()
}

func (b *recordingBus) published() []*domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.Message(nil), b.messages...)
}

func newSvc(t *testing.T) (*MessageService, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	return &MessageService{DB: newSvcDB(t), Bus: bus, MaxBodyRunes: 2000}, bus
}

func TestSend_CommitsAndPublishes(t *testing.T) {
	svc, bus := newSvc(t)

	m, err := svc.Send(context.Background(), "alice", "bob", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Seq != 1 || m.SenderID != "alice" || m.ReceiverID != "bob" || m.Body != "hi" {
		t.Fatalf("unexpected message: %+v", m)
	}
	conv, _ := domain.PairID("alice", "bob")
	if m.ConversationID != conv {
		t.Fatalf("conversation mismatch: %q vs %q", m.ConversationID, conv)
	}

	pub := bus.published()
	if len(pub) != 1 || pub[0].ID != m.ID {
		t.Fatalf("expected exactly the committed message published, got %+v", pub)
	}
}

func TestSend_Validation(t *testing.T) {
	svc, bus := newSvc(t)

	if _, err := svc.Send(context.Background(), "alice", "alice", "hi"); err != ErrSelfMessage {
		t.Fatalf("self message: expected ErrSelfMessage, got %v", err)
	}
	if _, err := svc.Send(context.Background(), "alice", "bob", "   \n  "); err != ErrEmptyBody {
		t.Fatalf("blank body: expected ErrEmptyBody, got %v", err)
	}
	if _, err := svc.Send(context.Background(), "alice", "", "hi"); err != ErrBadUser {
		t.Fatalf("empty receiver: expected ErrBadUser, got %v", err)
	}

	svc.MaxBodyRunes = 3
	if _, err := svc.Send(context.Background(), "alice", "bob", "toolong"); err != ErrTooLong {
		t.Fatalf("long body: expected ErrTooLong, got %v", err)
	}

	if len(bus.published()) != 0 {
		t.Fatalf("rejected sends must not publish")
	}

	// None of the rejected sends may have stored anything.
	conv, _ := domain.PairID("alice", "bob")
	history, err := svc.History(context.Background(), conv, "alice", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("store must be empty, got %+v", history)
	}
}

func TestSend_NormalizesBody(t *testing.T) {
	svc, _ := newSvc(t)

	// "é" as 'e' + combining acute must be stored in composed form.
	m, err := svc.Send(context.Background(), "alice", "bob", "  café  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Body != "café" {
		t.Fatalf("expected NFC-normalized trimmed body, got %q", m.Body)
	}
}

func TestSend_ConcurrentSameConversation_GapFree(t *testing.T) {
	svc, bus := newSvc(t)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Send(context.Background(), "alice", "bob", fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	conv, _ := domain.PairID("alice", "bob")
	history, err := svc.History(context.Background(), conv, "bob", 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != n {
		t.Fatalf("expected %d messages, got %d", n, len(history))
	}
	for i, m := range history {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq %d", i, m.Seq)
		}
	}

	// Publish order must match commit order.
	pub := bus.published()
	if len(pub) != n {
		t.Fatalf("expected %d published events, got %d", n, len(pub))
	}
	for i, m := range pub {
		if m.Seq != int64(i+1) {
			t.Fatalf("publish order violates commit order at %d: seq %d", i, m.Seq)
		}
	}
}

func TestHistory_AuthorizationAndOrder(t *testing.T) {
	svc, _ := newSvc(t)

	if _, err := svc.Send(context.Background(), "alice", "bob", "one"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Send(context.Background(), "bob", "alice", "two"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conv, _ := domain.PairID("alice", "bob")

	// Non-party rejected.
	if _, err := svc.History(context.Background(), conv, "carol", 0, 0); err != ErrNotParty {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	// Either party reads the same chronological sequence.
	for _, u := range []string{"alice", "bob"} {
		history, err := svc.History(context.Background(), conv, u, 0, 0)
		if err != nil {
			t.Fatalf("History(%s): %v", u, err)
		}
		if len(history) != 2 || history[0].Body != "one" || history[1].Body != "two" {
			t.Fatalf("History(%s) = %+v", u, history)
		}
	}
}

func TestSelect_ReturnsConversationAndHistory(t *testing.T) {
	svc, _ := newSvc(t)

	if _, err := svc.Send(context.Background(), "bob", "alice", "hey"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.Select(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	conv, _ := domain.PairID("alice", "bob")
	if res.ConversationID != conv || len(res.History) != 1 || res.History[0].Body != "hey" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := svc.Select(context.Background(), "alice", "alice"); err != ErrSelfMessage {
		t.Fatalf("self select: expected ErrSelfMessage, got %v", err)
	}
}

func TestHistoryPage_Pagination(t *testing.T) {
	svc, _ := newSvc(t)
	for i := 0; i < 5; i++ {
		if _, err := svc.Send(context.Background(), "alice", "bob", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	conv, _ := domain.PairID("alice", "bob")

	items, total, err := svc.HistoryPage(context.Background(), conv, "alice", 2, 2)
	if err != nil {
		t.Fatalf("HistoryPage: %v", err)
	}
	if total != 5 || len(items) != 2 || items[0].Seq != 3 || items[1].Seq != 4 {
		t.Fatalf("unexpected page: total=%d items=%+v", total, items)
	}

	if _, _, err := svc.HistoryPage(context.Background(), conv, "carol", 1, 2); err != ErrNotParty {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestSummaries(t *testing.T) {
	svc, _ := newSvc(t)

	if _, err := svc.Send(context.Background(), "alice", "bob", "to bob"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Send(context.Background(), "carol", "alice", "from carol"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Send(context.Background(), "bob", "carol", "unrelated"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sums, total, err := svc.Summaries(context.Background(), "alice", 1, 20)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if total != 2 || len(sums) != 2 {
		t.Fatalf("expected 2 conversations, got total=%d sums=%+v", total, sums)
	}
	peers := map[string]bool{}
	for _, s := range sums {
		peers[s.PeerID] = true
	}
	if !peers["bob"] || !peers["carol"] {
		t.Fatalf("unexpected peers: %+v", sums)
	}

	empty, total, err := svc.Summaries(context.Background(), "nobody", 1, 20)
	if err != nil || total != 0 || len(empty) != 0 {
		t.Fatalf("empty user: sums=%+v total=%d err=%v", empty, total, err)
	}
}

func TestTyping(t *testing.T) {
	svc, bus := newSvc(t)
	conv, _ := domain.PairID("alice", "bob")

	if err := svc.Typing("carol", conv); err != ErrNotParty {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if err := svc.Typing("alice", conv); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.typing) != 1 || bus.typing[0] != "alice@"+conv {
		t.Fatalf("unexpected typing events: %+v", bus.typing)
	}
}

func TestSend_StoreTimeout(t *testing.T) {
	svc, _ := newSvc(t)
	// An already expired deadline forces the transactional append to fail
	// with context.DeadlineExceeded, which must surface as ErrStoreTimeout.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if _, err := svc.Send(ctx, "alice", "bob", "hi"); err != ErrStoreTimeout {
		t.Fatalf("expected ErrStoreTimeout, got %v", err)
	}
}
