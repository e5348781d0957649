// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns message commit and conversation reads. It validates and normalizes
// inputs, serializes appends per conversation so sequence numbers are
// assigned in commit order, publishes committed messages to the delivery bus
// inside the same critical section (commit order == publish order), and
// bounds every store touch with a deadline.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/user identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-dm-backend/internal/domain"
	"github.com/tbourn/go-dm-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"

	"time"
)

// convLockStripes is the number of striped append locks. Appends on one
// conversation serialize; unrelated conversations rarely share a stripe.
const convLockStripes = 64

// Publisher is the delivery-side contract the service publishes into.
// *delivery.Bus satisfies it; tests substitute recorders.
type Publisher interface {
	PublishMessage(m *domain.Message)
	PublishTyping(userID, conversationID string)
}

// MessageService coordinates message persistence, reads, and real-time
// publication.
type MessageService struct {
	DB  *gorm.DB
	Bus Publisher

	// StoreTimeout bounds each durable store operation. Zero disables the
	// deadline (tests).
	StoreTimeout time.Duration
	// MaxBodyRunes caps message bodies by rune length. Zero disables the cap.
	MaxBodyRunes int

	locks [convLockStripes]sync.Mutex
}

// HistoryResult is the outcome of selecting a peer: the conversation key and
// its full ordered history at read time.
type HistoryResult struct {
	ConversationID string           `json:"conversation_id"`
	History        []domain.Message `json:"history"`
}

// Send validates, commits, and publishes one direct message. The returned
// message carries the store-assigned sequence number.
//
// The per-conversation stripe lock is held across commit and publish so a
// subscribed session observes delivery events in commit order. The lock
// guards only this conversation's append path; the registry lock is never
// taken here.
func (s *MessageService) Send(ctx context.Context, senderID, receiverID, body string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("sender.id", senderID),
			attribute.String("receiver.id", receiverID),
		),
	)
	defer span.End()

	body = normalizeBody(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(body) > s.MaxBodyRunes {
		return nil, ErrTooLong
	}

	conv, err := domain.PairID(senderID, receiverID)
	if err != nil {
		return nil, mapPairErr(err)
	}

	lock := s.lockFor(conv)
	lock.Lock()
	defer lock.Unlock()

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	m, err := repo.AppendMessage(opCtx, s.DB, conv, senderID, receiverID, body)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if s.Bus != nil {
		s.Bus.PublishMessage(m)
	}
	return m, nil
}

// Select resolves the conversation with peerID and returns its history as a
// prefix-consistent snapshot. It performs no subscription; live sessions
// subscribe through their ChatSession.
func (s *MessageService) Select(ctx context.Context, userID, peerID string) (*HistoryResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Select",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("peer.id", peerID),
		),
	)
	defer span.End()

	conv, err := domain.PairID(userID, peerID)
	if err != nil {
		return nil, mapPairErr(err)
	}

	history, err := s.History(ctx, conv, userID, 0, 0)
	if err != nil {
		return nil, err
	}
	return &HistoryResult{ConversationID: conv, History: history}, nil
}

// History returns messages of a conversation with seq > afterSeq, ascending.
// Fails with ErrNotParty when requestingUserID is not a participant.
func (s *MessageService) History(ctx context.Context, conversationID, requestingUserID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if !domain.IsParty(conversationID, requestingUserID) {
		return nil, ErrNotParty
	}

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	msgs, err := repo.ListMessages(opCtx, s.DB, conversationID, afterSeq, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return msgs, nil
}

// HistoryPage returns one page of a conversation plus the total count.
func (s *MessageService) HistoryPage(ctx context.Context, conversationID, requestingUserID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "HistoryPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if !domain.IsParty(conversationID, requestingUserID) {
		return nil, 0, ErrNotParty
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	total, err := repo.CountMessages(opCtx, s.DB, conversationID)
	if err != nil {
		return nil, 0, mapStoreErr(err)
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(opCtx, s.DB, conversationID, offset, pageSize)
	if err != nil {
		return nil, 0, mapStoreErr(err)
	}
	return items, total, nil
}

// Summaries returns a page of the user's conversations, newest first, plus
// the total conversation count.
func (s *MessageService) Summaries(ctx context.Context, userID string, page, pageSize int) ([]domain.ConversationSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	total, err := repo.CountConversations(opCtx, s.DB, userID)
	if err != nil {
		return nil, 0, mapStoreErr(err)
	}
	if total == 0 {
		return []domain.ConversationSummary{}, 0, nil
	}

	items, err := repo.ListConversationSummaries(opCtx, s.DB, userID, offset, pageSize)
	if err != nil {
		return nil, 0, mapStoreErr(err)
	}
	return items, total, nil
}

// Typing emits a best-effort typing notice to the peer's sessions. Validation
// mirrors Send; nothing touches the store.
func (s *MessageService) Typing(userID, conversationID string) error {
	if !domain.IsParty(conversationID, userID) {
		return ErrNotParty
	}
	if s.Bus != nil {
		s.Bus.PublishTyping(userID, conversationID)
	}
	return nil
}

func (s *MessageService) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &s.locks[h.Sum32()%convLockStripes]
}

// bound derives the deadline-bounded context for one store operation.
func (s *MessageService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.StoreTimeout)
}

// normalizeBody trims surrounding whitespace and applies NFC so visually
// identical bodies compare equal regardless of the client's composition form.
func normalizeBody(body string) string {
	return strings.TrimSpace(norm.NFC.String(body))
}

func mapPairErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrSelfPair):
		return ErrSelfMessage
	case errors.Is(err, domain.ErrBadUserID):
		return ErrBadUser
	default:
		return err
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStoreTimeout
	}
	return err
}
