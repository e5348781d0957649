// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: the transactional append that assigns per-conversation sequence
// numbers, and the indexed conversation reads.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-dm-backend/internal/domain"
)

// ErrNotFound signals that a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AppendMessage commits a new message to a conversation, assigning the next
// per-conversation sequence number inside a single transaction.
//
// Callers (the message service) serialize appends per conversation, so the
// MAX(seq)+1 read cannot race for one conversation; the unique index
// (conversation_id, seq) is the backstop. Independent conversations commit
// concurrently without cross-blocking.
func AppendMessage(ctx context.Context, db *gorm.DB, conversationID, senderID, receiverID, body string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Raw(
			"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?",
			conversationID,
		).Scan(&last).Error; err != nil {
			return err
		}
		m.Seq = last + 1
		return tx.Create(m).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages of a conversation with seq > afterSeq,
// ordered by seq ascending. afterSeq = 0 returns the full history; limit <= 0
// disables the cap. Used both for the initial snapshot on peer selection and
// for reconciliation after delivery drops.
func ListMessages(ctx context.Context, db *gorm.DB, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListMessagesPage returns a paginated slice of a conversation ordered by seq.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).
		Scan(&total).Error
	return total, err
}

// GetMessage fetches a message by ID (point read, secondary lookup).
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListConversationSummaries returns one row per conversation userID is a
// party to, carrying the latest committed message, newest conversation first.
func ListConversationSummaries(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ConversationSummary, error) {
	var rows []domain.Message
	err := db.WithContext(ctx).Raw(`
		SELECT m.* FROM messages m
		JOIN (
			SELECT conversation_id, MAX(seq) AS last_seq
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY conversation_id
		) last ON m.conversation_id = last.conversation_id AND m.seq = last.last_seq
		ORDER BY m.created_at DESC
		LIMIT ? OFFSET ?`, userID, userID, limit, offset).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.ConversationSummary, 0, len(rows))
	for _, m := range rows {
		peer, ok := domain.PeerOf(m.ConversationID, userID)
		if !ok {
			continue
		}
		out = append(out, domain.ConversationSummary{
			ConversationID: m.ConversationID,
			PeerID:         peer,
			LastSeq:        m.Seq,
			LastBody:       m.Body,
			LastSenderID:   m.SenderID,
			LastAt:         m.CreatedAt,
		})
	}
	return out, nil
}

// CountConversations returns the number of distinct conversations userID is a
// party to (pagination support for summaries).
func CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(DISTINCT conversation_id) FROM messages WHERE sender_id = ? OR receiver_id = ?", userID, userID).
		Scan(&total).Error
	return total, err
}
