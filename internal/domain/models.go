// Package domain defines the persistence models and pure identity helpers
// for direct-message conversations. These types are mapped with GORM and
// form the core data layer of the delivery backend.
package domain

import "time"

// Message is a single direct message committed to a conversation. Messages
// are immutable once committed; the store only ever appends.
//
// Fields:
//   - ID: stable UUID primary key (char(36)); used for point reads and
//     consumer-side dedupe of delivery events.
//   - ConversationID: order-independent pair key (see PairID); indexed
//     together with Seq.
//   - Seq: per-conversation commit sequence. Strictly increasing and gap-free
//     within one conversation; assigned at commit time.
//   - SenderID / ReceiverID: verified user identifiers supplied by the
//     external identity collaborator.
//   - Body: non-empty message text (NFC-normalized by the service layer).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM. Messages are never
//     updated, so both carry the commit time.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(160);not null;uniqueIndex:ux_conv_seq,priority:1"`
	Seq            int64     `json:"seq"             gorm:"not null;uniqueIndex:ux_conv_seq,priority:2"`
	SenderID       string    `json:"sender_id"       gorm:"type:varchar(64);not null;index"`
	ReceiverID     string    `json:"receiver_id"     gorm:"type:varchar(64);not null;index"`
	Body           string    `json:"body"            gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ConversationSummary is a read model describing one conversation the user is
// a party to: the counterpart, the latest committed message, and its sequence
// number. Derived from the messages table, never stored.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	LastSeq        int64     `json:"last_seq"`
	LastBody       string    `json:"last_body"`
	LastSenderID   string    `json:"last_sender_id"`
	LastAt         time.Time `json:"last_at"`
}
