package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-dm-backend/internal/domain"
)

func TestGetIdempotency_EmptyConversationID(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	if _, err := GetIdempotency(context.Background(), db, "u1", "  ", "k", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for blank conversation id, got %v", err)
	}
}

func TestCreateAndGetIdempotency_RoundTrip(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	conv := mustPair(t, "u1", "u2")

	rec, err := CreateIdempotency(context.Background(), db, "u1", conv, "key-1", "msg-1", 200, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ID == "" || rec.MessageID != "msg-1" || rec.Status != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(context.Background(), db, "u1", conv, "key-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if got.MessageID != "msg-1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	// Unknown key.
	if _, err := GetIdempotency(context.Background(), db, "u1", conv, "other", time.Now().UTC()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestGetIdempotency_Expired(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	conv := mustPair(t, "u1", "u2")

	if _, err := CreateIdempotency(context.Background(), db, "u1", conv, "key-1", "msg-1", 200, time.Nanosecond); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	// Probe well after expiry.
	if _, err := GetIdempotency(context.Background(), db, "u1", conv, "key-1", time.Now().UTC().Add(time.Minute)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}
}

func TestCreateIdempotency_Duplicate(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	conv := mustPair(t, "u1", "u2")

	if _, err := CreateIdempotency(context.Background(), db, "u1", conv, "key-1", "msg-1", 200, time.Hour); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := CreateIdempotency(context.Background(), db, "u1", conv, "key-1", "msg-2", 200, time.Hour); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same key for a different user is a distinct tuple.
	if _, err := CreateIdempotency(context.Background(), db, "u2", conv, "key-1", "msg-3", 200, time.Hour); err != nil {
		t.Fatalf("distinct user should not collide: %v", err)
	}
}
