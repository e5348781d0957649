// Conversation identity.
//
// A conversation is identified by the unordered pair of its two participants.
// PairID canonicalizes the pair by sorting, then joins the two identifiers
// with a separator that is rejected inside identifiers, so the mapping is
// commutative and injective over unordered pairs.
package domain

import (
	"errors"
	"strings"
)

// PairSep joins the two canonicalized user identifiers of a conversation id.
// Identifiers containing it are rejected, which keeps PairID injective.
const PairSep = "|"

// Conversation identity errors.
var (
	// ErrSelfPair is returned when both identifiers name the same user.
	// A conversation with oneself is undefined.
	ErrSelfPair = errors.New("conversation requires two distinct users")

	// ErrBadUserID is returned when an identifier is empty or contains the
	// pair separator.
	ErrBadUserID = errors.New("invalid user id")
)

// PairID derives the stable conversation identifier for the unordered pair
// {a, b}. PairID(a, b) == PairID(b, a) for all valid a != b.
func PairID(a, b string) (string, error) {
	if err := validateUserID(a); err != nil {
		return "", err
	}
	if err := validateUserID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", ErrSelfPair
	}
	if b < a {
		a, b = b, a
	}
	return a + PairSep + b, nil
}

// PairOf splits a conversation id back into its two participants. The second
// return value is false when the id is not a well-formed pair key.
func PairOf(conversationID string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(conversationID, PairSep)
	if !ok || a == "" || b == "" || strings.Contains(b, PairSep) {
		return "", "", false
	}
	return a, b, true
}

// IsParty reports whether userID is one of the two participants encoded in
// conversationID.
func IsParty(conversationID, userID string) bool {
	a, b, ok := PairOf(conversationID)
	return ok && (userID == a || userID == b)
}

// PeerOf returns the counterpart of userID in conversationID, or false when
// userID is not a party.
func PeerOf(conversationID, userID string) (string, bool) {
	a, b, ok := PairOf(conversationID)
	if !ok {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

func validateUserID(id string) error {
	if strings.TrimSpace(id) == "" || strings.Contains(id, PairSep) {
		return ErrBadUserID
	}
	return nil
}
