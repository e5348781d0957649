package domain

import "testing"

func TestPairID_Commutative(t *testing.T) {
	cases := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"u-9", "u-10"},
		{"Z", "a"},
	}
	for _, c := range cases {
		ab, err := PairID(c[0], c[1])
		if err != nil {
			t.Fatalf("PairID(%q,%q): %v", c[0], c[1], err)
		}
		ba, err := PairID(c[1], c[0])
		if err != nil {
			t.Fatalf("PairID(%q,%q): %v", c[1], c[0], err)
		}
		if ab != ba {
			t.Fatalf("not commutative: %q vs %q", ab, ba)
		}
	}
}

func TestPairID_Injective(t *testing.T) {
	// Distinct unordered pairs must never map to the same id, including the
	// classic concatenation trap ("ab","c") vs ("a","bc").
	seen := map[string][2]string{}
	pairs := [][2]string{
		{"ab", "c"}, {"a", "bc"}, {"a", "b"}, {"b", "c"}, {"aa", "bb"},
	}
	for _, p := range pairs {
		id, err := PairID(p[0], p[1])
		if err != nil {
			t.Fatalf("PairID(%q,%q): %v", p[0], p[1], err)
		}
		if prev, dup := seen[id]; dup {
			t.Fatalf("collision: %v and %v both map to %q", prev, p, id)
		}
		seen[id] = p
	}
}

func TestPairID_Rejections(t *testing.T) {
	if _, err := PairID("alice", "alice"); err != ErrSelfPair {
		t.Fatalf("self pair: expected ErrSelfPair, got %v", err)
	}
	if _, err := PairID("", "bob"); err != ErrBadUserID {
		t.Fatalf("empty id: expected ErrBadUserID, got %v", err)
	}
	if _, err := PairID("al|ice", "bob"); err != ErrBadUserID {
		t.Fatalf("separator in id: expected ErrBadUserID, got %v", err)
	}
	if _, err := PairID("alice", "  "); err != ErrBadUserID {
		t.Fatalf("blank id: expected ErrBadUserID, got %v", err)
	}
}

func TestPairOf_RoundTrip(t *testing.T) {
	id, err := PairID("bob", "alice")
	if err != nil {
		t.Fatalf("PairID: %v", err)
	}
	a, b, ok := PairOf(id)
	if !ok || a != "alice" || b != "bob" {
		t.Fatalf("PairOf(%q) = %q,%q,%v", id, a, b, ok)
	}
	if _, _, ok := PairOf("notapair"); ok {
		t.Fatalf("expected malformed id to be rejected")
	}
	if _, _, ok := PairOf("a|b|c"); ok {
		t.Fatalf("expected id with stray separator to be rejected")
	}
}

func TestIsPartyAndPeerOf(t *testing.T) {
	id, _ := PairID("alice", "bob")

	if !IsParty(id, "alice") || !IsParty(id, "bob") {
		t.Fatalf("both participants must be parties of %q", id)
	}
	if IsParty(id, "carol") {
		t.Fatalf("carol must not be a party of %q", id)
	}

	if peer, ok := PeerOf(id, "alice"); !ok || peer != "bob" {
		t.Fatalf("PeerOf(alice) = %q,%v", peer, ok)
	}
	if peer, ok := PeerOf(id, "bob"); !ok || peer != "alice" {
		t.Fatalf("PeerOf(bob) = %q,%v", peer, ok)
	}
	if _, ok := PeerOf(id, "carol"); ok {
		t.Fatalf("PeerOf(carol) must fail")
	}
}
