package domain

import (
	"encoding/json"
	"testing"
)

func TestTokenOrderFollowsSequence(t *testing.T) {
	a := TokenFromSequence(41)
	b := TokenFromSequence(42)
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	if a.String() >= b.String() {
		t.Fatalf("expected hex form to sort with the sequence, got %s and %s", a, b)
	}
	if b.Sequence() != 42 {
		t.Fatalf("expected sequence 42, got %d", b.Sequence())
	}
	if !(Token{}).IsZero() || a.IsZero() {
		t.Fatalf("expected only the empty token to be zero")
	}
}

func TestParseToken(t *testing.T) {
	tok := TokenFromSequence(1 << 40)
	parsed, err := ParseToken(tok.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != tok {
		t.Fatalf("expected %s, got %s", tok, parsed)
	}

	for _, bad := range []string{"", "zz", "0102", "000000000000000000"} {
		if _, err := ParseToken(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTokenInJSON(t *testing.T) {
	type envelope struct {
		Token Token `json:"token"`
	}
	data, err := json.Marshal(envelope{Token: TokenFromSequence(255)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"token":"00000000000000ff"}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var got envelope
	if err := json.Unmarshal([]byte(`{"token":"not-hex"}`), &got); err == nil {
		t.Fatalf("expected invalid token to fail decoding")
	}
}
