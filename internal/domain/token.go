package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Token is the optimistic concurrency stamp of a snapshot. The store assigns a
// fresh value from a monotonically increasing sequence on every write; callers
// treat it as opaque and hand back the value they last read.
type Token [8]byte

// TokenFromSequence encodes a store sequence value big-endian, matching the
// layout of an 8-byte row version.
func TokenFromSequence(v int64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[:], uint64(v))
	return t
}

// Sequence returns the store sequence value encoded in the token.
func (t Token) Sequence() int64 {
	return int64(binary.BigEndian.Uint64(t[:]))
}

func (t Token) IsZero() bool {
	return t == Token{}
}

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// ParseToken decodes the 16 hex character form produced by String.
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid concurrency token %q: %w", s, err)
	}
	if len(raw) != len(t) {
		return t, fmt.Errorf("invalid concurrency token %q: want %d bytes, got %d", s, len(t), len(raw))
	}
	copy(t[:], raw)
	return t, nil
}

func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(text []byte) error {
	parsed, err := ParseToken(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
