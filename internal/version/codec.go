package version

import (
	"encoding/json"
	"fmt"
)

// Codec serializes one entity kind's payload. Encoded payloads must be JSON
// documents: the Postgres backend stores them as JSONB and Diff reads them as
// JSON.
type Codec[P any] interface {
	Encode(payload P) ([]byte, error)
	Decode(data []byte) (P, error)
}

// CodecFuncs adapts a pair of hand-written functions to Codec.
type CodecFuncs[P any] struct {
	EncodeFunc func(P) ([]byte, error)
	DecodeFunc func([]byte) (P, error)
}

func (c CodecFuncs[P]) Encode(payload P) ([]byte, error) { return c.EncodeFunc(payload) }

func (c CodecFuncs[P]) Decode(data []byte) (P, error) { return c.DecodeFunc(data) }

// JSONCodec encodes payloads with encoding/json struct tags.
type JSONCodec[P any] struct{}

func (JSONCodec[P]) Encode(payload P) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

func (JSONCodec[P]) Decode(data []byte) (P, error) {
	var payload P
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}
