// Package fiscal implements the append-only fiscal log with its two-phase
// write-ahead protocol and the signer integrations.
package fiscal

import (
	"context"
	"time"
)

// Signature is the signer's attestation over a fiscal payload. The signer is
// authoritative for counter values; they are never generated locally.
type Signature struct {
	Signature    string    `json:"signature"`
	Counter      int64     `json:"signature_counter"`
	TSETimestamp time.Time `json:"tse_timestamp"`
}

// Signer signs serialized fiscal payloads.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (*Signature, error)
}
