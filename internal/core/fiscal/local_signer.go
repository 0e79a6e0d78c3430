package fiscal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/openkasse/kassad/internal/types"
)

// LocalSigner is the bundled development signer for tse.mode = "local". It
// signs the SHA-256 digest of the payload with a secp256k1 key and maintains
// its own monotonic counter. Not certified hardware; development use only.
type LocalSigner struct {
	key *secp256k1.PrivateKey

	mu      sync.Mutex
	counter int64
}

// NewLocalSigner generates a fresh signing key for this process.
func NewLocalSigner() (*LocalSigner, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to generate signing key", err)
	}
	return &LocalSigner{key: key}, nil
}

// NewLocalSignerFromSeed derives a deterministic key from a seed, so restarts
// of a development setup keep the same public key.
func NewLocalSignerFromSeed(seed string) *LocalSigner {
	digest := sha256.Sum256([]byte(seed))
	key := secp256k1.PrivKeyFromBytes(digest[:])
	return &LocalSigner{key: key}
}

// PublicKey returns the compressed public key in hex.
func (s *LocalSigner) PublicKey() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

func (s *LocalSigner) Sign(ctx context.Context, payload []byte) (*Signature, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.KindExternalTimeout, "signer context expired", err)
	}

	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.key, digest[:])

	s.mu.Lock()
	s.counter++
	counter := s.counter
	s.mu.Unlock()

	return &Signature{
		Signature:    hex.EncodeToString(sig.Serialize()),
		Counter:      counter,
		TSETimestamp: time.Now().UTC(),
	}, nil
}
