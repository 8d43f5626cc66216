package hotstuff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedlt/byzzbench"
)

// TestSigners tests that every scheme signs deterministically and that a
// signature only verifies for its own message.
func TestSigners(t *testing.T) {
	msg := Vote{View: 3, Height: 2, Block: Hash{7}, ReplicaID: "B"}.SigningBytes()

	for _, scheme := range []string{byzzbench.SignatureDigest, byzzbench.SignatureEd25519, byzzbench.SignatureBLS} {
		t.Run(scheme, func(t *testing.T) {
			s, err := NewSigner(scheme, "B", 42)
			require.NoError(t, err)
			assert.Equal(t, scheme, s.Scheme())

			sig, err := s.Sign(msg)
			require.NoError(t, err)
			assert.True(t, s.Verify(msg, sig))
			assert.False(t, s.Verify([]byte("other"), sig))

			again, err := NewSigner(scheme, "B", 42)
			require.NoError(t, err)
			sig2, err := again.Sign(msg)
			require.NoError(t, err)
			assert.Equal(t, sig, sig2, "keys are derived from id and seed")

			other, err := NewSigner(scheme, "C", 42)
			require.NoError(t, err)
			assert.False(t, other.Verify(msg, sig))
		})
	}

	_, err := NewSigner("rsa", "B", 1)
	assert.True(t, errors.Is(err, byzzbench.ErrConfig))
}
