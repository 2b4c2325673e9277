package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndAccountID(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	require.NotEmpty(t, w.AccountID())
	require.Regexp(t, `^acct_[0-9a-f]{16}$`, w.AccountID())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.pem")

	w1, err := LoadOrCreate(path)
	require.NoError(t, err)

	w2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, w1.AccountID(), w2.AccountID())
	require.Equal(t, w1.PublicKey(), w2.PublicKey())
}

func TestLoadOrCreateIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.pem")

	w1, err := LoadOrCreate(path)
	require.NoError(t, err)
	w2, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, w1.AccountID(), w2.AccountID())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	payload := []byte(`{"type":"transfer","amount":10}`)
	sig := w.Sign(payload)
	require.True(t, Verify(w.PublicKey(), payload, sig))

	mutated := append([]byte(nil), payload...)
	mutated[0] = '['
	require.False(t, Verify(w.PublicKey(), mutated, sig))
}

func TestImportRejectsMismatchedAccountID(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Import(priv, "acct_0000000000000000", false, "")
	require.ErrorIs(t, err, ErrBadKeyMaterial)
}

func TestImportRefusesLeaderKeyChange(t *testing.T) {
	leaderPub, leaderPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	leaderPEM, err := PublicKeyToPEM(leaderPub)
	require.NoError(t, err)
	leaderID, err := AccountIDOf(leaderPub)
	require.NoError(t, err)

	otherPub, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherID, err := AccountIDOf(otherPub)
	require.NoError(t, err)

	_, err = Import(otherPriv, otherID, true, leaderPEM)
	require.ErrorIs(t, err, ErrLeaderKeyChange)

	// Re-importing the leader's own key is allowed.
	_, err = Import(leaderPriv, leaderID, true, leaderPEM)
	require.NoError(t, err)
}
