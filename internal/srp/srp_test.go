package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullHandshake_DerivesMatchingKeys(t *testing.T) {
	const identity = "alice"
	const password = "correct horse battery staple"

	salt, err := GenerateSalt(16)
	require.NoError(t, err)

	verifier := ComputeVerifier(Group2048, identity, password, salt)

	client := NewClientSession(Group2048)
	A, err := client.Step1(identity, password, salt)
	require.NoError(t, err)

	server, err := NewServerSession(Group2048, identity, verifier.V)
	require.NoError(t, err)
	B := server.PublicB()

	M1, err := client.Step2(B)
	require.NoError(t, err)

	M2, err := server.VerifyProof(A, M1)
	require.NoError(t, err)

	require.NoError(t, client.Step3(M2))

	clientKey := DeriveSessionKey(client.SharedSecret())
	serverKey := DeriveSessionKey(server.SharedSecret())

	assert.Equal(t, clientKey, serverKey, "independently derived session keys must match byte-for-byte")
}

func TestWrongPassword_FailsProof(t *testing.T) {
	const identity = "alice"

	salt, err := GenerateSalt(16)
	require.NoError(t, err)

	verifier := ComputeVerifier(Group2048, identity, "correct horse battery staple", salt)

	client := NewClientSession(Group2048)
	A, err := client.Step1(identity, "wrong password", salt)
	require.NoError(t, err)

	server, err := NewServerSession(Group2048, identity, verifier.V)
	require.NoError(t, err)

	M1, err := client.Step2(server.PublicB())
	require.NoError(t, err)

	_, err = server.VerifyProof(A, M1)
	assert.ErrorIs(t, err, ErrClientProofMismatch)
}

func TestSecretboxRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte(`{"seq":1,"msg":{"type":"ping"}}`)

	nonce, ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)

	got, err := Open(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSecretbox_WrongKeyFails(t *testing.T) {
	var key, wrongKey [KeySize]byte
	wrongKey[0] = 1

	nonce, ciphertext, err := Seal(key, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(wrongKey, nonce, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSecretbox_TamperedCiphertextFails(t *testing.T) {
	var key [KeySize]byte

	nonce, ciphertext, err := Seal(key, []byte("hello"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff

	_, err = Open(key, nonce, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
