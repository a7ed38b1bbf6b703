package srp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ErrBadClientPublic is the server-side analog of ErrBadServerPublic: A must
// not be a degenerate multiple of N.
var ErrBadClientPublic = errors.New("srp: client public value A is invalid")

// ErrClientProofMismatch means the proof the client sent does not match
// what the server independently computed — wrong password, or tampering.
var ErrClientProofMismatch = errors.New("srp: client proof mismatch")

// Verifier is the (salt, v) pair the server stores in place of a password,
// per SRP-6a. v = g^x mod N.
type Verifier struct {
	Salt []byte
	V    *big.Int
}

// ComputeVerifier derives (salt, v) from identity+password for provisioning.
// Credential issuance itself is out of scope (spec §1); this helper exists
// so tests and admin tooling can produce fixtures without duplicating the
// math.
func ComputeVerifier(group *Group, identity, password string, salt []byte) Verifier {
	x := computeX(salt, identity, password)
	v := new(big.Int).Exp(group.g, x, group.N)

	return Verifier{Salt: salt, V: v}
}

// ServerSession holds one server-side SRP-6a handshake in progress.
type ServerSession struct {
	group *Group

	identity string
	v        *big.Int
	b        *big.Int
	B        *big.Int
	A        *big.Int

	sharedSecret *big.Int
	m1           *big.Int
}

// NewServerSession begins a handshake against the stored verifier v.
func NewServerSession(group *Group, identity string, v *big.Int) (*ServerSession, error) {
	b, err := randomExponent(group.N)
	if err != nil {
		return nil, fmt.Errorf("srp: generating ephemeral private value: %w", err)
	}

	s := &ServerSession{group: group, identity: identity, v: v, b: b}

	// B = k*v + g^b mod N
	kv := new(big.Int).Mul(group.k, v)
	gb := new(big.Int).Exp(group.g, b, group.N)

	s.B = new(big.Int).Add(kv, gb)
	s.B.Mod(s.B, group.N)

	return s, nil
}

// PublicB returns B, sent to the client in srp_challenge.
func (s *ServerSession) PublicB() *big.Int {
	return s.B
}

// VerifyProof consumes the client's (A, M1), derives the shared secret, and
// checks M1 against the server's own computation. On success it returns M2
// for the srp_verify message; on failure it returns ErrClientProofMismatch
// and the connection's failed-proof penalty (spec §4.C) should be applied.
func (s *ServerSession) VerifyProof(A, M1 *big.Int) (M2 *big.Int, err error) {
	if new(big.Int).Mod(A, s.group.N).Sign() == 0 {
		return nil, ErrBadClientPublic
	}

	s.A = A

	u := hashToInt(s.group.padded(A), s.group.padded(s.B))
	if u.Sign() == 0 {
		return nil, errors.New("srp: scrambling parameter u is zero")
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.v, u, s.group.N)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, s.group.N)

	s.sharedSecret = new(big.Int).Exp(base, s.b, s.group.N)

	expected := computeM1(s.group, s.identity, A, s.B, s.sharedSecret)
	if expected.Cmp(M1) != 0 {
		return nil, ErrClientProofMismatch
	}

	s.m1 = M1

	m2 := computeM2(A, M1, s.sharedSecret)

	return m2, nil
}

// SharedSecret returns S once VerifyProof has succeeded.
func (s *ServerSession) SharedSecret() *big.Int {
	return s.sharedSecret
}

func computeM1(group *Group, identity string, A, B, S *big.Int) *big.Int {
	return hashToInt(group.padded(A), group.padded(B), group.padded(S), []byte(identity))
}

func computeM2(A, m1, S *big.Int) *big.Int {
	return hashToInt(A.Bytes(), m1.Bytes(), S.Bytes())
}

// GenerateSalt returns a fresh random salt for provisioning a new verifier.
func GenerateSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: generating salt: %w", err)
	}

	return salt, nil
}
