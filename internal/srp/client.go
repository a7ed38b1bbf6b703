package srp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// ErrBadServerPublic is returned when the server's B value is a degenerate
// multiple of N (the classic SRP-6a safety check).
var ErrBadServerPublic = errors.New("srp: server public value B is invalid")

// ErrServerProofMismatch is returned by ClientSession.Step3 when M2 does not
// match the locally computed proof — the server failed to prove it knows S.
var ErrServerProofMismatch = errors.New("srp: server proof mismatch")

// ClientSession holds one client-side SRP-6a handshake in progress.
// The caller drives it through Step1 -> Step2 -> Step3, matching the order
// spec §4.B names.
type ClientSession struct {
	group *Group

	identity string
	x        *big.Int // private key derived from salt+password
	a        *big.Int // ephemeral private value
	A        *big.Int // ephemeral public value

	sharedSecret *big.Int // S, set after Step2
	m1           *big.Int // client proof, set after Step2
}

// NewClientSession begins a handshake over the given group; the identity
// is supplied to Step1.
// Use Group2048 unless a test vector calls for a different group.
func NewClientSession(group *Group) *ClientSession {
	return &ClientSession{group: group}
}

// Step1 computes the client's private key x = H(salt, H(identity:password))
// and a fresh ephemeral keypair (a, A). A is sent to the server in the
// srp_proof message.
func (c *ClientSession) Step1(identity, password string, salt []byte) (A *big.Int, err error) {
	c.identity = identity
	c.x = computeX(salt, identity, password)

	a, err := randomExponent(c.group.N)
	if err != nil {
		return nil, fmt.Errorf("srp: generating ephemeral private value: %w", err)
	}

	c.a = a
	c.A = new(big.Int).Exp(c.group.g, a, c.group.N)

	return c.A, nil
}

// Step2 consumes the server's public value B, derives the shared secret S
// and the client proof M1. Returns M1; the srp_proof message carries it
// together with A from Step1.
func (c *ClientSession) Step2(B *big.Int) (M1 *big.Int, err error) {
	if c.a == nil {
		return nil, errors.New("srp: Step2 called before Step1")
	}

	if new(big.Int).Mod(B, c.group.N).Sign() == 0 {
		return nil, ErrBadServerPublic
	}

	u := hashToInt(c.group.padded(c.A), c.group.padded(B))
	if u.Sign() == 0 {
		return nil, errors.New("srp: scrambling parameter u is zero")
	}

	// S = (B - k*g^x) ^ (a + u*x) mod N
	kgx := new(big.Int).Exp(c.group.g, c.x, c.group.N)
	kgx.Mul(kgx, c.group.k)
	kgx.Mod(kgx, c.group.N)

	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, c.group.N)

	exp := new(big.Int).Mul(u, c.x)
	exp.Add(exp, c.a)

	c.sharedSecret = new(big.Int).Exp(base, exp, c.group.N)

	c.m1 = computeM1(c.group, c.identity, c.A, B, c.sharedSecret)

	return c.m1, nil
}

// Step3 verifies the server's proof M2 = H(A, M1, S). Returns
// ErrServerProofMismatch if the server never actually derived S.
func (c *ClientSession) Step3(M2 *big.Int) error {
	if c.sharedSecret == nil {
		return errors.New("srp: Step3 called before Step2")
	}

	expected := computeM2(c.A, c.m1, c.sharedSecret)
	if expected.Cmp(M2) != 0 {
		return ErrServerProofMismatch
	}

	return nil
}

// SharedSecret returns S once Step2 has run, for key derivation.
func (c *ClientSession) SharedSecret() *big.Int {
	return c.sharedSecret
}

func computeX(salt []byte, identity, password string) *big.Int {
	inner := hashToInt([]byte(identity + ":" + password))
	return hashToInt(salt, inner.Bytes())
}

func randomExponent(n *big.Int) (*big.Int, error) {
	// Per SRP-6a, the ephemeral private value only needs to be large enough
	// to resist discrete-log attacks; 256 bits (matching H's output size) is
	// the conventional choice.
	max := new(big.Int).Lsh(big.NewInt(1), 256)

	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}

	return v.Mod(v, n), nil
}
