// Package srp implements SRP-6a (Secure Remote Password) mutual
// authentication over the RFC 3526 2048-bit MODP group, with SHA-256 as the
// hash function H, plus the key-derivation step that turns the shared
// secret into a 32-byte secretbox key.
//
// No actively-maintained SRP-6a library surfaced in the example corpus this
// module was grounded on, so the protocol math is implemented directly on
// top of math/big and crypto/sha256 (see DESIGN.md). Everything downstream
// of the shared secret — the KDF and the authenticated-encryption channel —
// uses golang.org/x/crypto/nacl/secretbox, the ecosystem-standard primitive.
package srp

import (
	"crypto/sha256"
	"math/big"
)

// Group2048 is the RFC 3526 2048-bit MODP group (group 14): its safe prime
// N with generator 2.
var Group2048 = mustGroup(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA"+
		"63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51"+
		"C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5A"+
		"E9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163"+
		"FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4"+
		"ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A"+
		"28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051"+
		"015728E5A8AACAA68FFFFFFFFFFFFFFFF",
	2,
)

// Group holds the SRP-6a group parameters: the safe prime N and generator g.
type Group struct {
	N *big.Int
	g *big.Int

	// k is the multiplier k = H(N, PAD(g)) per SRP-6a (fixed per group).
	k *big.Int
}

func mustGroup(nHex string, g int64) *Group {
	n := new(big.Int)
	if _, ok := n.SetString(nHex, 16); !ok {
		panic("srp: invalid group prime literal")
	}

	gr := &Group{N: n, g: big.NewInt(g)}
	gr.k = hashToInt(gr.padded(n), gr.padded(gr.g))

	return gr
}

// padded left-pads x's big-endian bytes to the byte length of N, the
// standard SRP PAD() operation so H's input width never leaks operand size.
func (gr *Group) padded(x *big.Int) []byte {
	size := (gr.N.BitLen() + 7) / 8
	b := x.Bytes()

	if len(b) >= size {
		return b
	}

	out := make([]byte, size)
	copy(out[size-len(b):], b)

	return out
}

func hashToInt(chunks ...[]byte) *big.Int {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}

	return new(big.Int).SetBytes(h.Sum(nil))
}
