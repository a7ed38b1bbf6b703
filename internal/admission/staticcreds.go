package admission

import (
	"fmt"

	"github.com/sessionrelay/core/internal/srp"
)

// saltSize matches the byte length RFC 5054 implementations commonly use
// for the SRP salt.
const saltSize = 16

// StaticCredentialStore is the minimal CredentialStore for relayd's single
// configured identity (spec §6 treats the credential store as an external
// collaborator; this is the in-process default for standalone operation).
// The verifier is computed once at construction from the identity/password
// pair and held only in memory — the password itself is never retained.
type StaticCredentialStore struct {
	identity string
	salt     []byte
	verifier []byte
}

// NewStaticCredentialStore generates a fresh salt and computes this
// identity's SRP verifier against group.
func NewStaticCredentialStore(group *srp.Group, identity, password string) (*StaticCredentialStore, error) {
	salt, err := srp.GenerateSalt(saltSize)
	if err != nil {
		return nil, fmt.Errorf("admission: generating salt: %w", err)
	}

	v := srp.ComputeVerifier(group, identity, password, salt)

	return &StaticCredentialStore{identity: identity, salt: v.Salt, verifier: v.V.Bytes()}, nil
}

func (s *StaticCredentialStore) GetCredentials() (salt, verifier []byte, ok bool) {
	return s.salt, s.verifier, true
}

func (s *StaticCredentialStore) GetUsername() (string, bool) {
	return s.identity, true
}

var _ CredentialStore = (*StaticCredentialStore)(nil)
