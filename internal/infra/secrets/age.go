// Package secrets seals the shared task secrets kept in the store with an age
// X25519 key, so a copied database file does not leak them.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const (
	sealPrefix = "ENC[age:"
	sealSuffix = "]"
)

// GenerateIdentity creates an X25519 key file at path with mode 0600.
// An existing file is left untouched.
func GenerateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by appgrader\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

// LoadIdentity reads the first X25519 identity from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}
	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

// Sealer encrypts secrets to its own identity. It satisfies sqlite.Sealer.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer wraps an identity.
func NewSealer(id *age.X25519Identity) *Sealer {
	return &Sealer{identity: id}
}

// LoadSealer generates the key file if needed and returns a Sealer for it.
func LoadSealer(path string) (*Sealer, error) {
	if err := GenerateIdentity(path); err != nil {
		return nil, err
	}
	id, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	return NewSealer(id), nil
}

// Seal returns an ENC[age:...] blob for plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return sealPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealSuffix, nil
}

// Open reverses Seal. Values that were stored before sealing was enabled are
// returned unchanged.
func (s *Sealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}

	encoded := stored[len(sealPrefix) : len(stored)-len(sealSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether s is an ENC[age:...] blob.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix) && strings.HasSuffix(s, sealSuffix)
}
