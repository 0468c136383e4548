package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	sshpkg "golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated SSH key. The private half lives in locked
// memory until Destroy is called.
type KeyPair struct {
	// PublicKey is in authorized_keys form without comment or newline,
	// e.g. "ssh-ed25519 AAAA...".
	PublicKey string

	private *memguard.LockedBuffer
}

// NewKeyPair wraps existing key material. privatePEM is copied into locked
// memory and wiped from the caller's slice.
func NewKeyPair(publicKey string, privatePEM []byte) *KeyPair {
	return &KeyPair{
		PublicKey: strings.TrimSpace(publicKey),
		private:   memguard.NewBufferFromBytes(privatePEM),
	}
}

// PrivateKeyPEM returns a copy of the OpenSSH private key.
func (k *KeyPair) PrivateKeyPEM() string {
	if k.private == nil || !k.private.IsAlive() {
		return ""
	}
	return string(k.private.Bytes())
}

// Destroy wipes the private key.
func (k *KeyPair) Destroy() {
	if k.private != nil {
		k.private.Destroy()
	}
}

// Generator produces key pairs.
type Generator interface {
	Generate(comment string) (*KeyPair, error)
}

// Ed25519Generator generates ed25519 keys in OpenSSH format.
type Ed25519Generator struct{}

// Generate creates a new ed25519 key pair. comment is embedded in the private
// key; the authorized_keys comment is added by the Store.
func (Ed25519Generator) Generate(comment string) (*KeyPair, error) {
	return GenerateKeyPair(comment)
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(block)

	sshPub, err := sshpkg.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	pubStr := strings.TrimSpace(string(sshpkg.MarshalAuthorizedKey(sshPub)))

	// priv aliases the private key bytes; wipe it once the PEM copy is locked.
	defer memguard.WipeBytes(priv)

	return NewKeyPair(pubStr, privPEM), nil
}
