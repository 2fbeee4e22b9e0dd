// Package credstore seals and opens service-account credential blobs.
//
// Blobs at rest are base64-wrapped Fernet tokens. Decrypted material is
// returned to the caller and never cached, logged, or written anywhere.
package credstore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/fernet/fernet-go"
)

// DecryptError reports a credential blob that could not be opened.
// Pool building skips the owning account when it sees this error.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("credential decrypt failed: %s", e.Reason)
}

// Store encrypts and decrypts credential blobs with a single Fernet key
// derived from the configured secret.
type Store struct {
	key *fernet.Key
}

// New derives the Fernet key from the configured secret. A secret that is
// already a 44-char urlsafe-base64 key is used as-is; any other secret is
// hashed with SHA-256 so arbitrary passphrases work.
func New(secret string) (*Store, error) {
	if secret == "" {
		return nil, fmt.Errorf("credstore: empty encryption key")
	}
	encoded := secret
	if len(secret) != 44 {
		sum := sha256.Sum256([]byte(secret))
		encoded = base64.URLEncoding.EncodeToString(sum[:])
	}
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("credstore: invalid encryption key: %w", err)
	}
	return &Store{key: key}, nil
}

// Encrypt seals plaintext and returns the storable blob.
func (s *Store) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("credstore: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(tok), nil
}

// Decrypt opens a stored blob. Tokens do not expire; a blob is rejected
// only when its signature does not verify under the configured key.
func (s *Store) Decrypt(blob string) (string, error) {
	tok, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &DecryptError{Reason: "blob is not base64"}
	}
	msg := fernet.VerifyAndDecrypt(tok, 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", &DecryptError{Reason: "token verification failed"}
	}
	return string(msg), nil
}
