package algos

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DO NOT EDIT THOSE CONSTANTS
	// changing them invalidates all previously derived keys.
	keySalt = "sealbox:cipher-key:salt"
	keyInfo = "sealbox:cipher-key:aes256"
)

// DeriveKey derives the AES-256 encryption key from the session shared secret.
//
// Derivation is HKDF-SHA256 with fixed salt & info labels, it is one way and
// deterministic: the same secret always yields the same key.
// It errors if secret is empty.
func DeriveKey(secret []byte) ([]byte, error) {
	if 0 == len(secret) {
		return nil, newError("empty secret")
	}

	prk := hkdf.Extract(sha256.New, secret, []byte(keySalt))
	key := make([]byte, KeySize)
	_, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(keyInfo)), key)
	if nil != err {
		return nil, wrapError(err, "failed hkdf expansion")
	}

	return key, nil
}

// DeriveNonce returns the CBC IV bound to identity, the first NonceSize bytes
// of the identity string interpreted as raw bytes.
//
// The nonce is fully determined by identity: every encryption under a given
// session reuses it. This is safe only because sealbox stores a single payload
// slot per session and the key changes with each session. Callers MUST NOT use
// one identity+secret pair to encrypt multiple distinct payloads concurrently.
// It errors if identity is shorter than NonceSize.
func DeriveNonce(identity string) ([]byte, error) {
	if len(identity) < NonceSize {
		return nil, newError("identity too short, %d < %d", len(identity), NonceSize)
	}

	return []byte(identity)[:NonceSize], nil
}
