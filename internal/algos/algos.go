// Package algos implements the cryptographic primitives of the sealbox protocol.
//
// Two independent authenticators protect a vault payload:
//   - the transit tag, keyed by the session SharedSecret, authenticates
//     ciphertext exchanged between client and server.
//   - the at-rest tag, keyed by the process wide server secret, authenticates
//     ciphertext recomputed from stored plaintext.
//
// Encryption is AES-256-CBC and carries no authentication of its own, tags
// MUST be verified before any ciphertext is decrypted.
package algos

const (
	// KeySize is the AES-256 key length produced by DeriveKey.
	KeySize = 32

	// NonceSize is the CBC IV length produced by DeriveNonce.
	NonceSize = 16

	// TagSize is the length of transit & at-rest tags.
	TagSize = 32

	// SecretSize is the byte length of generated shared secrets & server secrets.
	SecretSize = 32
)
