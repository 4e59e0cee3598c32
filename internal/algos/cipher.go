package algos

import (
	"crypto/aes"
	"crypto/cipher"
)

// Encrypt encrypts plaintext with AES-256-CBC after applying PKCS#7 padding.
//
// The ciphertext is deterministic for a given (plaintext, key, nonce) triple,
// which lets the server recompute it when checking the at-rest tag.
// It errors if key or nonce have invalid length.
func Encrypt(plaintext, key, nonce []byte) ([]byte, error) {
	block, err := newBlock(key, nonce)
	if nil != err {
		return nil, err
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, nonce).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// Decrypt inverses Encrypt.
//
// Decrypt provides NO authentication: a tampered ciphertext may decrypt to
// garbage instead of failing. Callers MUST verify the relevant tag first.
// It errors wrapping ErrCiphertext if ciphertext is malformed.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := newBlock(key, nonce)
	if nil != err {
		return nil, err
	}

	if 0 == len(ciphertext) || 0 != len(ciphertext)%aes.BlockSize {
		return nil, wrapError(ErrCiphertext, "invalid ciphertext length %d", len(ciphertext))
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, nonce).CryptBlocks(padded, ciphertext)

	plaintext, ok := unpad(padded)
	if !ok {
		return nil, wrapError(ErrCiphertext, "invalid ciphertext padding")
	}

	return plaintext, nil
}

func newBlock(key, nonce []byte) (cipher.Block, error) {
	if KeySize != len(key) {
		return nil, newError("invalid key length %d != %d", len(key), KeySize)
	}
	if NonceSize != len(nonce) {
		return nil, newError("invalid nonce length %d != %d", len(nonce), NonceSize)
	}

	block, err := aes.NewCipher(key)

	return block, wrapError(err, "failed cipher construction") // nil if err is nil
}

// pad appends PKCS#7 padding, the result length is a non zero multiple of the block size.
func pad(data []byte) []byte {
	psz := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+psz)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(psz)
	}

	return padded
}

// unpad removes PKCS#7 padding, the bool flag is false if the padding is invalid.
func unpad(data []byte) ([]byte, bool) {
	if 0 == len(data) {
		return nil, false
	}
	psz := int(data[len(data)-1])
	if psz <= 0 || psz > aes.BlockSize || psz > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-psz:] {
		if byte(psz) != b {
			return nil, false
		}
	}

	return data[:len(data)-psz], true
}
