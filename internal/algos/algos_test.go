package algos

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := newSecret(t)

	k1, err := DeriveKey(secret)
	if nil != err {
		t.Fatalf("Failed DeriveKey, got error %v", err)
	}
	if KeySize != len(k1) {
		t.Fatalf("Invalid key length %d != %d", len(k1), KeySize)
	}

	k2, err := DeriveKey(secret)
	if nil != err {
		t.Fatalf("Failed DeriveKey, got error %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey is not deterministic")
	}

	// a different secret yields a different key
	k3, err := DeriveKey(newSecret(t))
	if nil != err {
		t.Fatalf("Failed DeriveKey, got error %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("distinct secrets derived the same key")
	}

	_, err = DeriveKey(nil)
	if nil == err {
		t.Error("Could DeriveKey from empty secret")
	}
}

func TestDeriveNonce(t *testing.T) {
	identity := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	nonce, err := DeriveNonce(identity)
	if nil != err {
		t.Fatalf("Failed DeriveNonce, got error %v", err)
	}
	if NonceSize != len(nonce) {
		t.Fatalf("Invalid nonce length %d != %d", len(nonce), NonceSize)
	}
	if !bytes.Equal([]byte(identity)[:NonceSize], nonce) {
		t.Error("nonce is not the identity prefix")
	}

	_, err = DeriveNonce("too-short")
	if nil == err {
		t.Error("Could DeriveNonce from short identity")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, nonce := newKeyNonce(t)

	plaintexts := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xA5}, 16),  // exactly one block
		bytes.Repeat([]byte{0x5A}, 257), // multiple blocks + remainder
	}
	for step, plaintext := range plaintexts {
		ciphertext, err := Encrypt(plaintext, key, nonce)
		if nil != err {
			t.Fatalf("[%d] Failed Encrypt, got error %v", step, err)
		}
		if 0 == len(ciphertext) || 0 != len(ciphertext)%16 {
			t.Fatalf("[%d] Invalid ciphertext length %d", step, len(ciphertext))
		}

		decrypted, err := Decrypt(ciphertext, key, nonce)
		if nil != err {
			t.Fatalf("[%d] Failed Decrypt, got error %v", step, err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("[%d] round trip mismatch", step)
		}
	}
}

func TestEncryptDeterministic(t *testing.T) {
	key, nonce := newKeyNonce(t)
	plaintext := []byte("single slot payload")

	c1, err := Encrypt(plaintext, key, nonce)
	if nil != err {
		t.Fatalf("Failed Encrypt, got error %v", err)
	}
	c2, err := Encrypt(plaintext, key, nonce)
	if nil != err {
		t.Fatalf("Failed Encrypt, got error %v", err)
	}
	if !bytes.Equal(c1, c2) {
		t.Error("Encrypt is not deterministic for fixed key & nonce")
	}
}

func TestDecryptMalformed(t *testing.T) {
	key, nonce := newKeyNonce(t)

	// length not a block multiple
	_, err := Decrypt([]byte("stuff"), key, nonce)
	if !errors.Is(err, ErrCiphertext) {
		t.Errorf("expected ErrCiphertext, got %v", err)
	}

	// empty ciphertext
	_, err = Decrypt(nil, key, nonce)
	if !errors.Is(err, ErrCiphertext) {
		t.Errorf("expected ErrCiphertext, got %v", err)
	}

	// random block, padding check fails with overwhelming probability
	junk := make([]byte, 32)
	junk[31] = 0xFF // padding length byte > block size
	_, err = Decrypt(junk, key, nonce)
	if !errors.Is(err, ErrCiphertext) {
		t.Errorf("expected ErrCiphertext, got %v", err)
	}
}

func TestEncryptInvalidParams(t *testing.T) {
	key, nonce := newKeyNonce(t)

	_, err := Encrypt([]byte("data"), key[:16], nonce)
	if nil == err {
		t.Error("Could Encrypt with short key")
	}
	_, err = Encrypt([]byte("data"), key, nonce[:8])
	if nil == err {
		t.Error("Could Encrypt with short nonce")
	}
}

func TestTagBindsToKey(t *testing.T) {
	ciphertext := []byte("opaque ciphertext bytes")
	s1 := newSecret(t)
	s2 := newSecret(t)

	t1 := TransitTag(ciphertext, s1)
	if TagSize != len(t1) {
		t.Fatalf("Invalid tag length %d != %d", len(t1), TagSize)
	}
	t2 := TransitTag(ciphertext, s2)
	if bytes.Equal(t1, t2) {
		t.Error("transit tags collide across secrets")
	}

	if !VerifyTransitTag(ciphertext, s1, t1) {
		t.Error("Failed verifying genuine transit tag")
	}
	if VerifyTransitTag(ciphertext, s2, t1) {
		t.Error("transit tag verified under wrong secret")
	}
}

func TestTagBindsToCiphertext(t *testing.T) {
	secret := newSecret(t)
	ciphertext := []byte("opaque ciphertext bytes")

	tag := AtRestTag(ciphertext, secret)
	if !VerifyAtRestTag(ciphertext, secret, tag) {
		t.Fatal("Failed verifying genuine at-rest tag")
	}

	mutated := bytes.Clone(ciphertext)
	mutated[0] ^= 0x01
	if VerifyAtRestTag(mutated, secret, tag) {
		t.Error("at-rest tag verified on mutated ciphertext")
	}
}

func TestTransitAndAtRestTagsDiffer(t *testing.T) {
	// both authenticators keyed with the same bytes must still disagree,
	// they are domain separated
	secret := newSecret(t)
	ciphertext := []byte("opaque ciphertext bytes")

	if bytes.Equal(TransitTag(ciphertext, secret), AtRestTag(ciphertext, secret)) {
		t.Error("transit & at-rest tags are not domain separated")
	}
}

func newSecret(t *testing.T) []byte {
	secret := make([]byte, SecretSize)
	_, err := rand.Read(secret)
	if nil != err {
		t.Fatalf("Failed generating secret, got error %v", err)
	}

	return secret
}

func newKeyNonce(t *testing.T) ([]byte, []byte) {
	key, err := DeriveKey(newSecret(t))
	if nil != err {
		t.Fatalf("Failed DeriveKey, got error %v", err)
	}
	nonce, err := DeriveNonce("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if nil != err {
		t.Fatalf("Failed DeriveNonce, got error %v", err)
	}

	return key, nonce
}
