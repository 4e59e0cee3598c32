package algos

import (
	"crypto/hmac"
	"crypto/sha256"
)

const (
	// DO NOT EDIT THOSE CONSTANTS
	// changing them invalidates all previously computed tags.
	labelTransit = "sealbox:mac:transit"
	labelAtRest  = "sealbox:mac:at-rest"
)

// TransitTag authenticates ciphertext in flight between client and server.
// It is HMAC-SHA256 keyed by the raw session shared secret, domain separated
// from the at-rest authenticator.
func TransitTag(ciphertext, secret []byte) []byte {
	return keyedTag(labelTransit, ciphertext, secret)
}

// VerifyTransitTag reports in constant time whether tag authenticates ciphertext
// under the session shared secret.
func VerifyTransitTag(ciphertext, secret, tag []byte) bool {
	return hmac.Equal(tag, TransitTag(ciphertext, secret))
}

// AtRestTag authenticates ciphertext recomputed from stored plaintext.
// It is HMAC-SHA256 keyed by the process wide server secret, so that a session
// going stale does not invalidate integrity checks already stored.
func AtRestTag(ciphertext, serverSecret []byte) []byte {
	return keyedTag(labelAtRest, ciphertext, serverSecret)
}

// VerifyAtRestTag reports in constant time whether tag authenticates ciphertext
// under the server secret.
func VerifyAtRestTag(ciphertext, serverSecret, tag []byte) bool {
	return hmac.Equal(tag, AtRestTag(ciphertext, serverSecret))
}

func keyedTag(label string, ciphertext, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
