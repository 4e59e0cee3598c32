// Package auth issues & verifies the opaque session credential handed to
// sealbox clients at session establishment.
//
// The credential is a JWT signed with a per-process HMAC key, its subject is
// the session identity. The vault core never inspects credentials: it only
// consumes the caller identity that Middleware extracts into the request
// context. Credentials become worthless on process restart, which matches the
// lifetime of the sessions they are bound to.
package auth

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signingKeySize = 32

type contextKey string

const identityKey = contextKey("SEALBOX_IDENTITY")

// Signer issues & verifies session credentials.
// Signer is safe for concurrent use.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewSigner returns a Signer with a freshly generated signing key.
// It errors if ttl <= 0 or if the key can not be generated.
func NewSigner(issuer string, ttl time.Duration) (*Signer, error) {
	if ttl <= 0 {
		return nil, newError("Invalid ttl %d <= 0", ttl)
	}

	key := make([]byte, signingKeySize)
	_, err := rand.Read(key)
	if nil != err {
		return nil, wrapError(err, "failed signing key generation")
	}

	return &Signer{key: key, issuer: issuer, ttl: ttl}, nil
}

// Issue returns a credential bound to identity, valid for the Signer ttl.
func (self *Signer) Issue(identity string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": self.issuer,
		"sub": identity,
		"iat": now.Unix(),
		"exp": now.Add(self.ttl).Unix(),
		"jti": uuid.New().String(),
	}

	credential, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(self.key)

	return credential, wrapError(err, "failed credential signature") // nil if err is nil
}

// Verify checks the credential signature, issuer & expiry and returns the
// bound identity. It errors wrapping ErrCredential if the credential is not acceptable.
func (self *Signer) Verify(credential string) (string, error) {
	keyFunc := func(tok *jwt.Token) (any, error) {
		if jwt.SigningMethodHS256 != tok.Method {
			return nil, newError("unexpected signing method %v", tok.Header["alg"])
		}
		return self.key, nil
	}

	tok, err := jwt.Parse(
		credential,
		keyFunc,
		jwt.WithIssuer(self.issuer),
		jwt.WithExpirationRequired(),
	)
	if nil != err || !tok.Valid {
		return "", wrapError(ErrCredential, "rejected credential, %v", err)
	}

	identity, err := tok.Claims.GetSubject()
	if nil != err || "" == identity {
		return "", wrapError(ErrCredential, "credential misses subject")
	}

	return identity, nil
}

// Middleware returns an http Handler that requires a valid Bearer credential
// and exposes the bound identity through GetIdentity.
// Requests without an acceptable credential are rejected with status 401.
func (self *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found {
			writeRejection(w)
			return
		}
		identity, err := self.Verify(credential)
		if nil != err {
			writeRejection(w)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.Clone(ctx))
	})
}

// GetIdentity returns the identity bound to the request credential.
// The bool flag is false if the request did not pass through Middleware.
func GetIdentity(ctx context.Context) (string, bool) {
	identity, found := ctx.Value(identityKey).(string)
	return identity, found
}

func writeRejection(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"SESSION_EXPIRED","error":"missing or rejected session credential"}`))
}
