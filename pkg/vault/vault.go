// Package vault implements the sealbox protocol: single-slot tamper evident
// storage with transparent self-healing.
//
// A client binds a session (identity + shared secret), encrypts its payload
// and authenticates it in transit with a tag keyed by the shared secret. The
// server independently authenticates data at rest with a tag keyed by a
// process wide secret. When an at-rest check fails on read, the server
// promotes the backup copy and the reader cannot distinguish "never tampered"
// from "tampered and repaired", only server logs surface the event.
package vault

import (
	"context"
	"crypto/rand"

	"code.sealbox.org/golang/internal/algos"
	"code.sealbox.org/golang/internal/observability"
	"code.sealbox.org/golang/internal/utils"
)

// Session binds a server generated identity to its shared secret.
type Session struct {
	Identity string
	Secret   []byte
}

// Check returns an error if the Session is invalid.
func (self Session) Check() error {
	if len(self.Identity) < algos.NonceSize {
		return flagError(ErrValidation, "identity too short")
	}
	if len(self.Secret) < algos.SecretSize {
		return flagError(ErrValidation, "secret too short")
	}

	return nil
}

// Record is the primary record of one identity: plaintext payload plus the
// at-rest tag authenticating its deterministic re-encryption.
type Record struct {
	Payload []byte `cbor:"1,keyasint"`
	Tag     []byte `cbor:"2,keyasint"`
}

// Envelope is the wire unit exchanged between client & server: ciphertext plus
// the transit tag authenticating it. Binary values travel as hex text.
type Envelope struct {
	Ciphertext utils.HexBinary `json:"ciphertext" cbor:"1,keyasint"`
	Tag        utils.HexBinary `json:"tag" cbor:"2,keyasint"`
}

// Check returns an error if the Envelope is invalid.
func (self Envelope) Check() error {
	if 0 == len(self.Ciphertext) {
		return flagError(ErrValidation, "empty ciphertext")
	}
	if algos.TagSize != len(self.Tag) {
		return flagError(ErrValidation, "invalid tag length %d != %d", len(self.Tag), algos.TagSize)
	}

	return nil
}

// Vault is the server side of the sealbox protocol.
//
// Vault is stateless per request aside from shared access to its stores, all
// methods may run concurrently. The at-rest secret is generated at
// construction and never leaves the process: restarting the server
// invalidates every stored at-rest tag.
type Vault struct {
	secrets      SecretStore
	records      RecordStore
	serverSecret []byte
}

// NewVault instantiates a Vault over the given stores, generating a fresh
// process wide at-rest secret. It errors if a store is nil.
func NewVault(secrets SecretStore, records RecordStore) (*Vault, error) {
	if nil == secrets {
		return nil, newError("nil SecretStore")
	}
	if nil == records {
		return nil, newError("nil RecordStore")
	}

	serverSecret := make([]byte, algos.SecretSize)
	_, err := rand.Read(serverSecret)
	if nil != err {
		return nil, wrapError(err, "failed server secret generation")
	}

	return &Vault{secrets: secrets, records: records, serverSecret: serverSecret}, nil
}

// Establish creates a fresh session: identity plus shared secret.
func (self *Vault) Establish(ctx context.Context) (Session, error) {
	sess, err := self.secrets.Establish(ctx)
	if nil != err {
		return Session{}, wrapError(err, "failed session establishment")
	}

	return sess, nil
}

// Save verifies the transit tag BEFORE decrypting, decrypts the payload and
// stores it with a fresh at-rest tag, primary & backup under one transaction.
func (self *Vault) Save(ctx context.Context, identity string, env Envelope) error {
	err := env.Check()
	if nil != err {
		return err
	}

	secret, key, nonce, err := self.sessionMaterial(ctx, identity)
	if nil != err {
		return err
	}

	if !algos.VerifyTransitTag(env.Ciphertext, secret, env.Tag) {
		return flagError(ErrTransitIntegrity, "transit tag mismatch on save")
	}

	payload, err := algos.Decrypt(env.Ciphertext, key, nonce)
	if nil != err {
		return flagWrapError(err, ErrDecryption, "failed payload decryption")
	}

	// the received ciphertext is the deterministic encryption of the payload,
	// the at-rest tag authenticates exactly what a read will recompute
	atRest := algos.AtRestTag(env.Ciphertext, self.serverSecret)
	err = self.records.Save(ctx, identity, payload, atRest)

	return wrapError(err, "failed record save") // nil if err is nil
}

// Retrieve re-encrypts the stored payload, checks the at-rest tag and returns
// a fresh Envelope. On tag mismatch it transparently promotes the backup,
// failing with ErrTamperedNoBackup only when no backup exists.
func (self *Vault) Retrieve(ctx context.Context, identity string) (Envelope, error) {
	var env Envelope

	secret, key, nonce, err := self.sessionMaterial(ctx, identity)
	if nil != err {
		return env, err
	}

	rec := Record{}
	found, err := self.records.LoadPrimary(ctx, identity, &rec)
	if nil != err {
		return env, wrapError(err, "failed primary record load")
	}
	if !found {
		return env, flagError(ErrDataMissing, "no record for session")
	}

	ciphertext, err := algos.Encrypt(rec.Payload, key, nonce)
	if nil != err {
		return env, wrapError(err, "failed payload re-encryption")
	}

	if !algos.VerifyAtRestTag(ciphertext, self.serverSecret, rec.Tag) {
		ciphertext, err = self.heal(ctx, identity, key, nonce)
		if nil != err {
			return env, err
		}
	}

	env = Envelope{Ciphertext: ciphertext, Tag: algos.TransitTag(ciphertext, secret)}

	return env, nil
}

// Clear invalidates the session secret early.
func (self *Vault) Clear(ctx context.Context, identity string) error {
	err := self.secrets.Invalidate(ctx, identity)
	return wrapError(err, "failed session invalidation") // nil if err is nil
}

// heal promotes the backup payload after at-rest tampering was detected and
// returns its re-encryption. The event is logged for audit, the caller is not
// involved.
func (self *Vault) heal(ctx context.Context, identity string, key, nonce []byte) ([]byte, error) {
	log := observability.GetObservability(ctx).Log()
	log.Warn("at-rest tampering detected, promoting backup", "identity", identity)

	retag := func(payload []byte) ([]byte, error) {
		ciphertext, err := algos.Encrypt(payload, key, nonce)
		if nil != err {
			return nil, wrapError(err, "failed backup re-encryption")
		}
		return algos.AtRestTag(ciphertext, self.serverSecret), nil
	}

	payload, found, err := self.records.PromoteBackup(ctx, identity, retag)
	if nil != err {
		return nil, wrapError(err, "failed backup promotion")
	}
	if !found {
		log.Error("tampered record is unrecoverable, no backup", "identity", identity)
		return nil, flagError(ErrTamperedNoBackup, "no backup to heal from")
	}

	log.Info("self-heal completed", "identity", identity)

	ciphertext, err := algos.Encrypt(payload, key, nonce)

	return ciphertext, wrapError(err, "failed healed payload re-encryption") // nil if err is nil
}

// sessionMaterial resolves the session secret and derives the encryption
// material bound to identity.
func (self *Vault) sessionMaterial(ctx context.Context, identity string) (secret, key, nonce []byte, err error) {
	secret, found, err := self.secrets.Lookup(ctx, identity)
	if nil != err {
		return nil, nil, nil, wrapError(err, "failed secret lookup")
	}
	if !found {
		return nil, nil, nil, flagError(ErrSessionExpired, "no live secret for session")
	}

	key, err = algos.DeriveKey(secret)
	if nil != err {
		return nil, nil, nil, wrapError(err, "failed key derivation")
	}
	nonce, err = algos.DeriveNonce(identity)
	if nil != err {
		return nil, nil, nil, wrapError(err, "failed nonce derivation")
	}

	return secret, key, nonce, nil
}
