package vault

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/google/uuid"

	"code.sealbox.org/golang/internal/algos"
	"code.sealbox.org/golang/internal/session"
)

const (
	// DefaultSessionTTL is the sliding lifetime of session secrets.
	DefaultSessionTTL = 1 * time.Hour

	// DefaultRecordTTL is the lifetime of stored records.
	DefaultRecordTTL = 15 * time.Minute
)

// SecretStore holds one live shared secret per session identity.
//
// Secrets expire with a sliding deadline: Lookup refreshes the deadline,
// writes never shorten it. Implementations MUST NOT leak secret values in
// logs or error messages, and MUST flag infrastructure failures with
// ErrStoreUnavailable.
type SecretStore interface {
	// Establish generates a fresh identity and shared secret pair.
	Establish(ctx context.Context) (Session, error)

	// Lookup returns the live secret bound to identity, refreshing its deadline.
	// The bool flag is false if the identity is unknown or expired, which is
	// not an error: it signals that the caller must re-establish.
	Lookup(ctx context.Context, identity string) ([]byte, bool, error)

	// Invalidate deletes the secret early.
	Invalidate(ctx context.Context, identity string) error
}

// RecordStore holds, per identity, a primary record (payload + at-rest tag)
// and a backup record (payload only).
//
// Save MUST be atomic: a reader never observes a primary update without the
// matching backup update. Implementations flag infrastructure failures with
// ErrStoreUnavailable.
type RecordStore interface {
	// Save writes the primary record and the backup payload under one transaction.
	Save(ctx context.Context, identity string, payload, tag []byte) error

	// LoadPrimary loads the primary record into dst.
	// The bool flag is false if the record is absent or expired.
	LoadPrimary(ctx context.Context, identity string, dst *Record) (bool, error)

	// LoadBackup returns the backup payload.
	// The bool flag is false if the backup is absent or expired.
	LoadBackup(ctx context.Context, identity string) ([]byte, bool, error)

	// PromoteBackup restores the backup payload as primary, tagging it with
	// retag, and returns the restored payload. The bool flag is false if no
	// backup exists. PromoteBackup is idempotent: calling it twice with no
	// intervening write produces the same stored state both times.
	PromoteBackup(ctx context.Context, identity string, retag func(payload []byte) ([]byte, error)) ([]byte, bool, error)
}

// MemSecretStore provides "in memory" implementation of SecretStore.
type MemSecretStore struct {
	secrets *session.MemStore[string, []byte]
}

// NewMemSecretStore instantiates a MemSecretStore with sliding lifetime ttl.
func NewMemSecretStore(ttl time.Duration) (*MemSecretStore, error) {
	secrets, err := session.NewMemStore[string, []byte](ttl, true)
	if nil != err {
		return nil, wrapError(err, "failed secret store construction")
	}

	return &MemSecretStore{secrets: secrets}, nil
}

// Establish generates a fresh identity & shared secret pair.
func (self *MemSecretStore) Establish(ctx context.Context) (Session, error) {
	secret := make([]byte, algos.SecretSize)
	_, err := rand.Read(secret)
	if nil != err {
		return Session{}, wrapError(err, "failed secret generation")
	}

	sess := Session{Identity: uuid.New().String(), Secret: secret}
	self.secrets.Set(sess.Identity, sess.Secret)

	return sess, nil
}

// Lookup returns the live secret bound to identity, refreshing its deadline.
func (self *MemSecretStore) Lookup(ctx context.Context, identity string) ([]byte, bool, error) {
	secret, found := self.secrets.Get(identity)
	return secret, found, nil
}

// Invalidate deletes the secret early.
func (self *MemSecretStore) Invalidate(ctx context.Context, identity string) error {
	self.secrets.Delete(identity)
	return nil
}

var _ SecretStore = &MemSecretStore{}

// memSlot groups the primary record & backup payload of one identity.
// Keeping both in a single store entry makes Save trivially atomic.
type memSlot struct {
	primary Record
	backup  []byte
}

// MemRecordStore provides "in memory" implementation of RecordStore.
type MemRecordStore struct {
	slots *session.MemStore[string, memSlot]
}

// NewMemRecordStore instantiates a MemRecordStore expiring records after ttl.
func NewMemRecordStore(ttl time.Duration) (*MemRecordStore, error) {
	slots, err := session.NewMemStore[string, memSlot](ttl, false)
	if nil != err {
		return nil, wrapError(err, "failed record store construction")
	}

	return &MemRecordStore{slots: slots}, nil
}

// Save writes the primary record and the backup payload under one slot entry.
func (self *MemRecordStore) Save(ctx context.Context, identity string, payload, tag []byte) error {
	if 0 == len(payload) {
		return flagError(ErrValidation, "empty payload")
	}
	if 0 == len(tag) {
		return flagError(ErrValidation, "empty tag")
	}

	slot := memSlot{
		primary: Record{Payload: payload, Tag: tag},
		backup:  payload,
	}
	self.slots.Set(identity, slot)

	return nil
}

// LoadPrimary loads the primary record into dst.
func (self *MemRecordStore) LoadPrimary(ctx context.Context, identity string, dst *Record) (bool, error) {
	slot, found := self.slots.Get(identity)
	if found {
		*dst = slot.primary
	}

	return found, nil
}

// LoadBackup returns the backup payload.
func (self *MemRecordStore) LoadBackup(ctx context.Context, identity string) ([]byte, bool, error) {
	slot, found := self.slots.Get(identity)
	if !found || 0 == len(slot.backup) {
		return nil, false, nil
	}

	return slot.backup, true, nil
}

// PromoteBackup restores the backup payload as primary.
func (self *MemRecordStore) PromoteBackup(ctx context.Context, identity string, retag func(payload []byte) ([]byte, error)) ([]byte, bool, error) {
	payload, found, err := self.LoadBackup(ctx, identity)
	if nil != err || !found {
		return nil, false, err
	}

	tag, err := retag(payload)
	if nil != err {
		return nil, false, wrapError(err, "failed backup re-tagging")
	}

	err = self.Save(ctx, identity, payload, tag)
	if nil != err {
		return nil, false, wrapError(err, "failed backup promotion")
	}

	return payload, true, nil
}

var _ RecordStore = &MemRecordStore{}
