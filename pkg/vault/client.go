package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"code.sealbox.org/golang/internal/algos"
)

const (
	establishAttempts = 3
	establishBaseWait = 1 * time.Second
)

// Conveyor moves session grants & envelopes between a Client and a sealbox
// server. Implementations report server rejections using the package error
// flags so that the Client can pick the matching state transition.
type Conveyor interface {
	// Establish requests a fresh session from the server.
	Establish(ctx context.Context) (Grant, error)

	// Push stores env on the server under the session credential.
	Push(ctx context.Context, credential string, env Envelope) error

	// Pull retrieves the stored envelope.
	Pull(ctx context.Context, credential string) (Envelope, error)

	// Drop clears the server side session.
	Drop(ctx context.Context, credential string) error
}

// Grant is the material a client holds for one bound session.
type Grant struct {
	Session

	// Credential is the opaque session authentication credential presented on
	// every subsequent call.
	Credential string
}

// Check returns an error if the Grant is invalid.
func (self Grant) Check() error {
	err := self.Session.Check()
	if nil != err {
		return err
	}
	if "" == self.Credential {
		return flagError(ErrValidation, "empty credential")
	}

	return nil
}

// clientState enumerates the states of the client session machine.
type clientState int

const (
	// stateUnbound: no session material held.
	stateUnbound clientState = iota

	// stateEstablishing: an establishment task is running.
	stateEstablishing

	// stateBound: session material held, operations may proceed.
	stateBound
)

// Client is the caller side of the sealbox protocol.
//
// Client runs an explicit session state machine, Unbound -> Establishing ->
// Bound, degrading back to Unbound whenever the server rejects the session.
// Operations invoked while not Bound fail with ErrSessionNotReady after
// scheduling a background establishment: this is a recoverable signal, not a
// hard failure. Callers must not run Save/Retrieve concurrently with
// ClearSession/EstablishSession for the same Client.
type Client struct {
	conveyor Conveyor

	mut   sync.Mutex
	state clientState
	grant Grant

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWait   sync.WaitGroup
}

// NewClient instantiates a Client over conveyor.
// It errors if conveyor is nil.
func NewClient(conveyor Conveyor) (*Client, error) {
	if nil == conveyor {
		return nil, newError("nil Conveyor")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{conveyor: conveyor, bgCtx: ctx, bgCancel: cancel}, nil
}

// Close cancels any in-flight background establishment and waits for it.
func (self *Client) Close() error {
	self.bgCancel()
	self.bgWait.Wait()
	return nil
}

// EstablishSession synchronously binds a fresh session, retrying with bounded
// exponential backoff before surfacing a connectivity error.
func (self *Client) EstablishSession(ctx context.Context) error {
	if !self.beginEstablish() {
		return flagError(ErrSessionNotReady, "establishment already running")
	}

	return self.establish(ctx)
}

// Save encrypts plaintext under the bound session and pushes it to the server.
// While Unbound it schedules establishment and fails with ErrSessionNotReady.
func (self *Client) Save(ctx context.Context, plaintext []byte) error {
	grant, ready := self.boundGrant()
	if !ready {
		return flagError(ErrSessionNotReady, "session not bound, establishment scheduled")
	}

	env, err := sealEnvelope(plaintext, grant)
	if nil != err {
		return err
	}

	err = self.conveyor.Push(ctx, grant.Credential, env)
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrTransitIntegrity) {
		// the server no longer honors this session
		self.degrade(grant)
		return flagWrapError(err, ErrSessionNotReady, "session rejected, re-establishment scheduled")
	}

	return wrapError(err, "failed envelope push") // nil if err is nil
}

// Retrieve pulls the stored envelope, verifies the transit tag BEFORE any
// decryption and returns the plaintext. A tag mismatch fails with
// ErrTransitIntegrity and mutates no client state.
func (self *Client) Retrieve(ctx context.Context) ([]byte, error) {
	grant, ready := self.boundGrant()
	if !ready {
		return nil, flagError(ErrSessionNotReady, "session not bound, establishment scheduled")
	}

	env, err := self.conveyor.Pull(ctx, grant.Credential)
	if errors.Is(err, ErrSessionExpired) {
		self.degrade(grant)
		return nil, flagWrapError(err, ErrSessionNotReady, "session rejected, re-establishment scheduled")
	}
	if nil != err {
		return nil, wrapError(err, "failed envelope pull")
	}

	if !algos.VerifyTransitTag(env.Ciphertext, grant.Secret, env.Tag) {
		return nil, flagError(ErrTransitIntegrity, "transit tag mismatch on retrieve")
	}

	return openEnvelope(env, grant)
}

// ClearSession drops the server side session, discards local material and
// immediately binds a fresh session so the Client is ready for the next
// operation.
func (self *Client) ClearSession(ctx context.Context) error {
	grant, ready := self.boundGrant()

	self.mut.Lock()
	self.state = stateUnbound
	self.grant = Grant{}
	self.mut.Unlock()

	var dropErr error
	if ready {
		dropErr = self.conveyor.Drop(ctx, grant.Credential)
		if errors.Is(dropErr, ErrSessionExpired) {
			// already gone server side
			dropErr = nil
		}
	}

	if !self.beginEstablish() {
		return errors.Join(dropErr, flagError(ErrSessionNotReady, "establishment already running"))
	}
	err := self.establish(ctx)

	return errors.Join(dropErr, err)
}

// Identity returns the bound session identity.
// The bool flag is false if the Client is not Bound.
func (self *Client) Identity() (string, bool) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return self.grant.Identity, stateBound == self.state
}

// boundGrant returns the current grant when Bound. Otherwise it schedules a
// background establishment, unless one is already running.
func (self *Client) boundGrant() (Grant, bool) {
	self.mut.Lock()

	if stateBound == self.state {
		grant := self.grant
		self.mut.Unlock()
		return grant, true
	}

	schedule := stateUnbound == self.state
	if schedule {
		self.state = stateEstablishing
	}
	self.mut.Unlock()

	if schedule {
		self.bgWait.Add(1)
		go func() {
			defer self.bgWait.Done()
			self.establish(self.bgCtx)
		}()
	}

	return Grant{}, false
}

// degrade transitions Bound -> Unbound and schedules re-establishment, unless
// another grant was installed meanwhile.
func (self *Client) degrade(grant Grant) {
	self.mut.Lock()

	if stateBound != self.state || grant.Identity != self.grant.Identity {
		self.mut.Unlock()
		return
	}
	self.state = stateEstablishing
	self.grant = Grant{}
	self.mut.Unlock()

	self.bgWait.Add(1)
	go func() {
		defer self.bgWait.Done()
		self.establish(self.bgCtx)
	}()
}

// beginEstablish claims the Establishing state.
// It returns false if an establishment task is already running.
func (self *Client) beginEstablish() bool {
	self.mut.Lock()
	defer self.mut.Unlock()

	if stateEstablishing == self.state {
		return false
	}
	self.state = stateEstablishing
	self.grant = Grant{}

	return true
}

// establish runs the establishment handshake with bounded exponential backoff.
// callers must have claimed the Establishing state first.
func (self *Client) establish(ctx context.Context) error {
	var grant Grant
	op := func() error {
		var err error
		grant, err = self.conveyor.Establish(ctx)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = establishBaseWait
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, establishAttempts-1), ctx))

	self.mut.Lock()
	defer self.mut.Unlock()

	if nil != err {
		self.state = stateUnbound
		return wrapError(err, "failed session establishment")
	}
	if err = grant.Check(); nil != err {
		self.state = stateUnbound
		return wrapError(err, "rejected session grant")
	}

	self.state = stateBound
	self.grant = grant

	return nil
}

// sealEnvelope encrypts plaintext under grant and attaches the transit tag.
func sealEnvelope(plaintext []byte, grant Grant) (Envelope, error) {
	var env Envelope

	key, err := algos.DeriveKey(grant.Secret)
	if nil != err {
		return env, wrapError(err, "failed key derivation")
	}
	nonce, err := algos.DeriveNonce(grant.Identity)
	if nil != err {
		return env, wrapError(err, "failed nonce derivation")
	}
	ciphertext, err := algos.Encrypt(plaintext, key, nonce)
	if nil != err {
		return env, wrapError(err, "failed payload encryption")
	}

	env = Envelope{Ciphertext: ciphertext, Tag: algos.TransitTag(ciphertext, grant.Secret)}

	return env, nil
}

// openEnvelope decrypts a transit-verified envelope under grant.
func openEnvelope(env Envelope, grant Grant) ([]byte, error) {
	key, err := algos.DeriveKey(grant.Secret)
	if nil != err {
		return nil, wrapError(err, "failed key derivation")
	}
	nonce, err := algos.DeriveNonce(grant.Identity)
	if nil != err {
		return nil, wrapError(err, "failed nonce derivation")
	}

	plaintext, err := algos.Decrypt(env.Ciphertext, key, nonce)
	if nil != err {
		return nil, flagWrapError(err, ErrDecryption, "failed payload decryption")
	}

	return plaintext, nil
}
