package vault

import (
	"code.sealbox.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

// Error taxonomy of the vault protocol.
//
// Session & credential issues are kept distinct from data integrity issues so
// that callers can pick the correct remedy: re-establish, re-save or alert a
// human. Tampering repaired from backup is NOT an error, it is logged server
// side and stays invisible to the caller.
const (
	// All package errors are wrapping Error
	Error = errorFlag("vault: error")

	// ErrSessionExpired signals a missing or expired session secret, the caller must re-establish.
	ErrSessionExpired = errorFlag("vault: session expired")

	// ErrSessionNotReady signals that the client session is being (re)established, the caller may retry shortly.
	ErrSessionNotReady = errorFlag("vault: session not ready")

	// ErrDataMissing signals that no record exists for the identity, recoverable by saving.
	ErrDataMissing = errorFlag("vault: no data stored")

	// ErrTamperedNoBackup signals detected at-rest tampering with no backup to heal from. Terminal.
	ErrTamperedNoBackup = errorFlag("vault: data tampered, no backup available")

	// ErrTransitIntegrity signals a transit tag mismatch, the payload must be discarded undecrypted.
	ErrTransitIntegrity = errorFlag("vault: transit integrity compromised")

	// ErrStoreUnavailable signals an infrastructure failure of an underlying store. Retryable.
	ErrStoreUnavailable = errorFlag("vault: store unavailable")

	// ErrDecryption signals malformed ciphertext reaching decryption.
	// It should not occur when tag checks precede decryption, treat as a defect if seen.
	ErrDecryption = errorFlag("vault: decryption failed")

	// ErrValidation signals a malformed request or parameter.
	ErrValidation = errorFlag("vault: validation error")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// flagError returns a utils.RaisedErr{} carrying one of the taxonomy flags above.
func flagError(flag errorFlag, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}

// flagWrapError returns a utils.RaisedErr{} carrying flag and wrapping cause.
func flagWrapError(cause error, flag errorFlag, msg string, args ...any) error {
	return utils.WrapError(cause, 1, flag, msg, args...)
}
