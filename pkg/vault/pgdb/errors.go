package pgdb

import (
	"code.sealbox.org/golang/internal/utils"
	"code.sealbox.org/golang/pkg/vault"
)

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, vault.Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, vault.Error, msg, args...)
}

// unavailError flags an infrastructure failure with vault.ErrStoreUnavailable.
func unavailError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, vault.ErrStoreUnavailable, msg, args...)
}
