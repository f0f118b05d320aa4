package election

import "errors"

var (
	// ErrStaleTerm - the message carries an outdated term; dropped,
	// never retried.
	ErrStaleTerm = errors.New("message from stale term")

	// ErrUnknownValidator - the sender is not in the membership
	// roster.
	ErrUnknownValidator = errors.New("sender not in membership set")

	// ErrBadSignature - the message signature does not verify against
	// the sender's registered key.
	ErrBadSignature = errors.New("bad message signature")

	// ErrWrongStep - the operation is not valid in the current role.
	ErrWrongStep = errors.New("operation invalid in current consensus state")
)
