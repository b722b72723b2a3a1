package application

import "errors"

var (
	// ErrNotYetMined is returned when the node has no receipt for a hash yet.
	// Callers retry on their own schedule.
	ErrNotYetMined = errors.New("transaction not yet mined")

	// ErrNodeUnavailable wraps any transport or RPC failure talking to the
	// ledger node. It is never retried internally.
	ErrNodeUnavailable = errors.New("ledger node unavailable")

	// ErrStoreConsistency means two different decoded records were produced
	// for one hash. The stored record is left untouched.
	ErrStoreConsistency = errors.New("ledger store consistency violation")

	// ErrNonceRace is the expected outcome of cancelling a submission whose
	// nonce was already consumed by a mined transaction.
	ErrNonceRace = errors.New("nonce already consumed")

	// ErrAlreadySubmitted means the node already holds this exact transaction
	// in its pool. The nonce is not known to be consumed.
	ErrAlreadySubmitted = errors.New("transaction already submitted")

	ErrReplacementUnderpriced = errors.New("replacement transaction underpriced")
	ErrNotTracked             = errors.New("submission not tracked")
	ErrInvalidSubmission      = errors.New("invalid submission")
)
