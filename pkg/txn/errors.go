package txn

import "github.com/cockroachdb/errors"

var (
	// ErrTxNotFound is returned when a transaction ID is not registered.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxNotActive is returned when trying to commit/abort a transaction
	// that is not running.
	ErrTxNotActive = errors.New("transaction is not active")
)
