// Package ec defines the error codes exchanged on the wire between the
// resource manager, the transaction coordinator and the data storage broker,
// and the sentinel errors used internally to represent them.
package ec

import "errors"

// Code is the wire-level error code carried on CLIENT_TX_RESP and friends
// (spec §6 "Error codes"). It is intentionally a small closed set so it can
// be serialized as a single byte/int on the wire.
type Code int32

const (
	OK Code = iota
	NotFoundError
	DuplicationError
	TxAbort
	Victim
	Cascade
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFoundError:
		return "NOT_FOUND_ERROR"
	case DuplicationError:
		return "DUPLICATION_ERROR"
	case TxAbort:
		return "TX_ABORT"
	case Victim:
		return "VICTIM"
	case Cascade:
		return "CASCADE"
	default:
		return "UNKNOWN_EC"
	}
}

// Sentinel errors used internally; ToCode/FromCode translate at the wire
// boundary the way the teacher's db_error.go groups one var block of
// errors.New per package.
var (
	ErrNotFound    = errors.New("key not found")
	ErrDuplication = errors.New("key already exists")
	ErrTxAbort     = errors.New("transaction aborted")
	ErrVictim      = errors.New("transaction selected as deadlock victim")
	ErrCascade     = errors.New("transaction aborted by cascading dependency")
)

// ToCode maps a sentinel error (or nil) to its wire code.
func ToCode(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotFound):
		return NotFoundError
	case errors.Is(err, ErrDuplication):
		return DuplicationError
	case errors.Is(err, ErrVictim):
		return Victim
	case errors.Is(err, ErrCascade):
		return Cascade
	case errors.Is(err, ErrTxAbort):
		return TxAbort
	default:
		return TxAbort
	}
}

// FromCode maps a wire code back to its sentinel error, or nil for OK.
func FromCode(c Code) error {
	switch c {
	case OK:
		return nil
	case NotFoundError:
		return ErrNotFound
	case DuplicationError:
		return ErrDuplication
	case Victim:
		return ErrVictim
	case Cascade:
		return ErrCascade
	default:
		return ErrTxAbort
	}
}
