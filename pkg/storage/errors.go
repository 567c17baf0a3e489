package storage

import "github.com/pkg/errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrTxDone         = errors.New("transaction already committed or rolled back")
	ErrNotTransaction = errors.New("not a transaction")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
