package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrEmptyBatch          = errors.New("ledger: empty batch")
	ErrInvalidJournal      = errors.New("ledger: invalid journal")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
)

// InsufficientBalanceError reports which account could not cover a credit.
type InsufficientBalanceError struct {
	Account AccountKey
	Have    uint256.Int
	Need    uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance in %s: have=%s, need=%s",
		e.Account.AccountPath(), e.Have.Dec(), e.Need.Dec())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }
