package metering

import (
	"errors"
	"fmt"
)

// InsufficientBalanceError is returned when a debit would overdraw a balance.
type InsufficientBalanceError struct {
	Required  float64
	Available float64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %g, available %g", e.Required, e.Available)
}

// IsInsufficientBalance reports whether err carries an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var e InsufficientBalanceError
	return errors.As(err, &e)
}

// Debit subtracts amount from balance. When amount exceeds balance the
// original balance is returned together with an InsufficientBalanceError.
func Debit(balance, amount float64) (float64, error) {
	if amount > balance {
		return balance, InsufficientBalanceError{Required: amount, Available: balance}
	}
	if amount <= 0 {
		return balance, nil
	}
	return balance - amount, nil
}
