package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks permanent input errors. They are surfaced to the caller
// and never retried.
var ErrValidation = errors.New("validation failed")

// ErrNotFound is returned by lookups of records that do not exist.
var ErrNotFound = errors.New("not found")

// ValidateAccountID rejects empty or malformed account identifiers.
func ValidateAccountID(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if strings.ContainsAny(accountID, " \t\n/") {
		return fmt.Errorf("%w: malformed account id %q", ErrValidation, accountID)
	}
	return nil
}
