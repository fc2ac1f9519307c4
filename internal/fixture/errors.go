package fixture

import (
	"errors"
	"fmt"
)

// AuthenticationError indicates the admin credentials were rejected.
// Never retried: a bad credential does not heal.
type AuthenticationError struct {
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("admin credentials rejected (status %d)", e.Status)
}

// ProvisioningError indicates a fixture could not be created or fetched:
// an unexpected admin API status, an unparseable response, or a transport
// failure that survived the retry budget. Op names the failing call so the
// operator can tell which precondition broke.
type ProvisioningError struct {
	Op     string // e.g. "create aggregator"
	LFDI   string
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s for lfdi %s: unexpected status %d", e.Op, e.LFDI, e.Status)
	}
	return fmt.Sprintf("%s for lfdi %s: %v", e.Op, e.LFDI, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// IsAuthentication reports whether err is a rejected-credential failure.
// Uses errors.As to handle wrapped errors.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
