package limiter

import "fmt"

// FailurePolicy decides what an integration layer does with a request when the
// store cannot answer. The limiter itself never applies one.
type FailurePolicy int

const (
	// policyUnset is the zero value and is rejected by Validate.
	policyUnset FailurePolicy = iota
	// FailOpen admits requests while the store is unavailable.
	FailOpen
	// FailClosed denies requests while the store is unavailable.
	FailClosed
)

// Validate reports an error unless the policy was chosen explicitly.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailOpen, FailClosed:
		return nil
	default:
		return fmt.Errorf("%w: failure policy must be FailOpen or FailClosed", ErrInvalidConfig)
	}
}

// Resolve turns the result of IsAllowed into a final admission decision.
func (p FailurePolicy) Resolve(allowed bool, err error) bool {
	if err == nil {
		return allowed
	}
	return p == FailOpen
}

// String implements fmt.Stringer.
func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail_open"
	case FailClosed:
		return "fail_closed"
	default:
		return "unset"
	}
}

// ParseFailurePolicy parses "fail_open"/"open" or "fail_closed"/"closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	default:
		return policyUnset, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfig, s)
	}
}
