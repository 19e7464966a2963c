/*
policy.go - Admission decisions for proposed movements

PURPOSE:
  Decides whether a proposed movement may be committed given the current
  balance. Policies are pure: they never read storage, which keeps them
  trivially testable and keeps all concurrency concerns in service.go.

RULES (NonNegativePolicy):
  credit: admit if amount > 0
  debit:  admit if balance - amount >= 0 (drawing to exactly zero is allowed)

EXAMPLE:
  balance 100, debit 100    -> Admit (balance becomes 0)
  balance 100, debit 100.01 -> Reject(InsufficientFunds)
  balance 0,   credit 0     -> Reject(InvalidAmount)

COMPOSITION:
  LimitPolicy wraps another policy and additionally caps the size of any
  single movement.
*/
package ledger

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Err      error
}

func Admit() Decision { return Decision{Admitted: true} }
func Reject(err error) Decision { return Decision{Err: err} }

// AdmissionPolicy decides whether a proposal may be recorded.
type AdmissionPolicy interface {
	Check(balance Amount, p Proposal) Decision
}

// PolicyFunc adapts a function to AdmissionPolicy.
type PolicyFunc func(balance Amount, p Proposal) Decision

func (f PolicyFunc) Check(balance Amount, p Proposal) Decision { return f(balance, p) }

// =============================================================================
// NON-NEGATIVE POLICY - The default
// =============================================================================

type NonNegativePolicy struct{}

func (NonNegativePolicy) Check(balance Amount, p Proposal) Decision {
	if !p.Amount.IsPositive() {
		return Reject(ErrInvalidAmount)
	}
	switch p.Kind {
	case Credit:
		return Admit()
	case Debit:
		if balance.Sub(p.Amount).IsNegative() {
			return Reject(&InsufficientFundsError{Available: balance, Requested: p.Amount})
		}
		return Admit()
	default:
		return Reject(ErrInvalidKind)
	}
}

// =============================================================================
// LIMIT POLICY
// =============================================================================

// LimitPolicy rejects any single movement larger than Max before delegating.
// A zero Max disables the limit.
type LimitPolicy struct {
	Max   Amount
	Inner AdmissionPolicy
}

func (lp LimitPolicy) Check(balance Amount, p Proposal) Decision {
	if lp.Max.IsPositive() && p.Amount.GreaterThan(lp.Max) {
		return Reject(ErrLimitExceeded)
	}
	inner := lp.Inner
	if inner == nil {
		inner = NonNegativePolicy{}
	}
	return inner.Check(balance, p)
}
