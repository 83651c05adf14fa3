package kernel

import "fmt"

// ErrorCode enumerates the kernel error kinds raised per spec section 7.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// IllegalField marks a request that wrote a reserved key (_eid / _vid). Rejected pre-execution.
	IllegalField
	// Deadlock marks a transaction the deadlock detector selected as victim.
	Deadlock
	// Conflict marks a failed write-set validation at commit.
	Conflict
	// ConstraintViolation marks an ON_COMMIT enforcement query that produced a row.
	ConstraintViolation
	// PrepareFailed marks a two-phase commit participant that returned false to prepare.
	PrepareFailed
	// AdapterUnknown marks a registry lookup for an adapter kind/name that was never registered.
	AdapterUnknown
	// AdapterInUse marks an attempt to remove an adapter that still has allocations targeting it.
	AdapterInUse
	// DuplicateUniqueName marks a deploy call whose (name, kind) is already taken.
	DuplicateUniqueName
	// Internal marks an invariant violation, e.g. pending MVCC rewrite modifications left at the root.
	// It is fatal to the transaction that observed it.
	Internal
)

func (c ErrorCode) String() string {
	switch c {
	case IllegalField:
		return "IllegalField"
	case Deadlock:
		return "Deadlock"
	case Conflict:
		return "Conflict"
	case ConstraintViolation:
		return "ConstraintViolation"
	case PrepareFailed:
		return "PrepareFailed"
	case AdapterUnknown:
		return "AdapterUnknown"
	case AdapterInUse:
		return "AdapterInUse"
	case DuplicateUniqueName:
		return "DuplicateUniqueName"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a kernel error carrying a code, the wrapped cause, and optional user data
// (e.g. the offending field name, or the first row of a constraint violation).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e *Error) Error() string {
	if e.UserData != nil {
		return fmt.Errorf("%s: %v: %w", e.Code, e.UserData, e.Err).Error()
	}
	return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a kernel Error of the given code wrapping err, with optional user data.
func NewError(code ErrorCode, err error, userData any) *Error {
	return &Error{Code: code, Err: err, UserData: userData}
}

// Recoverable reports whether the client can meaningfully retry after this error, per spec
// section 7's propagation policy: IllegalField, Conflict, ConstraintViolation, and Deadlock are
// the only recoverable kinds (retry is advisable for Deadlock and Conflict).
func (c ErrorCode) Recoverable() bool {
	switch c {
	case IllegalField, Conflict, ConstraintViolation, Deadlock:
		return true
	default:
		return false
	}
}
