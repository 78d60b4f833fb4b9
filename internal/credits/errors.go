package credits

import "errors"

var (
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrLedgerInvariant means a stored row no longer matches what the
	// transaction read under lock. The enclosing transaction must abort.
	ErrLedgerInvariant = errors.New("credits: ledger invariant violated")
	ErrTooFragmented   = errors.New("credits: too many grant rows for one consumption")
	ErrInvalidArgument = errors.New("credits: invalid argument")
	ErrNotFound        = errors.New("credits: not found")
	ErrNotVoidable     = errors.New("credits: entry cannot be voided")
)

// IsInsufficient reports whether err is a balance shortfall.
func IsInsufficient(err error) bool { return errors.Is(err, ErrInsufficientCredits) }

// IsInvariant reports whether err signals corrupted ledger state.
func IsInvariant(err error) bool { return errors.Is(err, ErrLedgerInvariant) }
