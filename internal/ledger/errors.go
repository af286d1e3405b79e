package ledger

import "errors"

// Error kinds returned by ledger operations. The transport layer branches on
// these with errors.Is; messages are never parsed.
var (
	// ErrInvalidAmount: non-positive, out of bounds, or more than two
	// fractional digits. Amounts are never rounded.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCode: malformed redemption code.
	ErrInvalidCode = errors.New("invalid code")

	// ErrNotFound: no card for the given code or id.
	ErrNotFound = errors.New("card not found")

	// ErrInactive: card has been deactivated.
	ErrInactive = errors.New("card inactive")

	// ErrInsufficientBalance: redemption exceeds the current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrContention: optimistic retries exhausted or lock wait timed out.
	// Retryable by the caller with backoff.
	ErrContention = errors.New("contention, retry later")

	// ErrCodeCollision: code generation exhausted its retries.
	ErrCodeCollision = errors.New("code generation collision")

	// ErrIntegrity: stored balance disagrees with the transaction log. The
	// card needs operator intervention; never auto-corrected.
	ErrIntegrity = errors.New("ledger integrity violation")
)
