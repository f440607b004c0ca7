package ledger

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks a failure worth retrying (timeouts, 5xx, sequence races)
	ErrTransient = errors.New("transient ledger failure")
	// ErrNotFound is returned when a transaction reference is unknown to the ledger
	ErrNotFound = errors.New("ledger transaction not found")
	// ErrNotOptedIn is returned when minting to an account without a trustline
	ErrNotOptedIn = errors.New("account has not opted in to the credit asset")
	// ErrUnconfirmed marks a write that may have reached the ledger even though no receipt came back
	ErrUnconfirmed = errors.New("ledger write outcome unknown")
)

// Signer identifies the account that pays for and signs note transactions
type Signer struct {
	Address string `json:"address"`
	Seed    string `json:"-"`
}

// Receipt is the confirmation of a submitted transaction
type Receipt struct {
	TxRef          string `json:"tx_ref"`
	ConfirmedBlock int64  `json:"confirmed_block"`
}

// NoteLedger stores opaque payloads on zero-value transactions
type NoteLedger interface {
	// SubmitNote blocks until the transaction carrying payload is confirmed
	SubmitNote(ctx context.Context, signer Signer, payload []byte) (Receipt, error)
	ReadNote(ctx context.Context, txRef string) ([]byte, error)
	// FindNote returns the confirmed note signer wrote with payload, or ErrNotFound
	FindNote(ctx context.Context, signer Signer, payload []byte) (Receipt, error)
}

// TokenLedger mints credit tokens to user accounts. Amounts are integer minor units.
type TokenLedger interface {
	// Mint pays amount to address. reference is recorded with the payment so it can be found again.
	Mint(ctx context.Context, address string, amount int64, reference string) (Receipt, error)
	// FindMint returns the confirmed mint carrying reference, or ErrNotFound
	FindMint(ctx context.Context, reference string) (Receipt, error)
	OptInStatus(ctx context.Context, address string) (bool, error)
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrUnconfirmed)
}

// IsUnconfirmed reports whether a write may have been applied despite err
func IsUnconfirmed(err error) bool {
	return errors.Is(err, ErrUnconfirmed)
}
