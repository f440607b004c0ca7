package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MintRecord is a mint observed by the in-memory ledger
type MintRecord struct {
	Address   string
	Amount    int64
	Reference string
	TxRef     string
	Block     int64
}

type note struct {
	signer  string
	payload []byte
	block   int64
}

// MemoryLedger is an in-process NoteLedger and TokenLedger for local runs and tests
type MemoryLedger struct {
	mu       sync.Mutex
	block    int64
	notes    map[string]note
	order    []string
	optedIn  map[string]bool
	mints    []MintRecord
	failures []error
	// writes applied whose receipt is then withheld
	lost    int
	submits int
	calls   int
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		notes:   make(map[string]note),
		optedIn: make(map[string]bool),
	}
}

// OptIn records a trustline for address
func (l *MemoryLedger) OptIn(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.optedIn[address] = true
}

// FailNext makes the next n write calls return err without applying them
func (l *MemoryLedger) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures = append(l.failures, err)
	}
}

// LoseNextReceipts applies the next n writes but answers them with ErrUnconfirmed,
// the way a gateway timeout hides a transaction that did land
func (l *MemoryLedger) LoseNextReceipts(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost += n
}

// SubmitNote stores payload and returns a reference derived from it and the block height
func (l *MemoryLedger) SubmitNote(ctx context.Context, signer Signer, payload []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if err := l.popFailure(); err != nil {
		return Receipt{}, err
	}

	l.block++
	txRef := l.txRef(signer.Address, payload)
	l.notes[txRef] = note{signer: signer.Address, payload: append([]byte(nil), payload...), block: l.block}
	l.order = append(l.order, txRef)
	return l.receipt(Receipt{TxRef: txRef, ConfirmedBlock: l.block})
}

// ReadNote returns the payload stored under txRef
func (l *MemoryLedger) ReadNote(ctx context.Context, txRef string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.notes[txRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txRef)
	}
	return append([]byte(nil), n.payload...), nil
}

// FindNote returns the earliest note signer wrote with payload
func (l *MemoryLedger) FindNote(ctx context.Context, signer Signer, payload []byte) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, txRef := range l.order {
		n := l.notes[txRef]
		if n.signer == signer.Address && bytes.Equal(n.payload, payload) {
			return Receipt{TxRef: txRef, ConfirmedBlock: n.block}, nil
		}
	}
	return Receipt{}, fmt.Errorf("%w: no note from %s with this payload", ErrNotFound, signer.Address)
}

// Mint records a token transfer to an opted-in address
func (l *MemoryLedger) Mint(ctx context.Context, address string, amount int64, reference string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if err := l.popFailure(); err != nil {
		return Receipt{}, err
	}
	if !l.optedIn[address] {
		return Receipt{}, fmt.Errorf("%w: %s", ErrNotOptedIn, address)
	}
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("mint amount must be positive, got %d", amount)
	}

	l.block++
	txRef := l.txRef(address, []byte(fmt.Sprintf("mint:%d:%s", amount, reference)))
	l.mints = append(l.mints, MintRecord{Address: address, Amount: amount, Reference: reference, TxRef: txRef, Block: l.block})
	return l.receipt(Receipt{TxRef: txRef, ConfirmedBlock: l.block})
}

// FindMint returns the first mint recorded with reference
func (l *MemoryLedger) FindMint(ctx context.Context, reference string) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.mints {
		if m.Reference == reference {
			return Receipt{TxRef: m.TxRef, ConfirmedBlock: m.Block}, nil
		}
	}
	return Receipt{}, fmt.Errorf("%w: no mint with reference %s", ErrNotFound, reference)
}

// OptInStatus reports whether address holds a trustline
func (l *MemoryLedger) OptInStatus(ctx context.Context, address string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optedIn[address], nil
}

// Mints returns a copy of all mints performed
func (l *MemoryLedger) Mints() []MintRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MintRecord(nil), l.mints...)
}

// MintCalls returns how many mint calls were attempted
func (l *MemoryLedger) MintCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Submits returns how many note submissions were attempted
func (l *MemoryLedger) Submits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

// Notes returns how many notes the ledger holds
func (l *MemoryLedger) Notes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Tamper overwrites a stored note, simulating a divergent copy for tests
func (l *MemoryLedger) Tamper(txRef string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.notes[txRef]
	n.payload = append([]byte(nil), payload...)
	l.notes[txRef] = n
}

func (l *MemoryLedger) popFailure() error {
	if len(l.failures) == 0 {
		return nil
	}
	err := l.failures[0]
	l.failures = l.failures[1:]
	return err
}

func (l *MemoryLedger) receipt(r Receipt) (Receipt, error) {
	if l.lost > 0 {
		l.lost--
		return Receipt{}, fmt.Errorf("%w: gateway timeout", ErrUnconfirmed)
	}
	return r, nil
}

func (l *MemoryLedger) txRef(source string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:", source, l.block)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
