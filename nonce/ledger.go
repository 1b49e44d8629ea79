// Package nonce provides the replay-protection ledger for settled payment
// authorizations. The ledger's check-and-mark is the single shared-mutable
// synchronization point in the settle path: the first caller to mark a key
// wins the right to submit the transfer on-chain, and every concurrent
// attempt on the same key observes "already used" and short-circuits.
package nonce

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Key identifies a single authorization. Network scoping keeps an identical
// nonce value usable by the same payer on a different chain.
type Key struct {
	// Network is the blockchain network identifier.
	Network string

	// Asset is the token contract address.
	Asset string

	// Payer is the authorizing address.
	Payer string

	// Nonce is the 32-byte authorization nonce as a hex string.
	Nonce string
}

// normalize lowercases the address-valued fields so that mixed-case hex
// encodings of the same authorization map to the same entry.
func (k Key) normalize() Key {
	return Key{
		Network: k.Network,
		Asset:   strings.ToLower(k.Asset),
		Payer:   strings.ToLower(k.Payer),
		Nonce:   strings.ToLower(strings.TrimPrefix(k.Nonce, "0x")),
	}
}

// String renders the key in the form used for external stores.
func (k Key) String() string {
	n := k.normalize()
	return n.Network + ":" + n.Asset + ":" + n.Payer + ":" + n.Nonce
}

// Ledger records which authorization nonces have been settled. Entries are
// retained indefinitely: storage is cheap relative to double-spend risk, and
// replay protection must outlive authorization expiry.
type Ledger interface {
	// CheckAndMark atomically marks the key used and reports whether it was
	// already used. Exactly one concurrent caller per key observes false.
	CheckAndMark(ctx context.Context, key Key) (alreadyUsed bool, err error)

	// Release undoes a mark after a failed chain submission so the
	// authorization stays retriable within its validity window. It is the
	// only way a used entry becomes unused, and it must never be called
	// after a confirmed settlement.
	Release(ctx context.Context, key Key) error

	// Used reports whether the key is marked, without mutating the ledger.
	// Verification uses this so it stays idempotent and side-effect free.
	Used(ctx context.Context, key Key) (bool, error)
}

// MemoryLedger is an in-process Ledger guarded by a mutex. Suitable for
// single-instance facilitators and tests; use RedisLedger when marks must
// survive restarts.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[Key]time.Time)}
}

// CheckAndMark implements Ledger.
func (l *MemoryLedger) CheckAndMark(_ context.Context, key Key) (bool, error) {
	key = key.normalize()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return true, nil
	}
	l.entries[key] = time.Now()
	return false, nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, key Key) error {
	key = key.normalize()
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Used implements Ledger.
func (l *MemoryLedger) Used(_ context.Context, key Key) (bool, error) {
	key = key.normalize()
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok, nil
}
