// Package chain defines the capability surface the bridge orchestrator
// uses to act on a single chain. Two structurally different chains (an
// EVM account/contract model and a Canton object/capability model) sit
// behind the same interface; only the adapters know chain-specific call
// encoding.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrInsufficientBalance means the signer does not hold enough tokens
	// to burn the requested amount.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrSignerUnavailable means no signing capability is configured for
	// the chain.
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrAuthorityUnavailable means the signer does not hold mint
	// authority on the chain. Never retried automatically once the source
	// burn is final.
	ErrAuthorityUnavailable = errors.New("mint authority unavailable")

	// ErrWrongNetwork means the node reports a chain identifier different
	// from the configured one.
	ErrWrongNetwork = errors.New("connected to wrong network")

	// ErrSubmission wraps transient network/RPC failures during
	// submission. Safe to retry with the same idempotency key.
	ErrSubmission = errors.New("chain submission failed")
)

// TxRef identifies a transaction on a specific chain.
type TxRef struct {
	ChainID string `json:"chain_id"`
	Hash    string `json:"hash"`
}

// FinalityStatus is the outcome of waiting for a transaction to become
// irreversible under the chain's own finality rule.
type FinalityStatus string

const (
	FinalityConfirmed FinalityStatus = "confirmed"
	FinalityReverted  FinalityStatus = "reverted"
	FinalityTimedOut  FinalityStatus = "timed_out"
)

// RecordRef persists a transaction reference before the caller may rely
// on it. Submit implementations invoke it exactly once per broadcast;
// a chain that cannot deduplicate submissions itself must call it before
// anything irreversible goes on the wire, and abort if it fails.
type RecordRef func(TxRef) error

// Adapter is the uniform capability surface for one chain. Submissions
// broadcast a transaction but do not wait for finality; AwaitFinality is
// the only long-blocking call and is bounded by its timeout.
//
// Both submit calls are idempotent on the key: resubmitting with a key
// that already broadcast returns the original TxRef without a second
// on-chain effect. Durability of that guarantee across process restarts
// comes from the RecordRef discipline, not from adapter memory.
type Adapter interface {
	// NetworkID returns the configured chain identifier.
	NetworkID() string

	// Decimals returns the token's decimal precision on this chain.
	Decimals() int

	// ValidateDestination checks that an identity is well-formed for
	// this chain.
	ValidateDestination(identity string) error

	// SubmitBurn broadcasts a supply-reducing call for the signer's own
	// balance. Fails with ErrInsufficientBalance, ErrSignerUnavailable,
	// or a wrapped ErrSubmission.
	SubmitBurn(ctx context.Context, amount *big.Int, idempotencyKey string, recordRef RecordRef) (TxRef, error)

	// SubmitMint broadcasts a supply-increasing call crediting the
	// destination identity. Fails with ErrAuthorityUnavailable if the
	// signer lacks mint authority, or a wrapped ErrSubmission.
	SubmitMint(ctx context.Context, amount *big.Int, destination, idempotencyKey string, recordRef RecordRef) (TxRef, error)

	// AwaitFinality blocks until the transaction is irreversible,
	// reverted, or the timeout elapses. A pending transaction is never
	// reported as confirmed.
	AwaitFinality(ctx context.Context, ref TxRef, timeout time.Duration) (FinalityStatus, error)
}
