package db

import (
	"time"

	"github.com/uptrace/bun"
)

// TransferState represents the current state of a cross-chain transfer.
type TransferState string

const (
	StateInitiated       TransferState = "initiated"
	StateBurnSubmitted   TransferState = "burn_submitted"
	StateBurnUnconfirmed TransferState = "burn_unconfirmed"
	StateBurnConfirmed   TransferState = "burn_confirmed"
	StateMintSubmitted   TransferState = "mint_submitted"
	StateMintPending     TransferState = "mint_pending"
	StateCompleted       TransferState = "completed"
	StateFailed          TransferState = "failed"
)

// FailureReason records why a transfer ended in StateFailed.
type FailureReason string

const (
	ReasonSubmitBurnError      FailureReason = "submit_burn_error"
	ReasonBurnReverted         FailureReason = "burn_reverted"
	ReasonAuthorityUnavailable FailureReason = "authority_unavailable"
	ReasonMintReverted         FailureReason = "mint_reverted"
	ReasonRetriesExhausted     FailureReason = "retries_exhausted"
	ReasonCancelled            FailureReason = "cancelled"
)

// TransferDirection indicates which chain burns and which mints.
type TransferDirection string

const (
	DirectionEvmToCanton TransferDirection = "evm_to_canton"
	DirectionCantonToEvm TransferDirection = "canton_to_evm"
)

// Transfer represents one attempted cross-chain token move. Amounts are
// decimal integer strings in the smallest unit of the respective chain;
// DestAmount is recorded explicitly when the decimal rescaling happens,
// never recomputed on the fly.
type Transfer struct {
	bun.BaseModel `bun:"table:transfers"`

	ID                  string            `bun:"id,pk" json:"id"`
	Direction           TransferDirection `bun:"direction,notnull" json:"direction"`
	State               TransferState     `bun:"state,notnull" json:"state"`
	Amount              string            `bun:"amount,notnull" json:"amount"`
	DestAmount          *string           `bun:"dest_amount" json:"dest_amount,omitempty"`
	DestinationIdentity string            `bun:"destination_identity,notnull" json:"destination_identity"`
	SourceChainID       *string           `bun:"source_chain_id" json:"source_chain_id,omitempty"`
	SourceTxHash        *string           `bun:"source_tx_hash" json:"source_tx_hash,omitempty"`
	DestChainID         *string           `bun:"dest_chain_id" json:"dest_chain_id,omitempty"`
	DestTxHash          *string           `bun:"dest_tx_hash" json:"dest_tx_hash,omitempty"`
	FailureReason       *FailureReason    `bun:"failure_reason" json:"failure_reason,omitempty"`
	ErrorMessage        *string           `bun:"error_message" json:"error_message,omitempty"`
	RetryCount          int               `bun:"retry_count,notnull,default:0" json:"retry_count"`
	Version             int64             `bun:"version,notnull,default:1" json:"version"`
	CreatedAt           time.Time         `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt           time.Time         `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// IsTerminal reports whether no further state transitions are allowed.
func (t *Transfer) IsTerminal() bool {
	return t.State == StateCompleted || t.State == StateFailed
}

// IsFlagged reports whether the transfer requires operator intervention:
// the source-chain burn is final but the destination mint cannot complete
// without a manual decision.
func (t *Transfer) IsFlagged() bool {
	if t.State != StateFailed || t.FailureReason == nil {
		return false
	}
	switch *t.FailureReason {
	case ReasonAuthorityUnavailable, ReasonMintReverted, ReasonRetriesExhausted:
		return true
	}
	return false
}

// validTransitions is the authoritative transition table. The burn is
// irreversible once confirmed, so nothing at or past StateBurnConfirmed
// may regress to a state implying no burn occurred.
var validTransitions = map[TransferState][]TransferState{
	StateInitiated:       {StateBurnSubmitted, StateFailed},
	StateBurnSubmitted:   {StateBurnConfirmed, StateBurnUnconfirmed, StateFailed},
	StateBurnUnconfirmed: {StateBurnConfirmed, StateFailed},
	StateBurnConfirmed:   {StateMintSubmitted},
	StateMintSubmitted:   {StateCompleted, StateMintPending, StateFailed},
	StateMintPending:     {StateMintSubmitted, StateFailed},
}

// CanTransition reports whether moving a transfer between the two states
// is allowed by the transition table. Same-state writes are allowed so
// tx refs can be recorded after a broadcast without changing state.
func CanTransition(from, to TransferState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
