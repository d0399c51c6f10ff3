// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package db provides a database-agnostic interface for settlement data
// storage, defining the core record types and the store interfaces for
// wallets, ledger transactions, UTXOs, webhook subscriptions, events and
// reconciliation anomalies.
package db

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ============================================================================
// Wallets
// ============================================================================

// WalletType specifies the output script type a custodial wallet receives
// on.
type WalletType uint8

const (
	// SegWit is a native segwit v0 pay-to-witness-pubkey-hash (P2WPKH)
	// wallet.
	SegWit WalletType = iota

	// Taproot is a segwit v1 BIP-0086 key path only pay-to-taproot (P2TR)
	// wallet.
	Taproot
)

// String returns the persisted name of the wallet type.
func (w WalletType) String() string {
	switch w {
	case SegWit:
		return "segwit"
	case Taproot:
		return "taproot"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(w))
	}
}

// ParseWalletType is the inverse of WalletType.String.
func ParseWalletType(s string) (WalletType, error) {
	switch s {
	case "segwit":
		return SegWit, nil
	case "taproot":
		return Taproot, nil
	default:
		return 0, fmt.Errorf("unknown wallet type %q", s)
	}
}

// WalletPurpose describes what a custodial wallet collects.
type WalletPurpose string

const (
	// PurposePrizePool is the wallet an event creator funds.
	PurposePrizePool WalletPurpose = "prize_pool"

	// PurposeEntryDeposit is the wallet a participant pays the entry fee
	// into.
	PurposeEntryDeposit WalletPurpose = "entry_deposit"
)

// EncryptedKey is an AEAD sealed private key.  None of the three parts is
// secret on its own.
type EncryptedKey struct {
	// IV is the nonce the key was sealed with.
	IV []byte

	// Ciphertext is the encrypted private key scalar.
	Ciphertext []byte

	// AuthTag is the authentication tag over the ciphertext.
	AuthTag []byte
}

// Wallet is a custodial wallet record.
type Wallet struct {
	ID      string
	Address string
	Key     EncryptedKey
	Type    WalletType
	Purpose WalletPurpose

	// OwnerRef is the user the wallet holds funds for and EventRef the
	// event it belongs to.
	OwnerRef string
	EventRef string

	ConfirmedBalance   btcutil.Amount
	UnconfirmedBalance btcutil.Amount

	CreatedAt time.Time
}

// CreateWalletParams contains the parameters for creating a new wallet.
// Balances always start at zero.
type CreateWalletParams struct {
	ID        string
	Address   string
	Key       EncryptedKey
	Type      WalletType
	Purpose   WalletPurpose
	OwnerRef  string
	EventRef  string
	CreatedAt time.Time
}

// BalanceDeltaParams describes one balance mutation of a wallet.
type BalanceDeltaParams struct {
	// WalletID is the wallet to mutate.
	WalletID string

	// CreditKey identifies the mutation.  A key that was applied before
	// turns the call into a no-op, which makes redelivered notifications
	// harmless.
	CreditKey string

	// ConfirmedDelta and UnconfirmedDelta are added to the balances.
	// Each resulting balance is clamped at zero.
	ConfirmedDelta   btcutil.Amount
	UnconfirmedDelta btcutil.Amount
}

// ============================================================================
// Ledger transactions
// ============================================================================

// Direction tells whether money flows into or out of a custodial wallet.
type Direction string

const (
	// DirectionIncoming is a payment into a custodial wallet.
	DirectionIncoming Direction = "incoming"

	// DirectionOutgoing is a refund out of a custodial wallet.
	DirectionOutgoing Direction = "outgoing"
)

// TxPurpose is the business reason for a ledger transaction.
type TxPurpose string

const (
	// PurposeEntryFeePayment is a participant paying an entry fee.
	PurposeEntryFeePayment TxPurpose = "entryFeePayment"

	// PurposePayFeeAndFundPool is a creator funding an event prize pool.
	PurposePayFeeAndFundPool TxPurpose = "payFeeAndFundPool"

	// PurposeRefundUser returns an entry fee to a participant.
	PurposeRefundUser TxPurpose = "refundUser"

	// PurposeRefundCreator returns the prize pool to the creator.
	PurposeRefundCreator TxPurpose = "refundCreator"
)

// TxStatus is the lifecycle state of a ledger transaction.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusMempool    TxStatus = "mempool"
	StatusConfirming TxStatus = "confirming"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
)

// Rank returns the position of the status in the forward chain
// pending → mempool → confirming → completed.  Failed ranks after all of
// them since it is reachable from any non-terminal status.
func (s TxStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusMempool:
		return 1
	case StatusConfirming:
		return 2
	case StatusCompleted:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// IsTerminal returns whether no further transition is allowed out of s.
func (s TxStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is a ledger entry: one expected payment or one refund.
type Transaction struct {
	ID        string
	WalletRef string
	UserRef   string
	Direction Direction
	Purpose   TxPurpose

	ExpectedAmount    btcutil.Amount
	UnconfirmedAmount btcutil.Amount
	ConfirmedAmount   btcutil.Amount

	Status        TxStatus
	Confirmations int32

	// TxHash is the on-chain hash once the transaction was observed or,
	// for outgoing transactions, built.
	TxHash string

	// RefundOf references the ledger transaction an outgoing refund
	// returns funds for.
	RefundOf string

	// RawTx is the signed serialized transaction of an outgoing refund.
	RawTx []byte

	// FailureReason is set when Status is StatusFailed.
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateTxParams contains the parameters for a conditional ledger update.
// The update only applies when the stored record still has PrevStatus and
// PrevConfirmations, otherwise errs.ErrConflict is returned.
type UpdateTxParams struct {
	ID string

	PrevStatus        TxStatus
	PrevConfirmations int32

	Status            TxStatus
	Confirmations     int32
	UnconfirmedAmount btcutil.Amount
	ConfirmedAmount   btcutil.Amount
	TxHash            string
	FailureReason     string
	UpdatedAt         time.Time
}

// ListTxnsQuery filters ledger transactions.  Unset options match all.
type ListTxnsQuery struct {
	WalletRef fn.Option[string]
	RefundOf  fn.Option[string]
	Status    fn.Option[TxStatus]
}

// ============================================================================
// UTXOs
// ============================================================================

// UTXO is a transaction output paid to a custodial wallet.
type UTXO struct {
	OutPoint   wire.OutPoint
	Amount     btcutil.Amount
	Address    string
	PkScript   []byte
	ScriptType string

	Spent          bool
	SpendingTxHash *chainhash.Hash

	WalletRef string
	OwnerRef  string
	EventRef  string

	BlockHeight int32
	CreatedAt   time.Time
}

// ListUtxosQuery filters UTXOs.  Unset options match all.
type ListUtxosQuery struct {
	OwnerRef  fn.Option[string]
	EventRef  fn.Option[string]
	WalletRef fn.Option[string]

	// UnspentOnly excludes outputs that were marked spent.
	UnspentOnly bool
}

// MarkSpentParams marks a batch of outputs spent by one transaction.
type MarkSpentParams struct {
	OutPoints      []wire.OutPoint
	SpendingTxHash chainhash.Hash
}

// ============================================================================
// Webhook subscriptions
// ============================================================================

// SubscriptionStatus mirrors the status of the monitored transaction.
type SubscriptionStatus string

const (
	SubscriptionPending    SubscriptionStatus = "pending"
	SubscriptionProcessing SubscriptionStatus = "processing"
	SubscriptionSuccess    SubscriptionStatus = "success"
	SubscriptionFailed     SubscriptionStatus = "failed"
)

// IsFinished returns whether the monitored transaction reached a terminal
// status.
func (s SubscriptionStatus) IsFinished() bool {
	return s == SubscriptionSuccess || s == SubscriptionFailed
}

// Delivery is one raw notification as received, kept for audit.
type Delivery struct {
	Confirmations int32
	TxHash        string
	ReceivedAt    time.Time
}

// Subscription is an upstream monitor for one address on behalf of one
// ledger transaction.
type Subscription struct {
	// URLID is the unguessable callback path token.
	URLID string

	// HookID is the id the indexer assigned to the monitor.
	HookID string

	Address           string
	TransactionRef    string
	FinalityThreshold int32
	Status            SubscriptionStatus

	// Deliveries is the ordered audit log of every notification.
	Deliveries []Delivery

	// TxHash is the chain transaction the subscription is bound to after
	// the first processed delivery.
	TxHash string

	// LastProcessedConfirmation is -1 until a delivery was processed.
	LastProcessedConfirmation int32
	CurrentConfirmation       int32

	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpdateSubscriptionParams contains the processing state of a subscription.
type UpdateSubscriptionParams struct {
	URLID                     string
	Status                    SubscriptionStatus
	TxHash                    string
	LastProcessedConfirmation int32
	CurrentConfirmation       int32
	UpdatedAt                 time.Time
}

// ListSubscriptionsQuery filters subscriptions.  Soft-deleted records are
// never listed.
type ListSubscriptionsQuery struct {
	Status         fn.Option[SubscriptionStatus]
	TransactionRef fn.Option[string]
}

// ============================================================================
// Events
// ============================================================================

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	// EventPendingFunding waits for the prize pool payment to finalize.
	EventPendingFunding EventStatus = "pending_funding"

	// EventOpen accepts participants.
	EventOpen EventStatus = "open"

	// EventReady reached its minimum participant count.  It keeps
	// accepting participants until MaxParticipants.
	EventReady EventStatus = "ready"

	// EventCancelled was called off and its deposits may be refunded.
	EventCancelled EventStatus = "cancelled"

	// EventFailed never received a valid prize pool payment.
	EventFailed EventStatus = "failed"
)

// AcceptsParticipants returns whether joins are allowed in status s.
func (s EventStatus) AcceptsParticipants() bool {
	return s == EventOpen || s == EventReady
}

// ParticipantStatus tracks the entry fee of one participant.
type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "pending"
	ParticipantPaid     ParticipantStatus = "paid"
	ParticipantReleased ParticipantStatus = "released"
	ParticipantRefunded ParticipantStatus = "refunded"
)

// HoldsSlot returns whether the participant counts against the event's
// capacity.
func (s ParticipantStatus) HoldsSlot() bool {
	return s == ParticipantPending || s == ParticipantPaid
}

// Participant is one entrant of an event.
type Participant struct {
	UserRef   string
	WalletRef string
	TxRef     string
	Status    ParticipantStatus
	JoinedAt  time.Time
}

// Event is the orchestrator's record of a funded event.
type Event struct {
	ID         string
	CreatorRef string
	Title      string

	EntryFee  btcutil.Amount
	PrizePool btcutil.Amount

	MinParticipants uint32
	MaxParticipants uint32

	Status       EventStatus
	WalletRef    string
	FundingTxRef string
	Participants []Participant

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveParticipants returns the number of participants holding a slot.
func (e *Event) ActiveParticipants() uint32 {
	var n uint32
	for _, p := range e.Participants {
		if p.Status.HoldsSlot() {
			n++
		}
	}
	return n
}

// ============================================================================
// Reconciliation anomalies
// ============================================================================

// AnomalyKind classifies a reconciliation anomaly.
type AnomalyKind string

const (
	// AnomalyAmountMismatch is a payment whose observed amount differs
	// from the expected amount.
	AnomalyAmountMismatch AnomalyKind = "amount_mismatch"

	// AnomalyUnexpectedTx is a delivery for a different chain transaction
	// than the one the subscription is bound to.
	AnomalyUnexpectedTx AnomalyKind = "unexpected_transaction"
)

// Anomaly is a flagged observation awaiting operator review.
type Anomaly struct {
	ID             string
	TransactionRef string
	URLID          string
	TxHash         string
	Kind           AnomalyKind
	Expected       btcutil.Amount
	Observed       btcutil.Amount
	Confirmations  int32
	Detail         string
	CreatedAt      time.Time
}

// ListAnomaliesQuery filters anomalies.  Unset options match all.
type ListAnomaliesQuery struct {
	TransactionRef fn.Option[string]
	Kind           fn.Option[AnomalyKind]
}
