// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/feeest"
	"github.com/eventwallet/eventwallet/internal/metrics"
	"github.com/eventwallet/eventwallet/ledger"
	"github.com/eventwallet/eventwallet/txbuilder"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// refundOutputs is the output count refunds are priced with: the recipient
// and a possible change output.
const refundOutputs = 2

// RefundRequest describes a refund of one final incoming payment.
type RefundRequest struct {
	// TxRef is the ledger transaction of the payment to return.
	TxRef string

	// Recipient is the address the refund is paid to.
	Recipient string
}

// RefundResult is a signed refund awaiting broadcast.
type RefundResult struct {
	// Transaction is the outgoing ledger record.  Its RawTx is the
	// signed transaction.
	Transaction *db.Transaction

	// Subscription monitors the recipient address for the refund.
	Subscription *db.Subscription

	// Packet is the unsigned transaction as a base64 PSBT.
	Packet string

	// Fee is the network fee deducted from the payout.
	Fee btcutil.Amount
}

func refundPurpose(p db.TxPurpose) (db.TxPurpose, error) {
	switch p {
	case db.PurposePayFeeAndFundPool:
		return db.PurposeRefundCreator, nil
	case db.PurposeEntryFeePayment:
		return db.PurposeRefundUser, nil
	default:
		return "", errs.Errorf(errs.ErrInvalidArgument,
			"%s payments are not refundable", p)
	}
}

// Refund returns a final incoming payment to the recipient.  The payout is
// the confirmed amount minus the network fee, and a payout that would be
// dust is refused.  The signed transaction is recorded as a pending
// outgoing ledger entry and the recipient address is monitored for it.
//
// Fee rates are fetched before the owner lock is taken.  Selection,
// signing and spend marking happen under the lock, so concurrent refunds of
// one owner never pick the same outputs.
func (o *Orchestrator) Refund(ctx context.Context,
	req RefundRequest) (*RefundResult, error) {

	orig, err := o.cfg.Ledger.Get(ctx, req.TxRef)
	if err != nil {
		return nil, err
	}
	purpose, err := refundPurpose(orig.Purpose)
	if err != nil {
		return nil, err
	}
	if orig.Direction != db.DirectionIncoming ||
		orig.Status != db.StatusCompleted {

		return nil, errs.Errorf(errs.ErrInvalidState,
			"transaction %s is %s %s, not a completed payment",
			orig.ID, orig.Direction, orig.Status)
	}

	recipient, err := btcutil.DecodeAddress(
		req.Recipient, o.cfg.ChainParams,
	)
	if err != nil {
		return nil, errs.E(errs.ErrInvalidArgument, "recipient address",
			err)
	}
	if !recipient.IsForNet(o.cfg.ChainParams) {
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"recipient %s is not a %s address", req.Recipient,
			o.cfg.ChainParams.Name)
	}

	wallet, err := o.cfg.Wallets.Get(ctx, orig.WalletRef)
	if err != nil {
		return nil, err
	}

	rates, err := o.cfg.Fees.CurrentRates(ctx)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(
			string(purpose), "failed",
		).Inc()
		return nil, err
	}

	refund, payout, err := o.buildRefund(
		ctx, orig, wallet, recipient, rates.For(o.cfg.FeePriority),
	)
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(
			string(purpose), "failed",
		).Inc()
		return nil, err
	}

	out, err := o.cfg.Ledger.CreateOutgoing(ctx, ledger.OutgoingParams{
		WalletRef: wallet.ID,
		UserRef:   orig.UserRef,
		Purpose:   purpose,
		RefundOf:  orig.ID,
		Amount:    payout,
		TxHash:    refund.TxHash.String(),
		RawTx:     refund.RawTx,
	})
	if err != nil {
		log.Criticalf("Refund %v spent outputs of wallet %s but could "+
			"not be recorded: %v", refund.TxHash, wallet.ID, err)
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues(string(purpose), "built").Inc()
	metrics.RefundFeesSats.Add(float64(refund.Fee))

	result := &RefundResult{
		Transaction: out,
		Packet:      refund.Packet,
		Fee:         refund.Fee,
	}

	// The refund is signed and its inputs are spent at this point, so a
	// failed registration leaves the outgoing record pending for the
	// operator instead of undoing it.
	result.Subscription, err = o.cfg.Monitor.Subscribe(
		ctx, req.Recipient, out.ID, 0,
	)
	if err != nil {
		log.Errorf("Refund %s recorded but not monitored: %v", out.ID,
			err)
		return result, err
	}

	log.Infof("Refund %s of %s: %v to %s (fee %v)", out.ID, orig.ID,
		payout, req.Recipient, refund.Fee)
	return result, nil
}

// buildRefund selects, signs and marks spent under the owner lock.
func (o *Orchestrator) buildRefund(ctx context.Context, orig *db.Transaction,
	wallet *db.Wallet, recipient btcutil.Address,
	rate feeest.SatPerVByte) (*txbuilder.Refund, btcutil.Amount, error) {

	release, err := o.cfg.Coins.LockOwner(
		ctx, wallet.OwnerRef, wallet.EventRef,
	)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	// Checked under the lock so two concurrent refunds of one payment
	// can not both pass.
	refunds, err := o.cfg.Ledger.List(ctx, db.ListTxnsQuery{
		RefundOf: fn.Some(orig.ID),
	})
	if err != nil {
		return nil, 0, err
	}
	for _, r := range refunds {
		if r.Status != db.StatusFailed {
			return nil, 0, errs.Errorf(errs.ErrDuplicate,
				"transaction %s already refunded by %s",
				orig.ID, r.ID)
		}
	}

	amount := orig.ConfirmedAmount
	inputs, err := o.cfg.Coins.SelectForAmount(
		ctx, wallet.OwnerRef, wallet.EventRef, amount,
	)
	if err != nil {
		return nil, 0, err
	}
	for _, u := range inputs {
		if u.WalletRef != wallet.ID {
			return nil, 0, errs.Errorf(errs.ErrInvalidState,
				"output %v of wallet %s selected for wallet %s",
				u.OutPoint, u.WalletRef, wallet.ID)
		}
	}

	fee, err := feeest.Estimate(len(inputs), refundOutputs, rate)
	if err != nil {
		return nil, 0, err
	}
	payout := feeest.AdjustForFee(amount, fee)
	if payout == 0 {
		return nil, 0, errs.Errorf(errs.ErrInvalidArgument,
			"fee %v consumes the whole refund of %v", fee, amount)
	}

	changeAddr, err := btcutil.DecodeAddress(
		wallet.Address, o.cfg.ChainParams,
	)
	if err != nil {
		return nil, 0, errs.E(errs.ErrInvalidState, "wallet address",
			err)
	}

	refund, err := txbuilder.BuildRefund(&txbuilder.RefundRequest{
		Inputs:        inputs,
		Keys:          map[string]db.EncryptedKey{wallet.Address: wallet.Key},
		Recipient:     recipient,
		Amount:        payout,
		Fee:           fee,
		ChangeAddress: changeAddr,
	}, o.cfg.Signer)
	if err != nil {
		return nil, 0, err
	}

	ops := make([]wire.OutPoint, len(inputs))
	for i, u := range inputs {
		ops[i] = u.OutPoint
	}
	if err := o.cfg.Coins.MarkSpentAll(ctx, ops, refund.TxHash); err != nil {
		return nil, 0, err
	}

	return refund, payout, nil
}

// RefundCreator returns the prize pool of a cancelled event to its creator.
func (o *Orchestrator) RefundCreator(ctx context.Context, eventID,
	recipient string) (*RefundResult, error) {

	ev, err := o.cfg.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != db.EventCancelled {
		return nil, errs.Errorf(errs.ErrInvalidState,
			"event %s is %s, not cancelled", ev.ID, ev.Status)
	}

	return o.Refund(ctx, RefundRequest{
		TxRef:     ev.FundingTxRef,
		Recipient: recipient,
	})
}

// RefundParticipant returns the entry fee of a participant of a cancelled
// event.
func (o *Orchestrator) RefundParticipant(ctx context.Context, eventID,
	userRef, recipient string) (*RefundResult, error) {

	ev, err := o.cfg.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != db.EventCancelled {
		return nil, errs.Errorf(errs.ErrInvalidState,
			"event %s is %s, not cancelled", ev.ID, ev.Status)
	}
	p := participant(ev, userRef)
	if p == nil || p.Status != db.ParticipantPaid {
		return nil, errs.Errorf(errs.ErrInvalidState,
			"%s has no paid entry in event %s", userRef, ev.ID)
	}

	result, err := o.Refund(ctx, RefundRequest{
		TxRef:     p.TxRef,
		Recipient: recipient,
	})
	if result == nil {
		return nil, err
	}

	_, uerr := o.lockEvent(ctx, eventID, func(ev *db.Event) error {
		if p := participant(ev, userRef); p != nil {
			p.Status = db.ParticipantRefunded
		}
		return nil
	})
	if uerr != nil {
		log.Errorf("Unable to mark %s refunded in event %s: %v",
			userRef, eventID, uerr)
	}
	return result, err
}
