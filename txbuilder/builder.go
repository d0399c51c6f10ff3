// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder constructs and signs refund transactions.
package txbuilder

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
)

// Signer adds input witnesses with sealed keys.  It is implemented by
// keyvault.Vault.
type Signer interface {
	SignTx(tx *wire.MsgTx, prevPkScripts [][]byte,
		inputValues []btcutil.Amount,
		keys map[string]db.EncryptedKey) error
}

// RefundRequest describes a refund to build.
type RefundRequest struct {
	// Inputs are the outputs to spend, in input order.
	Inputs []*db.UTXO

	// Keys maps every input address to its sealed key.
	Keys map[string]db.EncryptedKey

	// Recipient receives Amount.
	Recipient btcutil.Address
	Amount    btcutil.Amount

	// Fee is the network fee the transaction must pay at least.
	Fee btcutil.Amount

	// ChangeAddress receives whatever the inputs hold beyond Amount and
	// Fee, unless that would be dust.
	ChangeAddress btcutil.Address
}

// Refund is a signed refund transaction.
type Refund struct {
	Tx     *wire.MsgTx
	TxHash chainhash.Hash
	RawTx  []byte

	// Packet is the unsigned transaction as a base64 PSBT for audit.
	Packet string

	// Fee is what the transaction actually pays, which includes any
	// change too small to be worth an output.
	Fee btcutil.Amount

	Change btcutil.Amount

	// ChangeIndex is the output index of the change, or -1.
	ChangeIndex int
}

// BuildRefund builds and signs a refund.  The recipient output comes first.
// It fails with errs.ErrInsufficientFunds when the inputs cannot cover the
// amount and fee, and with errs.ErrInvalidArgument when the recipient
// output would be dust.
func BuildRefund(req *RefundRequest, signer Signer) (*Refund, error) {
	switch {
	case len(req.Inputs) == 0:
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"refund has no inputs")
	case req.Recipient == nil || req.ChangeAddress == nil:
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"refund needs recipient and change addresses")
	case req.Amount <= 0 || req.Fee < 0:
		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"invalid refund amount %v or fee %v", req.Amount,
			req.Fee)
	}

	var (
		total    btcutil.Amount
		tx       = wire.NewMsgTx(wire.TxVersion)
		scripts  = make([][]byte, 0, len(req.Inputs))
		values   = make([]btcutil.Amount, 0, len(req.Inputs))
		prevOuts = txscript.NewMultiPrevOutFetcher(
			make(map[wire.OutPoint]*wire.TxOut, len(req.Inputs)),
		)
	)
	for _, u := range req.Inputs {
		if u.Spent {
			return nil, errs.Errorf(errs.ErrAlreadySpent,
				"input %v is already spent", u.OutPoint)
		}
		if _, ok := req.Keys[u.Address]; !ok {
			return nil, errs.Errorf(errs.ErrInvalidArgument,
				"no key for input address %s", u.Address)
		}

		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		scripts = append(scripts, u.PkScript)
		values = append(values, u.Amount)
		prevOuts.AddPrevOut(op, wire.NewTxOut(int64(u.Amount), u.PkScript))
		total += u.Amount
	}

	recipientScript, err := txscript.PayToAddrScript(req.Recipient)
	if err != nil {
		return nil, errs.E(errs.ErrInvalidArgument, "recipient script", err)
	}
	if txrules.IsDustAmount(req.Amount, len(recipientScript),
		txrules.DefaultRelayFeePerKb) {

		return nil, errs.Errorf(errs.ErrInvalidArgument,
			"refund amount %v is dust", req.Amount)
	}
	tx.AddTxOut(wire.NewTxOut(int64(req.Amount), recipientScript))

	change := total - req.Amount - req.Fee
	if change < 0 {
		return nil, errs.Errorf(errs.ErrInsufficientFunds,
			"inputs of %v cannot pay %v plus fee %v", total,
			req.Amount, req.Fee)
	}

	refund := &Refund{Tx: tx, ChangeIndex: -1}
	if change > 0 {
		changeScript, err := txscript.PayToAddrScript(req.ChangeAddress)
		if err != nil {
			return nil, errs.E(errs.ErrInvalidArgument,
				"change script", err)
		}
		if !txrules.IsDustAmount(change, len(changeScript),
			txrules.DefaultRelayFeePerKb) {

			tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
			refund.Change = change
			refund.ChangeIndex = len(tx.TxOut) - 1
		} else {
			log.Debugf("Dropping dust change of %v to fees", change)
		}
	}
	refund.Fee = total - req.Amount - refund.Change

	packet, err := auditPacket(tx, scripts, values)
	if err != nil {
		return nil, err
	}
	refund.Packet = packet

	if err := signer.SignTx(tx, scripts, values, req.Keys); err != nil {
		return nil, err
	}
	if err := verify(tx, scripts, values, prevOuts); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	refund.RawTx = buf.Bytes()
	refund.TxHash = tx.TxHash()

	log.Infof("Built refund %v: %v to recipient, %v change, %v fee",
		refund.TxHash, req.Amount, refund.Change, refund.Fee)
	return refund, nil
}

// auditPacket encodes the unsigned tx as a PSBT with the witness UTXO of
// every input filled in.
func auditPacket(tx *wire.MsgTx, scripts [][]byte,
	values []btcutil.Amount) (string, error) {

	packet, err := psbt.NewFromUnsignedTx(tx.Copy())
	if err != nil {
		return "", errs.E(errs.ErrInvalidArgument, "create psbt", err)
	}
	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(
			int64(values[i]), scripts[i],
		)
	}
	return packet.B64Encode()
}

// verify runs the script engine over every signed input.
func verify(tx *wire.MsgTx, scripts [][]byte, values []btcutil.Amount,
	prevOuts txscript.PrevOutputFetcher) error {

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i := range tx.TxIn {
		vm, err := txscript.NewEngine(
			scripts[i], tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, int64(values[i]), prevOuts,
		)
		if err == nil {
			err = vm.Execute()
		}
		if err != nil {
			return errs.E(errs.ErrCrypto,
				"verify signature of input", err)
		}
	}
	return nil
}
