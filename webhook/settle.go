// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package webhook

import (
	"bytes"
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/ledger"
)

// settleOutgoing books a final refund against its source wallet: the spent
// inputs leave the confirmed balance and change paid back to the wallet is
// recorded as a new output.
func (r *Reconciler) settleOutgoing(ctx context.Context, tr *ledger.Transition,
	wallet *db.Wallet, p *indexer.TxPayload) error {

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(tr.Next.RawTx)); err != nil {
		return errs.E(errs.ErrInvalidState, "decode refund "+tr.Next.ID,
			err)
	}
	txHash := msgTx.TxHash()

	spent, err := r.cfg.UTXOs.SpentBy(ctx, wallet.ID, txHash)
	if err != nil {
		return err
	}
	var spentTotal btcutil.Amount
	for _, u := range spent {
		spentTotal += u.Amount
	}

	walletScript, err := r.walletScript(wallet)
	if err != nil {
		return err
	}

	var change btcutil.Amount
	for i, out := range msgTx.TxOut {
		if !bytes.Equal(out.PkScript, walletScript) {
			continue
		}
		change += btcutil.Amount(out.Value)

		class := txscript.GetScriptClass(out.PkScript)
		err := r.record(ctx, &db.UTXO{
			OutPoint:    *wire.NewOutPoint(&txHash, uint32(i)),
			Amount:      btcutil.Amount(out.Value),
			Address:     wallet.Address,
			PkScript:    out.PkScript,
			ScriptType:  class.String(),
			WalletRef:   wallet.ID,
			OwnerRef:    wallet.OwnerRef,
			EventRef:    wallet.EventRef,
			BlockHeight: p.BlockHeight,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	_, err = r.cfg.Wallets.ApplySettledSpend(
		ctx, wallet.ID, txHash.String(), spentTotal, change,
	)
	return err
}
