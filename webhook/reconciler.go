// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package webhook subscribes to payment notifications at the indexer and
// reconciles every delivery with the ledger, the wallet balances and the
// UTXO index.
//
// Deliveries are at-least-once and may arrive out of order.  Every delivery
// is appended to the audit log of its subscription.  Deliveries that report
// no more confirmations than the last processed one change nothing else.
// All processing for one ledger transaction is serialized.
package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/eventwallet/eventwallet/db"
	"github.com/eventwallet/eventwallet/errs"
	"github.com/eventwallet/eventwallet/indexer"
	"github.com/eventwallet/eventwallet/internal/locker"
	"github.com/eventwallet/eventwallet/internal/metrics"
	"github.com/eventwallet/eventwallet/ledger"
)

// ReceivePath is the path prefix of the callback URLs handed to the
// indexer.  The url id follows it.
const ReceivePath = "/webhook/receive/"

// urlIDSize is the number of random bytes in a url id.
const urlIDSize = 32

// HookRegistry manages hooks at the indexer.  It is implemented by
// indexer.Client.
type HookRegistry interface {
	RegisterHook(ctx context.Context, address, callbackURL string,
		confirmations int32) (string, error)
	DeleteHook(ctx context.Context, id string) error
}

// TxLedger is the part of the ledger the reconciler drives.
type TxLedger interface {
	Get(ctx context.Context, id string) (*db.Transaction, error)
	Commit(ctx context.Context, tr *ledger.Transition) error
}

// Wallets is the part of the wallet registry the reconciler credits.
type Wallets interface {
	Get(ctx context.Context, id string) (*db.Wallet, error)
	ApplyIncomingAmount(ctx context.Context, walletID, txHash string,
		amount btcutil.Amount, confirmations int32) (*db.Wallet, error)
	ReleaseUnconfirmed(ctx context.Context, walletID, txHash string,
		amount btcutil.Amount) (*db.Wallet, error)
	ApplySettledSpend(ctx context.Context, walletID, txHash string,
		spent, change btcutil.Amount) (*db.Wallet, error)
	FinalityThreshold() int32
}

// UTXOs is the part of the UTXO index the reconciler records into.
type UTXOs interface {
	RecordUTXO(ctx context.Context, u *db.UTXO) error
	SpentBy(ctx context.Context, walletRef string,
		spendingTx chainhash.Hash) ([]*db.UTXO, error)
}

// AnomalyPublisher forwards anomalies to operators.
type AnomalyPublisher interface {
	PublishAnomaly(ctx context.Context, a *db.Anomaly) error
}

// Observer is notified after a ledger transaction changed status.
type Observer func(ctx context.Context, tr *ledger.Transition) error

// Config holds the dependencies of a Reconciler.
type Config struct {
	Subscriptions db.SubscriptionStore
	Anomalies     db.AnomalyStore

	Hooks   HookRegistry
	Ledger  TxLedger
	Wallets Wallets
	UTXOs   UTXOs

	// ChainParams is the network wallet addresses belong to.
	ChainParams *chaincfg.Params

	// CallbackBaseURL is the externally reachable base URL of the
	// receive endpoint, without ReceivePath.
	CallbackBaseURL string

	// Publisher is optional.
	Publisher AnomalyPublisher
}

// Reconciler is the webhook reconciler.
type Reconciler struct {
	cfg Config

	txLocks locker.Locker

	mu        sync.RWMutex
	observers []Observer
}

// New returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Subscriptions == nil || cfg.Anomalies == nil:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"reconciler requires subscription and anomaly stores")

	case cfg.Hooks == nil || cfg.Ledger == nil || cfg.Wallets == nil ||
		cfg.UTXOs == nil:

		return nil, errs.Errorf(errs.ErrConfiguration,
			"reconciler requires hooks, ledger, wallets and utxos")

	case cfg.ChainParams == nil:
		return nil, errs.Errorf(errs.ErrConfiguration,
			"reconciler requires chain parameters")

	case cfg.CallbackBaseURL == "":
		return nil, errs.Errorf(errs.ErrConfiguration,
			"callback base URL is not configured")
	}
	cfg.CallbackBaseURL = strings.TrimSuffix(cfg.CallbackBaseURL, "/")

	return &Reconciler{cfg: cfg}, nil
}

// Observe registers an observer for status changes.
func (r *Reconciler) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// CallbackURL returns the URL the indexer posts deliveries for urlID to.
func (r *Reconciler) CallbackURL(urlID string) string {
	return r.cfg.CallbackBaseURL + ReceivePath + urlID
}

func newURLID() (string, error) {
	var b [urlIDSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Subscribe registers a hook for address at the indexer and persists the
// subscription for ledger transaction txRef.  Registration failures are
// returned synchronously and leave nothing behind.
func (r *Reconciler) Subscribe(ctx context.Context, address, txRef string,
	threshold int32) (*db.Subscription, error) {

	if threshold <= 0 {
		threshold = r.cfg.Wallets.FinalityThreshold()
	}

	urlID, err := newURLID()
	if err != nil {
		return nil, errs.E(errs.ErrCrypto, "generate url id", err)
	}

	hookID, err := r.cfg.Hooks.RegisterHook(
		ctx, address, r.CallbackURL(urlID), threshold,
	)
	if err != nil {
		metrics.IndexerErrors.WithLabelValues("register").Inc()
		if !errs.Is(err, errs.ErrUpstream) {
			err = errs.E(errs.ErrUpstream, "register hook", err)
		}
		return nil, err
	}

	now := time.Now().UTC()
	sub := &db.Subscription{
		URLID:                     urlID,
		HookID:                    hookID,
		Address:                   address,
		TransactionRef:            txRef,
		FinalityThreshold:         threshold,
		Status:                    db.SubscriptionPending,
		LastProcessedConfirmation: -1,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := r.cfg.Subscriptions.CreateSubscription(ctx, sub); err != nil {
		if derr := r.cfg.Hooks.DeleteHook(ctx, hookID); derr != nil {
			log.Errorf("Unable to remove hook %s after failed "+
				"subscription: %v", hookID, derr)
		}
		return nil, err
	}

	log.Infof("Subscribed to %s for transaction %s (hook %s)", address,
		txRef, hookID)
	return sub, nil
}

// Unsubscribe removes the hook at the indexer and soft-deletes the
// subscription.  Unsubscribing twice is a no-op.
func (r *Reconciler) Unsubscribe(ctx context.Context, urlID string) error {
	sub, err := r.cfg.Subscriptions.GetSubscription(ctx, urlID)
	if err != nil {
		return err
	}
	if sub.IsDeleted {
		return nil
	}

	if err := r.cfg.Hooks.DeleteHook(ctx, sub.HookID); err != nil {
		metrics.IndexerErrors.WithLabelValues("delete").Inc()
		return err
	}
	if err := r.cfg.Subscriptions.DeleteSubscription(ctx, urlID); err != nil {
		return err
	}

	log.Infof("Unsubscribed %s (transaction %s)", sub.Address,
		sub.TransactionRef)
	return nil
}

// Outcome tells what a delivery did.
type Outcome string

const (
	// OutcomeApplied means the delivery advanced the ledger.
	OutcomeApplied Outcome = "applied"

	// OutcomeDuplicate means the delivery carried no new confirmations.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeUnknown means no live subscription exists for the url id.
	OutcomeUnknown Outcome = "unknown"

	// OutcomeFinished means the tracked transaction is already terminal.
	OutcomeFinished Outcome = "finished"

	// OutcomeAnomaly means the delivery was recorded as an anomaly for
	// operator review.
	OutcomeAnomaly Outcome = "anomaly"
)

func validatePayload(p *indexer.TxPayload) error {
	if p == nil {
		return errs.Errorf(errs.ErrInvalidArgument, "empty payload")
	}
	if _, err := chainhash.NewHashFromStr(p.Hash); err != nil ||
		len(p.Hash) != chainhash.MaxHashStringSize {

		return errs.Errorf(errs.ErrInvalidArgument,
			"invalid transaction hash %q", p.Hash)
	}
	if p.Confirmations < 0 {
		return errs.Errorf(errs.ErrInvalidArgument,
			"negative confirmations %d", p.Confirmations)
	}
	var total int64
	for i, out := range p.Outputs {
		if out.Value < 0 || out.Value > btcutil.MaxSatoshi {
			return errs.Errorf(errs.ErrInvalidArgument,
				"output %d has invalid value %d", i, out.Value)
		}
		total += out.Value
		if total > btcutil.MaxSatoshi {
			return errs.Errorf(errs.ErrInvalidArgument,
				"outputs exceed %d satoshi", btcutil.MaxSatoshi)
		}
		if _, err := hex.DecodeString(out.Script); err != nil {
			return errs.Errorf(errs.ErrInvalidArgument,
				"output %d has invalid script %q", i, out.Script)
		}
	}
	return nil
}

// delivery is one notification being reconciled.
type delivery struct {
	urlID   string
	payload *indexer.TxPayload

	// anomalies were recorded while handling the delivery and are
	// published once the transaction lock is released.
	anomalies []*db.Anomaly
}

// HandleNotification reconciles one delivery for urlID.
//
// An error means the delivery must be redelivered: nothing observable
// besides the audit log entry changed, or every change already made is
// repeated harmlessly.
func (r *Reconciler) HandleNotification(ctx context.Context, urlID string,
	p *indexer.TxPayload) (Outcome, error) {

	start := time.Now()
	outcome, err := r.handle(ctx, urlID, p)
	metrics.ReconcileLatency.Observe(time.Since(start).Seconds())

	label := string(outcome)
	if err != nil {
		label = "error"
	}
	metrics.DeliveriesTotal.WithLabelValues(label).Inc()
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, urlID string,
	p *indexer.TxPayload) (Outcome, error) {

	if err := validatePayload(p); err != nil {
		return "", err
	}
	log.Tracef("Delivery for %s: %v", urlID, newLogClosure(func() string {
		return spew.Sdump(p)
	}))

	sub, err := r.cfg.Subscriptions.GetSubscription(ctx, urlID)
	switch {
	case errs.Is(err, errs.ErrNotFound):
		log.Debugf("Delivery for unknown url id %s", urlID)
		return OutcomeUnknown, nil

	case err != nil:
		return "", err

	case sub.IsDeleted:
		log.Debugf("Delivery for deleted subscription %s", urlID)
		return OutcomeUnknown, nil
	}

	d := &delivery{urlID: urlID, payload: p}
	outcome, err := r.reconcile(ctx, sub.TransactionRef, d)
	r.publish(ctx, d.anomalies)
	return outcome, err
}

// reconcile applies d to ledger transaction txRef under its lock.
func (r *Reconciler) reconcile(ctx context.Context, txRef string,
	d *delivery) (Outcome, error) {

	urlID, p := d.urlID, d.payload

	unlock, err := r.txLocks.Lock(ctx, txRef)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-read under the lock, a concurrent delivery may have advanced
	// the subscription.
	sub, err := r.cfg.Subscriptions.GetSubscription(ctx, urlID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	err = r.cfg.Subscriptions.AppendDelivery(ctx, urlID, db.Delivery{
		Confirmations: p.Confirmations,
		TxHash:        p.Hash,
		ReceivedAt:    now,
	})
	if err != nil {
		return "", err
	}

	if sub.Status.IsFinished() {
		return OutcomeFinished, nil
	}

	if sub.TxHash != "" && sub.TxHash != p.Hash {
		err := r.recordAnomaly(ctx, d, &db.Anomaly{
			ID:             urlID + ":" + p.Hash,
			TransactionRef: sub.TransactionRef,
			URLID:          urlID,
			TxHash:         p.Hash,
			Kind:           db.AnomalyUnexpectedTx,
			Confirmations:  p.Confirmations,
			Detail: "subscription is bound to " + sub.TxHash +
				", delivery reports another transaction",
			CreatedAt: now,
		})
		if err != nil {
			return "", err
		}
		return OutcomeAnomaly, nil
	}

	if sub.TxHash == p.Hash &&
		p.Confirmations <= sub.LastProcessedConfirmation {

		log.Debugf("Duplicate delivery for %s at %d confirmations "+
			"(processed %d)", urlID, p.Confirmations,
			sub.LastProcessedConfirmation)
		return OutcomeDuplicate, nil
	}

	tx, err := r.cfg.Ledger.Get(ctx, sub.TransactionRef)
	if err != nil {
		return "", err
	}
	wallet, err := r.cfg.Wallets.Get(ctx, tx.WalletRef)
	if err != nil {
		return "", err
	}

	paid := p.PaidTo(sub.Address)
	var amount btcutil.Amount
	for _, i := range paid {
		amount += btcutil.Amount(p.Outputs[i].Value)
	}

	tr, err := ledger.Plan(tx, ledger.Observation{
		TxHash:        p.Hash,
		Confirmations: p.Confirmations,
		Amount:        amount,
	}, sub.FinalityThreshold)
	switch {
	case errs.Is(err, errs.ErrReconciliationAnomaly):
		err := r.recordAnomaly(ctx, d, &db.Anomaly{
			ID:             urlID + ":" + p.Hash,
			TransactionRef: tx.ID,
			URLID:          urlID,
			TxHash:         p.Hash,
			Kind:           db.AnomalyUnexpectedTx,
			Expected:       tx.ExpectedAmount,
			Observed:       amount,
			Confirmations:  p.Confirmations,
			Detail:         err.Error(),
			CreatedAt:      now,
		})
		if err != nil {
			return "", err
		}
		return OutcomeAnomaly, nil

	case err != nil:
		return "", err
	}

	if tr.Changed() {
		if err := r.applyEffects(ctx, tr, wallet, d, paid); err != nil {
			return "", err
		}
		if err := r.cfg.Ledger.Commit(ctx, tr); err != nil {
			return "", err
		}
	}

	last := sub.LastProcessedConfirmation
	if sub.TxHash != p.Hash || p.Confirmations > last {
		last = p.Confirmations
	}
	err = r.cfg.Subscriptions.UpdateSubscription(ctx,
		db.UpdateSubscriptionParams{
			URLID:                     urlID,
			Status:                    subscriptionStatus(tr.Next.Status),
			TxHash:                    p.Hash,
			LastProcessedConfirmation: last,
			CurrentConfirmation:       p.Confirmations,
			UpdatedAt:                 now,
		})
	if err != nil {
		return "", err
	}

	if tr.StatusChanged() {
		metrics.TransitionsTotal.WithLabelValues(
			string(tr.Next.Direction), string(tr.Next.Status),
		).Inc()
		r.notify(ctx, tr)
	}

	outcome := OutcomeApplied
	if tr.Mismatch {
		outcome = OutcomeAnomaly
	}
	return outcome, nil
}

// applyEffects applies the balance and UTXO side of a transition.  Every
// effect is idempotent, so effects applied before a failed ledger commit
// are repeated harmlessly on redelivery.
func (r *Reconciler) applyEffects(ctx context.Context, tr *ledger.Transition,
	wallet *db.Wallet, d *delivery, paid []int) error {

	p := d.payload
	next := &tr.Next
	switch {
	case tr.Mismatch:
		if tr.Prev.UnconfirmedAmount > 0 {
			_, err := r.cfg.Wallets.ReleaseUnconfirmed(
				ctx, wallet.ID, tr.Prev.TxHash,
				tr.Prev.UnconfirmedAmount,
			)
			if err != nil {
				return err
			}
		}
		return r.recordAnomaly(ctx, d, &db.Anomaly{
			ID:             next.ID + ":amount",
			TransactionRef: next.ID,
			TxHash:         p.Hash,
			Kind:           db.AnomalyAmountMismatch,
			Expected:       next.ExpectedAmount,
			Observed:       tr.Observed,
			Confirmations:  p.Confirmations,
			Detail:         next.FailureReason,
			CreatedAt:      time.Now().UTC(),
		})

	case next.Direction == db.DirectionIncoming:
		// The wallet credit stage follows the ledger status rather
		// than the raw confirmation count.
		confs := int32(0)
		if next.Status == db.StatusCompleted {
			confs = r.cfg.Wallets.FinalityThreshold()
		}
		_, err := r.cfg.Wallets.ApplyIncomingAmount(
			ctx, wallet.ID, p.Hash, tr.Observed, confs,
		)
		if err != nil {
			return err
		}
		if next.Status != db.StatusCompleted {
			return nil
		}
		for _, i := range paid {
			err := r.recordOutput(ctx, wallet, p, i)
			if err != nil {
				return err
			}
		}
		return nil

	case next.Status == db.StatusCompleted:
		return r.settleOutgoing(ctx, tr, wallet, p)
	}
	return nil
}

// recordOutput records output i of p as an unspent output of wallet.  The
// output script is derived from the wallet address.  A script reported by
// the indexer is only compared against it.
func (r *Reconciler) recordOutput(ctx context.Context, wallet *db.Wallet,
	p *indexer.TxPayload, i int) error {

	hash, err := chainhash.NewHashFromStr(p.Hash)
	if err != nil {
		return errs.E(errs.ErrInvalidArgument, "transaction hash", err)
	}
	script, err := r.walletScript(wallet)
	if err != nil {
		return err
	}

	out := p.Outputs[i]
	if reported, _ := hex.DecodeString(out.Script); len(reported) > 0 &&
		!bytes.Equal(reported, script) {

		log.Warnf("Indexer reports script %s for output %s:%d of "+
			"wallet %s, expected %x", out.Script, p.Hash, i,
			wallet.ID, script)
	}

	return r.record(ctx, &db.UTXO{
		OutPoint:    *wire.NewOutPoint(hash, uint32(i)),
		Amount:      btcutil.Amount(out.Value),
		Address:     wallet.Address,
		PkScript:    script,
		ScriptType:  txscript.GetScriptClass(script).String(),
		WalletRef:   wallet.ID,
		OwnerRef:    wallet.OwnerRef,
		EventRef:    wallet.EventRef,
		BlockHeight: p.BlockHeight,
		CreatedAt:   time.Now().UTC(),
	})
}

// walletScript returns the output script paying wallet.
func (r *Reconciler) walletScript(wallet *db.Wallet) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(wallet.Address, r.cfg.ChainParams)
	if err != nil {
		return nil, errs.E(errs.ErrInvalidState,
			"address of wallet "+wallet.ID, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errs.E(errs.ErrInvalidState,
			"script of wallet "+wallet.ID, err)
	}
	return script, nil
}

// record inserts u, treating an existing record as success.
func (r *Reconciler) record(ctx context.Context, u *db.UTXO) error {
	err := r.cfg.UTXOs.RecordUTXO(ctx, u)
	if errs.Is(err, errs.ErrDuplicate) {
		return nil
	}
	return err
}

// recordAnomaly stores a and queues it on d for publication.  An anomaly
// recorded before is neither counted nor published again.
func (r *Reconciler) recordAnomaly(ctx context.Context, d *delivery,
	a *db.Anomaly) error {

	err := r.cfg.Anomalies.RecordAnomaly(ctx, a)
	switch {
	case errs.Is(err, errs.ErrDuplicate):
		return nil
	case err != nil:
		return err
	}

	metrics.AnomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
	log.Warnf("Anomaly %s on transaction %s: %s", a.Kind,
		a.TransactionRef, a.Detail)

	d.anomalies = append(d.anomalies, a)
	return nil
}

// publish forwards recorded anomalies to the publisher.  It must not be
// called with a transaction lock held.
func (r *Reconciler) publish(ctx context.Context, anomalies []*db.Anomaly) {
	if r.cfg.Publisher == nil {
		return
	}
	for _, a := range anomalies {
		if err := r.cfg.Publisher.PublishAnomaly(ctx, a); err != nil {
			log.Errorf("Unable to publish anomaly %s: %v", a.ID, err)
		}
	}
}

func (r *Reconciler) notify(ctx context.Context, tr *ledger.Transition) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	for _, o := range observers {
		if err := o(ctx, tr); err != nil {
			log.Errorf("Observer failed for transaction %s (%s): %v",
				tr.Next.ID, tr.Next.Status, err)
		}
	}
}

func subscriptionStatus(s db.TxStatus) db.SubscriptionStatus {
	switch s {
	case db.StatusCompleted:
		return db.SubscriptionSuccess
	case db.StatusFailed:
		return db.SubscriptionFailed
	case db.StatusMempool, db.StatusConfirming:
		return db.SubscriptionProcessing
	default:
		return db.SubscriptionPending
	}
}
