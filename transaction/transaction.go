// Copyright (C) 2018-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package transaction

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/xerr"
)

// transaction implements Transaction.
type transaction struct {
	mu     sync.Mutex
	status Status
	datav  []DataManager
	syncv  []Synchronizer

	// metadata
	user        string
	description string
}

// ctxKey is the type private to transaction package, used as key in contexts.
type ctxKey struct{}

// getTxn returns transaction associated with provided context.
// nil is returned if there is no association.
func getTxn(ctx context.Context) *transaction {
	t := ctx.Value(ctxKey{})
	if t == nil {
		return nil
	}
	return t.(*transaction)
}

// currentTxn serves Current.
func currentTxn(ctx context.Context) Transaction {
	txn := getTxn(ctx)
	if txn == nil {
		panic("transaction: no current transaction")
	}
	return txn
}

// newTxn serves New.
func newTxn(ctx context.Context) (Transaction, context.Context) {
	if getTxn(ctx) != nil {
		panic("transaction: new: nested transactions not supported")
	}

	txn := &transaction{status: Active}
	txnCtx := context.WithValue(ctx, ctxKey{}, txn)
	return txn, txnCtx
}

// Status implements Transaction.
func (txn *transaction) Status() Status {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.status
}

// Commit implements Transaction.
func (txn *transaction) Commit(ctx context.Context) (err error) {
	defer xerr.Context(&err, "transaction: commit")

	datav, syncv := txn.complete(Committing, "commit")

	// sync.BeforeCompletion; an error here prevents the commit from starting
	err = txn.beforeCompletion(ctx, syncv)

	if err == nil {
		err = txn.commitData(ctx, datav)
	} else {
		// nothing was saved anywhere yet - plain abort of the data
		for _, dm := range datav {
			dm.Abort(txn)
		}
	}

	final := Committed
	if err != nil {
		final = CommitFailed
	}
	txn.mu.Lock()
	txn.status = final
	txn.mu.Unlock()

	txn.afterCompletion(syncv)
	return err
}

// commitData runs the two-phase commit over joined data managers.
//
// begin -> save -> vote, then either finish everywhere, or, if any step
// returned an error, abort everywhere.
func (txn *transaction) commitData(ctx context.Context, datav []DataManager) (err error) {
	for _, dm := range datav {
		dm.TPCBegin(txn)
	}

	for _, dm := range datav {
		err = dm.Commit(ctx, txn)
		if err != nil {
			break
		}
	}

	if err == nil {
		for _, dm := range datav {
			err = dm.TPCVote(ctx, txn)
			if err != nil {
				break
			}
		}
	}

	if err != nil {
		for _, dm := range datav {
			dm.TPCAbort(ctx, txn)
		}
		return err
	}

	// the point of no return
	ev := xerr.Errorv{}
	for _, dm := range datav {
		ev.Appendif(dm.TPCFinish(ctx, txn))
	}
	return ev.Err()
}

// Abort implements Transaction.
func (txn *transaction) Abort() {
	datav, syncv := txn.complete(Aborting, "abort")

	// data.Abort
	n := len(datav)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			datav[i].Abort(txn)
		}()
	}
	wg.Wait()

	txn.mu.Lock()
	txn.status = Aborted
	txn.mu.Unlock()

	txn.afterCompletion(syncv)
}

// complete starts transaction completion: under lock, changes status to how
// and extracts registered data managers and synchronizers.
func (txn *transaction) complete(how Status, who string) (datav []DataManager, syncv []Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting(who)
	txn.status = how

	datav = txn.datav
	txn.datav = nil
	syncv = txn.syncv
	txn.syncv = nil
	return datav, syncv
}

// beforeCompletion notifies all registered synchronizers that completion begins.
func (txn *transaction) beforeCompletion(ctx context.Context, syncv []Synchronizer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sync := range syncv {
		sync := sync
		g.Go(func() error {
			return sync.BeforeCompletion(ctx, txn)
		})
	}
	return g.Wait()
}

// afterCompletion notifies all registered synchronizers that the transaction completed.
func (txn *transaction) afterCompletion(syncv []Synchronizer) {
	n := len(syncv)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			syncv[i].AfterCompletion(txn)
		}()
	}
	wg.Wait()
}

// Join implements Transaction.
func (txn *transaction) Join(dm DataManager) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("join")

	txn.datav = append(txn.datav, dm)
}

// RegisterSync implements Transaction.
func (txn *transaction) RegisterSync(sync Synchronizer) {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	txn.checkNotYetCompleting("register sync")

	txn.syncv = append(txn.syncv, sync)
}

// checkNotYetCompleting asserts that transaction completion has not yet began.
//
// It panics if the assert fails.
// Must be called with .mu held.
func (txn *transaction) checkNotYetCompleting(who string) {
	switch txn.status {
	case Active:
		// ok
	default:
		panic("transaction: " + who + ": transaction completion already began")
	}
}

// ---- meta ----

func (txn *transaction) User() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.user
}

func (txn *transaction) Description() string {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.description
}

func (txn *transaction) SetUser(user string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.user = user
}

func (txn *transaction) SetDescription(description string) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.description = description
}
