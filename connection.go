// Copyright (c) 2001, 2002 Zope Foundation and Contributors.
// All Rights Reserved.
//
// Copyright (C) 2019-2021  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This software is subject to the provisions of the Zope Public License,
// Version 2.1 (ZPL).  A copy of the ZPL should accompany this distribution.
// THIS SOFTWARE IS PROVIDED "AS IS" AND ANY AND ALL EXPRESS OR IMPLIED
// WARRANTIES ARE DISCLAIMED, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
// WARRANTIES OF TITLE, MERCHANTABILITY, AGAINST INFRINGEMENT, AND FITNESS
// FOR A PARTICULAR PURPOSE

package ostore
// database connection.

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/go123/mem"

	"lab.nexedi.com/kirr/ostore/transaction"
)

// Connection represents an application-level view of a database.
//
// The view is maintained through the connection's live cache of in-RAM
// objects: there is at most one in-RAM object per database object, and
// loading the same oid twice returns the same in-RAM object.
//
// A connection is opened via DB.Open under a transaction and works under
// that transaction until it completes. When objects of the connection are
// modified (see Persistent.PModify), the connection joins the transaction as
// a transaction.DataManager and writes the changes back to the storage during
// two-phase commit. Intermediate in-transaction checkpoints are provided by
// Savepoint.
//
// Use Get, Root and Add to operate on objects of the database.
//
// A connection and objects obtained from it must be used by only one
// goroutine at a time.
type Connection struct {
	db   *DB
	stor IStorage

	cache *LiveCache

	txn    transaction.Transaction // transaction this connection currently works under
	joined bool                    // whether the connection joined txn as data manager

	modified    []IPersistent // objects changed and not yet written out, in first-change order
	modifiedSet map[IPersistent]struct{}
	created     []Oid // oids of objects added and not yet written out, in allocation order

	spStack []*tmpStore  // savepoint data, oldest level first
	spv     []*Savepoint // handles for levels of spStack that are still valid

	stored map[Oid]Tid // oid -> new serial, set by Commit, applied by TPCFinish

	alloc oidAllocator

	// multi-database session: name -> connection opened under the same
	// transaction. Shared by all connections of the session.
	connTab map[string]*Connection

	noPool bool // don't return to db.pool on transaction completion
	closed bool
}

func newConnection(db *DB) *Connection {
	conn := &Connection{
		db:          db,
		stor:        db.stor,
		cache:       newLiveCache(db.cacheSize),
		modifiedSet: make(map[IPersistent]struct{}),
	}
	conn.alloc.stor = db.stor
	return conn
}

// Cache returns the connection's live cache.
func (conn *Connection) Cache() *LiveCache { return conn.cache }

// DB returns the DB the connection was opened from.
func (conn *Connection) DB() *DB { return conn.db }

// IsReadOnly reports whether the connection's storage was opened read-only.
func (conn *Connection) IsReadOnly() bool { return conn.stor.IsReadOnly() }

func (conn *Connection) checkLive(op string) error {
	if conn.closed {
		return &ConnectionStateError{Op: op, Why: "connection is closed"}
	}
	return nil
}

// Root returns the database root object.
func (conn *Connection) Root(ctx context.Context) (IPersistent, error) {
	return conn.Get(ctx, rootOid)
}

// Get returns in-RAM object corresponding to the specified database object.
//
// The object's state is loaded through the connection's view: data written
// out at savepoints shadows data committed to the storage. If the connection
// already has an in-RAM object for this oid, that object is returned.
//
// If there is no such object in the database the error cause is
// *NoObjectError.
func (conn *Connection) Get(ctx context.Context, oid Oid) (_ IPersistent, err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "get", Args: oid, Err: err}
		}
	}()

	if err := conn.checkLive("get"); err != nil {
		return nil, err
	}

	if obj := conn.cache.Get(oid); obj != nil {
		return obj, nil
	}

	// the object was not yet seen - load it to find out its class
	payload, serial, err := conn.load(ctx, oid)
	if err != nil {
		return nil, err
	}

	class, state, err := decodePayload(payload)
	payload.Release()
	if err != nil {
		return nil, err
	}

	obj := newGhost(class, oid, conn)
	base := obj.persistent()
	err = base.istate().(Stateful).SetState(state)
	state.Release()
	if err != nil {
		return nil, err
	}
	base.serial = serial
	base.state = UPTODATE

	conn.cache.set(oid, obj)
	conn.cache.touch(base)
	return obj, nil
}

// Add adds a new object to the database through the connection.
//
// The object must not belong to another connection - otherwise the error
// cause is *AddError. An oid is allocated for the object and the object is
// registered as changed, so it will be persisted by savepoint or commit.
//
// Objects referenced from changed objects that were never explicitly added
// are added automatically when the changes are written out.
func (conn *Connection) Add(ctx context.Context, obj IPersistent) (err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "add", Err: err}
		}
	}()

	if err := conn.checkLive("add"); err != nil {
		return err
	}

	base := obj.persistent()
	if base.jar != nil && base.jar != conn {
		return &AddError{Obj: obj}
	}
	if base.oid != InvalidOid {
		return nil // already added here
	}
	if base.pstate() == GHOST {
		return &ConnectionStateError{Op: "add", Why: "object has no in-RAM state"}
	}

	oid, err := conn.alloc.nextOid(ctx)
	if err != nil {
		return err
	}

	base.jar = conn
	base.oid = oid
	base.serial = 0 // never committed

	base.mu.Lock()
	base.state = CHANGED
	base.mu.Unlock()

	conn.cache.set(oid, obj)
	conn.cache.touch(base)
	conn.created = append(conn.created, oid)
	conn.registerChanged(obj)
	return nil
}

// registerChanged remembers obj as changed, to be written out on next
// savepoint or commit, and joins the current transaction on first change.
func (conn *Connection) registerChanged(obj IPersistent) {
	if conn.closed {
		panic("connection: modify: connection is closed")
	}

	// dedup by object identity: an object changed before it got its oid
	// assigned must not shadow other not-yet-added objects.
	if _, dup := conn.modifiedSet[obj]; dup {
		return
	}
	conn.modifiedSet[obj] = struct{}{}
	conn.modified = append(conn.modified, obj)

	if !conn.joined {
		if conn.txn == nil {
			panic("connection: modify: connection is not under transaction")
		}
		conn.txn.Join(conn)
		conn.joined = true
	}
}

// load loads an object revision through the connection's view: savepoint
// levels newest-to-oldest, then the storage.
func (conn *Connection) load(ctx context.Context, oid Oid) (*mem.Buf, Tid, error) {
	for i := len(conn.spStack) - 1; i >= 0; i-- {
		if data, serial, ok := conn.spStack[i].load(oid); ok {
			return data, serial, nil
		}
	}
	return conn.stor.Load(ctx, oid)
}

// ghost returns the connection's in-RAM object for (class, oid), creating a
// ghost if the connection does not have one yet.
//
// Used when references to other objects are decoded from object state.
func (conn *Connection) ghost(class string, oid Oid) IPersistent {
	if obj := conn.cache.Get(oid); obj != nil {
		return obj
	}
	obj := newGhost(class, oid, conn)
	conn.cache.set(oid, obj)
	return obj
}

// ghostIn is like ghost, but resolves the object inside the named database of
// the connection's multi-database session, lazily opening the session
// connection for that database if needed.
func (conn *Connection) ghostIn(db, class string, oid Oid) (IPersistent, error) {
	if db == conn.db.name {
		return conn.ghost(class, oid), nil
	}
	conn2 := conn.connTab[db]
	if conn2 == nil {
		db2 := conn.db.dbTab[db]
		if db2 == nil {
			return nil, fmt.Errorf("no database %q in the database group", db)
		}
		conn2 = db2.openUnder(conn.txn, conn.connTab)
	}
	return conn2.ghost(class, oid), nil
}

// GetConnection returns the connection to another database of the same
// database group, opened under the same transaction.
//
// Connections obtained this way share one session registry: objects of one
// connection may reference objects of another (see InvalidObjectReference
// for the exact rule the commit-time check enforces).
func (conn *Connection) GetConnection(ctx context.Context, name string) (_ *Connection, err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "get connection", Args: name, Err: err}
		}
	}()

	if err := conn.checkLive("get connection"); err != nil {
		return nil, err
	}

	if conn2 := conn.connTab[name]; conn2 != nil {
		return conn2, nil
	}

	db2 := conn.db.dbTab[name]
	if db2 == nil {
		return nil, fmt.Errorf("no database %q in the database group", name)
	}

	return db2.openUnder(conn.txn, conn.connTab), nil
}

// Close closes the connection.
//
// The connection must not be closed while it has open savepoints or is
// joined to a transaction with unwritten changes. A closed connection is not
// returned to the DB pool.
func (conn *Connection) Close() error {
	if conn.closed {
		return nil
	}
	if len(conn.spStack) > 0 {
		return &ConnectionStateError{Op: "close", Why: "connection has open savepoints"}
	}
	if conn.joined {
		return &ConnectionStateError{Op: "close", Why: "connection has unsaved changes in a transaction"}
	}

	conn.closed = true
	conn.noPool = true
	return nil
}

// ---- transaction participation (transaction.DataManager) ----

// TPCBegin implements transaction.DataManager.
func (conn *Connection) TPCBegin(txn transaction.Transaction) {}

// Commit implements transaction.DataManager: it writes all changes made
// through the connection out to the storage.
//
// Savepoint data, if any, is folded into one batch - for every object the
// latest written state under the serial the object was originally based on -
// and the batch is stored in first-write order. The changes become the
// database state only after TPCFinish.
func (conn *Connection) Commit(ctx context.Context, txn transaction.Transaction) (err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "commit", Err: err}
		}
	}()

	err = conn.addImplicit(ctx)
	if err != nil {
		return err
	}
	err = conn.checkCrossRefs()
	if err != nil {
		return err
	}

	conn.stored = make(map[Oid]Tid)

	if len(conn.spStack) == 0 {
		// no savepoints - store changed objects directly
		for _, obj := range conn.modified {
			base := obj.persistent()
			data, err := payloadOf(obj)
			if err != nil {
				return err
			}
			serial, err := conn.stor.Store(ctx, base.oid, base.serial, data)
			data.Release()
			if err != nil {
				return err
			}
			conn.stored[base.oid] = serial
		}
		return nil
	}

	// flush the tail of changes as one more level, then fold the stack
	tmp := newTmpStore()
	err = conn.flushInto(tmp)
	if err != nil {
		tmp.release()
		return err
	}
	tmp.created = conn.created
	conn.created = nil
	conn.spStack = append(conn.spStack, tmp)

	type pending struct {
		data   *mem.Buf
		serial Tid
	}
	fold := make(map[Oid]*pending)
	var order []Oid
	for _, t := range conn.spStack {
		for _, oid := range t.order {
			e := t.dataTab[oid]
			p := fold[oid]
			if p == nil {
				fold[oid] = &pending{data: e.data, serial: e.serial}
				order = append(order, oid)
			} else {
				p.data = e.data // newer level wins; base serial stays
			}
		}
	}

	for _, oid := range order {
		p := fold[oid]
		serial, err := conn.stor.Store(ctx, oid, p.serial, p.data)
		if err != nil {
			return err
		}
		conn.stored[oid] = serial
	}
	return nil
}

// TPCVote implements transaction.DataManager.
func (conn *Connection) TPCVote(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// TPCFinish implements transaction.DataManager: stored changes become the
// connection's and the database's current state.
func (conn *Connection) TPCFinish(ctx context.Context, txn transaction.Transaction) error {
	for oid, serial := range conn.stored {
		obj := conn.cache.Get(oid)
		if obj == nil {
			continue
		}
		base := obj.persistent()
		base.mu.Lock()
		base.serial = serial
		if base.state == CHANGED {
			base.state = UPTODATE
		}
		base.mu.Unlock()
	}

	conn.stored = nil
	conn.modified = nil
	conn.modifiedSet = make(map[IPersistent]struct{})
	conn.created = nil
	conn.releaseStack()
	conn.cache.GC()
	return nil
}

// Abort implements transaction.DataManager.
func (conn *Connection) Abort(txn transaction.Transaction) {
	conn.abort()
}

// TPCAbort implements transaction.DataManager.
func (conn *Connection) TPCAbort(ctx context.Context, txn transaction.Transaction) {
	conn.abort()
}

// abort discards all changes made through the connection under the current
// transaction: unwritten modifications, savepoint data and created objects.
//
// abort is idempotent.
func (conn *Connection) abort() {
	popped := conn.spStack
	conn.spStack = nil
	for _, s := range conn.spv {
		s.invalid = true
	}
	conn.spv = nil

	// undo consults conn.stored to know which oids already reached the
	// storage, so it is cleared only after the undo.
	conn.undo(popped)
	conn.stored = nil
}

// ---- transaction boundary notifications (transaction.Synchronizer) ----

// BeforeCompletion implements transaction.Synchronizer.
//
// Nothing to check here: changed objects are registered at PModify time.
func (conn *Connection) BeforeCompletion(ctx context.Context, txn transaction.Transaction) error {
	return nil
}

// AfterCompletion implements transaction.Synchronizer: the connection is
// detached from the completed transaction and returned to the DB pool.
func (conn *Connection) AfterCompletion(txn transaction.Transaction) {
	if txn != conn.txn {
		panic("connection: after completion: completed transaction is not connection's transaction")
	}

	conn.txn = nil
	conn.joined = false
	conn.connTab = nil // session registry dies with the transaction

	if !(conn.noPool || conn.closed) {
		conn.db.put(conn)
	}
}
