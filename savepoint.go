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
// savepoints: intermediate checkpoints inside one transaction.

import (
	"context"

	"lab.nexedi.com/kirr/go123/mem"
)

// tmpEntry is one object revision held in a tmpStore.
type tmpEntry struct {
	data   *mem.Buf
	serial Tid // serial of the revision this change is based on; 0 for new objects
}

// tmpStore is an in-RAM overlay with object states written out at one
// savepoint.
//
// The connection keeps a stack of tmpStores - one per savepoint. Loads go
// through the stack newest-to-oldest before falling through to the storage;
// on commit the stack is folded and written to the storage; rollback
// truncates the stack.
type tmpStore struct {
	dataTab map[Oid]tmpEntry
	order   []Oid // oids in first-store order
	created []Oid // oids of objects created under the transaction up to this savepoint
}

func newTmpStore() *tmpStore {
	return &tmpStore{dataTab: make(map[Oid]tmpEntry)}
}

// store saves a new revision of an object into the overlay.
//
// data ownership is passed to the tmpStore. If the object was already stored
// at this level its data is replaced but the base serial of the first store
// is kept.
func (tmp *tmpStore) store(oid Oid, serial Tid, data *mem.Buf) {
	e, ok := tmp.dataTab[oid]
	if ok {
		e.data.Release()
		e.data = data
	} else {
		e = tmpEntry{data: data, serial: serial}
		tmp.order = append(tmp.order, oid)
	}
	tmp.dataTab[oid] = e
}

// load returns the object revision held at this level, if any.
//
// The caller owns the returned buffer.
func (tmp *tmpStore) load(oid Oid) (data *mem.Buf, serial Tid, ok bool) {
	e, ok := tmp.dataTab[oid]
	if !ok {
		return nil, InvalidTid, false
	}
	e.data.Incref()
	return e.data, e.serial, true
}

// release frees all object states held at this level.
func (tmp *tmpStore) release() {
	for _, e := range tmp.dataTab {
		e.data.Release()
	}
	tmp.dataTab = nil
	tmp.order = nil
}

// Savepoint is a handle for an intermediate checkpoint created inside a
// transaction by Connection.Savepoint.
//
// Rolling back a savepoint restores the connection's data to how it was when
// the savepoint was created. A savepoint stays valid after its own rollback
// and can be rolled back again; it becomes invalid when an earlier savepoint
// is rolled back over it, or when the transaction ends.
type Savepoint struct {
	conn    *Connection
	index   int // position of the corresponding tmpStore in conn.spStack
	invalid bool
}

// Savepoint creates a new savepoint: all changes made to the connection's
// objects so far are written out to an in-RAM overlay, and a handle to roll
// back to this point is returned.
//
// Objects that are referenced from a changed object but were never explicitly
// added to the database are implicitly added here, the same way commit would
// add them.
//
// Creating a savepoint runs the live cache garbage collector, so object
// states flushed here may be evicted from RAM; they are transparently
// reloaded from the savepoint data on next access.
func (conn *Connection) Savepoint(ctx context.Context) (_ *Savepoint, err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "savepoint", Err: err}
		}
	}()

	if conn.closed {
		return nil, &ConnectionStateError{Op: "savepoint", Why: "connection is closed"}
	}
	if conn.txn == nil {
		return nil, &ConnectionStateError{Op: "savepoint", Why: "connection is not under transaction"}
	}

	err = conn.addImplicit(ctx)
	if err != nil {
		return nil, err
	}

	tmp := newTmpStore()
	err = conn.flushInto(tmp)
	if err != nil {
		tmp.release()
		return nil, err
	}

	tmp.created = conn.created
	conn.created = nil

	conn.spStack = append(conn.spStack, tmp)
	sp := &Savepoint{conn: conn, index: len(conn.spStack) - 1}
	conn.spv = append(conn.spv, sp)

	conn.cache.GC()
	return sp, nil
}

// addImplicit walks changed objects and adds to the database the objects they
// reference that were not added yet.
func (conn *Connection) addImplicit(ctx context.Context) error {
	// Add can append to conn.modified - index loop to pick up new tail
	for i := 0; i < len(conn.modified); i++ {
		r, ok := conn.modified[i].(Referrer)
		if !ok {
			continue
		}
		for _, ref := range r.PReferences() {
			if ref == nil || ref.POid() != InvalidOid {
				continue
			}
			err := conn.Add(ctx, ref)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// flushInto writes out all currently changed objects into tmp and marks them
// back as uptodate.
func (conn *Connection) flushInto(tmp *tmpStore) error {
	for _, obj := range conn.modified {
		base := obj.persistent()
		if base.jar != conn || base.oid == InvalidOid {
			panic("savepoint: registered object is not in this connection")
		}

		data, err := payloadOf(obj)
		if err != nil {
			return err
		}

		tmp.store(base.oid, base.serial, data)

		base.mu.Lock()
		base.state = UPTODATE
		base.mu.Unlock()
	}

	conn.modified = nil
	conn.modifiedSet = make(map[IPersistent]struct{})
	return nil
}

// Rollback reverts the connection's data to how it was when the savepoint was
// created.
//
// All changes made after the savepoint are discarded: modified pre-existing
// objects are invalidated back to their at-savepoint revisions, and objects
// created after the savepoint are removed from the database with their oids
// reclaimed for reuse. Savepoints created after this one become invalid; this
// savepoint itself, and earlier ones, stay valid and can be rolled back
// again.
func (sp *Savepoint) Rollback() (err error) {
	conn := sp.conn
	defer func() {
		if err != nil {
			err = &OpError{URL: conn.stor.URL(), Op: "rollback savepoint", Err: err}
		}
	}()

	if sp.invalid {
		return &ConnectionStateError{Op: "rollback savepoint", Why: "savepoint is no longer valid"}
	}
	if conn.closed {
		return &ConnectionStateError{Op: "rollback savepoint", Why: "connection is closed"}
	}

	// cut the later levels off the stack first, so that any load triggered
	// while invalidating below already sees the restored view.
	popped := conn.spStack[sp.index+1:]
	conn.spStack = conn.spStack[:sp.index+1]

	spv := conn.spv[:0]
	for _, s := range conn.spv {
		if s.index > sp.index {
			s.invalid = true
		} else {
			spv = append(spv, s)
		}
	}
	conn.spv = spv

	conn.undo(popped)
	return nil
}

// undo discards all changes made after the levels of popped were cut off the
// connection's view: unwritten modifications, the data of the popped levels,
// and objects created in that span.
//
// Shared by savepoint rollback (popped = levels after the savepoint) and
// transaction abort (popped = the whole stack).
func (conn *Connection) undo(popped []*tmpStore) {
	// objects whose creation is being undone, in allocation order
	var created []Oid
	for _, tmp := range popped {
		created = append(created, tmp.created...)
	}
	created = append(created, conn.created...)
	createdSet := make(map[Oid]struct{}, len(created))
	for _, oid := range created {
		createdSet[oid] = struct{}{}
	}

	// all oids touched in the undone span
	affected := make(map[Oid]struct{})
	for _, tmp := range popped {
		for _, oid := range tmp.order {
			affected[oid] = struct{}{}
		}
	}
	for _, obj := range conn.modified {
		affected[obj.POid()] = struct{}{}
	}
	for _, oid := range created {
		affected[oid] = struct{}{}
	}

	conn.modified = nil
	conn.modifiedSet = make(map[IPersistent]struct{})
	conn.created = nil

	// pre-existing objects: back to ghosts; next access reloads the
	// pre-undo revision.
	for oid := range affected {
		if _, ok := createdSet[oid]; ok {
			continue
		}
		if obj := conn.cache.Get(oid); obj != nil {
			obj.PInvalidate()
		}
	}

	// un-created objects: detach and give the oids back. The invalidate
	// hook of such an object may try to reload it and gets "no object"
	// since its oid is not in the database anymore.
	//
	// An oid whose store already reached the storage during a failed
	// commit is not given back: the storage has a revision under it and a
	// later transaction reusing the oid would conflict on its first store.
	for _, oid := range created {
		obj := conn.cache.Get(oid)
		if obj != nil {
			obj.PInvalidate()
			base := obj.persistent()
			base.jar = nil
			base.oid = InvalidOid
		}
		conn.cache.del(oid)
		if _, saved := conn.stored[oid]; !saved {
			conn.alloc.reclaim(oid)
		}
	}

	// data of the dropped levels is not reachable anymore
	for _, tmp := range popped {
		tmp.release()
	}

	conn.cache.GC()
}

// releaseStack frees all savepoint data and invalidates all savepoint
// handles. Called at transaction boundaries.
func (conn *Connection) releaseStack() {
	for _, tmp := range conn.spStack {
		tmp.release()
	}
	conn.spStack = nil
	for _, s := range conn.spv {
		s.invalid = true
	}
	conn.spv = nil
}
