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
// persistent objects.

import (
	"context"

	"sync"

	"lab.nexedi.com/kirr/go123/mem"
)

// IPersistent is the interface that every in-RAM object representing a
// database object implements.
//
// Use Persistent as the base for application-level types that need to provide
// persistency.
type IPersistent interface {
	PJar() *Connection // Connection this in-RAM object is part of.
	POid() Oid         // object ID in the database; InvalidOid if not yet added.

	// PSerial returns object's revision identifier in the database.
	// InvalidTid if the object state is not loaded.
	PSerial() Tid

	// PActivate brings object to live state.
	//
	// It requests to persistency layer that in-RAM object data to be
	// present. If object state was not in RAM - it is loaded from the
	// database.
	//
	// On successful return the object data is either the same as in the
	// database or, if this data was previously modified by user of
	// object's jar, that modified data.
	//
	// Object data must be accessed only after corresponding PActivate
	// call, which marks that object's data as being in use.
	PActivate(ctx context.Context) error

	// PDeactivate indicates that corresponding PActivate caller finished
	// access to object's data.
	//
	// It is valid to have several concurrent uses of object data, each
	// protected with corresponding PActivate/PDeactivate pair: as long as
	// there is still any PActivate not yet compensated with corresponding
	// PDeactivate, object data will assuredly stay alive in RAM.
	PDeactivate()

	// PInvalidate requests in-RAM object data to be discarded.
	//
	// Irregardless of whether in-RAM object data is the same as in the
	// database, or it was modified, that in-RAM data must be forgotten.
	//
	// PInvalidate must not be called while there is any in-progress
	// object's data use (PActivate till PDeactivate).
	PInvalidate()

	// PModify marks in-RAM object state as modified.
	//
	// It informs persistency layer that object's data was changed and so
	// its state needs to be either saved back into database on
	// transaction commit, or discarded on transaction abort or savepoint
	// rollback.
	//
	// The object must be already activated.
	PModify()

	// IPersistent can be implemented only by objects that embed Persistent.
	persistent() *Persistent
}

// ObjectState describes state of in-RAM object.
type ObjectState int

const (
	GHOST    ObjectState = -1 // object data is not yet loaded from the database
	UPTODATE ObjectState = 0  // object is live and in-RAM data is the same as in database
	CHANGED  ObjectState = 1  // object is live and in-RAM data was changed
)

// String represents object state in human-readable form.
func (s ObjectState) String() string {
	switch s {
	case GHOST:
		return "ghost"
	case UPTODATE:
		return "uptodate"
	case CHANGED:
		return "changed"
	}
	return "invalid"
}

// Persistent is common base IPersistent implementation for in-RAM
// representation of database objects.
//
// The type that embeds Persistent must be registered with RegisterClass
// together with a state type providing Ghostable and Stateful.
type Persistent struct {
	zclass *zclass // class of this object

	jar    *Connection
	oid    Oid
	serial Tid

	mu      sync.Mutex
	state   ObjectState
	refcnt  int32
	loading *loadState

	// Persistent is the base for the instance.
	instance IPersistent

	// link in the live cache LRU; protected by the cache lock, not .mu .
	inLRU lruHead
}

func (obj *Persistent) PJar() *Connection { return obj.jar }
func (obj *Persistent) POid() Oid         { return obj.oid }
func (obj *Persistent) PSerial() Tid      { return obj.serial }

func (obj *Persistent) persistent() *Persistent { return obj }

// loadState indicates object's load state/result.
//
// when !ready the loading is in progress.
// when ready the loading has been completed.
type loadState struct {
	ready chan struct{} // closed when loading finishes

	// error from the load.
	// if there was no error, loaded data went to object state.
	err error
}

// Ghostable is the interface describing in-RAM object who can release its
// in-RAM state.
type Ghostable interface {
	// DropState should discard in-RAM object state.
	DropState()
}

// Stateful is the interface describing in-RAM object whose data state can be
// exchanged as raw bytes.
type Stateful interface {
	// SetState should set state of the in-RAM object from raw data.
	//
	// state ownership is not passed to SetState, so if state needs to be
	// retained after SetState returns it needs to be incref'ed.
	SetState(state *mem.Buf) error

	// GetState should return state of the in-RAM object as raw data.
	//
	// The caller becomes the owner of the returned buffer.
	GetState() *mem.Buf
}

// ---- activate/deactivate/invalidate/modify ----

// PActivate implements IPersistent.
func (obj *Persistent) PActivate(ctx context.Context) (err error) {
	obj.mu.Lock()
	obj.refcnt++
	doload := (obj.refcnt == 1 && obj.state == GHOST)
	defer func() {
		if err != nil {
			obj.PDeactivate()
		}
	}()
	if !doload {
		// someone else is already activated/activating the object,
		// or the state is already in RAM.
		loading := obj.loading
		live := obj.state != GHOST
		obj.mu.Unlock()

		if live && loading == nil {
			return nil // e.g. a not yet committed object
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-loading.ready:
			return loading.err
		}
	}

	// we become responsible for loading the object
	jar := obj.jar
	loading := &loadState{ready: make(chan struct{})}
	obj.loading = loading
	obj.mu.Unlock()

	if jar == nil {
		err = &NoObjectError{obj.oid} // detached ghost cannot be loaded
	}

	// do the loading and state decoding outside of obj lock: decoded
	// references may need to materialize ghosts in the jar's cache.
	var payload *mem.Buf
	var serial Tid
	if err == nil {
		payload, serial, err = jar.load(ctx, obj.oid)
	}

	if err == nil {
		var class string
		var state *mem.Buf
		class, state, err = decodePayload(payload)
		payload.Release()
		if err == nil {
			if want := obj.zclass.class; want != "" && class != want {
				err = &wrongClassError{want: want, have: class}
			} else {
				err = obj.istate().(Stateful).SetState(state)
			}
			state.Release()
		}
	}

	obj.mu.Lock()

	if err == nil {
		obj.serial = serial
		obj.state = UPTODATE
	} else {
		obj.serial = InvalidTid
	}

	loading.err = err

	obj.mu.Unlock()
	close(loading.ready)

	if err == nil && jar != nil {
		jar.cache.touch(obj)
	}

	return err
}

// PDeactivate implements IPersistent.
//
// Contrary to PInvalidate the in-RAM state is not discarded immediately - the
// object stays live in the connection's cache and becomes ghost only when the
// cache garbage collector picks it as an eviction victim.
func (obj *Persistent) PDeactivate() {
	obj.mu.Lock()
	defer obj.mu.Unlock()

	obj.refcnt--
	if obj.refcnt < 0 {
		panic("deactivate: refcnt < 0")
	}
}

// PInvalidate implements IPersistent.
func (obj *Persistent) PInvalidate() {
	obj.mu.Lock()

	if obj.refcnt != 0 {
		// object is currently in use
		obj.mu.Unlock()
		panic("invalidate: refcnt != 0")
	}

	if obj.state == GHOST {
		obj.mu.Unlock()
		return
	}

	obj.serial = InvalidTid
	obj.istate().DropState()
	obj.state = GHOST
	obj.loading = nil
	jar := obj.jar
	obj.mu.Unlock()

	if jar != nil {
		jar.cache.unlive(obj)
	}
}

// PModify implements IPersistent.
func (obj *Persistent) PModify() {
	obj.mu.Lock()
	if obj.state == GHOST {
		obj.mu.Unlock()
		panic("modify: object is not activated")
	}
	obj.state = CHANGED
	jar := obj.jar
	instance := obj.instance
	obj.mu.Unlock()

	if jar != nil {
		jar.registerChanged(instance)
	}
}

// pstate returns object state without accounting the access as an object use.
func (obj *Persistent) pstate() ObjectState {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.state
}

// pinned reports whether obj must not be evicted from the live cache.
//
// An object is pinned while its data is in use, or while it has changes not
// yet written anywhere.
func (obj *Persistent) pinned() bool {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.refcnt > 0 || obj.state >= CHANGED
}

// ghost turns obj into ghost discarding its in-RAM state.
//
// obj must not be pinned. Contrary to PInvalidate the caller is the cache
// garbage collector, which already holds the cache lock, so the LRU link is
// not touched here.
func (obj *Persistent) ghost() {
	obj.mu.Lock()
	defer obj.mu.Unlock()

	if obj.state == GHOST {
		return
	}
	obj.serial = InvalidTid
	obj.istate().DropState()
	obj.state = GHOST
	obj.loading = nil
}
