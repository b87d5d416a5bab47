// Copyright (C) 2019-2021  Nexedi SA and Contributors.
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

package ostore
// live cache of in-RAM objects.

import (
	"sync"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xcontainer/list"
)

// lruHead is object's entry in the live cache LRU list.
type lruHead struct {
	list.Head
}

// (to avoid xcontainer/list to cast pointers by itself)
func (h *lruHead) Next() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Next())) }
func (h *lruHead) Prev() *lruHead { return (*lruHead)(unsafe.Pointer(h.Head.Prev())) }

// persistent returns Persistent the lruHead is embedded into.
func (h *lruHead) persistent() *Persistent {
	return (*Persistent)(unsafe.Pointer(uintptr(unsafe.Pointer(h)) - unsafe.Offsetof(Persistent{}.inLRU)))
}

// LiveCache keeps all in-RAM objects of one Connection.
//
// The cache is the identity map oid -> object: within one connection there is
// at most one in-RAM object representing a database object, and every load of
// the same oid returns the same in-RAM object.
//
// Objects whose state is in RAM are additionally linked into an LRU list. The
// garbage collector, run at transaction and savepoint boundaries, turns
// least-recently used objects back into ghosts until the number of live
// objects fits the configured target. The ghosts stay in the identity map, so
// identity is preserved across evictions.
//
// Objects that are in use (PActivate), or hold not-yet-written changes, are
// never evicted.
type LiveCache struct {
	mu sync.Mutex

	objTab map[Oid]IPersistent

	lru    lruHead // lru.next is the least-recently used live object
	lruLen int     // number of objects on the LRU list

	sizeMax int

	control LiveCacheControl
}

// LiveCacheControl is the interface that allows applications to influence
// live cache eviction decisions.
type LiveCacheControl interface {
	// WantEvict is called by the cache garbage collector before turning
	// obj into ghost. Returning false keeps the object live.
	WantEvict(obj IPersistent) bool
}

func newLiveCache(sizeMax int) *LiveCache {
	c := &LiveCache{
		objTab:  make(map[Oid]IPersistent),
		sizeMax: sizeMax,
	}
	c.lru.Init()
	return c
}

// Get lookups the cache by oid.
//
// Nil is returned if the connection never saw an object with this oid.
func (c *LiveCache) Get(oid Oid) IPersistent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objTab[oid]
}

// Len returns the number of objects the cache knows about, ghosts included.
func (c *LiveCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objTab)
}

// NLive returns the number of objects whose state is currently in RAM.
func (c *LiveCache) NLive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruLen
}

// SetControl installs c to influence eviction decisions.
func (c *LiveCache) SetControl(control LiveCacheControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = control
}

// SetSizeMax changes the target for the number of live objects and runs the
// garbage collector if the cache is now over the target.
func (c *LiveCache) SetSizeMax(sizeMax int) {
	c.mu.Lock()
	c.sizeMax = sizeMax
	c.mu.Unlock()
	c.GC()
}

// set adds the object to the identity map.
func (c *LiveCache) set(oid Oid, obj IPersistent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objTab[oid] = obj
	obj.persistent().inLRU.Init()
}

// del forgets the object: both the identity map entry and the LRU link.
//
// Used when an object created under the transaction is un-created by rollback
// or abort, and so its oid goes out of existence.
func (c *LiveCache) del(oid Oid) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj := c.objTab[oid]
	if obj == nil {
		return
	}
	delete(c.objTab, oid)

	h := &obj.persistent().inLRU
	if h.Next() != h {
		h.Delete()
		c.lruLen--
	}
}

// touch marks the object as most recently used, linking it into the LRU list
// if it was not there.
//
// Called when object state comes to or is used in RAM.
func (c *LiveCache) touch(obj *Persistent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &obj.inLRU
	if h.Next() == h {
		c.lruLen++
	}
	h.MoveBefore(&c.lru.Head)
}

// unlive drops the object from the LRU list.
//
// Called when object state leaves RAM outside of cache GC, e.g. on explicit
// PInvalidate. The identity map entry stays.
func (c *LiveCache) unlive(obj *Persistent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &obj.inLRU
	if h.Next() != h {
		h.Delete()
		c.lruLen--
	}
}

// GC turns least-recently used objects into ghosts until the number of live
// objects is back under the configured target.
//
// In-use objects, objects with pending changes, and objects the cache control
// vetoes, are skipped.
func (c *LiveCache) GC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.lru.Next()
	for h != &c.lru && c.lruLen > c.sizeMax {
		obj := h.persistent()
		next := h.Next()

		evict := !obj.pinned()
		if evict && c.control != nil {
			evict = c.control.WantEvict(obj.instance)
		}

		if evict {
			h.Delete()
			c.lruLen--
			obj.ghost()
		}

		h = next
	}
}
