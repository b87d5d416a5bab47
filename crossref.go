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
// validation of object references at commit time.

import (
	"fmt"
)

// Referrer is the interface for persistent objects that reference other
// persistent objects.
//
// Types that implement Referrer get their outgoing references examined when
// their changes are written out: referenced objects that do not belong to any
// database yet are implicitly added, and references that leave the
// multi-database session are rejected at commit.
type Referrer interface {
	// PReferences returns persistent objects the object currently
	// references. The object is live when this is called. Nil entries
	// are ignored.
	PReferences() []IPersistent
}

// checkCrossRefs verifies that every reference going out of a changed object
// stays inside the connection's multi-database session.
//
// A reference from an object of conn to object B is valid if B belongs to
// conn itself, or to the connection registered in the session for B's
// database. It is invalid if B belongs to another connection of the same
// database, or to a database outside the session.
//
// Must run after addImplicit so that every reachable object has a jar.
func (conn *Connection) checkCrossRefs() error {
	for _, obj := range conn.modified {
		r, ok := obj.(Referrer)
		if !ok {
			continue
		}
		for _, ref := range r.PReferences() {
			if ref == nil {
				continue
			}
			jar := ref.PJar()
			if jar == nil {
				panic("commit: reference to an object without database")
			}
			if jar == conn {
				continue
			}

			if jar.db == conn.db {
				return &InvalidObjectReference{
					Conn: conn, Obj: ref,
					Why: "object belongs to a different connection of the same database",
				}
			}

			name := jar.db.name
			if conn.connTab[name] != jar {
				return &InvalidObjectReference{
					Conn: conn, Obj: ref,
					Why: fmt.Sprintf("object belongs to database %q outside of this session", name),
				}
			}
		}
	}
	return nil
}
