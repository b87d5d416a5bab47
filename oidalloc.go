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
// oid allocation.

import (
	"context"
)

// oidAllocator hands out oids for objects newly added to a connection.
//
// Fresh oids come from the storage. Oids that went out of use because the
// creation of their objects was undone by savepoint rollback or transaction
// abort are remembered on a free list and reused first, most recently freed
// first. The free list survives transaction boundaries for the lifetime of
// the connection.
//
// Not safe for concurrent use; the owning connection serializes access.
type oidAllocator struct {
	stor IStorage
	free []Oid // lifo
}

// nextOid returns an oid for a new object.
func (a *oidAllocator) nextOid(ctx context.Context) (Oid, error) {
	if l := len(a.free); l > 0 {
		oid := a.free[l-1]
		a.free = a.free[:l-1]
		return oid, nil
	}
	return a.stor.NewOid(ctx)
}

// reclaim returns an unused oid to the allocator.
//
// Callers reclaim a batch of un-created objects in their original allocation
// order, so that the next nextOid hands the most recently allocated oid out
// again first.
func (a *oidAllocator) reclaim(oid Oid) {
	a.free = append(a.free, oid)
}
