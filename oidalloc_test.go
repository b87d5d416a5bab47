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

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// tOidStor is an IStorage stub serving only NewOid.
type tOidStor struct {
	IStorage
	lastOid Oid
}

func (s *tOidStor) NewOid(ctx context.Context) (Oid, error) {
	s.lastOid++
	return s.lastOid, nil
}

func TestOidAllocator(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()

	alloc := oidAllocator{stor: &tOidStor{}}

	xnext := func() Oid {
		oid, err := alloc.nextOid(ctx)
		X.NoError(err)
		return oid
	}

	X.Equal(Oid(1), xnext())
	X.Equal(Oid(2), xnext())
	X.Equal(Oid(3), xnext())

	// freed oids are reused most recently allocated first
	alloc.reclaim(2)
	alloc.reclaim(3)

	X.Equal(Oid(3), xnext())
	X.Equal(Oid(2), xnext())
	X.Equal(Oid(4), xnext())
}
