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

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/go123/mem"

	"lab.nexedi.com/kirr/ostore"
)

func bufS(s string) *mem.Buf {
	buf := mem.BufAlloc(len(s))
	copy(buf.Data, s)
	return buf
}

func xopen(t *testing.T, path string, opt *Options) *Storage {
	t.Helper()
	s, err := Open(context.Background(), path, opt)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoad(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "1.db")
	s := xopen(t, path, &Options{Name: "test"})
	X.Equal("sqlite://"+path, s.URL())
	X.False(s.IsReadOnly())

	_, _, err := s.Load(ctx, 1)
	X.Error(err)
	var eNo *ostore.NoObjectError
	X.True(errors.As(err, &eNo))
	X.Equal(ostore.Oid(1), eNo.Oid)

	data := bufS("hello")
	serial1, err := s.Store(ctx, 1, 0, data)
	data.Release()
	X.NoError(err)
	X.Equal(ostore.Tid(1), serial1)

	// large repetitive state goes through the compressed path
	big := bufS(strings.Repeat("data", 4096))
	serial2, err := s.Store(ctx, 2, 0, big)
	X.NoError(err)
	X.Equal(ostore.Tid(2), serial2)

	got, serial, err := s.Load(ctx, 1)
	X.NoError(err)
	X.Equal(serial1, serial)
	X.Equal("hello", string(got.Data))
	got.Release()

	got, serial, err = s.Load(ctx, 2)
	X.NoError(err)
	X.Equal(serial2, serial)
	X.Equal(string(big.Data), string(got.Data))
	got.Release()
	big.Release()

	// overwrite under the correct base serial
	data = bufS("hello2")
	serial3, err := s.Store(ctx, 1, serial1, data)
	data.Release()
	X.NoError(err)
	X.Equal(ostore.Tid(3), serial3)

	got, serial, err = s.Load(ctx, 1)
	X.NoError(err)
	X.Equal(serial3, serial)
	X.Equal("hello2", string(got.Data))
	got.Release()
}

func TestStoreConflict(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()
	s := xopen(t, filepath.Join(t.TempDir(), "1.db"), nil)

	data := bufS("a")
	defer data.Release()

	serial1, err := s.Store(ctx, 1, 0, data)
	X.NoError(err)

	_, err = s.Store(ctx, 1, 0, data)
	X.Error(err)
	var eConflict *ostore.ConflictError
	X.True(errors.As(err, &eConflict))
	X.Equal(ostore.Oid(1), eConflict.Oid)
	X.Equal(ostore.Tid(0), eConflict.Serial)
	X.Equal(serial1, eConflict.Current)
}

func TestReopen(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "1.db")

	s, err := Open(ctx, path, &Options{Name: "test"})
	X.NoError(err)

	data := bufS("hello")
	serial1, err := s.Store(ctx, 7, 0, data)
	data.Release()
	X.NoError(err)

	oid, err := s.NewOid(ctx)
	X.NoError(err)
	X.Equal(ostore.Oid(8), oid)

	X.NoError(s.Close())

	// tid/oid counters come back from the data
	s = xopen(t, path, nil)
	got, serial, err := s.Load(ctx, 7)
	X.NoError(err)
	X.Equal(serial1, serial)
	X.Equal("hello", string(got.Data))
	got.Release()

	oid, err = s.NewOid(ctx)
	X.NoError(err)
	X.Equal(ostore.Oid(8), oid) // 8 was never stored, so it is handed out again

	data = bufS("world")
	serial2, err := s.Store(ctx, 8, 0, data)
	data.Release()
	X.NoError(err)
	X.Equal(serial1+1, serial2)
}

func TestReadOnly(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "1.db")

	// read-only open of a non-existing database fails
	_, err := Open(ctx, path, &Options{ReadOnly: true})
	X.Error(err)

	s, err := Open(ctx, path, &Options{Name: "test"})
	X.NoError(err)
	data := bufS("hello")
	_, err = s.Store(ctx, 1, 0, data)
	X.NoError(err)
	X.NoError(s.Close())

	s = xopen(t, path, &Options{ReadOnly: true})
	X.True(s.IsReadOnly())

	got, _, err := s.Load(ctx, 1)
	X.NoError(err)
	X.Equal("hello", string(got.Data))
	got.Release()

	_, err = s.Store(ctx, 1, 0, data)
	X.Error(err)
	_, err = s.NewOid(ctx)
	X.Error(err)
	data.Release()
}

func TestNotAnObjectDatabase(t *testing.T) {
	X := require.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "1.db")

	// valid sqlite database without our metadata
	s, err := Open(ctx, path, nil)
	X.NoError(err)

	conn, err := s.pool.getConn()
	X.NoError(err)
	X.NoError(conn.Exec("DELETE FROM meta"))
	s.pool.putConn(conn)
	X.NoError(s.Close())

	_, err = Open(ctx, path, &Options{ReadOnly: true})
	X.Error(err)
}
