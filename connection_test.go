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

package ostore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/ostore"
	"lab.nexedi.com/kirr/ostore/storage/mapstore"
	"lab.nexedi.com/kirr/ostore/transaction"
)

// testEnv is everything tests need to work with one database.
type testEnv struct {
	t    *testing.T
	stor *mapstore.Storage
	db   *ostore.DB
}

func testOpen(t *testing.T) *testEnv {
	t.Helper()
	X := require.New(t)

	stor := mapstore.New(t.Name())
	db, err := ostore.NewDB(context.Background(), stor, nil)
	X.NoError(err)
	t.Cleanup(func() { db.Close() })

	return &testEnv{t: t, stor: stor, db: db}
}

// begin starts a new transaction and opens a connection under it.
func (e *testEnv) begin() (context.Context, transaction.Transaction, *ostore.Connection) {
	e.t.Helper()
	X := require.New(e.t)

	txn, ctx := transaction.New(context.Background())
	conn, err := e.db.Open(ctx, nil)
	X.NoError(err)
	return ctx, txn, conn
}

// xroot returns the database root as PMap.
func xroot(t *testing.T, ctx context.Context, conn *ostore.Connection) *ostore.PMap {
	t.Helper()
	X := require.New(t)

	obj, err := conn.Root(ctx)
	X.NoError(err)
	root, ok := obj.(*ostore.PMap)
	X.True(ok, "root is not a PMap")
	return root
}

// mset sets key=value in an activated view of m.
func mset(t *testing.T, ctx context.Context, m *ostore.PMap, key string, value interface{}) {
	t.Helper()
	X := require.New(t)

	X.NoError(m.PActivate(ctx))
	m.Set(key, value)
	m.PDeactivate()
}

// mget returns m[key] from an activated view of m.
func mget(t *testing.T, ctx context.Context, m *ostore.PMap, key string) interface{} {
	t.Helper()
	X := require.New(t)

	X.NoError(m.PActivate(ctx))
	v, _ := m.Get(key)
	m.PDeactivate()
	return v
}

func TestRootBootstrap(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	// a fresh database got its root committed
	X.Equal(ostore.Tid(1), e.stor.LastTid())

	ctx, txn, conn := e.begin()
	defer txn.Abort()

	root := xroot(t, ctx, conn)
	X.Equal(ostore.Oid(0), root.POid())
	X.Equal(ostore.Tid(1), root.PSerial())

	// identity: Get returns the same in-RAM object
	obj, err := conn.Get(ctx, 0)
	X.NoError(err)
	X.True(obj == ostore.IPersistent(root))
}

func TestCommitBasic(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)
	mset(t, ctx, root, "hello", "world")
	X.NoError(txn.Commit(ctx))

	// the connection went back to the pool detached from the transaction
	ctx, txn, conn2 := e.begin()
	defer txn.Abort()
	X.True(conn2 == conn) // pooled connection is reused

	root2 := xroot(t, ctx, conn2)
	X.Equal("world", mget(t, ctx, root2, "hello"))
}

func TestCommitImplicitAdd(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	// a new object only reachable from root is added at commit
	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	mset(t, ctx, root, "child", child)
	X.Equal(ostore.InvalidOid, child.POid())

	X.NoError(txn.Commit(ctx))
	X.NotEqual(ostore.InvalidOid, child.POid())

	ctx, txn, conn = e.begin()
	defer txn.Abort()
	root = xroot(t, ctx, conn)
	ref, ok := mget(t, ctx, root, "child").(*ostore.PMap)
	X.True(ok)
	X.Equal(child.POid(), ref.POid())
	X.Equal("child", mget(t, ctx, ref, "kind"))
}

func TestNewObjectsModifyBeforeAdd(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	// two objects changed before receiving their oids; both registrations
	// must survive and each object must be stored exactly once
	c1 := ostore.NewPMap(conn)
	mset(t, ctx, c1, "i", int64(1))
	c2 := ostore.NewPMap(conn)
	mset(t, ctx, c2, "i", int64(2))

	X.NoError(conn.Add(ctx, c1))
	X.NoError(conn.Add(ctx, c2))
	X.NotEqual(c1.POid(), c2.POid())

	mset(t, ctx, root, "c1", c1)
	mset(t, ctx, root, "c2", c2)
	X.NoError(txn.Commit(ctx))

	ctx, txn, conn = e.begin()
	defer txn.Abort()
	root = xroot(t, ctx, conn)
	r1 := mget(t, ctx, root, "c1").(*ostore.PMap)
	r2 := mget(t, ctx, root, "c2").(*ostore.PMap)
	X.Equal(int64(1), mget(t, ctx, r1, "i"))
	X.Equal(int64(2), mget(t, ctx, r2, "i"))
}

func TestSavepointRollback(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	mset(t, ctx, root, "v", "one")
	sp, err := conn.Savepoint(ctx)
	X.NoError(err)

	mset(t, ctx, root, "v", "two")
	X.Equal("two", mget(t, ctx, root, "v"))

	X.NoError(sp.Rollback())

	// the change after the savepoint is gone
	X.Equal("one", mget(t, ctx, root, "v"))

	// the savepoint stays valid and can be rolled back again
	mset(t, ctx, root, "v", "three")
	X.NoError(sp.Rollback())
	X.Equal("one", mget(t, ctx, root, "v"))

	X.NoError(txn.Commit(ctx))

	ctx, txn, conn = e.begin()
	defer txn.Abort()
	X.Equal("one", mget(t, ctx, xroot(t, ctx, conn), "v"))
}

func TestSavepointRollbackInvalidatesLater(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()
	root := xroot(t, ctx, conn)

	mset(t, ctx, root, "v", "one")
	sp1, err := conn.Savepoint(ctx)
	X.NoError(err)

	mset(t, ctx, root, "v", "two")
	sp2, err := conn.Savepoint(ctx)
	X.NoError(err)

	X.NoError(sp1.Rollback())

	// sp2 was rolled over and is invalid now
	err = sp2.Rollback()
	X.Error(err)
	var eState *ostore.ConnectionStateError
	X.True(errors.As(err, &eState))

	// sp1 itself is still usable
	X.NoError(sp1.Rollback())
	X.Equal("one", mget(t, ctx, root, "v"))
}

func TestSavepointNewObjectRollback(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()
	root := xroot(t, ctx, conn)

	sp, err := conn.Savepoint(ctx)
	X.NoError(err)

	// a new object referenced from root is implicitly added at next write-out
	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	mset(t, ctx, root, "child", child)
	X.Equal(ostore.InvalidOid, child.POid())

	_, err = conn.Savepoint(ctx)
	X.NoError(err)
	oid := child.POid()
	X.NotEqual(ostore.InvalidOid, oid)

	X.NoError(sp.Rollback())

	// the object is un-created: detached from the database
	X.Equal(ostore.InvalidOid, child.POid())
	X.Nil(child.PJar())

	// root no longer references it
	X.Nil(mget(t, ctx, root, "child"))

	// the freed oid is reused for the next added object
	child2 := ostore.NewPMap(conn)
	mset(t, ctx, child2, "kind", "child2")
	X.NoError(conn.Add(ctx, child2))
	X.Equal(oid, child2.POid())
}

func TestSavepointCommitCoalesce(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	tidBefore := e.stor.LastTid()

	mset(t, ctx, root, "v", "one")
	_, err := conn.Savepoint(ctx)
	X.NoError(err)
	mset(t, ctx, root, "v", "two")
	_, err = conn.Savepoint(ctx)
	X.NoError(err)
	mset(t, ctx, root, "v", "three")

	X.NoError(txn.Commit(ctx))

	// root was written out several times to savepoints, but stored to the
	// database exactly once
	X.Equal(tidBefore+1, e.stor.LastTid())
	X.Equal(e.stor.LastTid(), root.PSerial())

	ctx, txn, conn = e.begin()
	defer txn.Abort()
	X.Equal("three", mget(t, ctx, xroot(t, ctx, conn), "v"))
}

func TestOidKeptForSurvivor(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()

	_, err := conn.Savepoint(ctx)
	X.NoError(err)

	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	X.NoError(conn.Add(ctx, child))
	oid := child.POid()

	// the object is written out at the next savepoint, so rolling that
	// savepoint back does not undo the creation
	sp2, err := conn.Savepoint(ctx)
	X.NoError(err)
	X.NoError(sp2.Rollback())

	X.Equal(oid, child.POid())
	X.True(child.PJar() == conn)

	// and its oid is not up for reuse
	child2 := ostore.NewPMap(conn)
	mset(t, ctx, child2, "kind", "child2")
	X.NoError(conn.Add(ctx, child2))
	X.Equal(oid+1, child2.POid())
}

func TestAbort(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	mset(t, ctx, root, "v", "one")
	_, err := conn.Savepoint(ctx)
	X.NoError(err)
	mset(t, ctx, root, "v", "two")

	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	X.NoError(conn.Add(ctx, child))
	oid := child.POid()
	X.NotEqual(ostore.InvalidOid, oid)

	txn.Abort()

	// everything from the transaction is gone
	X.Equal(ostore.InvalidOid, child.POid())
	X.Nil(child.PJar())

	ctx, txn, conn2 := e.begin()
	defer txn.Abort()
	X.True(conn2 == conn)
	X.Nil(mget(t, ctx, xroot(t, ctx, conn2), "v"))

	// the oid allocated in the aborted transaction is reused
	child2 := ostore.NewPMap(conn2)
	mset(t, ctx, child2, "kind", "child2")
	X.NoError(conn2.Add(ctx, child2))
	X.Equal(oid, child2.POid())
}

func TestAbortAfterPartialStore(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	p := ostore.NewPMap(conn)
	mset(t, ctx, p, "kind", "p")
	X.NoError(conn.Add(ctx, p))
	oid := p.POid()
	mset(t, ctx, root, "p", p)

	// a concurrent transaction moves root forward, so the commit below
	// stores p and then fails on the stale root
	txn2, ctx2 := transaction.New(context.Background())
	conn2, err := e.db.Open(ctx2, &ostore.ConnOptions{NoPool: true})
	X.NoError(err)
	mset(t, ctx2, xroot(t, ctx2, conn2), "x", "concurrent")
	X.NoError(txn2.Commit(ctx2))

	err = txn.Commit(ctx)
	X.Error(err)
	var eConflict *ostore.ConflictError
	X.True(errors.As(err, &eConflict))

	// p's revision reached the storage before the failure, so its oid must
	// not be handed out again - a fresh object under it would conflict on
	// its very first store
	ctx, txn, conn3 := e.begin()
	X.True(conn3 == conn)

	p2 := ostore.NewPMap(conn3)
	mset(t, ctx, p2, "kind", "p2")
	X.NoError(conn3.Add(ctx, p2))
	X.NotEqual(oid, p2.POid())

	root = xroot(t, ctx, conn3)
	mset(t, ctx, root, "p2", p2)
	X.NoError(txn.Commit(ctx))

	ctx, txn, conn = e.begin()
	defer txn.Abort()
	root = xroot(t, ctx, conn)
	X.Equal("concurrent", mget(t, ctx, root, "x"))
	r2 := mget(t, ctx, root, "p2").(*ostore.PMap)
	X.Equal("p2", mget(t, ctx, r2, "kind"))
}

func TestUncreatedObjectLoad(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()

	sp, err := conn.Savepoint(ctx)
	X.NoError(err)

	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	X.NoError(conn.Add(ctx, child))
	oid := child.POid()

	// write the object out, ghost it, then undo its creation
	_, err = conn.Savepoint(ctx)
	X.NoError(err)
	X.NoError(sp.Rollback())

	// its oid does not resolve anymore
	_, err = conn.Get(ctx, oid)
	X.Error(err)
	var eNo *ostore.NoObjectError
	X.True(errors.As(err, &eNo))
	X.Equal(oid, eNo.Oid)

	// neither can the detached object be activated
	err = child.PActivate(ctx)
	X.Error(err)
}

func TestAddAssignsOid(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()

	// an object born attached to the connection still has no oid; Add
	// must allocate one for it
	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	X.Equal(ostore.InvalidOid, child.POid())
	X.True(child.PJar() == conn)

	X.NoError(conn.Add(ctx, child))
	oid := child.POid()
	X.NotEqual(ostore.InvalidOid, oid)

	// re-adding keeps the oid
	X.NoError(conn.Add(ctx, child))
	X.Equal(oid, child.POid())
}

func TestAddErrors(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	defer txn.Abort()

	child := ostore.NewPMap(conn)
	mset(t, ctx, child, "kind", "child")
	X.NoError(conn.Add(ctx, child))
	X.NoError(conn.Add(ctx, child)) // second add is a noop

	// object of another connection cannot be added
	e2 := testOpen(t)
	_, txn2, conn2 := e2.begin()
	defer txn2.Abort()

	err := conn2.Add(ctx, child)
	X.Error(err)
	var eAdd *ostore.AddError
	X.True(errors.As(err, &eAdd))
}

func TestCloseRules(t *testing.T) {
	X := require.New(t)
	e := testOpen(t)

	ctx, txn, conn := e.begin()
	root := xroot(t, ctx, conn)

	// close with open savepoints is rejected
	_, err := conn.Savepoint(ctx)
	X.NoError(err)
	err = conn.Close()
	X.Error(err)
	var eState *ostore.ConnectionStateError
	X.True(errors.As(err, &eState))

	// close with unsaved changes is rejected too
	txn.Abort()
	ctx, txn, conn = e.begin()
	root = xroot(t, ctx, conn)
	mset(t, ctx, root, "v", "one")
	err = conn.Close()
	X.Error(err)
	X.True(errors.As(err, &eState))

	// after completion close is fine, and the closed connection is not reused
	X.NoError(txn.Commit(ctx))
	X.NoError(conn.Close())

	ctx, txn, conn2 := e.begin()
	defer txn.Abort()
	X.True(conn2 != conn)

	// operations on closed connection fail
	_, err = conn.Get(ctx, 0)
	X.Error(err)
	X.True(errors.As(err, &eState))
}

func TestCacheEvictionTransparency(t *testing.T) {
	X := require.New(t)

	stor := mapstore.New(t.Name())
	db, err := ostore.NewDB(context.Background(), stor, &ostore.DBOptions{CacheSize: 1})
	X.NoError(err)
	defer db.Close()

	txn, ctx := transaction.New(context.Background())
	conn, err := db.Open(ctx, nil)
	X.NoError(err)
	root := xroot(t, ctx, conn)

	// many savepointed objects force evictions along the way
	const n = 16
	children := make([]*ostore.PMap, n)
	for i := 0; i < n; i++ {
		child := ostore.NewPMap(conn)
		mset(t, ctx, child, "i", int64(i))
		X.NoError(conn.Add(ctx, child))
		children[i] = child
	}
	mset(t, ctx, root, "c0", children[0])
	_, err = conn.Savepoint(ctx)
	X.NoError(err)

	X.True(conn.Cache().NLive() <= 2) // the target is loose, not strict

	// evicted state transparently reloads from the savepoint data
	for i, child := range children {
		X.Equal(int64(i), mget(t, ctx, child, "i"))
	}

	X.NoError(txn.Commit(ctx))
}
