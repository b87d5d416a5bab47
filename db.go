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
// application-level database handle.

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/golang/glog"

	"lab.nexedi.com/kirr/ostore/transaction"
)

// defaultCacheSize is the default per-connection target for the number of
// live objects.
const defaultCacheSize = 400

// DB represents a database handle on top of a storage.
//
// The handle manages a pool of Connections: Open gives a connection to work
// with the database under the current transaction, and when that transaction
// completes the connection, with its live cache, is returned to the pool to
// serve a next Open.
//
// Several DBs can form a database group, inside which objects of one
// database may reference objects of another; see DBOptions.Databases and
// Connection.GetConnection.
//
// DB is safe to use from several goroutines simultaneously.
type DB struct {
	stor IStorage
	name string

	// the database group this db belongs to: name -> DB.
	// set at creation time, read-only afterwards.
	dbTab map[string]*DB

	mu   sync.Mutex
	pool []*Connection

	cacheSize int
}

// DBOptions describes options for NewDB.
type DBOptions struct {
	// Name is the name of the database inside its database group.
	Name string

	// Databases, if non-nil, is the group of named databases this one
	// joins. Pass the same map to every NewDB of the group; the map must
	// not be mutated otherwise.
	Databases map[string]*DB

	// CacheSize sets the per-connection target for the number of live
	// objects. 0 means the default.
	CacheSize int
}

// NewDB creates a database handle for the storage.
//
// If the storage is writable and empty, the database is initialized: the
// root object - an empty PMap - is committed at the root oid.
func NewDB(ctx context.Context, stor IStorage, opt *DBOptions) (_ *DB, err error) {
	defer func() {
		if err != nil {
			err = &OpError{URL: stor.URL(), Op: "open db", Err: err}
		}
	}()

	name := ""
	cacheSize := defaultCacheSize
	var dbTab map[string]*DB
	if opt != nil {
		name = opt.Name
		dbTab = opt.Databases
		if opt.CacheSize > 0 {
			cacheSize = opt.CacheSize
		}
	}
	if dbTab == nil {
		dbTab = make(map[string]*DB)
	}
	if _, dup := dbTab[name]; dup {
		return nil, fmt.Errorf("database %q already in the database group", name)
	}

	db := &DB{stor: stor, name: name, dbTab: dbTab, cacheSize: cacheSize}
	dbTab[name] = db

	err = db.ensureRoot(ctx)
	if err != nil {
		delete(dbTab, name)
		return nil, err
	}

	glog.V(2).Infof("db %q: open %s", name, stor.URL())
	return db, nil
}

// ensureRoot makes sure the database has its root object, committing an
// empty PMap at the root oid on a fresh storage.
func (db *DB) ensureRoot(ctx context.Context) error {
	data, _, err := db.stor.Load(ctx, rootOid)
	if err == nil {
		data.Release()
		return nil
	}

	var eNo *NoObjectError
	if !errors.As(err, &eNo) {
		return err
	}
	if db.stor.IsReadOnly() {
		// leave the storage as is; Root will report "no object"
		return nil
	}

	root := NewPersistent(reflect.TypeOf(PMap{}), nil)
	payload, err := payloadOf(root)
	if err != nil {
		return err
	}
	_, err = db.stor.Store(ctx, rootOid, 0, payload)
	payload.Release()

	// someone else bootstrapped the root in parallel - also ok
	var eConflict *ConflictError
	if err != nil && errors.As(err, &eConflict) {
		err = nil
	}
	return err
}

// Name returns the name of the database inside its database group.
func (db *DB) Name() string { return db.name }

// Storage returns the storage the database handle works on top of.
func (db *DB) Storage() IStorage { return db.stor }

// ConnOptions describes options for DB.Open.
type ConnOptions struct {
	// NoPool instructs to not return the connection to the DB pool after
	// its transaction completes.
	NoPool bool
}

// Open opens a connection to the database under the current transaction.
//
// The transaction must be present in ctx (see transaction.New). The
// connection works under this transaction until the transaction completes,
// and is then returned to the DB pool, unless NoPool was requested.
func (db *DB) Open(ctx context.Context, opt *ConnOptions) (*Connection, error) {
	txn := transaction.Current(ctx)
	connTab := make(map[string]*Connection)
	conn := db.openUnder(txn, connTab)
	if opt != nil && opt.NoPool {
		conn.noPool = true
	}
	return conn, nil
}

// openUnder opens a connection under an already-running transaction, joining
// the session registry connTab.
func (db *DB) openUnder(txn transaction.Transaction, connTab map[string]*Connection) *Connection {
	conn := db.get()
	conn.txn = txn
	conn.connTab = connTab
	connTab[db.name] = conn
	txn.RegisterSync(conn)
	return conn
}

// get returns a connection from the pool, or creates a new one.
func (db *DB) get() *Connection {
	db.mu.Lock()
	defer db.mu.Unlock()

	for l := len(db.pool); l > 0; l = len(db.pool) {
		conn := db.pool[l-1]
		db.pool = db.pool[:l-1]
		if !conn.closed { // connection could be closed while in the pool
			return conn
		}
	}
	return newConnection(db)
}

// put returns the connection to the pool.
func (db *DB) put(conn *Connection) {
	db.mu.Lock()
	defer db.mu.Unlock()

	glog.V(2).Infof("db %q: conn -> pool (%d cached objects)", db.name, conn.cache.Len())
	db.pool = append(db.pool, conn)
}

// Close closes the database handle and its storage.
func (db *DB) Close() error {
	glog.V(2).Infof("db %q: close %s", db.name, db.stor.URL())
	return db.stor.Close()
}
