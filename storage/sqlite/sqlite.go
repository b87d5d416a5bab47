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

// Package sqlite provides durable object storage that uses SQLite database
// for persistence.
package sqlite

import (
	"context"
	"sync"

	"github.com/golang/glog"
	sqlite3 "github.com/gwenn/gosqlite"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack"

	"lab.nexedi.com/kirr/go123/mem"

	"lab.nexedi.com/kirr/ostore"
	"lab.nexedi.com/kirr/ostore/internal/xzlib"
)

const schemaVersion = 1

// table "meta" stores database metadata: one msgpack-encoded dbInfo under
// name "info".
const metaSchema = `CREATE TABLE IF NOT EXISTS meta (
	name	TEXT NOT NULL PRIMARY KEY,
	value	BLOB NOT NULL
)`

// table "obj" stores the latest committed revision of every object.
const objSchema = `CREATE TABLE IF NOT EXISTS obj (
	oid		INTEGER NOT NULL PRIMARY KEY,
	serial		INTEGER NOT NULL,
	compression	INTEGER NOT NULL,	-- 0: raw, 1: zlib
	data		BLOB NOT NULL
)`

// dbInfo is the metadata stored in meta under "info".
type dbInfo struct {
	Name    string
	Version int
}

// Storage is ostore.IStorage backed by an SQLite database file.
//
// Safe to use from several goroutines simultaneously; writes are serialized
// by SQLite itself.
type Storage struct {
	pool *connPool
	url  string
	ro   bool

	mu      sync.Mutex
	lastTid ostore.Tid
	lastOid ostore.Oid
}

var _ ostore.IStorage = (*Storage)(nil)

// Options describes options for Open.
type Options struct {
	// Name to record in the database metadata on creation.
	Name string

	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// Open opens an SQLite object database at path, creating it if writable and
// not yet there.
func Open(ctx context.Context, path string, opt *Options) (_ *Storage, err error) {
	url := "sqlite://" + path
	defer func() {
		if err != nil {
			err = &ostore.OpError{URL: url, Op: "open", Err: err}
		}
	}()

	name := ""
	ro := false
	if opt != nil {
		name = opt.Name
		ro = opt.ReadOnly
	}

	flags := sqlite3.OpenFullMutex
	if ro {
		flags |= sqlite3.OpenReadOnly
	} else {
		flags |= sqlite3.OpenReadWrite | sqlite3.OpenCreate
	}

	s := &Storage{
		pool: newConnPool(func() (*sqlite3.Conn, error) {
			return sqlite3.Open(path, flags)
		}),
		url: url,
		ro:  ro,
	}

	conn, err := s.pool.getConn()
	if err != nil {
		return nil, err
	}
	defer s.pool.putConn(conn)

	if !ro {
		err = conn.Exec(metaSchema)
		if err == nil {
			err = conn.Exec(objSchema)
		}
		if err != nil {
			s.pool.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}

	err = s.checkInfo(conn, name)
	if err != nil {
		s.pool.Close()
		return nil, err
	}

	err = s.loadLast(conn)
	if err != nil {
		s.pool.Close()
		return nil, err
	}

	glog.V(2).Infof("sqlite: open %s (last tid %s, last oid %s)", path, s.lastTid, s.lastOid)
	return s, nil
}

// checkInfo loads the metadata record, creating it on a fresh database, and
// verifies the schema version.
func (s *Storage) checkInfo(conn *sqlite3.Conn, name string) error {
	var blob []byte
	found := false

	stmt, err := conn.Prepare("SELECT value FROM meta WHERE name='info'")
	if err != nil {
		return errors.Wrap(err, "query metadata")
	}
	err = stmt.Select(func(st *sqlite3.Stmt) error {
		found = true
		return st.Scan(&blob)
	})
	stmt.Finalize()
	if err != nil {
		return errors.Wrap(err, "query metadata")
	}

	if !found {
		if s.ro {
			return errors.New("not an object database (no metadata)")
		}
		info := dbInfo{Name: name, Version: schemaVersion}
		blob, err = msgpack.Encode(info)
		if err != nil {
			return errors.Wrap(err, "encode metadata")
		}
		err = conn.Exec("INSERT INTO meta (name, value) VALUES ('info', ?)", blob)
		return errors.Wrap(err, "store metadata")
	}

	info := dbInfo{}
	err = msgpack.Decode(blob, &info)
	if err != nil {
		return errors.Wrap(err, "decode metadata")
	}
	if info.Version != schemaVersion {
		return errors.Errorf("schema version mismatch: have %d; want %d", info.Version, schemaVersion)
	}
	return nil
}

// loadLast initializes tid/oid counters from the data.
func (s *Storage) loadLast(conn *sqlite3.Conn) error {
	var lastTid, lastOid int64

	stmt, err := conn.Prepare("SELECT IFNULL(MAX(serial),0), IFNULL(MAX(oid),0) FROM obj")
	if err != nil {
		return errors.Wrap(err, "query last tid/oid")
	}
	err = stmt.Select(func(st *sqlite3.Stmt) error {
		return st.Scan(&lastTid, &lastOid)
	})
	stmt.Finalize()
	if err != nil {
		return errors.Wrap(err, "query last tid/oid")
	}

	s.lastTid = ostore.Tid(lastTid)
	s.lastOid = ostore.Oid(lastOid)
	return nil
}

func (s *Storage) URL() string { return s.url }

func (s *Storage) opErr(op string, args interface{}, err error) error {
	return &ostore.OpError{URL: s.url, Op: op, Args: args, Err: err}
}

// Load implements ostore.IStorage.
func (s *Storage) Load(ctx context.Context, oid ostore.Oid) (_ *mem.Buf, _ ostore.Tid, err error) {
	defer func() {
		if err != nil {
			err = s.opErr("load", oid, err)
		}
	}()

	conn, err := s.pool.getConn()
	if err != nil {
		return nil, ostore.InvalidTid, err
	}
	defer s.pool.putConn(conn)

	var serial, compression int64
	var data []byte
	found := false

	stmt, err := conn.Prepare("SELECT serial, compression, data FROM obj WHERE oid=?")
	if err != nil {
		return nil, ostore.InvalidTid, err
	}
	err = stmt.Select(func(st *sqlite3.Stmt) error {
		found = true
		return st.Scan(&serial, &compression, &data)
	}, int64(oid))
	stmt.Finalize()
	if err != nil {
		return nil, ostore.InvalidTid, err
	}
	if !found {
		return nil, ostore.InvalidTid, &ostore.NoObjectError{Oid: oid}
	}

	if compression != 0 {
		data, err = xzlib.Decompress(data)
		if err != nil {
			return nil, ostore.InvalidTid, errors.Wrap(err, "decompress")
		}
	}

	buf := mem.BufAlloc(len(data))
	copy(buf.Data, data)
	return buf, ostore.Tid(serial), nil
}

// Store implements ostore.IStorage.
func (s *Storage) Store(ctx context.Context, oid ostore.Oid, serial ostore.Tid, data *mem.Buf) (_ ostore.Tid, err error) {
	defer func() {
		if err != nil {
			err = s.opErr("store", oid, err)
		}
	}()

	if s.ro {
		return ostore.InvalidTid, errors.New("read-only storage")
	}

	conn, err := s.pool.getConn()
	if err != nil {
		return ostore.InvalidTid, err
	}
	defer s.pool.putConn(conn)

	err = conn.Exec("BEGIN IMMEDIATE")
	if err != nil {
		return ostore.InvalidTid, err
	}
	defer func() {
		if err != nil {
			conn.Exec("ROLLBACK")
		}
	}()

	var cur int64
	stmt, err := conn.Prepare("SELECT serial FROM obj WHERE oid=?")
	if err != nil {
		return ostore.InvalidTid, err
	}
	err = stmt.Select(func(st *sqlite3.Stmt) error {
		return st.Scan(&cur)
	}, int64(oid))
	stmt.Finalize()
	if err != nil {
		return ostore.InvalidTid, err
	}

	if ostore.Tid(cur) != serial {
		err = &ostore.ConflictError{Oid: oid, Serial: serial, Current: ostore.Tid(cur)}
		return ostore.InvalidTid, err
	}

	s.mu.Lock()
	s.lastTid++
	newSerial := s.lastTid
	if oid > s.lastOid {
		s.lastOid = oid
	}
	s.mu.Unlock()

	zdata, compressed := xzlib.CompressIfShorter(data.Data)
	compression := 0
	if compressed {
		compression = 1
	}

	err = conn.Exec("INSERT OR REPLACE INTO obj (oid, serial, compression, data) VALUES (?, ?, ?, ?)",
		int64(oid), int64(newSerial), compression, zdata)
	if err != nil {
		return ostore.InvalidTid, err
	}

	err = conn.Exec("COMMIT")
	if err != nil {
		return ostore.InvalidTid, err
	}

	return newSerial, nil
}

// NewOid implements ostore.IStorage.
func (s *Storage) NewOid(ctx context.Context) (ostore.Oid, error) {
	if s.ro {
		return ostore.InvalidOid, s.opErr("new oid", nil, errors.New("read-only storage"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOid++
	return s.lastOid, nil
}

// IsReadOnly implements ostore.IStorage.
func (s *Storage) IsReadOnly() bool { return s.ro }

// Close implements ostore.IStorage.
func (s *Storage) Close() error {
	glog.V(2).Infof("sqlite: close %s", s.url)
	err := s.pool.Close()
	if err != nil {
		return s.opErr("close", nil, err)
	}
	return nil
}
