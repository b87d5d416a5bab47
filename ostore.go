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

// Package ostore provides an embedded transactional object store.
//
// A database is accessed through Connections obtained from a DB handle. Each
// Connection maintains a live cache of in-RAM objects keyed by object ID, and
// participates in two-phase commit driven by package
// lab.nexedi.com/kirr/ostore/transaction.
//
// Objects are represented by types that embed Persistent and are registered
// with RegisterClass. Object state is loaded lazily (see IPersistent), is kept
// bounded in RAM by per-connection cache garbage collection, and is written
// back to the underlying storage on transaction commit.
//
// Within one transaction intermediate checkpoints can be created with
// Connection.Savepoint and reverted with Savepoint.Rollback without aborting
// the whole transaction.
//
// Several independent databases can be committed to atomically under one
// transaction; see DBOptions.Databases and Connection.GetConnection.
package ostore

import (
	"context"
	"fmt"

	"lab.nexedi.com/kirr/go123/mem"
)

// Tid is transaction identifier.
//
// In the store every committed transaction has its own unique Tid, and Tids
// of transactions committed to one storage are monotonically increasing. The
// Tid under which an object revision was committed is the serial of that
// revision and is used for conflict detection on store.
type Tid uint64

// Oid is object identifier.
//
// An object is uniquely identified by its Oid within one storage. Oids are
// allocated monotonically by the storage; InvalidOid denotes "not yet
// persisted".
type Oid uint64

const (
	// TidMax is the maximum valid Tid.
	TidMax Tid = 1<<63 - 1

	// InvalidTid is the Tid of a not yet loaded, or not yet committed,
	// object revision.
	InvalidTid Tid = 1<<64 - 1

	// InvalidOid is the Oid of an object that is not yet added to any
	// database.
	InvalidOid Oid = 1<<64 - 1

	// rootOid is the Oid of the database root object.
	rootOid Oid = 0
)

// Valid reports whether tid is in valid transaction identifiers range.
func (tid Tid) Valid() bool {
	return tid <= TidMax
}

// IStorage is the interface provided by durable storage backends.
//
// A storage keeps the latest committed revision (state, serial) for every
// object. Store applies a new revision and detects write conflicts via the
// serial the client last observed.
type IStorage interface {
	// URL returns URL of how the storage was opened.
	URL() string

	// Load loads the current revision of an object.
	//
	// If there is no such object in the storage, the error cause is
	// *NoObjectError.
	Load(ctx context.Context, oid Oid) (data *mem.Buf, serial Tid, err error)

	// Store commits a new revision of an object.
	//
	// serial must be the serial of the revision the client based its
	// change on, or 0 if the object is new. If the storage meanwhile has
	// a different current revision, the error cause is *ConflictError.
	//
	// On success the serial of the new revision is returned.
	Store(ctx context.Context, oid Oid, serial Tid, data *mem.Buf) (Tid, error)

	// NewOid allocates a new object identifier.
	//
	// Oids returned by NewOid are unique and monotonically increasing for
	// the storage lifetime, also in between several clients allocating
	// simultaneously.
	NewOid(ctx context.Context) (Oid, error)

	// IsReadOnly reports whether the storage was opened read-only.
	IsReadOnly() bool

	// Close closes the storage.
	Close() error
}

// OpError is the error returned by database operations.
type OpError struct {
	URL  string      // URL of the storage
	Op   string      // operation that failed
	Args interface{} // operation arguments, if any
	Err  error       // actual error that occurred during the operation
}

func (e *OpError) Error() string {
	s := e.URL + ": " + e.Op
	if e.Args != nil {
		s += fmt.Sprintf(" %s", e.Args)
	}
	s += ": " + e.Err.Error()
	return s
}

func (e *OpError) Cause() error  { return e.Err }
func (e *OpError) Unwrap() error { return e.Err }

// NoObjectError is the error cause returned when there is no object with
// requested oid at the currently visible database state.
type NoObjectError struct {
	Oid Oid
}

func (e *NoObjectError) Error() string {
	return fmt.Sprintf("%s: no such object", e.Oid)
}

// ConflictError is the error cause returned by Store when an object was
// concurrently changed by another transaction.
type ConflictError struct {
	Oid     Oid
	Serial  Tid // serial the client based its change on
	Current Tid // serial currently committed in the storage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: store conflict: have base %s; current is %s",
		e.Oid, e.Serial, e.Current)
}

// ConnectionStateError is the error returned when a Connection operation is
// invalid for the connection's current transaction or savepoint state.
type ConnectionStateError struct {
	Op  string // operation that was attempted
	Why string
}

func (e *ConnectionStateError) Error() string {
	return fmt.Sprintf("connection: %s: %s", e.Op, e.Why)
}

// AddError is the error returned by Connection.Add when the object is already
// added to another connection.
type AddError struct {
	Obj IPersistent
}

func (e *AddError) Error() string {
	return fmt.Sprintf("add %s (%s): object is already in another connection",
		ClassOf(e.Obj), e.Obj.POid())
}

// InvalidObjectReference is the error cause returned at commit time when a
// changed object references an object that belongs to an unrelated
// connection.
//
// A reference from object A, owned by connection C, to object B is valid only
// if B belongs to C itself, or to the connection registered for B's database
// name in C's multi-database session.
type InvalidObjectReference struct {
	Conn *Connection // connection that owns the referring object
	Obj  IPersistent // the referred-to object
	Why  string
}

func (e *InvalidObjectReference) Error() string {
	return fmt.Sprintf("invalid reference to %s (%s): %s",
		ClassOf(e.Obj), e.Obj.POid(), e.Why)
}

// wrongClassError is the error cause returned when an object's class is not
// what was expected.
type wrongClassError struct {
	want, have string
}

func (e *wrongClassError) Error() string {
	return fmt.Sprintf("wrong class: want %q; have %q", e.want, e.have)
}
