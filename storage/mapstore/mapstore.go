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

// Package mapstore provides in-RAM object storage.
//
// The storage keeps everything in a map and loses its content when the
// process exits. It is primarily useful in tests and as the reference
// implementation of the storage interface.
package mapstore

import (
	"context"
	"errors"
	"sync"

	"lab.nexedi.com/kirr/go123/mem"

	"lab.nexedi.com/kirr/ostore"
)

// rec is the latest committed revision of one object.
type rec struct {
	data   *mem.Buf
	serial ostore.Tid
}

// Storage is in-RAM implementation of ostore.IStorage.
//
// Safe to use from several goroutines simultaneously.
type Storage struct {
	name string

	mu      sync.Mutex
	dataTab map[ostore.Oid]rec
	lastOid ostore.Oid
	lastTid ostore.Tid
}

var _ ostore.IStorage = (*Storage)(nil)

// New creates a new empty in-RAM storage.
func New(name string) *Storage {
	return &Storage{
		name:    name,
		dataTab: make(map[ostore.Oid]rec),
	}
}

func (s *Storage) URL() string { return "mem://" + s.name }

func (s *Storage) opErr(op string, args interface{}, err error) error {
	return &ostore.OpError{URL: s.URL(), Op: op, Args: args, Err: err}
}

// Load implements ostore.IStorage.
func (s *Storage) Load(ctx context.Context, oid ostore.Oid) (*mem.Buf, ostore.Tid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataTab == nil {
		return nil, ostore.InvalidTid, s.opErr("load", oid, errClosed)
	}

	r, ok := s.dataTab[oid]
	if !ok {
		return nil, ostore.InvalidTid, s.opErr("load", oid, &ostore.NoObjectError{Oid: oid})
	}

	r.data.Incref()
	return r.data, r.serial, nil
}

// Store implements ostore.IStorage.
func (s *Storage) Store(ctx context.Context, oid ostore.Oid, serial ostore.Tid, data *mem.Buf) (ostore.Tid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataTab == nil {
		return ostore.InvalidTid, s.opErr("store", oid, errClosed)
	}

	cur, ok := s.dataTab[oid]
	curSerial := ostore.Tid(0)
	if ok {
		curSerial = cur.serial
	}
	if curSerial != serial {
		return ostore.InvalidTid, s.opErr("store", oid, &ostore.ConflictError{
			Oid: oid, Serial: serial, Current: curSerial,
		})
	}

	s.lastTid++
	data.Incref()
	if ok {
		cur.data.Release()
	}
	s.dataTab[oid] = rec{data: data, serial: s.lastTid}
	if oid > s.lastOid {
		s.lastOid = oid
	}
	return s.lastTid, nil
}

// NewOid implements ostore.IStorage.
func (s *Storage) NewOid(ctx context.Context) (ostore.Oid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataTab == nil {
		return ostore.InvalidOid, s.opErr("new oid", nil, errClosed)
	}

	s.lastOid++
	return s.lastOid, nil
}

// IsReadOnly implements ostore.IStorage.
func (s *Storage) IsReadOnly() bool { return false }

// Close implements ostore.IStorage.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.dataTab {
		r.data.Release()
	}
	s.dataTab = nil
	return nil
}

// LastTid returns the id of the last committed transaction.
func (s *Storage) LastTid() ostore.Tid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTid
}

// Len returns the number of objects currently in the storage.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dataTab)
}

var errClosed = errors.New("storage is closed")
