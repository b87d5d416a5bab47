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
// PMap - persistent mapping.

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	pickle "github.com/kisielk/og-rek"

	"lab.nexedi.com/kirr/go123/mem"
)

// PMap is a persistent string-keyed mapping.
//
// Values can be nil, bool, int64, float64, string, or references to other
// persistent objects. Integers set as int are returned as int64.
//
// The database root object is a PMap.
//
// As with any persistent object the access discipline is PActivate /
// PDeactivate around uses of Get and friends; Set and Delete additionally
// mark the object as changed.
type PMap struct {
	Persistent

	data map[string]interface{}
}

type pmapState PMap // hide state methods from PMap

// NewPMap creates a new in-RAM persistent mapping associated with jar.
//
// The mapping is not yet persisted; persist it via Connection.Add or by
// referencing it from an already persistent object.
func NewPMap(jar *Connection) *PMap {
	return NewPersistent(reflect.TypeOf(PMap{}), jar).(*PMap)
}

// Get returns the value for key.
func (m *PMap) Get(key string) (interface{}, bool) {
	v, ok := m.data[key]
	return v, ok
}

// Set sets the value for key and marks the mapping as changed.
//
// It panics if the value is not of a supported type.
func (m *PMap) Set(key string, v interface{}) {
	switch v.(type) {
	case nil, bool, int64, float64, string, IPersistent:
		// ok
	case int:
		v = int64(v.(int))
	default:
		panic(fmt.Sprintf("pmap: set %q: unsupported value type %T", key, v))
	}

	if m.data == nil {
		m.data = make(map[string]interface{})
	}
	m.data[key] = v
	m.PModify()
}

// Delete removes key from the mapping and marks the mapping as changed.
func (m *PMap) Delete(key string) {
	if _, ok := m.data[key]; !ok {
		return
	}
	delete(m.data, key)
	m.PModify()
}

// Len returns the number of keys in the mapping.
func (m *PMap) Len() int { return len(m.data) }

// Keys returns all keys of the mapping, sorted.
func (m *PMap) Keys() []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PReferences implements Referrer: persistent objects among the values.
func (m *PMap) PReferences() []IPersistent {
	var refs []IPersistent
	for _, v := range m.data {
		if obj, ok := v.(IPersistent); ok {
			refs = append(refs, obj)
		}
	}
	return refs
}

// ---- state encoding ----

// refMark starts encoded reference tuples: (refMark, class, oid) for
// references inside the same database, (refMark, db, class, oid) for
// references to objects of another database of the group.
const refMark = "persistent"

func (m *pmapState) DropState() {
	m.data = nil
}

func (m *pmapState) GetState() *mem.Buf {
	d := make(map[interface{}]interface{}, len(m.data))
	for k, v := range m.data {
		if obj, ok := v.(IPersistent); ok {
			oid := obj.POid()
			if oid == InvalidOid {
				panic("pmap: encode state: reference to an object without oid")
			}
			if jar := obj.PJar(); jar != nil && jar != m.jar {
				v = pickle.Tuple{refMark, jar.db.name, ClassOf(obj), int64(oid)}
			} else {
				v = pickle.Tuple{refMark, ClassOf(obj), int64(oid)}
			}
		}
		d[k] = v
	}

	var b bytes.Buffer
	err := pickle.NewEncoder(&b).Encode(d)
	if err != nil {
		panic(fmt.Sprintf("pmap: encode state: %s", err))
	}

	state := mem.BufAlloc(b.Len())
	copy(state.Data, b.Bytes())
	return state
}

func (m *pmapState) SetState(state *mem.Buf) error {
	xd, err := pickle.NewDecoder(bytes.NewReader(state.Data)).Decode()
	if err != nil {
		return fmt.Errorf("pmap: decode state: %s", err)
	}

	d, ok := xd.(map[interface{}]interface{})
	if !ok {
		return fmt.Errorf("pmap: decode state: not a dict (%T)", xd)
	}

	data := make(map[string]interface{}, len(d))
	for xk, v := range d {
		k, ok := xk.(string)
		if !ok {
			return fmt.Errorf("pmap: decode state: key is not a string (%T)", xk)
		}

		if t, ok := v.(pickle.Tuple); ok {
			v, err = m.decodeRef(t)
			if err != nil {
				return err
			}
		}
		if v == (pickle.None{}) {
			v = nil
		}

		data[k] = v
	}

	m.data = data
	return nil
}

// decodeRef decodes an encoded reference tuple into the in-RAM object of
// this mapping's connection, or of the referenced database's session
// connection for a cross-database reference.
func (m *pmapState) decodeRef(t pickle.Tuple) (IPersistent, error) {
	if len(t) < 3 || len(t) > 4 || t[0] != refMark {
		return nil, fmt.Errorf("pmap: decode state: invalid reference %v", t)
	}

	argv := t[1:]
	crossDB := len(t) == 4
	db := ""
	if crossDB {
		xdb, ok := argv[0].(string)
		if !ok {
			return nil, fmt.Errorf("pmap: decode state: reference database is not a string (%T)", argv[0])
		}
		db = xdb
		argv = argv[1:]
	}
	class, ok := argv[0].(string)
	if !ok {
		return nil, fmt.Errorf("pmap: decode state: reference class is not a string (%T)", argv[0])
	}
	oid, ok := argv[1].(int64)
	if !ok {
		return nil, fmt.Errorf("pmap: decode state: reference oid is not an integer (%T)", argv[1])
	}
	if m.jar == nil {
		return nil, fmt.Errorf("pmap: decode state: reference outside of a connection")
	}

	if !crossDB {
		return m.jar.ghost(class, Oid(oid)), nil
	}
	return m.jar.ghostIn(db, class, Oid(oid))
}

func init() {
	RegisterClass("ostore.PMap", reflect.TypeOf(PMap{}), reflect.TypeOf(pmapState{}))
}
