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
// registry of persistent classes.

import (
	"fmt"
	"reflect"

	"lab.nexedi.com/kirr/go123/mem"
)

// zclass describes one persistent class.
type zclass struct {
	class     string       // database class name, e.g. "app.MyObject"
	typ       reflect.Type // application type implementing the class
	stateType reflect.Type // *stateType provides Ghostable + Stateful
}

var classTab = make(map[string]*zclass)       // class -> zclass
var typeTab = make(map[reflect.Type]*zclass)  // type  -> zclass

// zclassOf returns zclass of an IPersistent object, or nil if the object's
// type was not registered.
func zclassOf(obj IPersistent) *zclass {
	return typeTab[reflect.TypeOf(obj).Elem()]
}

// ClassOf returns database class of a Go object.
//
// The mapping Go type -> class is established by RegisterClass. If the type
// was not registered the class is reported as "Go(<fully-qualified-type>)".
func ClassOf(obj IPersistent) string {
	zb, ok := obj.(*Broken)
	if ok {
		return fmt.Sprintf("Broken(%q)", zb.class)
	}

	zc := zclassOf(obj)
	if zc != nil {
		return zc.class
	}

	typ := reflect.TypeOf(obj).Elem()
	fqn := typ.PkgPath()
	if fqn != "" {
		fqn += "."
	}
	fqn += typ.Name()
	return fmt.Sprintf("Go(%s)", fqn)
}

// RegisterClass registers Go type to be used for database objects with
// specified class.
//
// Only registered types can be saved to the database, and are converted to
// corresponding application-level objects on load. When the database contains
// an object whose class is not registered, it is loaded as Broken object.
//
// typ must embed Persistent; *typ must implement IPersistent.
//
// typ must be convertible to stateType; *stateType must implement Ghostable
// and Stateful.
//
// RegisterClass must not be used from several goroutines simultaneously. It is
// intended to be called from init().
func RegisterClass(class string, typ, stateType reflect.Type) {
	badf := func(format string, argv ...interface{}) {
		msg := fmt.Sprintf(format, argv...)
		panic(fmt.Sprintf("register class (%q, %q, %q): %s", class, typ, stateType, msg))
	}

	if class == "" {
		badf("class must be not empty")
	}
	if zc, dup := classTab[class]; dup {
		badf("class already registered for %q", zc.typ)
	}
	if zc, dup := typeTab[typ]; dup {
		badf("type already registered for %q", zc.class)
	}

	// typ must embed Persistent
	basef, ok := typ.FieldByName("Persistent")
	if !(ok && basef.Anonymous && basef.Type == reflect.TypeOf(Persistent{})) {
		badf("%q does not embed Persistent", typ)
	}

	ptype := reflect.PtrTo(typ)
	if !ptype.Implements(reflect.TypeOf((*IPersistent)(nil)).Elem()) {
		badf("%q does not implement IPersistent", ptype)
	}

	if !typ.ConvertibleTo(stateType) {
		badf("%q not convertible to %q", typ, stateType)
	}

	pstate := reflect.PtrTo(stateType)
	stateful := reflect.TypeOf((*Stateful)(nil)).Elem()
	ghostable := reflect.TypeOf((*Ghostable)(nil)).Elem()
	if !pstate.Implements(stateful) {
		badf("%q does not implement Stateful", pstate)
	}
	if !pstate.Implements(ghostable) {
		badf("%q does not implement Ghostable", pstate)
	}

	zc := &zclass{class: class, typ: typ, stateType: stateType}
	classTab[class] = zc
	typeTab[typ] = zc
}

// RegisterClassAlias registers alias for a class that was already registered.
//
// When the database contains an object with class=alias, it will be loaded
// with the type registered for class.
func RegisterClassAlias(alias, class string) {
	badf := func(format string, argv ...interface{}) {
		msg := fmt.Sprintf(format, argv...)
		panic(fmt.Sprintf("register class alias (%q -> %q): %s", alias, class, msg))
	}

	if alias == "" {
		badf("alias must be not empty")
	}
	if zc, dup := classTab[alias]; dup {
		badf("already registered for %q", zc.typ)
	}
	zc := classTab[class]
	if zc == nil {
		badf("class not registered")
	}

	classTab[alias] = zc
}

// istate returns .instance casted to *stateType of its class.
//
// The returned value implements Ghostable and Stateful.
func (obj *Persistent) istate() Ghostable {
	xstateType := reflect.PtrTo(obj.zclass.stateType)
	return reflect.ValueOf(obj.instance).Convert(xstateType).Interface().(Ghostable)
}

// newGhost creates new ghost object corresponding to class, oid and jar.
//
// Objects of unregistered classes are represented by Broken.
func newGhost(class string, oid Oid, jar *Connection) IPersistent {
	zc := classTab[class]
	if zc == nil {
		zb := &Broken{class: class}
		zb.Persistent.zclass = brokenZClass
		zb.Persistent.instance = zb
		zb.Persistent.jar = jar
		zb.Persistent.oid = oid
		zb.Persistent.serial = InvalidTid
		zb.Persistent.state = GHOST
		return zb
	}

	// create new object & init its base Persistent part
	xobj := reflect.New(zc.typ)
	base := xobj.Elem().FieldByName("Persistent").Addr().Interface().(*Persistent)
	obj := xobj.Interface().(IPersistent)

	base.zclass = zc
	base.instance = obj
	base.jar = jar
	base.oid = oid
	base.serial = InvalidTid
	base.state = GHOST

	return obj
}

// NewPersistent creates new in-RAM object of type typ.
//
// typ must embed Persistent and must have been registered with RegisterClass.
//
// The created object is associated with jar, but is not yet persisted: it has
// no oid until it is explicitly added via Connection.Add or implicitly when a
// changed object referencing it is committed or savepointed.
func NewPersistent(typ reflect.Type, jar *Connection) IPersistent {
	zc := typeTab[typ]
	if zc == nil {
		panic(fmt.Sprintf("new persistent: type %q not registered", typ))
	}

	obj := newGhost(zc.class, InvalidOid, jar)
	base := obj.persistent()
	base.serial = 0    // object was never committed
	base.state = UPTODATE // state is in RAM - an empty, just created, object
	return obj
}

// Broken is used to represent object whose class is not registered.
//
// The state of a Broken object is preserved as raw payload so that it can be
// saved back unchanged.
type Broken struct {
	Persistent
	class string
	state *mem.Buf
}

type brokenState Broken // hide state methods from Broken

// brokenZClass is the zclass used for Broken objects.
var brokenZClass = &zclass{
	class:     "",
	typ:       reflect.TypeOf(Broken{}),
	stateType: reflect.TypeOf(brokenState{}),
}

func (b *brokenState) DropState() {
	b.state.XRelease()
	b.state = nil
}

func (b *brokenState) SetState(state *mem.Buf) error {
	state.Incref()
	b.state.XRelease()
	b.state = state
	return nil
}

func (b *brokenState) GetState() *mem.Buf {
	b.state.Incref()
	return b.state
}
