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
// format of object records.

import (
	"bytes"
	"fmt"

	pickle "github.com/kisielk/og-rek"

	"lab.nexedi.com/kirr/go123/mem"
)

// Object records are stored as pickle of 2-tuple (class, state) where state
// itself is raw bytes produced by the object's Stateful.GetState.

// encodePayload encodes (class, state) into an object record.
//
// state ownership is not consumed; the caller owns the returned buffer.
func encodePayload(class string, state *mem.Buf) (*mem.Buf, error) {
	var b bytes.Buffer
	err := pickle.NewEncoder(&b).Encode(pickle.Tuple{class, string(state.Data)})
	if err != nil {
		return nil, fmt.Errorf("encode object record (%q): %s", class, err)
	}

	payload := mem.BufAlloc(b.Len())
	copy(payload.Data, b.Bytes())
	return payload, nil
}

// payloadOf captures current in-RAM state of a live object as an object
// record.
//
// The caller owns the returned buffer.
func payloadOf(obj IPersistent) (*mem.Buf, error) {
	base := obj.persistent()
	class := base.zclass.class
	if zb, ok := obj.(*Broken); ok {
		class = zb.class
	}

	state := base.istate().(Stateful).GetState()
	defer state.Release()
	return encodePayload(class, state)
}

// decodePayload decodes an object record into (class, state).
//
// The caller owns the returned state buffer.
func decodePayload(payload *mem.Buf) (class string, state *mem.Buf, err error) {
	xv, err := pickle.NewDecoder(bytes.NewReader(payload.Data)).Decode()
	if err != nil {
		return "", nil, fmt.Errorf("decode object record: %s", err)
	}

	t, ok := xv.(pickle.Tuple)
	if !ok || len(t) != 2 {
		return "", nil, fmt.Errorf("decode object record: not a 2-tuple (%T)", xv)
	}

	class, ok = t[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("decode object record: class is not a string (%T)", t[0])
	}

	var s []byte
	switch v := t[1].(type) {
	case string:
		s = []byte(v)
	case []byte:
		s = v
	default:
		return "", nil, fmt.Errorf("decode object record: state is not bytes (%T)", t[1])
	}

	state = mem.BufAlloc(len(s))
	copy(state.Data, s)
	return class, state, nil
}
