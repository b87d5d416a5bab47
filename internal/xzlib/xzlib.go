// Copyright (C) 2017-2021  Nexedi SA and Contributors.
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

// Package xzlib provides zlib compression helpers for object records.
package xzlib

import (
	"bytes"
	"compress/zlib"

	// czlib decompresses real object data considerably faster than
	// compress/zlib.
	"github.com/DataDog/czlib"
)

// Compress compresses data according to zlib encoding.
//
// default level and dictionary are used.
func Compress(data []byte) (zdata []byte) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	_, err := w.Write(data)
	if err != nil {
		panic(err) // bytes.Buffer.Write never returns error
	}
	err = w.Close()
	if err != nil {
		panic(err) // ----//----
	}
	return b.Bytes()
}

// CompressIfShorter compresses data and returns the compressed form only if
// it is actually shorter than the original.
//
// Storage backends use it to skip compression overhead for records that do
// not shrink.
func CompressIfShorter(data []byte) (out []byte, compressed bool) {
	zdata := Compress(data)
	if len(zdata) < len(data) {
		return zdata, true
	}
	return data, false
}

// Decompress decompresses data according to zlib encoding.
//
// return: destination buffer with full decompressed data or error.
func Decompress(zdata []byte) (data []byte, err error) {
	return czlib.Decompress(zdata)
}
