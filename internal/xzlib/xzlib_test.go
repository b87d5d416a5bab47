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

package xzlib

import (
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

var ztestv = []string{
	"",
	"Hello World!",
	strings.Repeat("object state ", 1024),
}

func TestCompressDecompress(t *testing.T) {
	for _, data := range ztestv {
		zdata := Compress([]byte(data))
		got, err := Decompress(zdata)
		if err != nil {
			t.Errorf("decompress %q: %s", data, err)
			continue
		}
		if string(got) != data {
			t.Errorf("decompress output mismatch:\n%s\n",
				pretty.Compare(data, string(got)))
		}
	}
}

func TestCompressIfShorter(t *testing.T) {
	// short/random-ish data does not shrink and must come back as is
	data := []byte("x")
	out, compressed := CompressIfShorter(data)
	if compressed {
		t.Errorf("%q: unexpectedly compressed", data)
	}
	if string(out) != string(data) {
		t.Errorf("%q: uncompressed data changed: %q", data, out)
	}

	// repetitive data shrinks and must round-trip through Decompress
	data = []byte(strings.Repeat("data", 1024))
	out, compressed = CompressIfShorter(data)
	if !compressed {
		t.Errorf("repetitive data unexpectedly not compressed")
	}
	if len(out) >= len(data) {
		t.Errorf("compressed form is not shorter: %d >= %d", len(out), len(data))
	}
	got, err := Decompress(out)
	if err != nil {
		t.Fatalf("decompress back: %s", err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip mismatch:\n%s\n", pretty.Compare(string(data), string(got)))
	}
}

func TestDecompressError(t *testing.T) {
	for _, bad := range []string{"garbage", "x\x9c\xff\xff\xff\xff"} {
		_, err := Decompress([]byte(bad))
		if err == nil {
			t.Errorf("decompress %q: unexpectedly no error", bad)
		}
	}
}
