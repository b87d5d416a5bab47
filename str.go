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
// formatting and parsing for basic types

import (
	"fmt"
	"strconv"

	"lab.nexedi.com/kirr/go123/xfmt"
)

// String converts tid to string.
//
// Default tid string representation is 16-character hex string, e.g.:
//
//	0285cbac258bf266
//
// See also: ParseTid.
func (tid Tid) String() string {
	return string(tid.XFmtString(nil))
}

// String converts oid to string.
//
// Default oid string representation is 16-character hex string, e.g.:
//
//	0000000000000001
//
// See also: ParseOid.
func (oid Oid) String() string {
	return string(oid.XFmtString(nil))
}

func (tid Tid) XFmtString(b []byte) []byte {
	return xfmt.AppendHex016(b, uint64(tid))
}

func (oid Oid) XFmtString(b []byte) []byte {
	return xfmt.AppendHex016(b, uint64(oid))
}

// parseHex64 parses 16-character hex string and returns decoded uint64.
func parseHex64(subj, s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("%s %q invalid", subj, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q invalid", subj, s)
	}
	return v, nil
}

// ParseTid parses tid from string representation.
func ParseTid(s string) (Tid, error) {
	v, err := parseHex64("tid", s)
	return Tid(v), err
}

// ParseOid parses oid from string representation.
func ParseOid(s string) (Oid, error) {
	v, err := parseHex64("oid", s)
	return Oid(v), err
}
