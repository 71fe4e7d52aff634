// Package unit defines the core data model shared by every other coreinit
// component: unit identifiers, the unit entity, and the load/active state
// machines described in spec §3.
package unit

import (
	"fmt"
	"strings"
)

// Type selects the unit kind from the closed suffix set in spec §3/§6.
type Type string

const (
	TypeService Type = "service"
	TypeSocket  Type = "socket"
	TypeTarget  Type = "target"
	TypeMount   Type = "mount"
	TypeTimer   Type = "timer"
	TypePath    Type = "path"
	TypeDevice  Type = "device"
	TypeScope   Type = "scope"
	TypeSlice   Type = "slice"
)

// suffixToType is the closed mapping from unit-file suffix to Type.
var suffixToType = map[string]Type{
	"service": TypeService,
	"socket":  TypeSocket,
	"target":  TypeTarget,
	"mount":   TypeMount,
	"timer":   TypeTimer,
	"path":    TypePath,
	"device":  TypeDevice,
	"scope":   TypeScope,
	"slice":   TypeSlice,
}

// ID is a canonicalized unit identifier: a non-empty string whose suffix
// (after the last '.') selects its Type. Two IDs that differ only through an
// alias relationship are NOT equal as IDs; alias resolution lives in the
// registry.
type ID string

// TypeOf returns the Type implied by id's suffix and whether id is
// well-formed (non-empty, with a recognized suffix).
func TypeOf(id ID) (Type, bool) {
	s := string(id)
	if s == "" {
		return "", false
	}
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 || dot == len(s)-1 {
		return "", false
	}
	t, ok := suffixToType[s[dot+1:]]
	if !ok {
		return "", false
	}
	if dot == 0 {
		// ".service" etc: empty base name is not a valid identifier.
		return "", false
	}
	return t, true
}

// Validate returns an error if id is not a well-formed unit identifier.
func Validate(id ID) error {
	if _, ok := TypeOf(id); !ok {
		return fmt.Errorf("invalid unit identifier %q: must be non-empty with a recognized suffix (.service, .socket, .target, .mount, .timer, .path, .device, .scope, .slice)", id)
	}
	return nil
}

// Canonicalize normalizes an identifier for use as a map key: it is already
// canonical once Validate succeeds, since unlike paths unit ids carry no
// case-folding or separator ambiguity in this design.
func Canonicalize(id ID) ID {
	return id
}
