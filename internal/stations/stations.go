// Package stations resolves between station codes and display names and
// knows which codes are passenger stations. Depots, sidings and reversing
// points carry codes too but must never surface in a projection.
package stations

import (
	"strings"

	"metro-tracker/internal/metro"
)

// Monument has two pairs of platforms with distinct codes, one per line.
const (
	monumentName = "monument"
	monumentNS   = "MTS"
	monumentEW   = "MTW"
)

type Resolver struct {
	codeToName map[string]string
	nameToCode map[string]string
	nis        map[string]struct{}
}

// NewResolver builds a resolver from the proxy's published constants.
func NewResolver(consts *metro.Constants) *Resolver {
	r := &Resolver{
		codeToName: make(map[string]string, len(consts.StationCodes)),
		nameToCode: make(map[string]string, len(consts.StationCodes)),
		nis:        make(map[string]struct{}, len(consts.NISStations)),
	}
	for code, name := range consts.StationCodes {
		r.codeToName[code] = name
		r.nameToCode[strings.ToLower(name)] = code
	}
	for _, code := range consts.NISStations {
		r.nis[code] = struct{}{}
	}
	return r
}

// Valid reports whether code is a passenger station eligible for display.
func (r *Resolver) Valid(code string) bool {
	if _, nis := r.nis[code]; nis {
		return false
	}
	_, known := r.codeToName[code]
	return known
}

// Name returns the display name for a station code.
func (r *Resolver) Name(code string) (string, bool) {
	name, ok := r.codeToName[code]
	return name, ok
}

// CodeForName resolves a display name (case-insensitive) to a station code.
// Non-passenger stations resolve to nothing. Monument needs the platform to
// pick between its two codes; without one the north-south code wins.
func (r *Resolver) CodeForName(name string, platform int) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == monumentName {
		switch platform {
		case 1, 2:
			return monumentNS, true
		case 3, 4:
			return monumentEW, true
		}
		return monumentNS, true
	}
	code, ok := r.nameToCode[lower]
	if !ok {
		return "", false
	}
	if _, nis := r.nis[code]; nis {
		return "", false
	}
	return code, ok
}
