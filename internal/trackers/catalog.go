// Package trackers defines the fixed catalog of monitored trackers and
// the Status domain type.
package trackers

import (
	"fmt"
	"sort"
	"strings"
)

// Code is the short identifier a tracker is known by upstream
// (e.g. "btn", "ptp"). Codes are always lowercase.
type Code string

// catalog maps tracker codes to display names. This mirrors the set of
// trackers served by trackerstatus.info and is fixed at build time.
var catalog = map[Code]string{
	"ant": "AnimeBytes",
	"ar":  "AlphaRatio",
	"btn": "BroadcastTheNet",
	"ggn": "GazelleGames",
	"nbl": "Nebulance",
	"ops": "Orpheus",
	"ptp": "PassThePopcorn",
	"red": "Redacted",
}

// Parse normalizes and validates a tracker code.
func Parse(raw string) (Code, error) {
	c := Code(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := catalog[c]; !ok {
		return "", fmt.Errorf("unknown tracker %q", raw)
	}
	return c, nil
}

// Known reports whether c is in the catalog.
func Known(c Code) bool {
	_, ok := catalog[c]
	return ok
}

// DisplayName returns the human-readable name for c, or the raw code if
// it is somehow not in the catalog.
func (c Code) DisplayName() string {
	if name, ok := catalog[c]; ok {
		return name
	}
	return string(c)
}

// All returns every catalog code in stable (sorted) order.
func All() []Code {
	out := make([]Code, 0, len(catalog))
	for c := range catalog {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
