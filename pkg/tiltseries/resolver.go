package tiltseries

import (
	"fmt"
	"regexp"
	"strconv"
)

// Resolver derives tilt-series membership from item names.
//
// The pattern must define two named capture groups: "series" captures the
// series identifier and "order" captures the 0-based acquisition order as a
// decimal integer. Names that do not match the pattern are treated as single
// micrographs. A typical acquisition pattern:
//
//	(?P<series>TS_\d+)_(?P<order>\d+)\.mrc$
type Resolver struct {
	re        *regexp.Regexp
	seriesIdx int
	orderIdx  int
}

// NewResolver compiles the pattern and verifies both named groups exist.
func NewResolver(pattern string) (*Resolver, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("tilt-series pattern: %w", err)
	}

	seriesIdx, orderIdx := -1, -1
	for i, name := range re.SubexpNames() {
		switch name {
		case "series":
			seriesIdx = i
		case "order":
			orderIdx = i
		}
	}
	if seriesIdx < 0 {
		return nil, fmt.Errorf("tilt-series pattern %q: missing named group 'series'", pattern)
	}
	if orderIdx < 0 {
		return nil, fmt.Errorf("tilt-series pattern %q: missing named group 'order'", pattern)
	}

	return &Resolver{re: re, seriesIdx: seriesIdx, orderIdx: orderIdx}, nil
}

// Resolve extracts (seriesID, acquisitionOrder) from an item name. The third
// return is false when the name does not identify a tilt frame: the pattern
// does not match, the series capture is empty, or the order capture is not a
// non-negative integer.
func (r *Resolver) Resolve(name string) (string, int, bool) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}

	seriesID := m[r.seriesIdx]
	if seriesID == "" {
		return "", 0, false
	}

	order, err := strconv.Atoi(m[r.orderIdx])
	if err != nil || order < 0 {
		return "", 0, false
	}

	return seriesID, order, true
}

// Pattern returns the source text of the configured pattern.
func (r *Resolver) Pattern() string {
	return r.re.String()
}
