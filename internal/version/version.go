// Package version holds the daemon version and the node firmware range it
// can talk to.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Version of meshlinkd.
	Version = "0.2.0"
	// MinFirmware and MaxFirmware bound the supported node firmware, inclusive.
	MinFirmware = "0.2.0"
	MaxFirmware = "1.0.0"
)

// Compare compares dotted numeric versions. Missing components count as 0,
// so "1.0" equals "1.0.0". It returns -1, 0 or 1.
func Compare(a, b string) (int, error) {
	pa, err := parse(a)
	if err != nil {
		return 0, err
	}
	pb, err := parse(b)
	if err != nil {
		return 0, err
	}
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
	}
	return 0, nil
}

// FirmwareCompatible reports whether v lies within [MinFirmware, MaxFirmware].
func FirmwareCompatible(v string) bool {
	lo, err := Compare(v, MinFirmware)
	if err != nil {
		return false
	}
	hi, err := Compare(v, MaxFirmware)
	if err != nil {
		return false
	}
	return lo >= 0 && hi <= 0
}

func parse(v string) ([]int, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil, fmt.Errorf("version: empty")
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("version: bad component %q in %q", p, v)
		}
		out[i] = n
	}
	return out, nil
}
