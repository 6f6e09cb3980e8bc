// Package guid generates the unique identifiers used as natural keys for
// history rows. A guid is a base36 millisecond timestamp followed by a
// random base36 suffix, so guids sort roughly by creation order and are
// collision-resistant across independent generators (server and addon).
package guid

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/guildops/sanity-tracker/internal/clock"
)

const (
	// prefixLen fits millisecond timestamps in base36 until year 5138,
	// keeping guids a fixed width so they sort lexicographically by
	// creation time.
	prefixLen = 9
	suffixLen = 8
)

// Generator produces guids using the injected clock.
type Generator struct {
	clock clock.Clock
}

// NewGenerator returns a Generator backed by clk.
func NewGenerator(clk clock.Clock) *Generator {
	return &Generator{clock: clk}
}

// New returns a fresh guid.
func (g *Generator) New() string {
	ts := strconv.FormatInt(g.clock.Now().UnixMilli(), 36)
	for len(ts) < prefixLen {
		ts = "0" + ts
	}
	return ts + "-" + randomSuffix()
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a zero suffix rather than panic in a background job.
		return "00000000"
	}
	n := binary.BigEndian.Uint64(b[:])
	s := strconv.FormatUint(n, 36)
	if len(s) > suffixLen {
		s = s[:suffixLen]
	}
	for len(s) < suffixLen {
		s = "0" + s
	}
	return s
}
