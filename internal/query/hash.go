package query

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Hash returns the descriptor's canonical identity as a hex SHA-256 digest.
// Only semantic fields participate: targets, metrics, time window, filters.
// Raw text and kind are excluded, so differently worded but semantically
// equal requests collapse to the same key.
func (d *Descriptor) Hash() string {
	var b strings.Builder

	b.WriteString("targets=")
	b.WriteString(strings.Join(sortedCopy(d.Targets), ","))
	b.WriteString(";metrics=")
	b.WriteString(strings.Join(sortedCopy(d.Metrics), ","))
	b.WriteString(";window=")
	b.WriteString(d.TimeWindow)
	b.WriteString(";filters=")

	keys := make([]string, 0, len(d.Filters))
	for k := range d.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(d.Filters[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
