// Package labels implements negation resolution for moderation label
// assertions. Labels are stored verbatim and never evaluated; the only
// logic here is deciding which assertion wins each key.
package labels

import (
	"fmt"
	"sort"
	"time"
)

// Assertion is one label event from a labeler.
type Assertion struct {
	URI       string
	Src       string
	Subject   string
	Val       string
	Neg       bool
	CreatedAt time.Time
}

// Key identifies the label an assertion targets.
func (a Assertion) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%s", a.Src, a.Subject, a.Val)
}

// Resolve reduces a batch of assertions to one winner per key: the
// assertion with the highest timestamp, negations included. Arrival
// order is irrelevant; equal timestamps favor the later arrival.
// Winners come back in timestamp order so callers can apply them as a
// stream.
func Resolve(assertions []Assertion) []Assertion {
	sorted := make([]Assertion, len(assertions))
	copy(sorted, assertions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	latest := make(map[string]int, len(sorted))
	var order []Assertion
	for _, a := range sorted {
		key := a.Key()
		if idx, ok := latest[key]; ok {
			order[idx] = Assertion{} // superseded
		}
		latest[key] = len(order)
		order = append(order, a)
	}

	out := order[:0]
	for _, a := range order {
		if a.Src != "" {
			out = append(out, a)
		}
	}
	return out
}
