// Package reconcile turns prescription and medicine-bag scans into reminders.
//
// A prescription scan yields drugs with suggested times. Each (drug, time)
// pair becomes an Entry. Medicine-bag readings then correct the times of the
// drugs they name, and the final entries are grouped by time into reminders.
package reconcile

import (
	"strings"

	"medicare/pkg/domain"
)

// Entry is one candidate (drug, time) row of a review session.
type Entry struct {
	ID   string               `json:"id"`
	Item domain.ExtractedItem `json:"item"`
	Time string               `json:"time"`
}

// Normalize lowercases s and keeps only a-z, 0-9 and CJK ideographs in
// U+4E00..U+9FA5.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r >= 0x4E00 && r <= 0x9FA5:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MatchKind classifies how a bag reading related to the entries.
type MatchKind string

const (
	NoMatch             MatchKind = "no_match"
	SingleMatch         MatchKind = "single_match"
	MultiMatchCollapsed MatchKind = "multi_match_collapsed"
)

// Match returns the indexes of entries the bag name refers to. An entry
// matches when either normalized name contains the other, or when the bag
// name contains the entry's normalized NHI code. An empty normalized name
// is contained in every string, so it matches everything.
func Match(entries []Entry, bagName string) []int {
	bagNorm := Normalize(bagName)
	var idx []int
	for i, e := range entries {
		nameNorm := Normalize(e.Item.Name)
		codeNorm := Normalize(e.Item.NHICode)
		byName := strings.Contains(nameNorm, bagNorm) || strings.Contains(bagNorm, nameNorm)
		byCode := codeNorm != "" && strings.Contains(bagNorm, codeNorm)
		if byName || byCode {
			idx = append(idx, i)
		}
	}
	return idx
}

func classify(n int) MatchKind {
	switch {
	case n == 0:
		return NoMatch
	case n == 1:
		return SingleMatch
	default:
		return MultiMatchCollapsed
	}
}
