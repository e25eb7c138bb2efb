package reconcile

import (
	"strconv"

	"medicare/pkg/domain"
)

// Flatten makes one entry per (item, suggested time) pair, in item order and
// then time order. Items without times produce no entries.
func Flatten(items []domain.ExtractedItem, ids *IDSource) []Entry {
	stamp := ids.Stamp()
	out := make([]Entry, 0, len(items))
	for i, item := range items {
		for t, at := range item.SuggestedTimes {
			out = append(out, Entry{ID: entryID(stamp, i, t), Item: item, Time: at})
		}
	}
	return out
}

// BagOutcome reports what one bag reading did.
type BagOutcome struct {
	Bag     domain.BagReading `json:"bag"`
	Kind    MatchKind         `json:"kind"`
	Removed []string          `json:"removed,omitempty"`
	Added   []string          `json:"added,omitempty"`
}

// BagReport summarises a batch of bag readings.
type BagReport struct {
	Outcomes  []BagOutcome `json:"outcomes"`
	Matched   int          `json:"matched"`
	Unmatched int          `json:"unmatched"`
}

// ApplyBags applies readings in the given order. For a reading that matches,
// the first matched entry's item becomes authoritative, every matched entry
// is removed and one entry per reading time is appended. Readings without a
// name or times, and readings that match nothing, leave entries unchanged.
// A later reading may rewrite entries an earlier one produced.
func ApplyBags(entries []Entry, readings []domain.BagReading, ids *IDSource) ([]Entry, BagReport) {
	stamp := ids.Stamp()
	working := append([]Entry(nil), entries...)
	report := BagReport{Outcomes: make([]BagOutcome, 0, len(readings))}

	for _, bag := range readings {
		outcome := BagOutcome{Bag: bag, Kind: NoMatch}
		var matched []int
		if !bag.Empty() {
			matched = Match(working, bag.Name)
		}
		if len(matched) == 0 {
			report.Unmatched++
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		report.Matched++
		outcome.Kind = classify(len(matched))
		base := working[matched[0]].Item

		drop := make(map[int]bool, len(matched))
		for _, i := range matched {
			drop[i] = true
			outcome.Removed = append(outcome.Removed, working[i].ID)
		}
		kept := make([]Entry, 0, len(working))
		for i, e := range working {
			if !drop[i] {
				kept = append(kept, e)
			}
		}
		for t, at := range bag.Times {
			e := Entry{ID: bagEntryID(stamp, report.Matched, t), Item: base, Time: at}
			kept = append(kept, e)
			outcome.Added = append(outcome.Added, e.ID)
		}
		working = kept
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return working, report
}

// Group builds one reminder per distinct time, in order of first appearance.
// Items keep their entry order inside a group.
func Group(entries []Entry, ids *IDSource) []domain.Reminder {
	createdAt := ids.Now().UnixMilli()
	var order []string
	groups := map[string][]Entry{}
	for _, e := range entries {
		if _, ok := groups[e.Time]; !ok {
			order = append(order, e.Time)
		}
		groups[e.Time] = append(groups[e.Time], e)
	}

	out := make([]domain.Reminder, 0, len(order))
	for _, at := range order {
		members := groups[at]
		items := make([]domain.MedicationItem, 0, len(members))
		for _, e := range members {
			img := e.Item.ImageURL
			if img == "" {
				img = domain.DefaultImage
			}
			items = append(items, domain.MedicationItem{
				ID:             domain.ID(e.ID),
				Name:           e.Item.Name,
				Dosage:         e.Item.Dosage,
				ReferenceImage: img,
				NHICode:        e.Item.NHICode,
			})
		}
		out = append(out, domain.Reminder{
			ID:        domain.ID(strconv.FormatInt(ids.Stamp(), 10)),
			Time:      at,
			Type:      domain.TypeMedicine,
			AudioNote: "",
			SubItems:  items,
			CreatedAt: createdAt,
		})
	}
	return out
}
