package reconcile

import (
	"strconv"
	"sync"
	"time"
)

// IDSource hands out strictly increasing nanosecond stamps, so ids built
// from them never repeat within a process even when the clock stalls.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewIDSource(now func() time.Time) *IDSource {
	if now == nil {
		now = time.Now
	}
	return &IDSource{now: now}
}

// Stamp returns the next stamp.
func (g *IDSource) Stamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.now().UnixNano()
	if s <= g.last {
		s = g.last + 1
	}
	g.last = s
	return s
}

// Now is the clock behind the stamps.
func (g *IDSource) Now() time.Time { return g.now() }

func entryID(stamp int64, group, t int) string {
	return strconv.FormatInt(stamp, 10) + "-" + strconv.Itoa(group) + "-" + strconv.Itoa(t)
}

func bagEntryID(stamp int64, ordinal, t int) string {
	return entryID(stamp, ordinal, t) + "-bag"
}
