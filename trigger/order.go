package trigger

import (
	"sort"
	"time"
)

// Candidate is a trigger considered for acquisition or misfire handling.
type Candidate struct {
	Key          Key
	NextFireTime time.Time
	Priority     int
}

// Less is the total acquisition order: earliest next fire time first, then
// higher priority, then name and group ascending as tie-breakers.
func Less(a, b Candidate) bool {
	if !a.NextFireTime.Equal(b.NextFireTime) {
		return a.NextFireTime.Before(b.NextFireTime)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Key.Name != b.Key.Name {
		return a.Key.Name < b.Key.Name
	}
	return a.Key.Group < b.Key.Group
}

// SortCandidates orders cs by Less.
func SortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}

// SortKeys orders keys by group then name.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
}
