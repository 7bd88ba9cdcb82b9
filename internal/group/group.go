// Package group implements the durable clustering unit for crash and ANR
// occurrences and the query-time ranking applied when listing groups.
package group

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IssueKind distinguishes crash groups from ANR groups.
type IssueKind string

const (
	IssueCrash IssueKind = "crash"
	IssueANR   IssueKind = "anr"
)

// Contribution is a percentage value that serializes NaN as null. A NaN
// contribution signals that the ranked set had no matching occurrences to
// divide by; it is never silently reported as zero.
type Contribution float64

// MarshalJSON renders NaN as null because JSON has no NaN literal.
func (c Contribution) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(c)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(c))
}

// Group clusters occurrences sharing a fingerprint. The member id list only
// grows through ingestion; the id never changes once assigned.
type Group struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	AppID       uuid.UUID    `json:"app_id" db:"app_id"`
	Kind        IssueKind    `json:"-" db:"kind"`
	Name        string       `json:"name" db:"name"`
	Fingerprint string       `json:"fingerprint" db:"fingerprint"`
	Count       int          `json:"count" db:"count"`
	EventIDs    []uuid.UUID  `json:"event_ids,omitempty" db:"event_ids"`
	Percentage  Contribution `json:"percentage_contribution" db:"-"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// MatchingEventCount counts how many of the candidate ids are members of the
// group.
func (g Group) MatchingEventCount(candidates []uuid.UUID) int {
	if len(g.EventIDs) == 0 || len(candidates) == 0 {
		return 0
	}
	members := make(map[uuid.UUID]struct{}, len(g.EventIDs))
	for _, id := range g.EventIDs {
		members[id] = struct{}{}
	}
	count := 0
	for _, id := range candidates {
		if _, ok := members[id]; ok {
			count++
		}
	}
	return count
}

// ComputeContribution sets each group's percentage contribution from its
// matched count relative to the whole slice, rounded to two decimal places.
// When the total is zero every percentage is NaN.
func ComputeContribution(groups []Group) {
	total := 0
	for i := range groups {
		total += groups[i].Count
	}

	for i := range groups {
		if total == 0 {
			groups[i].Percentage = Contribution(math.NaN())
			continue
		}
		pct := float64(groups[i].Count) / float64(total) * 100
		groups[i].Percentage = Contribution(math.Round(pct*100) / 100)
	}
}

// SortGroups orders groups descending by matched count, breaking ties by id
// ascending. The order is total, which keyset pagination relies on.
func SortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return strings.Compare(groups[i].ID.String(), groups[j].ID.String()) < 0
	})
}

// PaginateGroups slices a ranked group list around the filter's cursor and
// reports whether more results exist in either direction. A positive limit
// pages forward from the cursor, a negative limit backward. An unknown or
// absent cursor starts from the beginning.
func PaginateGroups(groups []Group, keyID string, limit int) (page []Group, next bool, previous bool) {
	page = []Group{}
	if len(groups) == 0 || limit == 0 {
		return
	}

	cursor := -1
	if keyID != "" {
		for i := range groups {
			if groups[i].ID.String() == keyID {
				cursor = i
				break
			}
		}
	}

	if limit > 0 {
		start := cursor + 1
		end := start + limit
		if end > len(groups) {
			end = len(groups)
		}
		if start < len(groups) {
			page = groups[start:end]
		}
		next = end < len(groups)
		previous = start > 0
		return
	}

	// Backward paging: the cursor element itself is excluded.
	if cursor < 0 {
		return
	}
	start := cursor + limit // limit is negative
	if start < 0 {
		start = 0
	}
	page = groups[start:cursor]
	next = cursor < len(groups)
	previous = start > 0
	return
}
