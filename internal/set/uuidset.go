// Package set provides small collection types used by the grouping and
// journey code.
package set

import "github.com/google/uuid"

// UUIDSet stores UUIDs uniquely while preserving insertion order.
type UUIDSet struct {
	elements map[uuid.UUID]struct{}
	order    []uuid.UUID
}

// NewUUIDSet creates an empty UUIDSet.
func NewUUIDSet() *UUIDSet {
	return &UUIDSet{elements: make(map[uuid.UUID]struct{})}
}

// Add inserts id unless it is already present.
func (s *UUIDSet) Add(id uuid.UUID) {
	if s.Has(id) {
		return
	}
	s.elements[id] = struct{}{}
	s.order = append(s.order, id)
}

// Has reports whether id was previously added.
func (s *UUIDSet) Has(id uuid.UUID) bool {
	_, ok := s.elements[id]
	return ok
}

// Size returns the number of stored UUIDs.
func (s *UUIDSet) Size() int {
	return len(s.elements)
}

// Slice returns the stored UUIDs in insertion order.
func (s *UUIDSet) Slice() []uuid.UUID {
	return append([]uuid.UUID(nil), s.order...)
}
