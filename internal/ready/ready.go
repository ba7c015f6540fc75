// Package ready tracks which trip members have signaled completion of the
// current phase.
package ready

import "sort"

// Set holds the user IDs that are ready for one occurrence of a phase. It is
// not safe for concurrent use; the owning trip runtime serializes access.
type Set struct {
	users map[string]struct{}
}

// NewSet returns an empty readiness set.
func NewSet() *Set {
	return &Set{users: make(map[string]struct{})}
}

// Mark records user as ready. Marking twice is a no-op; the return value
// reports whether the set changed.
func (s *Set) Mark(user string) bool {
	if _, ok := s.users[user]; ok {
		return false
	}
	s.users[user] = struct{}{}
	return true
}

// Unmark withdraws a readiness signal. Unmarking an absent user is a no-op.
func (s *Set) Unmark(user string) bool {
	if _, ok := s.users[user]; !ok {
		return false
	}
	delete(s.users, user)
	return true
}

// Contains reports whether user is currently ready.
func (s *Set) Contains(user string) bool {
	_, ok := s.users[user]
	return ok
}

// Count returns the number of ready users.
func (s *Set) Count() int {
	return len(s.users)
}

// Users returns the ready user IDs in sorted order.
func (s *Set) Users() []string {
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// AllReady reports whether every one of total members is ready. Members who
// never connected still count against the denominator.
func (s *Set) AllReady(total int) bool {
	return total >= 1 && len(s.users) == total
}
