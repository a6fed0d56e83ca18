package blockstore

import (
	"sync"

	"github.com/ipfs/go-cid"
)

// Set is a concurrency safe set of cids.
type Set struct {
	set map[cid.Cid]struct{}
	lk  sync.Mutex
}

// NewSet initializes and returns a new Set.
func NewSet() *Set {
	return &Set{set: make(map[cid.Cid]struct{})}
}

// Add puts a Cid in the Set.
func (s *Set) Add(c cid.Cid) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.set[c] = struct{}{}
}

// Has returns if the Set contains a given Cid.
func (s *Set) Has(c cid.Cid) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.set[c]
	return ok
}

// Len returns how many elements the Set has.
func (s *Set) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.set)
}

// Visit adds c and reports whether it was absent.
func (s *Set) Visit(c cid.Cid) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.set[c]; ok {
		return false
	}
	s.set[c] = struct{}{}
	return true
}
