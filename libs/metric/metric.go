// Package metric exposes the runtime counters of a node's components
// behind string labels so the RPC layer can serve any of them as JSON.
package metric

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrLabelTaken is returned when two components register the same label.
var ErrLabelTaken = errors.New("metric label already registered")

// Item is a component's metric surface, rendered as a JSON document of
// its current counters.
type Item interface {
	JSONString() string
}

// Set maps labels to the metric items of a node's components.
type Set struct {
	mtx   sync.RWMutex
	items map[string]Item
}

func NewSet() *Set {
	return &Set{
		items: make(map[string]Item),
	}
}

// Register binds item under label. Labels are single-assignment.
func (s *Set) Register(label string, item Item) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.items[label]; ok {
		return errors.Wrap(ErrLabelTaken, label)
	}
	s.items[label] = item
	return nil
}

func (s *Set) Has(label string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.items[label]
	return ok
}

// Get returns the item registered under label, or nil.
func (s *Set) Get(label string) Item {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.items[label]
}

// Labels lists the registered labels in sorted order.
func (s *Set) Labels() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	labels := make([]string, 0, len(s.items))
	for label := range s.items {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
