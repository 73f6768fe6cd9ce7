package store

import (
	"fmt"
	"sync"
	"time"

	"pdfcast/internal/models"
)

// registry is an append-only, name-keyed collection with "latest" selection.
type registry[T any] struct {
	mu       sync.RWMutex
	items    map[string]T
	resource string
	name     func(T) string
	stamp    func(T) time.Time
}

func newRegistry[T any](resource string, name func(T) string, stamp func(T) time.Time) *registry[T] {
	return &registry[T]{
		items:    make(map[string]T),
		resource: resource,
		name:     name,
		stamp:    stamp,
	}
}

func (r *registry[T]) register(item T) error {
	key := r.name(item)
	if key == "" {
		return fmt.Errorf("%s name is required", r.resource)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[key]; exists {
		return fmt.Errorf("%s %q already registered", r.resource, key)
	}
	r.items[key] = item
	return nil
}

// latest picks the maximum stamp; equal stamps resolve to the greatest name.
func (r *registry[T]) latest() (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best     T
		bestName string
		found    bool
	)
	for name, item := range r.items {
		if !found || newer(r.stamp(item), name, r.stamp(best), bestName) {
			best, bestName, found = item, name, true
		}
	}
	if !found {
		return best, &models.NotFoundError{Resource: r.resource}
	}
	return best, nil
}

func newer(at time.Time, name string, bestAt time.Time, bestName string) bool {
	if at.Equal(bestAt) {
		return name > bestName
	}
	return at.After(bestAt)
}

func (r *registry[T]) get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	if !ok {
		return item, &models.NotFoundError{Resource: r.resource}
	}
	return item, nil
}

func (r *registry[T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
