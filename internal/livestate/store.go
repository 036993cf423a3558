// Package livestate holds the latest trade price and the traded volume
// accumulated since the last drain, per lowercase exchange pair.
package livestate

import (
	"strings"
	"sync"
)

type slot struct {
	price  float64
	volume float64
}

// Store is safe for one writer and many readers.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates a store pre-seeded with zero entries for symbols.
func New(symbols ...string) *Store {
	s := &Store{slots: make(map[string]*slot, len(symbols))}
	for _, sym := range symbols {
		s.slots[normalize(sym)] = &slot{}
	}
	return s
}

func normalize(symbol string) string { return strings.ToLower(strings.TrimSpace(symbol)) }

// Observe overwrites the last price and adds volumeDelta to the accumulated volume.
func (s *Store) Observe(symbol string, price, volumeDelta float64) {
	key := normalize(symbol)
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{}
		s.slots[key] = sl
	}
	sl.price = price
	sl.volume += volumeDelta
	s.mu.Unlock()
}

// Price returns the last observed price. ok is false when nothing has been
// observed for symbol yet.
func (s *Store) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[normalize(symbol)]
	if !ok || sl.price == 0 {
		return 0, false
	}
	return sl.price, true
}

// DrainVolume returns the accumulated volume and resets it to zero.
func (s *Store) DrainVolume(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[normalize(symbol)]
	if !ok {
		return 0
	}
	v := sl.volume
	sl.volume = 0
	return v
}

// NonZeroPrices returns a snapshot of every symbol with a price.
func (s *Store) NonZeroPrices() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for k, sl := range s.slots {
		if sl.price != 0 {
			out[k] = sl.price
		}
	}
	return out
}

// NonZeroVolumes returns a snapshot of every symbol with undrained volume.
func (s *Store) NonZeroVolumes() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64)
	for k, sl := range s.slots {
		if sl.volume != 0 {
			out[k] = sl.volume
		}
	}
	return out
}
