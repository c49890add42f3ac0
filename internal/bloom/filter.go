// Package bloom implements the event-ID membership filter the store consults
// before touching SQLite during ingestion.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter keyed by murmur3-128 double hashing.
// Contains never returns false for an added key.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with at least numBits bits and numHashes hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	words := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, words),
		numBits:   uint64(words * 64),
		numHashes: uint64(numHashes),
	}
}

// NewForCapacity sizes a filter for expected keys at the target false
// positive rate: m = -n ln(p) / ln(2)^2, k = (m/n) ln(2).
func NewForCapacity(expected int, fpr float64) *Filter {
	if expected <= 0 {
		expected = 1000
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	n := float64(expected)
	m := math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2))
	k := math.Ceil(m / n * math.Ln2)
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	return New(int(m), int(k))
}

// Add inserts key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// AddString inserts a string key.
func (f *Filter) AddString(key string) {
	f.Add([]byte(key))
}

// Contains reports whether key may have been added.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// ContainsString is Contains for string keys.
func (f *Filter) ContainsString(key string) bool {
	return f.Contains([]byte(key))
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// NumBits returns the filter size in bits.
func (f *Filter) NumBits() int {
	return int(f.numBits)
}

// EstimatedFPR is (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.numHashes), float64(f.count), float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
