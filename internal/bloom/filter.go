// Package bloom provides a bloom filter over 64-bit keys.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter answers approximate membership for uint64 keys. A key that was
// added always tests positive. Filter is not safe for concurrent writes.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with numBits bits (rounded up to a multiple of 64)
// and numHashes probes per key.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates sizes a filter for n keys at false positive rate p.
func NewWithEstimates(n int, p float64) *Filter {
	return New(OptimalParameters(n, p))
}

// OptimalParameters returns m = -n ln p / ln²2 bits and k = (m/n) ln 2
// probes.
func OptimalParameters(n int, p float64) (numBits, numHashes int) {
	if n <= 0 {
		n = 1000
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	numBits = max(int(math.Ceil(m)), 64)
	numHashes = max(int(math.Ceil(m/float64(n)*math.Ln2)), 1)
	return numBits, numHashes
}

func hash(key uint64) (uint64, uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return murmur3.Sum128(b[:])
}

// Add inserts key.
func (f *Filter) Add(key uint64) {
	h1, h2 := hash(key)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MayContain reports false only when key was never added.
func (f *Filter) MayContain(key uint64) bool {
	h1, h2 := hash(key)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) NumBits() int   { return int(f.numBits) }
func (f *Filter) NumHashes() int { return int(f.numHashes) }
func (f *Filter) Count() uint64  { return f.count }

// FalsePositiveRate estimates (1 - e^(-kn/m))^k from the keys added so far.
func (f *Filter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k, n, m := float64(f.numHashes), float64(f.count), float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
