// Package filter provides the per-shard probabilistic membership filter.
//
// A Bloom filter can tell us definitively that an id is NOT in a shard, but
// may report false positives for ids that are absent. For the cache this is
// exactly what is needed:
//
//   - If the filter says "not present" -> skip the shard (100% correct)
//   - If the filter says "maybe present" -> fall through to the authoritative
//     record lookup under the shard lock
//
// The filter is append-only within a shard's lifetime: removing a record does
// not retract its bits. It is an existence hint, never authoritative.
package filter

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrCorruptedFilter indicates the serialized filter data is invalid.
var ErrCorruptedFilter = errors.New("filter: corrupted bloom filter data")

// Bloom is a space-efficient probabilistic membership filter over record ids.
//
// Key properties:
//   - Zero false negatives: after Add(id), MayContain(id) is always true
//   - Bounded false positive rate, set by bit-array size and hash count
//   - O(k) lookup where k = number of hash functions
type Bloom struct {
	bits    []uint64 // bit array (words)
	numBits uint64   // total bits (for modulo)
	k       uint32   // number of hash functions
	count   uint64   // number of ids added
}

// Size computes the bit-array size and hash-function count for the given
// expected element count and target false-positive rate.
func Size(expectedElements int, falsePositiveRate float64) (numBits uint64, k uint32) {
	if expectedElements <= 0 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// Optimal number of bits: m = -n*ln(p) / (ln(2)^2)
	ln2Sq := math.Ln2 * math.Ln2
	m := float64(-expectedElements) * math.Log(falsePositiveRate) / ln2Sq

	// Optimal number of hash functions: k = (m/n) * ln(2)
	kFloat := (m / float64(expectedElements)) * math.Ln2

	// Round bits up to a multiple of 64 for word alignment.
	numBits = ((uint64(m) + 63) / 64) * 64
	if numBits < 64 {
		numBits = 64
	}

	k = uint32(math.Ceil(kFloat))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return numBits, k
}

// New creates a Bloom filter sized for expectedElements at the given
// false-positive rate.
func New(expectedElements int, falsePositiveRate float64) *Bloom {
	numBits, k := Size(expectedElements, falsePositiveRate)
	return NewWithSize(numBits, k)
}

// NewWithSize creates a Bloom filter with an explicit size and hash count.
func NewWithSize(numBits uint64, k uint32) *Bloom {
	if numBits < 64 {
		numBits = 64
	}
	numBits = ((numBits + 63) / 64) * 64
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}

	return &Bloom{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// Add inserts an id into the filter.
// After Add(id), MayContain(id) always returns true.
func (b *Bloom) Add(id uint64) {
	h1, h2 := bloomHash(id)
	for i := uint32(0); i < b.k; i++ {
		// Double hashing: h(i) = h1 + i*h2
		bit := (h1 + uint64(i)*h2) % b.numBits
		b.bits[bit/64] |= 1 << (bit % 64)
	}
	b.count++
}

// MayContain checks whether an id might be in the filter.
// Returns false: definitely not present. Returns true: maybe present.
func (b *Bloom) MayContain(id uint64) bool {
	h1, h2 := bloomHash(id)
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.numBits
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of ids added to the filter.
func (b *Bloom) Count() uint64 {
	return b.count
}

// EstimatedFalsePositiveRate returns the estimated false positive rate
// based on the current fill ratio.
func (b *Bloom) EstimatedFalsePositiveRate() float64 {
	if b.count == 0 {
		return 0
	}
	// FPR ≈ (1 - e^(-k*n/m))^k
	kn := float64(b.k) * float64(b.count)
	m := float64(b.numBits)
	return math.Pow(1-math.Exp(-kn/m), float64(b.k))
}

// SizeBytes returns the memory size of the bit array in bytes.
func (b *Bloom) SizeBytes() int {
	return len(b.bits) * 8
}

// Clear resets the filter to its empty state.
func (b *Bloom) Clear() {
	for i := range b.bits {
		b.bits[i] = 0
	}
	b.count = 0
}

// WriteTo serializes the filter to w.
func (b *Bloom) WriteTo(w io.Writer) (int64, error) {
	var written int64

	// Header: numBits (8) + k (4) + reserved (4) + count (8) = 24 bytes
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:8], b.numBits)
	binary.LittleEndian.PutUint32(header[8:12], b.k)
	binary.LittleEndian.PutUint64(header[16:24], b.count)

	n, err := w.Write(header[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	buf := make([]byte, 8)
	for _, word := range b.bits {
		binary.LittleEndian.PutUint64(buf, word)
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// ReadFilter deserializes a filter from r.
func ReadFilter(r io.Reader) (*Bloom, error) {
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	numBits := binary.LittleEndian.Uint64(header[0:8])
	k := binary.LittleEndian.Uint32(header[8:12])
	count := binary.LittleEndian.Uint64(header[16:24])

	if numBits < 64 || numBits%64 != 0 {
		return nil, ErrCorruptedFilter
	}
	if k < 1 || k > 16 {
		return nil, ErrCorruptedFilter
	}

	bits := make([]uint64, numBits/64)
	buf := make([]byte, 8)
	for i := range bits {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		bits[i] = binary.LittleEndian.Uint64(buf)
	}

	return &Bloom{
		bits:    bits,
		numBits: numBits,
		k:       k,
		count:   count,
	}, nil
}

// bloomHash derives two independent hash values from an id for double
// hashing, using two rounds of the splitmix64 finalizer.
func bloomHash(id uint64) (h1, h2 uint64) {
	h1 = mix64(id)
	h2 = mix64(id ^ 0x9e3779b97f4a7c15)
	// Ensure h2 is odd for better double hashing.
	h2 |= 1
	return h1, h2
}

func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
