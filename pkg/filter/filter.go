// Package filter holds the device denylist as a versioned bloom filter.
// The routing authority ships the whole structure; the gateway validates
// and swaps it atomically, so lookups never see a partial update and a
// corrupt refresh never displaces a working filter.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/observability/metrics"
)

var (
	ErrInvalid      = errors.New("invalid filter")
	ErrStaleVersion = errors.New("filter version not newer than current")
)

const (
	magic = 0x4c444e4c // "LDNL"

	// Header: magic u32 | version u32 | hash count u8 | bit count u32 |
	// xxhash64 of the bit array u64. Big endian throughout.
	headerLen = 4 + 4 + 1 + 4 + 8

	maxHashCount = 16
	maxBits      = 1 << 30
)

// Filter is one immutable denylist snapshot. Membership has no false
// negatives; the false-positive rate is set by the authority's choice of
// bit count and hash count.
type Filter struct {
	version   uint32
	hashCount uint8
	bitCount  uint32
	bits      []byte
}

// Parse validates wire bytes from the authority and returns the snapshot.
func Parse(raw []byte) (*Filter, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalid, len(raw))
	}
	if binary.BigEndian.Uint32(raw[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalid)
	}

	version := binary.BigEndian.Uint32(raw[4:8])
	hashCount := raw[8]
	bitCount := binary.BigEndian.Uint32(raw[9:13])
	sum := binary.BigEndian.Uint64(raw[13:21])

	if hashCount == 0 || hashCount > maxHashCount {
		return nil, fmt.Errorf("%w: hash count %d", ErrInvalid, hashCount)
	}
	if bitCount == 0 || bitCount > maxBits {
		return nil, fmt.Errorf("%w: bit count %d", ErrInvalid, bitCount)
	}

	bits := raw[headerLen:]
	if wantLen := int(bitCount+7) / 8; len(bits) != wantLen {
		return nil, fmt.Errorf("%w: bit array length %d, want %d", ErrInvalid, len(bits), wantLen)
	}
	if xxhash.Sum64(bits) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}

	return &Filter{
		version:   version,
		hashCount: hashCount,
		bitCount:  bitCount,
		bits:      append([]byte(nil), bits...),
	}, nil
}

func (f *Filter) Version() uint32 { return f.version }

// Contains reports probabilistic membership: always true for listed
// identifiers, occasionally true for unlisted ones.
func (f *Filter) Contains(id []byte) bool {
	for i := uint8(0); i < f.hashCount; i++ {
		h := murmur3.Sum64WithSeed(id, uint32(i))
		bit := h % uint64(f.bitCount)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Store hands out the current filter snapshot to concurrent readers and
// swaps in replacements wholesale.
type Store struct {
	log  *zap.SugaredLogger
	curr atomic.Pointer[Filter]
}

func NewStore() *Store {
	return &Store{log: zap.S().Named("filter")}
}

// Refresh validates raw filter bytes and installs them. On any validation
// failure the previous filter remains active.
func (s *Store) Refresh(raw []byte) error {
	f, err := Parse(raw)
	if err != nil {
		metrics.FilterRefreshRejected.Inc()
		s.log.Warnw("filter refresh rejected", "err", err)
		return err
	}

	if curr := s.curr.Load(); curr != nil && f.version <= curr.version {
		metrics.FilterRefreshRejected.Inc()
		s.log.Warnw("filter refresh rejected", "version", f.version, "current", curr.version)
		return fmt.Errorf("%w: got %d, have %d", ErrStaleVersion, f.version, curr.version)
	}

	s.curr.Store(f)
	metrics.FilterRefreshes.Inc()
	s.log.Infow("filter refreshed", "version", f.version, "bits", f.bitCount)
	return nil
}

// Contains checks the identifier against the current snapshot. Before any
// filter has been installed nothing is denylisted.
func (s *Store) Contains(id []byte) bool {
	f := s.curr.Load()
	if f == nil {
		return false
	}
	return f.Contains(id)
}

// Version returns the active filter version, zero if none installed.
func (s *Store) Version() uint32 {
	f := s.curr.Load()
	if f == nil {
		return 0
	}
	return f.version
}

// Build serializes a filter containing the given identifiers. The routing
// authority is the normal producer; this is used by it and by tests.
func Build(version uint32, hashCount uint8, bitCount uint32, ids [][]byte) []byte {
	bits := make([]byte, (bitCount+7)/8)
	for _, id := range ids {
		for i := uint8(0); i < hashCount; i++ {
			h := murmur3.Sum64WithSeed(id, uint32(i))
			bit := h % uint64(bitCount)
			bits[bit/8] |= 1 << (bit % 8)
		}
	}

	raw := make([]byte, headerLen+len(bits))
	binary.BigEndian.PutUint32(raw[0:4], magic)
	binary.BigEndian.PutUint32(raw[4:8], version)
	raw[8] = hashCount
	binary.BigEndian.PutUint32(raw[9:13], bitCount)
	binary.BigEndian.PutUint64(raw[13:21], xxhash.Sum64(bits))
	copy(raw[headerLen:], bits)
	return raw
}
