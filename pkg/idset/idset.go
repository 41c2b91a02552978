// Package idset implements a compact set of small unsigned integers
// ("ranks") with a canonical run-length-encoded textual form, modeled on
// Flux's idset_t. It backs the resource monitor's up/torpid/lost tracking.
package idset

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// IdSet is a set of ranks in [0, capacity). The zero value is not usable;
// construct with New or Decode.
type IdSet struct {
	bits     big.Int
	capacity uint
}

// ParseError reports a malformed idset string.
type ParseError struct {
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("idset: invalid %q: %s", e.Input, e.Msg)
}

// New returns an empty set with room for ranks in [0, capacity).
func New(capacity uint) *IdSet {
	return &IdSet{capacity: capacity}
}

// Capacity returns the configured capacity.
func (s *IdSet) Capacity() uint {
	return s.capacity
}

// Copy returns an independent copy of s.
func (s *IdSet) Copy() *IdSet {
	out := &IdSet{capacity: s.capacity}
	out.bits.Set(&s.bits)
	return out
}

// Set adds id to the set. id must be < capacity.
func (s *IdSet) Set(id uint) {
	s.bits.SetBit(&s.bits, int(id), 1)
}

// Clear removes id from the set.
func (s *IdSet) Clear(id uint) {
	s.bits.SetBit(&s.bits, int(id), 0)
}

// Test reports whether id is a member.
func (s *IdSet) Test(id uint) bool {
	return s.bits.Bit(int(id)) == 1
}

// RangeSet sets every id in [lo, hi].
func (s *IdSet) RangeSet(lo, hi uint) {
	for i := lo; i <= hi; i++ {
		s.Set(i)
	}
}

// Count returns the number of members.
func (s *IdSet) Count() int {
	n := 0
	for i := 0; i < int(s.capacity); i++ {
		if s.bits.Bit(i) == 1 {
			n++
		}
	}
	return n
}

// Empty reports whether the set has no members.
func (s *IdSet) Empty() bool {
	return s.bits.Sign() == 0
}

// Add sets every member of other into s (union in place).
func (s *IdSet) Add(other *IdSet) {
	s.bits.Or(&s.bits, &other.bits)
}

// SubtractSet removes every member of other from s.
func (s *IdSet) SubtractSet(other *IdSet) {
	s.bits.AndNot(&s.bits, &other.bits)
}

// Difference returns a new set containing members of a not in b (a \ b).
func Difference(a, b *IdSet) *IdSet {
	out := &IdSet{capacity: a.capacity}
	out.bits.AndNot(&a.bits, &b.bits)
	return out
}

// Intersect returns a new set containing members present in both a and b.
func Intersect(a, b *IdSet) *IdSet {
	out := &IdSet{capacity: a.capacity}
	out.bits.And(&a.bits, &b.bits)
	return out
}

// Union returns a new set containing members of either a or b.
func Union(a, b *IdSet) *IdSet {
	out := &IdSet{capacity: a.capacity}
	out.bits.Or(&a.bits, &b.bits)
	return out
}

// Equal reports whether a and b have the same members.
func Equal(a, b *IdSet) bool {
	return a.bits.Cmp(&b.bits) == 0
}

// members returns the sorted list of set ranks.
func (s *IdSet) members() []uint {
	var out []uint
	for i := 0; i < int(s.capacity); i++ {
		if s.bits.Bit(i) == 1 {
			out = append(out, uint(i))
		}
	}
	return out
}

// Encode returns the canonical range-compressed textual form, e.g. "0-3,7".
// An empty set encodes as "".
func (s *IdSet) Encode() string {
	ids := s.members()
	if len(ids) == 0 {
		return ""
	}
	var parts []string
	start := ids[0]
	prev := ids[0]
	flush := func(end uint) {
		if start == end {
			parts = append(parts, strconv.FormatUint(uint64(start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
		}
	}
	for _, id := range ids[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush(prev)
		start = id
		prev = id
	}
	flush(prev)
	return strings.Join(parts, ",")
}

// Decode parses s (as produced by Encode, or any comma list of ids and
// id-id ranges) into a new IdSet of the given capacity.
func Decode(s string, capacity uint) (*IdSet, error) {
	out := New(capacity)
	if s == "" {
		return out, nil
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, &ParseError{Input: s, Msg: "empty field"}
		}
		if i := strings.IndexByte(field, '-'); i >= 0 {
			loStr, hiStr := field[:i], field[i+1:]
			lo, err := strconv.ParseUint(loStr, 10, 64)
			if err != nil {
				return nil, &ParseError{Input: s, Msg: fmt.Sprintf("bad range start %q", loStr)}
			}
			hi, err := strconv.ParseUint(hiStr, 10, 64)
			if err != nil {
				return nil, &ParseError{Input: s, Msg: fmt.Sprintf("bad range end %q", hiStr)}
			}
			if hi < lo {
				return nil, &ParseError{Input: s, Msg: fmt.Sprintf("range %d-%d descending", lo, hi)}
			}
			if hi >= uint64(capacity) {
				return nil, &ParseError{Input: s, Msg: fmt.Sprintf("id %d exceeds capacity %d", hi, capacity)}
			}
			out.RangeSet(uint(lo), uint(hi))
			continue
		}
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, &ParseError{Input: s, Msg: fmt.Sprintf("bad id %q", field)}
		}
		if id >= uint64(capacity) {
			return nil, &ParseError{Input: s, Msg: fmt.Sprintf("id %d exceeds capacity %d", id, capacity)}
		}
		out.Set(uint(id))
	}
	return out, nil
}

// DecodeSubtract parses s and subtracts the resulting set from target in
// one step. On parse error target is left unchanged.
func DecodeSubtract(target *IdSet, s string) error {
	other, err := Decode(s, target.capacity)
	if err != nil {
		return err
	}
	target.SubtractSet(other)
	return nil
}

// Ranks returns the sorted member list (for tests and logging).
func (s *IdSet) Ranks() []uint {
	m := s.members()
	sort.Slice(m, func(i, j int) bool { return m[i] < m[j] })
	return m
}

func (s *IdSet) String() string {
	return s.Encode()
}
