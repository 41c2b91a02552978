package idset

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{"", "0", "0-3", "0-3,7", "1,3,5", "0-63"}
	for _, c := range cases {
		s, err := Decode(c, 64)
		if err != nil {
			t.Fatalf("decode %q: %v", c, err)
		}
		got := s.Encode()
		s2, err := Decode(got, 64)
		if err != nil {
			t.Fatalf("re-decode %q: %v", got, err)
		}
		if !Equal(s, s2) {
			t.Fatalf("round-trip mismatch for %q: got encode %q", c, got)
		}
	}
}

func TestEncodeCanonicalRanges(t *testing.T) {
	s := New(16)
	for _, id := range []uint{0, 1, 2, 3, 7, 9, 10} {
		s.Set(id)
	}
	want := "0-3,7,9-10"
	if got := s.Encode(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDecodeRejectsOutOfRange(t *testing.T) {
	if _, err := Decode("0-10", 4); err == nil {
		t.Fatalf("expected error for id exceeding capacity")
	}
	if _, err := Decode("abc", 4); err == nil {
		t.Fatalf("expected error for malformed id")
	}
	if _, err := Decode("5-2", 8); err == nil {
		t.Fatalf("expected error for descending range")
	}
}

func TestDifferenceAndCount(t *testing.T) {
	a, _ := Decode("0-3", 8)
	b, _ := Decode("2-5", 8)
	d := Difference(a, b)
	if got, want := d.Encode(), "0-1"; got != want {
		t.Fatalf("difference got %q want %q", got, want)
	}
	if d.Count() != 2 {
		t.Fatalf("count got %d want 2", d.Count())
	}
}

func TestAddSubtractSet(t *testing.T) {
	s, _ := Decode("0-3", 8)
	other, _ := Decode("1,2", 8)
	s.SubtractSet(other)
	if got, want := s.Encode(), "0,3"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	s.Add(other)
	if got, want := s.Encode(), "0-3"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDecodeSubtract(t *testing.T) {
	target, _ := Decode("0-7", 8)
	if err := DecodeSubtract(target, "2-4"); err != nil {
		t.Fatalf("decode-subtract: %v", err)
	}
	if got, want := target.Encode(), "0-1,5-7"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	before := target.Encode()
	if err := DecodeSubtract(target, "bogus!"); err == nil {
		t.Fatalf("expected parse error")
	}
	if got := target.Encode(); got != before {
		t.Fatalf("target mutated on parse error: got %q want %q", got, before)
	}
}

func TestRangeSetAndCopy(t *testing.T) {
	s := New(8)
	s.RangeSet(0, 7)
	if s.Count() != 8 {
		t.Fatalf("count got %d want 8", s.Count())
	}
	cp := s.Copy()
	cp.Clear(0)
	if !s.Test(0) {
		t.Fatalf("copy should be independent of original")
	}
}

func TestEmpty(t *testing.T) {
	s := New(8)
	if !s.Empty() {
		t.Fatalf("fresh set should be empty")
	}
	s.Set(3)
	if s.Empty() {
		t.Fatalf("set with a member should not be empty")
	}
}
