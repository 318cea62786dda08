package partition

import (
	"strconv"
	"testing"
)

func TestLane_Determinism(t *testing.T) {
	// Same input must always produce the same lane.
	key := Key("user-1", "course-v1:edX+DemoX+2026")
	lane := Lane(key, 8)
	for i := 0; i < 100; i++ {
		if got := Lane(key, 8); got != lane {
			t.Fatalf("Lane(%q, 8) = %d on iteration %d, want %d", key, got, i, lane)
		}
	}
}

func TestLane_Range(t *testing.T) {
	inputs := []string{"", "a", Key("user-1", "s"), Key("user-2", "s"), "very-long-enrollment-key-that-should-still-hash-correctly"}
	for _, n := range []int{1, 3, 16} {
		for _, s := range inputs {
			if p := Lane(s, n); p < 0 || p >= n {
				t.Errorf("Lane(%q, %d) = %d, want [0, %d)", s, n, p, n)
			}
		}
	}
}

func TestLane_NonPositiveCount(t *testing.T) {
	if got := Lane("anything", 0); got != 0 {
		t.Errorf("Lane(_, 0) = %d, want 0", got)
	}
	if got := Lane("anything", -4); got != 0 {
		t.Errorf("Lane(_, -4) = %d, want 0", got)
	}
}

func TestLane_Distribution(t *testing.T) {
	// 1 000 users over 64 lanes should touch nearly every lane; 48 is a
	// conservative floor.
	seen := make(map[int]struct{})
	for i := 0; i < 1000; i++ {
		seen[Lane(Key("user-"+strconv.Itoa(i), "course-v1:edX+DemoX+2026"), 64)] = struct{}{}
	}
	if len(seen) < 48 {
		t.Errorf("only %d distinct lanes from 1000 inputs, want >= 48", len(seen))
	}
}
