package util

import "testing"

func TestMinMax(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Fatalf("Min(3,7) = %d, want 3", got)
	}
	if got := Max(3, 7); got != 7 {
		t.Fatalf("Max(3,7) = %d, want 7", got)
	}
	if got := Min(int64(-5), int64(2)); got != -5 {
		t.Fatalf("Min(-5,2) = %d, want -5", got)
	}
}

func TestRounddownRoundup(t *testing.T) {
	if got := Rounddown(uintptr(4097), uintptr(4096)); got != 4096 {
		t.Fatalf("Rounddown(4097,4096) = %d, want 4096", got)
	}
	if got := Rounddown(uintptr(4096), uintptr(4096)); got != 4096 {
		t.Fatalf("Rounddown(4096,4096) = %d, want 4096", got)
	}
	if got := Roundup(uintptr(1), uintptr(4096)); got != 4096 {
		t.Fatalf("Roundup(1,4096) = %d, want 4096", got)
	}
	if got := Roundup(uintptr(4096), uintptr(4096)); got != 4096 {
		t.Fatalf("Roundup(4096,4096) = %d, want 4096", got)
	}
}
