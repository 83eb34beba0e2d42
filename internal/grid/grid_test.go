package grid

import "testing"

func TestChebyshev(t *testing.T) {
	tests := []struct {
		a, b Cell
		want int
	}{
		{Cell{10, 10}, Cell{10, 10}, 0},
		{Cell{10, 10}, Cell{11, 10}, 1},
		{Cell{10, 10}, Cell{11, 11}, 1},
		{Cell{10, 10}, Cell{8, 11}, 2},
		{Cell{0, 0}, Cell{3, -7}, 7},
	}

	for _, tt := range tests {
		if got := Chebyshev(tt.a, tt.b); got != tt.want {
			t.Errorf("Chebyshev(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := Chebyshev(tt.b, tt.a); got != tt.want {
			t.Errorf("Chebyshev(%v, %v) not symmetric: %d", tt.b, tt.a, got)
		}
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{Cols: 44, Rows: 32}

	inside := []Cell{{0, 0}, {43, 31}, {20, 5}}
	for _, c := range inside {
		if !b.Contains(c) {
			t.Errorf("expected %v inside %v", c, b)
		}
	}

	outside := []Cell{{-1, 0}, {0, -1}, {44, 0}, {0, 32}, {100, 100}}
	for _, c := range outside {
		if b.Contains(c) {
			t.Errorf("expected %v outside %v", c, b)
		}
	}
}

func TestRect(t *testing.T) {
	r := Rect{X: 9, Y: 3, W: 10, H: 8}

	if !r.Contains(Cell{9, 3}) || !r.Contains(Cell{18, 10}) {
		t.Error("expected corners inside")
	}
	if r.Contains(Cell{19, 3}) || r.Contains(Cell{9, 11}) {
		t.Error("expected far edges outside")
	}
	if r.Empty() {
		t.Error("expected non-empty rect")
	}
	if !(Rect{W: 0, H: 3}).Empty() {
		t.Error("expected zero-width rect to be empty")
	}
}
