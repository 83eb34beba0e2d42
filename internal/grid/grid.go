// Package grid holds the integer cell geometry shared by the presence server
// and its clients.
package grid

// Cell is a column/row position in the world.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Bounds is the world size. Valid cells are [0, Cols) x [0, Rows).
type Bounds struct {
	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

// Contains reports whether c lies inside the world.
func (b Bounds) Contains(c Cell) bool {
	return c.X >= 0 && c.X < b.Cols && c.Y >= 0 && c.Y < b.Rows
}

// Rect is a half-open rectangle of cells: [X, X+W) x [Y, Y+H).
type Rect struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
	W int `mapstructure:"w"`
	H int `mapstructure:"h"`
}

// Contains reports whether c lies inside the rectangle.
func (r Rect) Contains(c Cell) bool {
	return c.X >= r.X && c.X < r.X+r.W && c.Y >= r.Y && c.Y < r.Y+r.H
}

// Empty reports whether the rectangle has no cells.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Chebyshev returns max(|dx|, |dy|), so diagonal neighbours are at distance 1.
func Chebyshev(a, b Cell) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
