package presence

import (
	"math/rand/v2"

	"github.com/LemmyAI/presence/internal/grid"
)

// DefaultSpawnPoints are walkable cells of the office map, most central first.
var DefaultSpawnPoints = []grid.Cell{
	{X: 14, Y: 3}, {X: 14, Y: 5},
	{X: 12, Y: 3}, {X: 12, Y: 5},
	{X: 17, Y: 3}, {X: 17, Y: 5},
	{X: 19, Y: 3}, {X: 19, Y: 5},
	{X: 9, Y: 3}, {X: 9, Y: 5}, {X: 9, Y: 9},
	{X: 7, Y: 7}, {X: 7, Y: 9},
	{X: 4, Y: 3}, {X: 4, Y: 7}, {X: 4, Y: 11},
	{X: 23, Y: 3}, {X: 24, Y: 4},
	{X: 30, Y: 5}, {X: 31, Y: 7}, {X: 33, Y: 7},
	{X: 35, Y: 5}, {X: 37, Y: 7}, {X: 38, Y: 5},
	{X: 32, Y: 3}, {X: 37, Y: 12}, {X: 40, Y: 10},
}

// allocator picks spawn cells. It is only used under the server lock.
type allocator struct {
	preferred []grid.Cell
	fallback  grid.Rect
	rng       *rand.Rand
}

// next returns a uniformly random preferred cell that is not occupied, or a
// uniformly random cell of the fallback region when every preferred cell is
// taken. The fallback region is walkable by construction and is not checked.
func (a *allocator) next(occupied map[grid.Cell]bool) grid.Cell {
	free := make([]grid.Cell, 0, len(a.preferred))
	for _, c := range a.preferred {
		if !occupied[c] {
			free = append(free, c)
		}
	}
	if len(free) > 0 {
		return free[a.rng.IntN(len(free))]
	}
	return grid.Cell{
		X: a.fallback.X + a.rng.IntN(a.fallback.W),
		Y: a.fallback.Y + a.rng.IntN(a.fallback.H),
	}
}
