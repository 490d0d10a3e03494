package slammap

// grid buckets undistorted keypoint indices into a coarse 2-D array so that
// FeaturesInArea radius queries need only scan the cells overlapping the query square
// instead of every keypoint.
type grid struct {
	minX, minY     float64
	cols, rows     int
	invCellWidth   float64
	invCellHeight  float64
	cells          [][]int // cols*rows buckets, row-major
}

const (
	gridCols = 64
	gridRows = 48
)

func newGrid(minX, maxX, minY, maxY float64) *grid {
	width := maxX - minX
	height := maxY - minY
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return &grid{
		minX:          minX,
		minY:          minY,
		cols:          gridCols,
		rows:          gridRows,
		invCellWidth:  float64(gridCols) / width,
		invCellHeight: float64(gridRows) / height,
		cells:         make([][]int, gridCols*gridRows),
	}
}

func (g *grid) cellOf(x, y float64) (int, int, bool) {
	cx := int((x - g.minX) * g.invCellWidth)
	cy := int((y - g.minY) * g.invCellHeight)
	if cx < 0 || cx >= g.cols || cy < 0 || cy >= g.rows {
		return 0, 0, false
	}
	return cx, cy, true
}

func (g *grid) insert(idx int, x, y float64) {
	cx, cy, ok := g.cellOf(x, y)
	if !ok {
		return
	}
	i := cy*g.cols + cx
	g.cells[i] = append(g.cells[i], idx)
}

func (g *grid) query(x, y, r float64) []int {
	minCellX, minCellY, okMin := g.cellOf(x-r, y-r)
	maxCellX, maxCellY, okMax := g.cellOf(x+r, y+r)
	if !okMin {
		minCellX, minCellY = 0, 0
	}
	if !okMax {
		maxCellX, maxCellY = g.cols-1, g.rows-1
	}
	if minCellX > maxCellX {
		minCellX, maxCellX = maxCellX, minCellX
	}
	if minCellY > maxCellY {
		minCellY, maxCellY = maxCellY, minCellY
	}

	var out []int
	for cy := minCellY; cy <= maxCellY; cy++ {
		for cx := minCellX; cx <= maxCellX; cx++ {
			if cx < 0 || cx >= g.cols || cy < 0 || cy >= g.rows {
				continue
			}
			out = append(out, g.cells[cy*g.cols+cx]...)
		}
	}
	return out
}
