package masking

// Binary morphology on flat x-fastest voxel grids using 6-connectivity.

var neighbours6 = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

type grid struct {
	nx, ny, nz int
}

func newGrid(shape [3]int) grid {
	return grid{shape[0], shape[1], shape[2]}
}

func (g grid) coords(i int) (int, int, int) {
	return i % g.nx, (i / g.nx) % g.ny, i / (g.nx * g.ny)
}

func (g grid) index(x, y, z int) (int, bool) {
	if x < 0 || y < 0 || z < 0 || x >= g.nx || y >= g.ny || z >= g.nz {
		return 0, false
	}
	return z*g.nx*g.ny + y*g.nx + x, true
}

func (g grid) onBorder(i int) bool {
	x, y, z := g.coords(i)
	return x == 0 || y == 0 || z == 0 || x == g.nx-1 || y == g.ny-1 || z == g.nz-1
}

// erode keeps a voxel only if all six neighbours are set. Voxels on the
// volume boundary are removed.
func erode(g grid, in []bool) []bool {
	out := make([]bool, len(in))
	for i, set := range in {
		if !set {
			continue
		}
		x, y, z := g.coords(i)
		keep := true
		for _, d := range neighbours6 {
			j, ok := g.index(x+d[0], y+d[1], z+d[2])
			if !ok || !in[j] {
				keep = false
				break
			}
		}
		out[i] = keep
	}
	return out
}

// dilate grows the set by one voxel, never beyond limit.
func dilate(g grid, in, limit []bool) []bool {
	out := make([]bool, len(in))
	copy(out, in)
	for i, set := range in {
		if !set {
			continue
		}
		x, y, z := g.coords(i)
		for _, d := range neighbours6 {
			if j, ok := g.index(x+d[0], y+d[1], z+d[2]); ok && (limit == nil || limit[j]) {
				out[j] = true
			}
		}
	}
	return out
}

// largestComponent keeps only the biggest connected set.
func largestComponent(g grid, in []bool) []bool {
	labels := make([]int, len(in))
	best, bestSize := 0, 0
	label := 0
	queue := make([]int, 0, 64)

	for start, set := range in {
		if !set || labels[start] != 0 {
			continue
		}
		label++
		labels[start] = label
		size := 0
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++
			x, y, z := g.coords(i)
			for _, d := range neighbours6 {
				if j, ok := g.index(x+d[0], y+d[1], z+d[2]); ok && in[j] && labels[j] == 0 {
					labels[j] = label
					queue = append(queue, j)
				}
			}
		}
		if size > bestSize {
			best, bestSize = label, size
		}
	}

	out := make([]bool, len(in))
	if best == 0 {
		return out
	}
	for i, l := range labels {
		out[i] = l == best
	}
	return out
}

// fillHoles sets every unset voxel that cannot reach the volume boundary
// through unset voxels.
func fillHoles(g grid, in []bool) []bool {
	outside := make([]bool, len(in))
	queue := make([]int, 0, 64)
	for i, set := range in {
		if !set && g.onBorder(i) {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y, z := g.coords(i)
		for _, d := range neighbours6 {
			if j, ok := g.index(x+d[0], y+d[1], z+d[2]); ok && !in[j] && !outside[j] {
				outside[j] = true
				queue = append(queue, j)
			}
		}
	}

	out := make([]bool, len(in))
	for i := range in {
		out[i] = in[i] || !outside[i]
	}
	return out
}

func countSet(in []bool) int {
	n := 0
	for _, set := range in {
		if set {
			n++
		}
	}
	return n
}
