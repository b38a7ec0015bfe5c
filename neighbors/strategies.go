package neighbors

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// bruteForce compares the query with every data point.
type bruteForce struct {
	data     Points
	radiusSq float64
}

func newBruteForce(data Points, radius float64) *bruteForce {
	return &bruteForce{data: data, radiusSq: radius * radius}
}

func (b *bruteForce) search(q []float64, buf []int32) []int32 {
	for j := range b.data.Len() {
		if squaredDistance(q, b.data.At(j)) <= b.radiusSq {
			buf = append(buf, int32(j))
		}
	}
	return buf
}

// kdPoint is a data point stored in the k-d tree. It implements kdtree.Comparable.
type kdPoint struct {
	coords []float64
	index  int32
}

// Compare implements kdtree.Comparable.
func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coords[d] - c.(kdPoint).coords[d]
}

// Dims implements kdtree.Comparable.
func (p kdPoint) Dims() int { return len(p.coords) }

// Distance implements kdtree.Comparable. It is the squared euclidean distance.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return squaredDistance(p.coords, c.(kdPoint).coords)
}

// kdPoints is the collection of data points used to build the tree. It implements kdtree.Interface.
type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdPlane{points: p, dim: d}.Pivot()
}

// kdPlane sorts kdPoints along one dimension. It implements kdtree.SortSlicer.
type kdPlane struct {
	points kdPoints
	dim    kdtree.Dim
}

func (p kdPlane) Len() int { return len(p.points) }
func (p kdPlane) Less(i, j int) bool {
	return p.points[i].coords[p.dim] < p.points[j].coords[p.dim]
}
func (p kdPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

// kdTreeSearch queries a k-d tree built over the data points.
type kdTreeSearch struct {
	tree     *kdtree.Tree
	radiusSq float64
	// keeperRadiusSq is slightly larger than radiusSq: the tree pruning must never drop a point
	// exactly on the boundary. The final inclusion test uses radiusSq.
	keeperRadiusSq float64
}

func newKDTree(data Points, radius float64) *kdTreeSearch {
	s := &kdTreeSearch{radiusSq: radius * radius}
	s.keeperRadiusSq = math.Nextafter(s.radiusSq*(1+1e-9), math.Inf(1))
	n := data.Len()
	if n == 0 {
		return s
	}
	points := make(kdPoints, n)
	for j := range n {
		points[j] = kdPoint{coords: data.At(j), index: int32(j)}
	}
	s.tree = kdtree.New(points, false)
	return s
}

func (s *kdTreeSearch) search(q []float64, buf []int32) []int32 {
	if s.tree == nil {
		return buf
	}
	query := kdPoint{coords: q, index: -1}
	keeper := kdtree.NewDistKeeper(s.keeperRadiusSq)
	s.tree.NearestSet(keeper, query)
	start := len(buf)
	for _, found := range keeper.Heap {
		if found.Comparable == nil {
			// Sentinel of the DistKeeper.
			continue
		}
		p := found.Comparable.(kdPoint)
		if squaredDistance(q, p.coords) <= s.radiusSq {
			buf = append(buf, p.index)
		}
	}
	slices.Sort(buf[start:])
	return buf
}

// voxelKey identifies a cell of the voxel grid.
type voxelKey [3]int64

// voxelGrid hashes 3-D data points into cubic cells whose side is (slightly larger than) the radius,
// so the neighbors of a query are all in the 27 cells around the query's cell.
type voxelGrid struct {
	data     Points
	cellSize float64
	radiusSq float64
	cells    map[voxelKey][]int32
}

func newVoxelGrid(data Points, radius float64) *voxelGrid {
	v := &voxelGrid{
		data:     data,
		cellSize: radius * (1 + 1e-9),
		radiusSq: radius * radius,
		cells:    make(map[voxelKey][]int32),
	}
	for j := range data.Len() {
		key := v.key(data.At(j))
		v.cells[key] = append(v.cells[key], int32(j))
	}
	return v
}

func (v *voxelGrid) key(p []float64) voxelKey {
	return voxelKey{
		int64(math.Floor(p[0] / v.cellSize)),
		int64(math.Floor(p[1] / v.cellSize)),
		int64(math.Floor(p[2] / v.cellSize)),
	}
}

func (v *voxelGrid) search(q []float64, buf []int32) []int32 {
	center := v.key(q)
	start := len(buf)
	var key voxelKey
	for dx := int64(-1); dx <= 1; dx++ {
		key[0] = center[0] + dx
		for dy := int64(-1); dy <= 1; dy++ {
			key[1] = center[1] + dy
			for dz := int64(-1); dz <= 1; dz++ {
				key[2] = center[2] + dz
				for _, j := range v.cells[key] {
					if squaredDistance(q, v.data.At(int(j))) <= v.radiusSq {
						buf = append(buf, j)
					}
				}
			}
		}
	}
	slices.Sort(buf[start:])
	return buf
}
