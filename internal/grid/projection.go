package grid

import (
	"math"
	"sort"
)

// earthRadius is the spherical earth radius in meters used by GRIB grids.
const earthRadius = 6371229.0

// Cell identifies one grid cell. Index is y*nx + x, the row-major position
// used as the canonical tie-break order.
type Cell struct {
	X     int
	Y     int
	Index int
}

// Projection maps geographic coordinates to cells of one source's grid.
// Implementations must be safe for concurrent use; lookups happen per query.
type Projection interface {
	// Cell returns the nearest cell to (lat, lon), or ok=false when the
	// point falls outside the grid extent.
	Cell(lat, lon float64) (Cell, bool)

	// Center returns the geographic center of a cell.
	Center(x, y int) (lat, lon float64)

	// Size returns the grid dimensions.
	Size() (nx, ny int)

	// projectXY maps (lat, lon) to continuous grid coordinates. Used by
	// NearestCells for distance ranking in projected space.
	projectXY(lat, lon float64) (gx, gy float64)
}

// NearestCells returns up to k cells nearest to (lat, lon), ordered by
// Euclidean distance in projected coordinates, ties broken by lowest cell
// index. Returns nil when the point is outside the grid extent.
func NearestCells(p Projection, lat, lon float64, k int) []Cell {
	center, ok := p.Cell(lat, lon)
	if !ok || k <= 0 {
		return nil
	}

	nx, ny := p.Size()
	gx, gy := p.projectXY(lat, lon)

	// Candidates come from the square ring neighborhood around the hit
	// cell; a radius covering k cells is enough since cells are convex.
	radius := 1
	for (2*radius+1)*(2*radius+1) < k {
		radius++
	}

	type ranked struct {
		cell Cell
		dist float64
	}
	var cand []ranked
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			x, y := center.X+dx, center.Y+dy
			if x < 0 || x >= nx || y < 0 || y >= ny {
				continue
			}
			ddx, ddy := float64(x)-gx, float64(y)-gy
			cand = append(cand, ranked{
				cell: Cell{X: x, Y: y, Index: y*nx + x},
				dist: ddx*ddx + ddy*ddy,
			})
		}
	}

	sort.Slice(cand, func(i, j int) bool {
		if cand[i].dist != cand[j].dist {
			return cand[i].dist < cand[j].dist
		}
		return cand[i].cell.Index < cand[j].cell.Index
	})

	if len(cand) > k {
		cand = cand[:k]
	}
	out := make([]Cell, len(cand))
	for i, c := range cand {
		out[i] = c.cell
	}
	return out
}

// LatLonGrid is a regular latitude/longitude grid (GFS-style): evenly
// spaced rows and columns starting at (Lat0, Lon0).
type LatLonGrid struct {
	Lat0, Lon0 float64 // first grid point
	DLat, DLon float64 // cell size in degrees, positive
	NX, NY     int
}

func (g LatLonGrid) Size() (int, int) { return g.NX, g.NY }

func (g LatLonGrid) projectXY(lat, lon float64) (float64, float64) {
	return normalizeLonDelta(lon-g.Lon0) / g.DLon, (lat - g.Lat0) / g.DLat
}

func (g LatLonGrid) Cell(lat, lon float64) (Cell, bool) {
	gx, gy := g.projectXY(lat, lon)
	return roundToCell(gx, gy, g.NX, g.NY)
}

func (g LatLonGrid) Center(x, y int) (float64, float64) {
	return g.Lat0 + float64(y)*g.DLat, g.Lon0 + float64(x)*g.DLon
}

// LambertGrid is a Lambert conformal conic grid (HRRR/NAM-style) on a
// spherical earth. Lat1/Lon1 anchor the first grid point; Dx/Dy are cell
// sizes in meters at the standard parallels.
type LambertGrid struct {
	Lat1, Lon1     float64 // first grid point
	LonOrigin      float64 // central meridian
	StdLat1        float64 // first standard parallel
	StdLat2        float64 // second standard parallel
	Dx, Dy         float64 // cell size in meters
	NX, NY         int
}

func (g LambertGrid) Size() (int, int) { return g.NX, g.NY }

// cone returns the cone constant n and projection factor F.
func (g LambertGrid) cone() (n, f float64) {
	p1 := g.StdLat1 * math.Pi / 180
	p2 := g.StdLat2 * math.Pi / 180
	if p1 == p2 {
		n = math.Sin(p1)
	} else {
		n = math.Log(math.Cos(p1)/math.Cos(p2)) /
			math.Log(math.Tan(math.Pi/4+p2/2)/math.Tan(math.Pi/4+p1/2))
	}
	f = math.Cos(p1) * math.Pow(math.Tan(math.Pi/4+p1/2), n) / n
	return n, f
}

// toPlane maps (lat, lon) to projection-plane meters.
func (g LambertGrid) toPlane(lat, lon float64) (x, y float64) {
	n, f := g.cone()
	phi := lat * math.Pi / 180
	rho := earthRadius * f / math.Pow(math.Tan(math.Pi/4+phi/2), n)
	theta := n * normalizeLonDelta(lon-g.LonOrigin) * math.Pi / 180
	return rho * math.Sin(theta), -rho * math.Cos(theta)
}

func (g LambertGrid) projectXY(lat, lon float64) (float64, float64) {
	x0, y0 := g.toPlane(g.Lat1, g.Lon1)
	x, y := g.toPlane(lat, lon)
	return (x - x0) / g.Dx, (y - y0) / g.Dy
}

func (g LambertGrid) Cell(lat, lon float64) (Cell, bool) {
	gx, gy := g.projectXY(lat, lon)
	return roundToCell(gx, gy, g.NX, g.NY)
}

func (g LambertGrid) Center(x, y int) (float64, float64) {
	n, f := g.cone()
	x0, y0 := g.toPlane(g.Lat1, g.Lon1)
	px := x0 + float64(x)*g.Dx
	py := y0 + float64(y)*g.Dy

	rho := math.Hypot(px, py)
	theta := math.Atan2(px, -py)
	phi := 2*math.Atan(math.Pow(earthRadius*f/rho, 1/n)) - math.Pi/2
	lat := phi * 180 / math.Pi
	lon := g.LonOrigin + theta/n*180/math.Pi
	return lat, normalizeLon(lon)
}

// roundToCell rounds continuous grid coordinates to the nearest in-bounds
// cell. Half-way points round down, which lands on the lower cell index and
// keeps the documented tie-break (lowest index wins).
func roundToCell(gx, gy float64, nx, ny int) (Cell, bool) {
	// Outside the outer half-cell margin there is no nearest cell.
	if gx < -0.5 || gy < -0.5 || gx > float64(nx-1)+0.5 || gy > float64(ny-1)+0.5 {
		return Cell{}, false
	}
	x := int(math.Ceil(gx - 0.5))
	y := int(math.Ceil(gy - 0.5))
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= nx {
		x = nx - 1
	}
	if y >= ny {
		y = ny - 1
	}
	return Cell{X: x, Y: y, Index: y*nx + x}, true
}

// normalizeLonDelta wraps a longitude difference into [-180, 180).
func normalizeLonDelta(d float64) float64 {
	for d >= 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
