// Package privacy answers a single question for the rest of the device:
// is this location inside an operator-configured private zone? Zone
// centers are pushed by the operator and indexed in web-mercator space so
// the radius check is a plain Euclidean distance.
package privacy

import (
	"math"
	"sync"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/openmapper/dashcam/internal/geo"
)

// DefaultRadiusMeters is used when no radius is configured.
const DefaultRadiusMeters = 200.0

type cellKey struct {
	cx, cy int
}

// Zones is a rebuildable spatial index of private-zone center points.
// The zero value reports no location as private.
type Zones struct {
	mu       sync.RWMutex
	radius   float64
	cellSize float64
	cells    map[cellKey][]geom.Point
	loaded   bool
}

// NewZones creates an empty index with the given radius in meters.
func NewZones(radiusMeters float64) *Zones {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Zones{radius: radiusMeters}
}

// Set rebuilds the index from lon/lat pairs. Called whenever the operator
// pushes a new zone set; replaces the previous index wholesale.
func (z *Zones) Set(points [][2]float64) {
	cellSize := z.radius
	cells := make(map[cellKey][]geom.Point, len(points))
	for _, p := range points {
		x, y := geo.WebMercator(p[0], p[1])
		pt := geom.XY{X: x, Y: y}.AsPoint()
		key := cellKey{int(math.Floor(x / cellSize)), int(math.Floor(y / cellSize))}
		cells[key] = append(cells[key], pt)
	}

	z.mu.Lock()
	z.cellSize = cellSize
	z.cells = cells
	z.loaded = true
	z.mu.Unlock()
}

// Ready reports whether a zone set has been loaded at least once. The
// drive session refuses to ingest until this is true, so that no frame is
// persisted before the device knows where not to record.
func (z *Zones) Ready() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.loaded
}

// IsPrivateLocation reports whether the given lat/lon falls within the
// configured radius of any zone center.
func (z *Zones) IsPrivateLocation(lat, lon float64) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if len(z.cells) == 0 {
		return false
	}

	x, y := geo.WebMercator(lon, lat)
	cx := int(math.Floor(x / z.cellSize))
	cy := int(math.Floor(y / z.cellSize))

	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for _, pt := range z.cells[cellKey{cx + dx, cy + dy}] {
				coords, ok := pt.Coordinates()
				if !ok {
					continue
				}
				if math.Hypot(coords.X-x, coords.Y-y) <= z.radius {
					return true
				}
			}
		}
	}
	return false
}
