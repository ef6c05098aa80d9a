package geo

import (
	"math"

	"github.com/wroge/wgs84"
)

// All curve math happens in the ECEF (EPSG 4978) Cartesian frame so that
// distances and tangents are free of longitude distortion. Web-mercator is
// used only for the privacy-zone index, matching how zone points arrive
// from the operator.

const earthRadiusMeters = 6371008.8

var (
	lonLatToXYZ = wgs84.LonLat().To(wgs84.XYZ())
	xyzToLonLat = wgs84.XYZ().To(wgs84.LonLat())
)

// Vec3 is a point or direction in ECEF space.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) LengthSq() float64 { return v.Dot(v) }

func (v Vec3) Length() float64 { return math.Sqrt(v.LengthSq()) }

func (v Vec3) DistanceTo(o Vec3) float64 { return v.Sub(o).Length() }

func (v Vec3) DistanceSqTo(o Vec3) float64 { return v.Sub(o).LengthSq() }

// Unit returns the normalized vector, or the zero vector when degenerate.
func (v Vec3) Unit() Vec3 {
	l := v.Length()
	if l == 0 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

// AngleTo returns the angle between two directions in degrees.
func (v Vec3) AngleTo(o Vec3) float64 {
	denom := math.Sqrt(v.LengthSq() * o.LengthSq())
	if denom == 0 {
		return 0
	}
	cos := v.Dot(o) / denom
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

// ToECEF converts geodetic coordinates (degrees, meters) to ECEF.
func ToECEF(lon, lat, alt float64) Vec3 {
	x, y, z := lonLatToXYZ(lon, lat, alt)
	return Vec3{X: x, Y: y, Z: z}
}

// FromECEF converts an ECEF point back to geodetic lon/lat/alt.
func FromECEF(v Vec3) (lon, lat, alt float64) {
	return xyzToLonLat(v.X, v.Y, v.Z)
}

// WebMercator projects a lon/lat pair to EPSG 3857 meters.
func WebMercator(lon, lat float64) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(lon, lat, 0)
	return x, y
}

// Distance returns the great-circle distance in meters between two
// geodetic points (haversine on the mean earth radius).
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ECEFDistance returns the straight-line distance in meters between two
// geodetic points measured through ECEF space. For the sub-kilometer
// separations the motion model works with, it is indistinguishable from
// the arc distance and cheaper to chain along a curve.
func ECEFDistance(lat1, lon1, alt1, lat2, lon2, alt2 float64) float64 {
	return ToECEF(lon1, lat1, alt1).DistanceTo(ToECEF(lon2, lat2, alt2))
}
