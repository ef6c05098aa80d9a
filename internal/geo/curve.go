package geo

import (
	"errors"
	"math"
)

// Curve is a centripetal Catmull-Rom spline through a sequence of ECEF
// points, with a cached arc-length table so callers can walk it by
// distance instead of by parameter.
type Curve struct {
	points  []Vec3
	lengths []float64
}

// arcLengthDivisions is the resolution of the cached arc-length table.
const arcLengthDivisions = 200

// ErrTooFewPoints is returned when a curve cannot be formed.
var ErrTooFewPoints = errors.New("curve needs at least two points")

// NewCurve fits a spline through the given points.
func NewCurve(points []Vec3) (*Curve, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}
	c := &Curve{points: points}
	c.computeLengths()
	return c, nil
}

func (c *Curve) computeLengths() {
	c.lengths = make([]float64, arcLengthDivisions+1)
	last := c.Point(0)
	sum := 0.0
	for i := 1; i <= arcLengthDivisions; i++ {
		p := c.Point(float64(i) / arcLengthDivisions)
		sum += p.DistanceTo(last)
		c.lengths[i] = sum
		last = p
	}
}

// Length returns the total arc length of the curve in meters.
func (c *Curve) Length() float64 {
	return c.lengths[len(c.lengths)-1]
}

// Point evaluates the curve at parameter t in [0,1]. The parameter is not
// arc-length uniform; use PointAt for distance-uniform sampling.
func (c *Curve) Point(t float64) Vec3 {
	n := len(c.points)
	p := float64(n-1) * t
	i := int(math.Floor(p))
	w := p - float64(i)
	if i >= n-1 {
		i = n - 2
		w = 1
	}
	if i < 0 {
		i = 0
		w = 0
	}

	var p0, p1, p2, p3 Vec3
	p1 = c.points[i]
	p2 = c.points[i+1]
	if i > 0 {
		p0 = c.points[i-1]
	} else {
		// extrapolate a phantom point before the start
		p0 = p1.Scale(2).Sub(p2)
	}
	if i+2 < n {
		p3 = c.points[i+2]
	} else {
		p3 = p2.Scale(2).Sub(p1)
	}

	// centripetal parameterisation avoids cusps and self-intersections on
	// tight GPS traces
	dt0 := math.Pow(p0.DistanceSqTo(p1), 0.25)
	dt1 := math.Pow(p1.DistanceSqTo(p2), 0.25)
	dt2 := math.Pow(p2.DistanceSqTo(p3), 0.25)
	if dt1 < 1e-4 {
		dt1 = 1
	}
	if dt0 < 1e-4 {
		dt0 = dt1
	}
	if dt2 < 1e-4 {
		dt2 = dt1
	}

	return Vec3{
		X: nonuniformCatmullRom(p0.X, p1.X, p2.X, p3.X, dt0, dt1, dt2, w),
		Y: nonuniformCatmullRom(p0.Y, p1.Y, p2.Y, p3.Y, dt0, dt1, dt2, w),
		Z: nonuniformCatmullRom(p0.Z, p1.Z, p2.Z, p3.Z, dt0, dt1, dt2, w),
	}
}

// nonuniformCatmullRom evaluates one scalar component of the segment
// spanning x1..x2 at local parameter t.
func nonuniformCatmullRom(x0, x1, x2, x3, dt0, dt1, dt2, t float64) float64 {
	t1 := ((x1-x0)/dt0 - (x2-x0)/(dt0+dt1) + (x2-x1)/dt1) * dt1
	t2 := ((x2-x1)/dt1 - (x3-x1)/(dt1+dt2) + (x3-x2)/dt2) * dt1

	c0 := x1
	c1 := t1
	c2 := -3*x1 + 3*x2 - 2*t1 - t2
	c3 := 2*x1 - 2*x2 + t1 + t2
	return c0 + c1*t + c2*t*t + c3*t*t*t
}

// paramAt maps a normalized arc-length fraction u in [0,1] to the curve
// parameter t covering that much distance.
func (c *Curve) paramAt(u float64) float64 {
	if u <= 0 {
		return 0
	}
	if u >= 1 {
		return 1
	}
	target := u * c.Length()

	lo, hi := 0, len(c.lengths)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if c.lengths[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	i := lo
	if i == 0 {
		return 0
	}
	before := c.lengths[i-1]
	segment := c.lengths[i] - before
	frac := 0.0
	if segment > 0 {
		frac = (target - before) / segment
	}
	return (float64(i-1) + frac) / arcLengthDivisions
}

// PointAt evaluates the curve at normalized arc-length fraction u in [0,1].
func (c *Curve) PointAt(u float64) Vec3 {
	return c.Point(c.paramAt(u))
}

// TangentAt returns the unit tangent direction at normalized arc-length
// fraction u, estimated by central difference.
func (c *Curve) TangentAt(u float64) Vec3 {
	const delta = 1e-4
	t := c.paramAt(u)
	t1 := math.Max(0, t-delta)
	t2 := math.Min(1, t+delta)
	return c.Point(t2).Sub(c.Point(t1)).Unit()
}
