package geo

import (
	"math"
	"testing"
)

func straightLine(n int, step float64) []Vec3 {
	pts := make([]Vec3, n)
	for i := range pts {
		pts[i] = Vec3{X: float64(i) * step}
	}
	return pts
}

func TestNewCurveTooFewPoints(t *testing.T) {
	if _, err := NewCurve([]Vec3{{X: 1}}); err != ErrTooFewPoints {
		t.Fatalf("err = %v, want ErrTooFewPoints", err)
	}
}

func TestCurveLengthStraightLine(t *testing.T) {
	c, err := NewCurve(straightLine(4, 10))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Length(); math.Abs(got-30) > 0.01 {
		t.Errorf("Length = %v, want 30", got)
	}
}

func TestPointAtStraightLine(t *testing.T) {
	c, err := NewCurve(straightLine(4, 10))
	if err != nil {
		t.Fatal(err)
	}
	// halfway along the arc is halfway along the line
	p := c.PointAt(0.5)
	if math.Abs(p.X-15) > 0.05 || math.Abs(p.Y) > 1e-6 {
		t.Errorf("PointAt(0.5) = %+v, want X=15 Y=0", p)
	}
	start := c.PointAt(0)
	end := c.PointAt(1)
	if math.Abs(start.X) > 1e-9 || math.Abs(end.X-30) > 1e-6 {
		t.Errorf("endpoints = %v, %v", start.X, end.X)
	}
}

func TestPointAtEvenSpacing(t *testing.T) {
	c, err := NewCurve(straightLine(5, 10))
	if err != nil {
		t.Fatal(err)
	}
	// equidistant arc fractions land at equidistant positions
	var prev Vec3
	for i := 0; i <= 8; i++ {
		p := c.PointAt(float64(i) / 8)
		if i > 0 {
			d := p.DistanceTo(prev)
			if math.Abs(d-5) > 0.05 {
				t.Errorf("segment %d spacing = %v, want 5", i, d)
			}
		}
		prev = p
	}
}

func TestTangentAtStraightLine(t *testing.T) {
	c, err := NewCurve(straightLine(4, 10))
	if err != nil {
		t.Fatal(err)
	}
	tan := c.TangentAt(0.5)
	if math.Abs(tan.X-1) > 1e-6 || math.Abs(tan.Y) > 1e-6 {
		t.Errorf("TangentAt(0.5) = %+v, want unit X", tan)
	}
}

func TestTangentSwingsThroughRightAngleTurn(t *testing.T) {
	// an L-shaped track: east then north
	pts := []Vec3{
		{X: 0}, {X: 10}, {X: 20}, {X: 30},
		{X: 30, Y: 10}, {X: 30, Y: 20}, {X: 30, Y: 30},
	}
	c, err := NewCurve(pts)
	if err != nil {
		t.Fatal(err)
	}
	early := c.TangentAt(0.1)
	late := c.TangentAt(0.9)
	swing := early.AngleTo(late)
	if math.Abs(swing-90) > 5 {
		t.Errorf("tangent swing = %v, want ~90", swing)
	}
}
