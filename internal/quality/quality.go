// Package quality holds the pure sample-classification predicates used to
// gate raw sensor data before it reaches the motion model. There are no
// error paths here: a sample is either usable or it is not.
package quality

import "github.com/openmapper/dashcam/internal/model"

// GnssFilter is the configurable acceptance threshold set for GNSS fixes.
// A zero threshold disables that check.
type GnssFilter struct {
	Require3DLock bool    `json:"3dLock" mapstructure:"3dLock"`
	MinSatellites int     `json:"minSatellites" mapstructure:"minSatellites"`
	Xdop          float64 `json:"xdop" mapstructure:"xdop"`
	Ydop          float64 `json:"ydop" mapstructure:"ydop"`
	Pdop          float64 `json:"pdop" mapstructure:"pdop"`
	Hdop          float64 `json:"hdop" mapstructure:"hdop"`
	Vdop          float64 `json:"vdop" mapstructure:"vdop"`
	Tdop          float64 `json:"tdop" mapstructure:"tdop"`
	Gdop          float64 `json:"gdop" mapstructure:"gdop"`
	Eph           float64 `json:"eph" mapstructure:"eph"`
}

// maxAccelMagnitude is the per-axis accelerometer bound in g. Anything
// beyond it is a sensor glitch, not vehicle motion.
const maxAccelMagnitude = 20.0

// GoodGnss reports whether a GNSS fix is usable under the given filter.
func GoodGnss(g *model.GnssRecord, f GnssFilter) bool {
	if g == nil {
		return false
	}
	if g.Latitude == 0 && g.Longitude == 0 {
		return false
	}
	if f.Require3DLock && g.Fix != "3D" {
		return false
	}
	if f.MinSatellites > 0 && g.SatellitesUsed < f.MinSatellites {
		return false
	}
	if f.Eph > 0 && (g.Eph == 0 || g.Eph > f.Eph) {
		return false
	}

	dops := map[string]float64{
		"xdop": f.Xdop,
		"ydop": f.Ydop,
		"pdop": f.Pdop,
		"hdop": f.Hdop,
		"vdop": f.Vdop,
		"tdop": f.Tdop,
		"gdop": f.Gdop,
	}
	for key, limit := range dops {
		if limit > 0 && g.Dop(key) > limit {
			return false
		}
	}
	return true
}

// GoodImu reports whether an inertial sample is usable: all axes present
// and every accelerometer axis inside the glitch bound.
func GoodImu(m *model.ImuRecord) bool {
	if m == nil || m.Time == 0 {
		return false
	}
	if m.AccX == 0 && m.AccY == 0 && m.AccZ == 0 {
		return false
	}
	for _, a := range []float64{m.AccX, m.AccY, m.AccZ} {
		if a > maxAccelMagnitude || a < -maxAccelMagnitude {
			return false
		}
	}
	return true
}
