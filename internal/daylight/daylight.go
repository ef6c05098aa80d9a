// Package daylight estimates whether there is enough natural light at a
// time and place for captured frames to be worth keeping. Frames collected
// in the dark are useless for downstream inference, so the drive session
// gates ingestion on this heuristic.
package daylight

import (
	"math"
	"time"
)

// minSolarElevationDeg is the sun elevation below which capture is
// considered too dark. Slightly below the horizon keeps civil twilight,
// which cameras still handle well.
const minSolarElevationDeg = -4.0

// LikelyDaylight reports whether the sun is high enough at the given
// location and instant.
func LikelyDaylight(t time.Time, lon, lat float64) bool {
	return SolarElevation(t, lon, lat) > minSolarElevationDeg
}

// SolarElevation returns the sun's elevation angle in degrees using the
// NOAA low-accuracy solar position algorithm. Good to a fraction of a
// degree, which is far more than the daylight gate needs.
func SolarElevation(t time.Time, lon, lat float64) float64 {
	utc := t.UTC()

	// Julian day and century
	y, mo, d := utc.Date()
	h, mi, s := utc.Clock()
	if mo <= 2 {
		y--
		mo += 12
	}
	a := y / 100
	b := 2 - a + a/4
	jd := math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(mo+1)) +
		float64(d) + float64(b) - 1524.5
	dayFrac := (float64(h) + float64(mi)/60 + float64(s)/3600) / 24
	jd += dayFrac
	jc := (jd - 2451545) / 36525

	// solar coordinates
	meanLon := math.Mod(280.46646+jc*(36000.76983+jc*0.0003032), 360)
	meanAnom := 357.52911 + jc*(35999.05029-0.0001537*jc)
	eccent := 0.016708634 - jc*(0.000042037+0.0000001267*jc)

	sinAnom := math.Sin(rad(meanAnom))
	sin2Anom := math.Sin(2 * rad(meanAnom))
	sin3Anom := math.Sin(3 * rad(meanAnom))
	eqCenter := sinAnom*(1.914602-jc*(0.004817+0.000014*jc)) +
		sin2Anom*(0.019993-0.000101*jc) + sin3Anom*0.000289

	trueLon := meanLon + eqCenter
	appLon := trueLon - 0.00569 - 0.00478*math.Sin(rad(125.04-1934.136*jc))

	obliq := 23 + (26+(21.448-jc*(46.815+jc*(0.00059-jc*0.001813)))/60)/60
	obliqCorr := obliq + 0.00256*math.Cos(rad(125.04-1934.136*jc))

	declination := deg(math.Asin(math.Sin(rad(obliqCorr)) * math.Sin(rad(appLon))))

	// equation of time, minutes
	varY := math.Tan(rad(obliqCorr/2)) * math.Tan(rad(obliqCorr/2))
	eqTime := 4 * deg(varY*math.Sin(2*rad(meanLon))-
		2*eccent*sinAnom+
		4*eccent*varY*sinAnom*math.Cos(2*rad(meanLon))-
		0.5*varY*varY*math.Sin(4*rad(meanLon))-
		1.25*eccent*eccent*sin2Anom)

	// true solar time at the observer's longitude
	minutes := dayFrac * 1440
	trueSolarTime := math.Mod(minutes+eqTime+4*lon, 1440)
	hourAngle := trueSolarTime/4 - 180
	if trueSolarTime/4 < 0 {
		hourAngle = trueSolarTime/4 + 180
	}

	cosZenith := math.Sin(rad(lat))*math.Sin(rad(declination)) +
		math.Cos(rad(lat))*math.Cos(rad(declination))*math.Cos(rad(hourAngle))
	cosZenith = math.Max(-1, math.Min(1, cosZenith))
	zenith := deg(math.Acos(cosZenith))

	return 90 - zenith
}

func rad(d float64) float64 { return d * math.Pi / 180 }

func deg(r float64) float64 { return r * 180 / math.Pi }
