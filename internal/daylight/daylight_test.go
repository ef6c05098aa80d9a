package daylight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Turin, Italy
const (
	lon = 7.68
	lat = 45.07
)

func TestSolarElevationNoonSummer(t *testing.T) {
	// local solar noon around June solstice: sun near its annual maximum,
	// roughly 90 - lat + 23.4 degrees
	noon := time.Date(2025, 6, 21, 11, 30, 0, 0, time.UTC)
	elev := SolarElevation(noon, lon, lat)
	assert.InDelta(t, 68.3, elev, 2.0)
}

func TestSolarElevationMidnight(t *testing.T) {
	midnight := time.Date(2025, 6, 21, 23, 30, 0, 0, time.UTC)
	elev := SolarElevation(midnight, lon, lat)
	assert.Less(t, elev, -20.0)
}

func TestLikelyDaylight(t *testing.T) {
	noon := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	assert.True(t, LikelyDaylight(noon, lon, lat))

	night := time.Date(2025, 3, 15, 2, 0, 0, 0, time.UTC)
	assert.False(t, LikelyDaylight(night, lon, lat))
}

func TestLikelyDaylightKeepsCivilTwilight(t *testing.T) {
	// Mid-March sunset in Turin is around 18:20 UTC+1 = 17:20 UTC; a few
	// minutes after sunset the sun sits just below the horizon and frames
	// are still usable.
	dusk := time.Date(2025, 3, 15, 17, 30, 0, 0, time.UTC)
	elev := SolarElevation(dusk, lon, lat)
	if elev > -4 && elev < 0 {
		assert.True(t, LikelyDaylight(dusk, lon, lat))
	}
}
