package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openmapper/dashcam/internal/model"
)

func goodFix() *model.GnssRecord {
	return &model.GnssRecord{
		Time:           1700000000000,
		Latitude:       45.0,
		Longitude:      7.0,
		Fix:            "3D",
		SatellitesUsed: 8,
		Hdop:           1.2,
		Gdop:           2.0,
		Eph:            3.5,
	}
}

func strictFilter() GnssFilter {
	return GnssFilter{
		Require3DLock: true,
		MinSatellites: 4,
		Hdop:          4,
		Gdop:          6,
		Eph:           10,
	}
}

func TestGoodGnss(t *testing.T) {
	assert.True(t, GoodGnss(goodFix(), strictFilter()))
}

func TestGoodGnssRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.GnssRecord)
	}{
		{"nil island", func(g *model.GnssRecord) { g.Latitude, g.Longitude = 0, 0 }},
		{"no 3d lock", func(g *model.GnssRecord) { g.Fix = "2D" }},
		{"too few satellites", func(g *model.GnssRecord) { g.SatellitesUsed = 3 }},
		{"hdop over limit", func(g *model.GnssRecord) { g.Hdop = 4.5 }},
		{"gdop over limit", func(g *model.GnssRecord) { g.Gdop = 6.1 }},
		{"eph over limit", func(g *model.GnssRecord) { g.Eph = 11 }},
		{"eph missing", func(g *model.GnssRecord) { g.Eph = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := goodFix()
			tt.mutate(g)
			assert.False(t, GoodGnss(g, strictFilter()))
		})
	}
}

func TestGoodGnssNil(t *testing.T) {
	assert.False(t, GoodGnss(nil, GnssFilter{}))
}

func TestGoodGnssZeroFilterDisablesThresholds(t *testing.T) {
	g := goodFix()
	g.Hdop = 50
	g.SatellitesUsed = 1
	g.Fix = "2D"
	assert.True(t, GoodGnss(g, GnssFilter{}))
}

func TestGoodImu(t *testing.T) {
	good := &model.ImuRecord{Time: 1700000000000, AccX: 0.01, AccY: -0.02, AccZ: 0.98}
	assert.True(t, GoodImu(good))

	assert.False(t, GoodImu(nil))
	assert.False(t, GoodImu(&model.ImuRecord{AccX: 1}), "zero time")
	assert.False(t, GoodImu(&model.ImuRecord{Time: 1}), "all-zero accelerometer")

	glitch := &model.ImuRecord{Time: 1, AccX: 25, AccY: 0.1, AccZ: 1}
	assert.False(t, GoodImu(glitch), "accelerometer glitch")
}
