package instrumentation

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/openmapper/dashcam/internal/model"
)

// DopKpi summarizes one dilution metric over an ingest batch.
type DopKpi struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Count    int     `json:"count"`
	Filtered int     `json:"filtered"`
}

// GnssDopKpi carries one DopKpi per dilution kind, reported as a
// DashcamDop event each batch so the fleet can watch GPS health drift.
type GnssDopKpi struct {
	Xdop DopKpi `json:"xdop"`
	Ydop DopKpi `json:"ydop"`
	Pdop DopKpi `json:"pdop"`
	Hdop DopKpi `json:"hdop"`
	Vdop DopKpi `json:"vdop"`
	Tdop DopKpi `json:"tdop"`
	Gdop DopKpi `json:"gdop"`
}

var dopKeys = []string{"xdop", "ydop", "pdop", "hdop", "vdop", "tdop", "gdop"}

// ComputeGnssDopKpi aggregates dilution statistics over all fetched
// records, recording how many survived the quality filter.
func ComputeGnssDopKpi(all []model.GnssRecord, passed int) GnssDopKpi {
	var kpi GnssDopKpi
	if len(all) == 0 {
		return kpi
	}

	for _, key := range dopKeys {
		values := make([]float64, 0, len(all))
		for i := range all {
			values = append(values, all[i].Dop(key))
		}
		sort.Float64s(values)

		k := DopKpi{
			Min:      values[0],
			Max:      values[len(values)-1],
			Mean:     stat.Mean(values, nil),
			Median:   stat.Quantile(0.5, stat.Empirical, values, nil),
			Count:    len(values),
			Filtered: passed,
		}

		switch key {
		case "xdop":
			kpi.Xdop = k
		case "ydop":
			kpi.Ydop = k
		case "pdop":
			kpi.Pdop = k
		case "hdop":
			kpi.Hdop = k
		case "vdop":
			kpi.Vdop = k
		case "tdop":
			kpi.Tdop = k
		case "gdop":
			kpi.Gdop = k
		}
	}
	return kpi
}
