package motion

import (
	"github.com/openmapper/dashcam/internal/geo"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/sensor"
)

// CutReason says why a draft refused a sample and closed.
type CutReason string

const (
	CutNone            CutReason = ""
	CutHighSpeed       CutReason = "HighSpeed"
	CutTravelledTooFar CutReason = "TravelledTooFar"
	CutImageGap        CutReason = "FpsDrop"
	CutLengthReached   CutReason = "LengthReached"
)

const (
	// minSpeedMps is the parked threshold; fixes below it are consumed but
	// not buffered so a stopped car doesn't stack identical points.
	minSpeedMps = 0.15
	// maxSpeedMps marks a GPS jump. A fix at exactly this speed is still
	// accepted; anything strictly faster cuts the draft.
	maxSpeedMps = 40.0
	// minPointSpacingMeters skips fixes too close to the previous one.
	minPointSpacingMeters = 1.0
	// maxImageGapMs cuts the draft across a camera outage.
	maxImageGapMs = 300
)

// DraftConfig is the per-draft slice of the motion-model configuration.
type DraftConfig struct {
	DX                  float64
	FrameKmLengthMeters float64
}

// DraftFrameKm accumulates accepted sensor samples for one in-progress
// bundle. It is purely in-memory: nothing here is durable until the
// sampler output is persisted through the frame queue.
type DraftFrameKm struct {
	cfg DraftConfig

	samples       []sensor.Sample
	lastGnss      *model.GnssRecord
	lastImageTime int64
	traveled      float64
	closing       bool
}

// NewDraft creates a draft, optionally seeded with the sample that closed
// the previous one.
func NewDraft(cfg DraftConfig, seed *sensor.Sample) *DraftFrameKm {
	d := &DraftFrameKm{cfg: cfg}
	if seed != nil {
		d.MaybeAdd(*seed)
	}
	return d
}

// MaybeAdd routes one sample into the draft. A false return means this
// draft is closed: the caller must queue it for processing and start a new
// draft seeded with the rejected sample.
func (d *DraftFrameKm) MaybeAdd(s sensor.Sample) (bool, CutReason) {
	if d.closing {
		return false, CutLengthReached
	}

	if len(d.samples) == 0 {
		if s.Kind == sensor.KindGnss {
			g := *s.Gnss
			d.lastGnss = &g
		}
		if s.Kind == sensor.KindImage {
			d.lastImageTime = s.SystemTime
		}
		d.samples = append(d.samples, s)
		return true, CutNone
	}

	switch s.Kind {
	case sensor.KindGnss:
		return d.maybeAddGnss(s)
	case sensor.KindImage:
		return d.maybeAddImage(s)
	default:
		// IMU and anything else is always buffered; the sampler decides
		// what to do with it later
		d.samples = append(d.samples, s)
		return true, CutNone
	}
}

func (d *DraftFrameKm) maybeAddGnss(s sensor.Sample) (bool, CutReason) {
	g := s.Gnss
	if d.lastGnss == nil {
		cp := *g
		d.lastGnss = &cp
		d.samples = append(d.samples, s)
		return true, CutNone
	}

	deltaMs := g.Time - d.lastGnss.Time
	if deltaMs <= 0 {
		// duplicate timestamp, consume without touching the distance
		// accounting
		return true, CutNone
	}

	dist := geo.Distance(d.lastGnss.Latitude, d.lastGnss.Longitude, g.Latitude, g.Longitude)
	speed := dist / (float64(deltaMs) / 1000)

	if dist < minPointSpacingMeters || g.Speed < minSpeedMps {
		// too soon, consume without buffering
		return true, CutNone
	}

	if speed > maxSpeedMps {
		return false, CutHighSpeed
	}
	if dist > d.cfg.DX {
		return false, CutTravelledTooFar
	}

	d.traveled += dist
	cp := *g
	d.lastGnss = &cp
	d.samples = append(d.samples, s)

	if d.traveled > d.cfg.FrameKmLengthMeters {
		// this sample is the last one in; the next call closes the draft
		d.closing = true
	}
	return true, CutNone
}

func (d *DraftFrameKm) maybeAddImage(s sensor.Sample) (bool, CutReason) {
	if d.lastImageTime == 0 {
		d.lastImageTime = s.SystemTime
		d.samples = append(d.samples, s)
		return true, CutNone
	}

	gap := s.SystemTime - d.lastImageTime
	d.lastImageTime = s.SystemTime
	if gap > maxImageGapMs {
		return false, CutImageGap
	}
	d.samples = append(d.samples, s)
	return true, CutNone
}

// Empty reports whether anything was buffered.
func (d *DraftFrameKm) Empty() bool {
	return len(d.samples) == 0
}

// Len returns the number of buffered samples of all kinds.
func (d *DraftFrameKm) Len() int {
	return len(d.samples)
}

// Traveled returns the accumulated accepted-GNSS distance in meters.
func (d *DraftFrameKm) Traveled() float64 {
	return d.traveled
}

// Samples returns the buffered samples in arrival order.
func (d *DraftFrameKm) Samples() []sensor.Sample {
	return d.samples
}

// GnssData returns the buffered GNSS records in order.
func (d *DraftFrameKm) GnssData() []model.GnssRecord {
	out := make([]model.GnssRecord, 0, len(d.samples))
	for _, s := range d.samples {
		if s.Kind == sensor.KindGnss {
			out = append(out, *s.Gnss)
		}
	}
	return out
}

// ImuData returns the buffered inertial records in order.
func (d *DraftFrameKm) ImuData() []model.ImuRecord {
	out := make([]model.ImuRecord, 0)
	for _, s := range d.samples {
		if s.Kind == sensor.KindImu {
			out = append(out, *s.Imu)
		}
	}
	return out
}

// ImageData returns the buffered image arrivals in order.
func (d *DraftFrameKm) ImageData() []model.FrameRecord {
	out := make([]model.FrameRecord, 0)
	for _, s := range d.samples {
		if s.Kind == sensor.KindImage {
			out = append(out, *s.Image)
		}
	}
	return out
}

// LastGnssSample returns the most recent buffered GNSS sample, for seeding
// the next draft after a sync.
func (d *DraftFrameKm) LastGnssSample() *sensor.Sample {
	for i := len(d.samples) - 1; i >= 0; i-- {
		if d.samples[i].Kind == sensor.KindGnss {
			s := d.samples[i]
			return &s
		}
	}
	return nil
}

// LastTime returns the system time of the newest GNSS sample, falling back
// to the newest sample of any kind.
func (d *DraftFrameKm) LastTime() int64 {
	for i := len(d.samples) - 1; i >= 0; i-- {
		if d.samples[i].Kind == sensor.KindGnss {
			return d.samples[i].SystemTime
		}
	}
	if len(d.samples) > 0 {
		return d.samples[len(d.samples)-1].SystemTime
	}
	return 0
}

// Clear drops all buffered data.
func (d *DraftFrameKm) Clear() {
	d.samples = nil
	d.lastGnss = nil
	d.lastImageTime = 0
	d.traveled = 0
	d.closing = false
}
