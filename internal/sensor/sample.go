package sensor

import "github.com/openmapper/dashcam/internal/model"

// Kind discriminates the sample union.
type Kind int

const (
	KindGnss Kind = iota + 1
	KindImu
	KindImage
)

// Sample is one sensor reading of any kind, tagged for routing. Exactly
// one of the payload pointers is set. Samples are immutable once built.
type Sample struct {
	Kind       Kind
	SystemTime int64

	Gnss  *model.GnssRecord
	Imu   *model.ImuRecord
	Image *model.FrameRecord
}

// NewGnss wraps a GNSS record.
func NewGnss(g *model.GnssRecord) Sample {
	return Sample{Kind: KindGnss, SystemTime: g.SystemTime, Gnss: g}
}

// NewImu wraps an inertial record.
func NewImu(m *model.ImuRecord) Sample {
	return Sample{Kind: KindImu, SystemTime: m.SystemTime, Imu: m}
}

// NewImage wraps an image-arrival record.
func NewImage(f *model.FrameRecord) Sample {
	return Sample{Kind: KindImage, SystemTime: f.SystemTime, Image: f}
}
