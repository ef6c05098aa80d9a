// Package sampler turns the raw GNSS track of a closed draft into evenly
// spaced synthetic frame rows. The track is lifted into ECEF space, fitted
// with a centripetal Catmull-Rom spline, and walked at a fixed arc-length
// step; telemetry is interpolated at each stop and the nearest camera frame
// is attached.
package sampler

import (
	"log/slog"

	"github.com/openmapper/dashcam/internal/geo"
	"github.com/openmapper/dashcam/internal/model"
)

const (
	// dxBracket is added to the configured spacing during the walk; the
	// near-duplicate suppression below pulls the effective spacing back
	// toward DX.
	dxBracket = 0.2
	// suppressionSlackMeters is the allowed undershoot before a synthetic
	// point is considered a near duplicate of the previous one.
	suppressionSlackMeters = 1.0
	// potentialCornerAngleDeg flags a step whose tangent swings more than
	// this as crossing a turn.
	potentialCornerAngleDeg = 90.0
	// cornerSearchSteps subdivides the step when walking back to the apex.
	cornerSearchSteps = 10
	// cornerToleranceDeg is how close to half the full swing the apex
	// candidate must get.
	cornerToleranceDeg = 5.0
	// maxImageAlignMs bounds how far an image arrival may sit from a
	// synthetic point and still be attached to it.
	maxImageAlignMs = 300
	// imuAttachWindowMs bounds the inertial sample lookup around each
	// emitted frame.
	imuAttachWindowMs = 150
	// maxTailGapMeters disconnects the previous bundle's tail when the new
	// track starts too far from it.
	maxTailGapMeters = 50.0
	// minOutputFrames discards bundles too short to be worth packaging.
	minOutputFrames = 3
)

// Config carries the sampling knobs from the motion-model configuration.
type Config struct {
	DX              float64
	CornerDetection bool
}

// Input is one closed draft's worth of sensor data plus the persisted tail
// of the previous bundle when the track is continuous.
type Input struct {
	Gnss   []model.GnssRecord
	Images []model.FrameRecord
	Imu    []model.ImuRecord
	Tail   []model.FrameKmRecord
}

// trackPoint is one knot of the spline with the telemetry to interpolate.
type trackPoint struct {
	lat, lon   float64
	alt        float64
	speed      float64
	time       int64
	systemTime int64
	satellites int
	dilution   float64
	eph        float64
	hdop, gdop float64
	pdop, tdop float64
	vdop, xdop float64
	ydop       float64
}

func gnssPoint(g model.GnssRecord) trackPoint {
	return trackPoint{
		lat: g.Latitude, lon: g.Longitude, alt: g.Altitude,
		speed: g.Speed, time: g.Time, systemTime: g.SystemTime,
		satellites: g.SatellitesUsed, dilution: g.Dilution, eph: g.Eph,
		hdop: g.Hdop, gdop: g.Gdop, pdop: g.Pdop, tdop: g.Tdop,
		vdop: g.Vdop, xdop: g.Xdop, ydop: g.Ydop,
	}
}

func tailPoint(r model.FrameKmRecord) trackPoint {
	return trackPoint{
		lat: r.Latitude, lon: r.Longitude, alt: r.Altitude,
		speed: r.Speed, time: r.Time, systemTime: r.SystemTime,
		satellites: r.SatellitesUsed, dilution: r.Dilution, eph: r.Eph,
		hdop: r.Hdop, gdop: r.Gdop, pdop: r.Pdop, tdop: r.Tdop,
		vdop: r.Vdop, xdop: r.Xdop, ydop: r.Ydop,
	}
}

// Sample resamples one draft. The returned rows carry no bundle id or
// frame index; the frame queue assigns those on insert. Fewer than
// minOutputFrames usable rows yields nil.
func Sample(in Input, cfg Config, log *slog.Logger) []model.FrameKmRecord {
	if len(in.Gnss) < minOutputFrames {
		return nil
	}

	// Stitch in up to the last 3 persisted points of the previous bundle
	// so that spacing stays even across the bundle boundary. A large jump
	// means a new trip; drop the tail then.
	var track []trackPoint
	for _, r := range in.Tail {
		track = append(track, tailPoint(r))
	}
	if n := len(track); n > 0 {
		last := track[n-1]
		first := in.Gnss[0]
		if geo.Distance(last.lat, last.lon, first.Latitude, first.Longitude) >= maxTailGapMeters {
			track = track[:0]
		}
	}
	prefixLen := len(track)
	for _, g := range in.Gnss {
		track = append(track, gnssPoint(g))
	}

	// The spline lives at ellipsoid height zero; altitude is interpolated
	// as telemetry like speed or the dilution values.
	ecef := make([]geo.Vec3, len(track))
	for i, p := range track {
		ecef[i] = geo.ToECEF(p.lon, p.lat, 0)
	}
	curve, err := geo.NewCurve(ecef)
	if err != nil {
		return nil
	}
	total := curve.Length()
	if total <= 0 {
		return nil
	}

	// Chord-length positions of the knots, rescaled onto the spline's
	// arc length, used both to place the walk start and to bracket each
	// synthetic point for interpolation.
	arcAt := make([]float64, len(ecef))
	for i := 1; i < len(ecef); i++ {
		arcAt[i] = arcAt[i-1] + ecef[i].DistanceTo(ecef[i-1])
	}
	chordTotal := arcAt[len(arcAt)-1]
	if chordTotal <= 0 {
		return nil
	}
	for i := range arcAt {
		arcAt[i] = arcAt[i] / chordTotal * total
	}

	step := cfg.DX + dxBracket
	start := 0.0
	if prefixLen > 0 {
		// resume one step past the last already-persisted point
		start = arcAt[prefixLen-1] + step
	}

	type stop struct {
		s      float64
		p      geo.Vec3
		corner bool
	}
	var stops []stop
	var prevTangent geo.Vec3
	havePrev := false
	for s := start; s <= total; s += step {
		u := s / total
		corner := false
		if cfg.CornerDetection {
			tangent := curve.TangentAt(u)
			if havePrev {
				swing := prevTangent.AngleTo(tangent)
				if swing > potentialCornerAngleDeg {
					if apex, ok := findCorner(curve, s, step, total, prevTangent, swing); ok {
						s = apex
						u = s / total
						tangent = curve.TangentAt(u)
						corner = true
					}
				}
			}
			prevTangent = tangent
			havePrev = true
		}
		stops = append(stops, stop{s: s, p: curve.PointAt(u), corner: corner})
	}

	var rows []model.FrameKmRecord
	imgCursor := 0
	knot := 1
	var prevRow *model.FrameKmRecord
	for _, st := range stops {
		for knot < len(arcAt)-1 && arcAt[knot] < st.s {
			knot++
		}
		a, b := track[knot-1], track[knot]
		span := arcAt[knot] - arcAt[knot-1]
		if span <= 0 || b.time == a.time {
			// zero elapsed time between the bracketing fixes is a data
			// error, skip the point
			continue
		}
		frac := (st.s - arcAt[knot-1]) / span
		if frac < 0 {
			frac = 0
		}
		if frac > 1 {
			frac = 1
		}

		lon, lat, _ := geo.FromECEF(st.p)
		row := model.FrameKmRecord{
			Latitude:  lat,
			Longitude: lon,
			Altitude:  lerp(a.alt, b.alt, frac),
			Speed:     lerp(a.speed, b.speed, frac),

			Hdop: lerp(a.hdop, b.hdop, frac),
			Gdop: lerp(a.gdop, b.gdop, frac),
			Pdop: lerp(a.pdop, b.pdop, frac),
			Tdop: lerp(a.tdop, b.tdop, frac),
			Vdop: lerp(a.vdop, b.vdop, frac),
			Xdop: lerp(a.xdop, b.xdop, frac),
			Ydop: lerp(a.ydop, b.ydop, frac),

			Eph:      lerp(a.eph, b.eph, frac),
			Dilution: lerp(a.dilution, b.dilution, frac),

			Time:           int64(lerp(float64(a.time), float64(b.time), frac)),
			SystemTime:     int64(lerp(float64(a.systemTime), float64(b.systemTime), frac)),
			SatellitesUsed: a.satellites,
		}

		// Near-duplicate suppression after interpolation rounding. Corner
		// insertions are deliberately closer than DX and are kept.
		if prevRow != nil && !st.corner {
			if geo.Distance(prevRow.Latitude, prevRow.Longitude, row.Latitude, row.Longitude) < cfg.DX-suppressionSlackMeters {
				continue
			}
		}

		img, next := alignImage(in.Images, imgCursor, row.SystemTime)
		imgCursor = next
		if img == nil {
			// no frame close enough, the point is unusable
			continue
		}
		row.ImageName = img.ImageName

		rows = append(rows, row)
		prevRow = &rows[len(rows)-1]
	}

	attachImu(rows, in.Imu)

	if len(rows) < minOutputFrames {
		if log != nil && len(rows) > 0 {
			log.Debug("discarding short sample output", "frames", len(rows))
		}
		return nil
	}
	return rows
}

// findCorner walks back from s toward the previous stop looking for the
// point where the tangent swing reaches roughly half the full turn. That
// point is the apex of the corner; emitting there keeps the turn from being
// cut off by the straight-line step.
func findCorner(curve *geo.Curve, s, step, total float64, prevTangent geo.Vec3, fullSwing float64) (float64, bool) {
	target := fullSwing/2 - cornerToleranceDeg
	for i := 1; i <= cornerSearchSteps; i++ {
		candidate := s - float64(i)*step/cornerSearchSteps
		if candidate <= 0 {
			break
		}
		swing := prevTangent.AngleTo(curve.TangentAt(candidate / total))
		if swing > target {
			return candidate, true
		}
	}
	return 0, false
}

// alignImage finds the image arrival closest in system time to t, scanning
// monotonically so each image is attached at most once.
func alignImage(images []model.FrameRecord, cursor int, t int64) (*model.FrameRecord, int) {
	for cursor < len(images) {
		d := absInt64(images[cursor].SystemTime - t)
		if cursor+1 < len(images) && absInt64(images[cursor+1].SystemTime-t) <= d {
			cursor++
			continue
		}
		if d > maxImageAlignMs {
			if images[cursor].SystemTime > t {
				// next image is already past this point, keep it for the
				// following one
				return nil, cursor
			}
			cursor++
			continue
		}
		return &images[cursor], cursor + 1
	}
	return nil, cursor
}

// attachImu stamps each row with the inertial sample nearest to it in
// system time, within the attach window. Both slices are time-ordered so a
// single forward pass covers all rows.
func attachImu(rows []model.FrameKmRecord, imu []model.ImuRecord) {
	if len(imu) == 0 {
		return
	}
	j := 0
	for i := range rows {
		t := rows[i].SystemTime
		for j+1 < len(imu) && absInt64(imu[j+1].SystemTime-t) <= absInt64(imu[j].SystemTime-t) {
			j++
		}
		if absInt64(imu[j].SystemTime-t) > imuAttachWindowMs {
			continue
		}
		rows[i].AccX = imu[j].AccX
		rows[i].AccY = imu[j].AccY
		rows[i].AccZ = imu[j].AccZ
		rows[i].GyroX = imu[j].GyroX
		rows[i].GyroY = imu[j].GyroY
		rows[i].GyroZ = imu[j].GyroZ
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
