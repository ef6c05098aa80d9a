// Package packager turns a complete FrameKM bundle into the upload
// artifacts: one concatenated binary of its frames and a JSON metadata
// document, written to the directories the uploader watches.
package packager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/openmapper/dashcam/internal/config"
	"github.com/openmapper/dashcam/internal/framekm"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/ml"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/telemetry"
	"github.com/openmapper/dashcam/internal/util"
)

const (
	// Frame-size gates: anything outside this band is not a valid camera
	// frame and is dropped from the bundle.
	minFrameBytesHard = 25 * 1000
	maxFrameBytes     = 2 * 1000 * 1000

	concatTimeout   = 30 * time.Second
	metadataTimeout = 5 * time.Second

	// remediationCooldown bounds how often a corrupt bundle may bounce the
	// camera services, so a persistently bad sensor cannot restart-loop
	// the device.
	remediationCooldown = 10 * time.Minute

	minPackFrames = 3

	// vacuumEvery is how many packed bundles may be deleted before the
	// database file is compacted.
	vacuumEvery = 10

	bundleVersion = "4"
	resolution    = "2k"
)

// AuthSource serves signed GNSS attestation samples for spot checks.
type AuthSource interface {
	AuthSampleBetween(from, until int64) (*model.GnssAuthRecord, error)
	PublicKey() string
}

// Remediator is invoked when a corrupted bundle shows up, to bounce
// whatever produces the frames. Calls are rate-limited by
// remediationCooldown.
type Remediator interface {
	Remediate(reason string) error
}

// Detector kicks the external privacy detector for a staged bundle dir,
// so a postponed bundle is processed before its next packaging pass.
type Detector interface {
	Process(ctx context.Context, dir string) error
}

// Compactor reclaims database file space after packed rows are deleted.
type Compactor interface {
	Vacuum() error
}

// Dependencies wires the packager.
type Dependencies struct {
	Queue      *framekm.Queue
	Store      *config.Store
	Events     *instrumentation.Logger
	Auth       AuthSource
	Remediator Remediator
	Detector   Detector
	Compactor  Compactor
	Log        *slog.Logger

	FrameKmDir  string
	MetadataDir string
	DataDir     string

	DeviceID   string
	DeviceType string
	Firmware   string

	Now  func() time.Time
	Rand func() float64
}

// Packager drains complete bundles from the queue.
type Packager struct {
	queue      *framekm.Queue
	store      *config.Store
	events     *instrumentation.Logger
	auth       AuthSource
	remediator Remediator
	detector   Detector
	compactor  Compactor
	log        *slog.Logger

	framekmDir  string
	metadataDir string
	dataDir     string

	deviceID   string
	deviceType string
	firmware   string

	now  func() time.Time
	rand func() float64

	lastRemediation   time.Time
	packedSinceVacuum int
}

func New(deps Dependencies) *Packager {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rnd := deps.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Packager{
		queue:       deps.Queue,
		store:       deps.Store,
		events:      deps.Events,
		auth:        deps.Auth,
		remediator:  deps.Remediator,
		detector:    deps.Detector,
		compactor:   deps.Compactor,
		log:         deps.Log,
		framekmDir:  deps.FrameKmDir,
		metadataDir: deps.MetadataDir,
		dataDir:     deps.DataDir,
		deviceID:    deps.DeviceID,
		deviceType:  deps.DeviceType,
		firmware:    deps.Firmware,
		now:         now,
		rand:        rnd,
	}
}

// Pack processes one bundle end to end. An empty bundle is a no-op, so a
// second call for an already-packed id does nothing. Frame rows are deleted
// only after the artifacts are on disk.
func (p *Packager) Pack(fkm model.FrameKm) error {
	if len(fkm) == 0 {
		return nil
	}

	fkmID := fkm[0].FkmID
	name, err := p.queue.Name(fkmID)
	if err != nil || name == "" {
		return fmt.Errorf("deriving bundle name for %d: %w", fkmID, err)
	}
	bundleName := fmt.Sprintf("%s_%d_0", name, len(fkm))

	if len(fkm) < minPackFrames {
		p.log.Info("dropping short bundle", "name", name, "frames", len(fkm))
		return p.queue.Delete(fkmID)
	}

	if p.store.Bool(config.KeyDashcamMLEnabled, false) {
		if row := firstUnprocessed(fkm); row != nil {
			postponed, err := p.queue.Postpone(fkmID)
			if err != nil {
				return fmt.Errorf("postponing bundle %d: %w", fkmID, err)
			}
			if postponed {
				p.events.Add(instrumentation.Event{
					Name:    "DashcamMLPostponed",
					Size:    int64(len(fkm)),
					Message: fmt.Sprintf("name=%s error=%s", name, row.Error),
				})
				if p.detector != nil {
					if err := p.detector.Process(context.Background(), fkm[0].ImagePath); err != nil {
						p.log.Warn("kicking detector for postponed bundle failed", "name", name, "error", err)
					}
				}
				return nil
			}
			// retry budget exhausted, ship the bundle without redaction
			// metadata rather than hold it forever
			p.log.Warn("postpone budget exhausted, packing as-is", "name", name)
		}
	}

	detections, mlMetrics := ml.CollectDetections(fkm)

	start := p.now()
	framesDir := filepath.Join(fkm[0].ImagePath)
	var bytesMap map[string]int64
	err = util.RunWithTimeout(concatTimeout, func() error {
		var cErr error
		bytesMap, cErr = p.concatFrames(fkm, framesDir, bundleName)
		return cErr
	})
	if err != nil {
		p.events.Add(instrumentation.Event{
			Name:    "DashcamFailedPackingFrameKm",
			Message: fmt.Sprintf("name=%s reason=concat error=%v", bundleName, err),
		})
		return fmt.Errorf("concatenating frames for %s: %w", bundleName, err)
	}

	var totalBytes int64
	for _, b := range bytesMap {
		totalBytes += b
	}

	minFrameBytes := p.store.Int(config.KeyMinFrameBytes, minFrameBytesHard)
	if len(bytesMap) == 0 || totalBytes/int64(len(fkm)) < minFrameBytes {
		p.events.Add(instrumentation.Event{
			Name:    "DashcamCorruptedFrameKm",
			Size:    totalBytes,
			Message: bundleName,
		})
		if p.remediator != nil && (p.lastRemediation.IsZero() || p.now().Sub(p.lastRemediation) >= remediationCooldown) {
			p.lastRemediation = p.now()
			if err := p.remediator.Remediate("corrupted framekm " + bundleName); err != nil {
				p.log.Error("corruption remediation failed", "error", err)
			}
		}
		os.Remove(filepath.Join(p.framekmDir, bundleName))
		// the camera was writing garbage, so everything staged since is
		// suspect: drop the whole local queue, not just this bundle
		return p.queue.ClearAll()
	}

	err = util.RunWithTimeout(metadataTimeout, func() error {
		return p.writeMetadata(bundleName, fkm, bytesMap, detections, mlMetrics, totalBytes)
	})
	if err != nil {
		p.events.Add(instrumentation.Event{
			Name:    "DashcamFailedPackingFrameKm",
			Message: fmt.Sprintf("name=%s reason=metadata error=%v", bundleName, err),
		})
		return fmt.Errorf("writing metadata for %s: %w", bundleName, err)
	}

	snap := telemetry.Collect(p.dataDir)
	p.events.Add(instrumentation.Event{
		Name: "DashcamPackedFrameKm",
		Size: totalBytes,
		Message: fmt.Sprintf(
			"name=%s frames=%d dx=%.1f device=%s temp=%.1f duration=%d metrics=%s",
			bundleName, len(fkm), p.store.DX(), p.deviceID,
			snap.Temperature, p.now().Sub(start).Milliseconds(),
			averageMetrics(fkm),
		),
	})

	if err := p.queue.Delete(fkmID); err != nil {
		return err
	}
	p.packedSinceVacuum++
	if p.compactor != nil && p.packedSinceVacuum >= vacuumEvery {
		p.packedSinceVacuum = 0
		if err := p.compactor.Vacuum(); err != nil {
			p.log.Warn("compacting database after packing failed", "error", err)
		}
	}
	return nil
}

// firstUnprocessed returns the first row the detector skipped or failed,
// nil when the whole bundle has been through ML.
func firstUnprocessed(fkm model.FrameKm) *model.FrameKmRecord {
	for i := range fkm {
		if fkm[i].Error != "" || fkm[i].MlModelHash == "" {
			return &fkm[i]
		}
	}
	return nil
}

// concatFrames appends the staged frame files into one binary, gating each
// by the size band. Returns the per-frame byte counts that made it in.
func (p *Packager) concatFrames(fkm model.FrameKm, framesDir, bundleName string) (map[string]int64, error) {
	if err := os.MkdirAll(p.framekmDir, 0o755); err != nil {
		return nil, err
	}
	dst := filepath.Join(p.framekmDir, bundleName)
	out, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	bytesMap := make(map[string]int64, len(fkm))
	for _, row := range fkm {
		src := filepath.Join(framesDir, row.ImageName)
		size := util.FileSize(src)
		if size <= minFrameBytesHard || size >= maxFrameBytes {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			p.log.Warn("reading staged frame failed", "image", row.ImageName, "error", err)
			continue
		}
		if _, err := out.Write(data); err != nil {
			return nil, err
		}
		bytesMap[row.ImageName] = size
	}
	return bytesMap, nil
}

func (p *Packager) writeMetadata(bundleName string, fkm model.FrameKm, bytesMap map[string]int64, detections ml.DetectionsByFrame, mlMetrics ml.Metrics, totalBytes int64) error {
	frames := make([]FrameMeta, 0, len(fkm))
	for _, m := range fkm {
		bytes, ok := bytesMap[m.ImageName]
		if !ok {
			continue
		}
		frames = append(frames, FrameMeta{
			Bytes: bytes,
			Lat:   m.Latitude,
			Lon:   m.Longitude,
			Alt:   m.Altitude,
			Xdop:  m.Xdop, Ydop: m.Ydop, Pdop: m.Pdop, Hdop: m.Hdop,
			Vdop: m.Vdop, Tdop: m.Tdop, Gdop: m.Gdop,
			Speed:      m.Speed * 3.6,
			T:          m.Time,
			Satellites: m.SatellitesUsed,
			Dilution:   int(math.Round(m.Dilution)),
			Eph:        m.Eph,
			AccX:       m.AccX, AccY: m.AccY, AccZ: m.AccZ,
			GyroX: m.GyroX, GyroY: m.GyroY, GyroZ: m.GyroZ,
			Detections: detections[m.ImageName],
		})
	}
	if len(frames) < minPackFrames {
		return fmt.Errorf("only %d frames survived the size gate", len(frames))
	}

	doc := MetadataDoc{
		Bundle: BundleMeta{
			Name:             bundleName,
			NumFrames:        len(frames),
			Size:             totalBytes,
			DeviceType:       p.deviceType,
			FirmwareVersion:  p.firmware,
			KeyframeDistance: p.store.DX(),
			Resolution:       resolution,
			Version:          bundleVersion,
			PrivacyModelHash: mlMetrics.ModelHash,
			DeviceID:         p.deviceID,
			EdgeDetection:    mlMetrics.FramesWithML > 0,
		},
		Frames: frames,
	}

	// Occasional spot check: attach a signed attestation sample covering
	// the bundle's time range.
	if p.auth != nil && p.rand() < p.store.Float(config.KeyChanceOfGnssAuthCheck, 0) {
		from, until := frames[0].T, frames[len(frames)-1].T
		if auth, err := p.auth.AuthSampleBetween(from, until); err == nil && auth != nil {
			doc.Bundle.GnssAuthBuffer = auth.Buffer
			doc.Bundle.GnssAuthBufferMessageNum = auth.BufferMessageNum
			doc.Bundle.GnssAuthBufferHash = auth.BufferHash
			doc.Bundle.GnssAuthSessionID = auth.SessionID
			doc.Bundle.GnssAuthSignature = auth.Signature
			doc.Bundle.GnssAuthPublicKey = p.auth.PublicKey()
		}
	}

	if err := os.MkdirAll(p.metadataDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := filepath.Join(p.metadataDir, bundleName+".json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(p.metadataDir, bundleName+".json"))
}

// averageMetrics formats the bundle's mean telemetry for instrumentation.
func averageMetrics(fkm model.FrameKm) string {
	var pdop, hdop, vdop, tdop, gdop, eph, speed float64
	for _, m := range fkm {
		pdop += m.Pdop
		hdop += m.Hdop
		vdop += m.Vdop
		tdop += m.Tdop
		gdop += m.Gdop
		eph += m.Eph
		speed += m.Speed
	}
	n := float64(len(fkm))
	if n == 0 {
		n = 1
	}
	return fmt.Sprintf("pdop=%.1f hdop=%.1f vdop=%.1f tdop=%.1f gdop=%.1f eph=%.1f speed=%.1f",
		pdop/n, hdop/n, vdop/n, tdop/n, gdop/n, eph/n, speed/n)
}
