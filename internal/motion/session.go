package motion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openmapper/dashcam/internal/config"
	"github.com/openmapper/dashcam/internal/daylight"
	"github.com/openmapper/dashcam/internal/framekm"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/privacy"
	"github.com/openmapper/dashcam/internal/quality"
	"github.com/openmapper/dashcam/internal/queue"
	"github.com/openmapper/dashcam/internal/sampler"
	"github.com/openmapper/dashcam/internal/sensor"
)

const (
	// rebootWindow distinguishes a reboot mid-trip from a new trip: if the
	// engine last ran less than this ago, the track continues.
	rebootWindow = 4 * time.Minute

	// consecutive empty query windows before a sensor service is bounced.
	missingSensorThreshold = 3

	// iterations with a growing table but an unmoving head bundle before
	// the queue is considered stuck.
	stuckIterations = 15

	// a draft that grew this large without ever producing frames is
	// garbage and gets dropped wholesale.
	maxDraftSamples = 100000

	// oldest data worth ingesting relative to now when a draft or the
	// queue gives no better cursor.
	ingestFloor = time.Minute
)

// Repairer restarts external capture services.
type Repairer interface {
	RestartDataLogger(reason string) error
	RestartBridge(reason string) error
	RestartDetection(reason string) error
}

// SessionDeps wires a drive session.
type SessionDeps struct {
	Store    *config.Store
	Queue    *framekm.Queue
	Zones    *privacy.Zones
	Events   *instrumentation.Logger
	Repairer Repairer
	Log      *slog.Logger

	// Readiness gates: system clock synced to GNSS, and the startup
	// integrity check of the data stores.
	TimeSet       func() bool
	IntegrityDone func() bool

	Now func() time.Time
}

// Session owns the in-memory motion-model state of one engine run: the
// active draft, the drafts waiting for resampling and the health counters.
// All methods are called from the controller goroutine only.
type Session struct {
	store    *config.Store
	queue    *framekm.Queue
	zones    *privacy.Zones
	events   *instrumentation.Logger
	repairer Repairer
	log      *slog.Logger

	timeSet       func() bool
	integrityDone func() bool
	now           func() time.Time

	draft         *DraftFrameKm
	pendingDrafts *queue.Queue[*DraftFrameKm]

	started          bool
	endTrimPostponed bool

	gnssImuProblemCount int
	imagerProblemCount  int

	lastCheckedKmID  uint
	lastCheckedCount int64
	faultyIterations int
}

func NewSession(deps SessionDeps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		store:         deps.Store,
		queue:         deps.Queue,
		zones:         deps.Zones,
		events:        deps.Events,
		repairer:      deps.Repairer,
		log:           deps.Log,
		timeSet:       deps.TimeSet,
		integrityDone: deps.IntegrityDone,
		now:           now,
		pendingDrafts: queue.New[*DraftFrameKm](),
	}
}

// Ready gates ingest: the clock must be GNSS-synced, the integrity check
// done and the privacy zones loaded.
func (s *Session) Ready() bool {
	return s.timeSet() && s.integrityDone() && s.zones.Ready()
}

// Started reports whether the trip-start decision already ran.
func (s *Session) Started() bool {
	return s.started
}

// Start decides what to do with the previous run's parked trip tail. A
// reboot mid-trip releases it untouched and skips the leading trim of the
// resumed track; a fresh trip trims the tail and lets the leading trim of
// the new trip run as usual.
func (s *Session) Start() error {
	defer func() { s.started = true }()

	last := s.store.Int(config.KeyLastTimeIterated, 0)
	now := s.now().UnixMilli()
	if last > 0 && time.Duration(absInt64(now-last))*time.Millisecond < rebootWindow {
		if err := s.queue.RestoreEndTrim(); err != nil {
			return fmt.Errorf("restoring trip tail after reboot: %w", err)
		}
		s.queue.SkipStartTrim()
		s.events.Add(instrumentation.Event{
			Name: "DashcamReboot",
			Size: absInt64(now - last),
		})
		return nil
	}

	rows, err := s.queue.EndTrimRows()
	if err != nil {
		return fmt.Errorf("loading parked trip tail: %w", err)
	}
	if len(rows) > 0 {
		trimDistance := s.store.Float(config.KeyTrimDistance, 100)
		dx := s.store.DX()
		framesToTrim := int(math.Round(trimDistance / dx))
		if framesToTrim > len(rows) {
			framesToTrim = len(rows)
		}
		for i := 0; i < framesToTrim; i++ {
			row := rows[len(rows)-1-i]
			if err := s.queue.DeleteFrame(row.ImageName, row.ImagePath); err != nil {
				s.log.Warn("trip-end trim delete failed", "image", row.ImageName, "error", err)
			}
		}
	}
	return s.queue.RestoreEndTrim()
}

// LastTime returns the ingest cursor: the newest buffered GNSS time, or
// the newest persisted row, floored at one minute ago so a long-idle
// device does not replay days of data.
func (s *Session) LastTime() int64 {
	floor := s.now().Add(-ingestFloor).UnixMilli()
	if s.draft != nil && !s.draft.Empty() {
		return maxInt64(s.draft.LastTime(), floor)
	}
	ts, err := s.queue.LastTimestamp()
	if err != nil {
		s.log.Warn("reading last queue timestamp failed", "error", err)
	}
	return maxInt64(ts, floor)
}

// IngestBatch routes one query window of sensor data through the quality
// gates into the active draft, cutting drafts as the motion model demands.
func (s *Session) IngestBatch(batch sensor.Batch) {
	s.checkMissingSensorData(batch)

	if len(batch.Gnss) == 0 || len(batch.Images) == 0 {
		// nothing to anchor frames to in this window
		return
	}

	filter := s.store.GnssFilter()
	maxPending := s.store.MaxPendingTime()
	draftCfg := DraftConfig{
		DX:                  s.store.DX(),
		FrameKmLengthMeters: s.store.Float(config.KeyFrameKmLengthMeters, 1000),
	}

	passedGnss := 0
	for _, sample := range batch.Merged() {
		if !s.dataGoodEnough(sample, filter, maxPending) {
			continue
		}
		if sample.Kind == sensor.KindGnss {
			passedGnss++
		}

		if s.draft == nil {
			s.draft = NewDraft(draftCfg, &sample)
			continue
		}

		added, reason := s.draft.MaybeAdd(sample)
		if !added {
			if reason != CutLengthReached {
				s.events.Add(instrumentation.Event{
					Name:    "DashcamCutReason",
					Message: string(reason),
				})
			}
			s.pendingDrafts.Push(s.draft)
			s.draft = NewDraft(draftCfg, &sample)
		}
	}

	s.emitDopKpi(batch.Gnss, passedGnss)
}

// emitDopKpi reports the batch's dilution statistics so the fleet can
// watch GPS health drift per device.
func (s *Session) emitDopKpi(all []model.GnssRecord, passed int) {
	payload, err := json.Marshal(instrumentation.ComputeGnssDopKpi(all, passed))
	if err != nil {
		return
	}
	s.events.Add(instrumentation.Event{
		Name:    "DashcamDop",
		Size:    int64(len(all)),
		Message: string(payload),
	})
}

func (s *Session) dataGoodEnough(sample sensor.Sample, filter quality.GnssFilter, maxPending time.Duration) bool {
	switch sample.Kind {
	case sensor.KindGnss:
		g := sample.Gnss
		if !quality.GoodGnss(g, filter) {
			return false
		}
		if !s.store.Bool(config.KeyLightCheckDisabled, false) &&
			!daylight.LikelyDaylight(time.UnixMilli(g.Time), g.Longitude, g.Latitude) {
			return false
		}
		return g.Time > s.now().UnixMilli()-maxPending.Milliseconds()
	case sensor.KindImu:
		return quality.GoodImu(sample.Imu)
	case sensor.KindImage:
		return sample.Image.ImageName != ""
	default:
		return false
	}
}

// SyncWithDb resamples every closed draft plus the active one and persists
// the results. A failure on one draft is logged and skipped; the rest of
// the queue still makes progress.
func (s *Session) SyncWithDb() error {
	tail, err := s.queue.Tail(3)
	if err != nil {
		return fmt.Errorf("loading persisted tail: %w", err)
	}

	cfg := sampler.Config{
		DX:              s.store.DX(),
		CornerDetection: s.store.Bool(config.KeyCornerDetection, true),
	}

	isContinuous := s.pendingDrafts.Empty()
	drafts := s.pendingDrafts.GetAndEmpty()
	for i, d := range drafts {
		in := sampler.Input{
			Gnss:   d.GnssData(),
			Images: d.ImageData(),
			Imu:    d.ImuData(),
		}
		if i == 0 {
			in.Tail = tail
		}
		rows := sampler.Sample(in, cfg, s.log)
		if len(rows) == 0 {
			continue
		}
		// a later draft that resampled into a stub is not worth a bundle
		if i > 0 && len(rows) <= 3 {
			continue
		}
		if err := s.queue.AddFrames(rows, i > 0); err != nil {
			s.log.Error("persisting resampled draft failed", "error", err)
		}
	}

	if s.draft == nil {
		return nil
	}
	in := sampler.Input{
		Gnss:   s.draft.GnssData(),
		Images: s.draft.ImageData(),
		Imu:    s.draft.ImuData(),
	}
	if isContinuous {
		in.Tail = tail
	}
	rows := sampler.Sample(in, cfg, s.log)
	if len(rows) > 1 {
		if err := s.queue.AddFrames(rows, !isContinuous); err != nil {
			return fmt.Errorf("persisting active draft: %w", err)
		}
		seed := s.draft.LastGnssSample()
		s.draft = NewDraft(DraftConfig{
			DX:                  cfg.DX,
			FrameKmLengthMeters: s.store.Float(config.KeyFrameKmLengthMeters, 1000),
		}, seed)
	} else if s.draft.Len() > maxDraftSamples {
		s.log.Warn("dropping runaway draft", "samples", s.draft.Len())
		s.draft.Clear()
		s.draft = nil
	}
	return nil
}

// NextFrameKmToProcess returns the oldest packagable bundle, or nil when
// there is nothing to pack yet. On the first empty pass of a session with
// trip trimming enabled it parks the newest bundle for the trip-end
// decision; with ML enabled it also recycles postponed bundles.
func (s *Session) NextFrameKmToProcess() (model.FrameKm, error) {
	mlEnabled := s.store.Bool(config.KeyDashcamMLEnabled, false)

	complete, err := s.queue.IsComplete(mlEnabled)
	if err != nil {
		return nil, err
	}
	if complete {
		id, err := s.queue.FirstID(mlEnabled)
		if err != nil || id == 0 {
			return nil, err
		}
		return s.queue.Get(id)
	}

	if !s.endTrimPostponed && s.store.Bool(config.KeyTripTrimmingEnabled, true) {
		s.endTrimPostponed = true
		id, err := s.queue.LastID()
		if err != nil {
			return nil, err
		}
		if id != 0 {
			if err := s.queue.PostponeEndTrim(id); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if mlEnabled {
		id, err := s.queue.FirstPostponed()
		if err != nil {
			return nil, err
		}
		if id != 0 {
			if err := s.queue.MoveBackToQueue(id); err != nil {
				return nil, err
			}
			name, _ := s.queue.Name(id)
			s.events.Add(instrumentation.Event{
				Name:    "DashcamScheduledFrameKmToReprocess",
				Message: name,
			})
		}
	}
	return nil, nil
}

// checkMissingSensorData bounces the producing service after several
// consecutive empty windows. One empty window is normal (parked car at
// night); three in a row means the service died.
func (s *Session) checkMissingSensorData(batch sensor.Batch) {
	if len(batch.Gnss) == 0 || len(batch.Imu) == 0 {
		s.gnssImuProblemCount++
		if s.gnssImuProblemCount >= missingSensorThreshold {
			s.gnssImuProblemCount = 0
			if s.repairer != nil {
				s.repairer.RestartDataLogger("no gnss/imu data")
			}
		}
	} else {
		s.gnssImuProblemCount = 0
	}

	if len(batch.Images) == 0 {
		s.imagerProblemCount++
		if s.imagerProblemCount >= missingSensorThreshold {
			s.imagerProblemCount = 0
			if s.repairer != nil {
				s.repairer.RestartBridge("no images")
			}
		}
	} else {
		s.imagerProblemCount = 0
	}
}

// HealthCheck watches for a stuck queue: the table keeps growing but the
// head bundle never moves. After enough faulty iterations the head bundle
// is sacrificed and the detector restarted. Also advances the persisted
// iteration timestamp used for reboot detection.
func (s *Session) HealthCheck() {
	count, err := s.queue.FramesCount()
	if err != nil {
		s.log.Warn("health check count failed", "error", err)
		return
	}
	firstID, err := s.queue.FirstID(false)
	if err == nil && count > s.lastCheckedCount && firstID != 0 {
		s.lastCheckedCount = count
		switch {
		case s.lastCheckedKmID == 0:
			s.lastCheckedKmID = firstID
		case s.lastCheckedKmID == firstID:
			s.faultyIterations++
			if s.faultyIterations > stuckIterations {
				s.faultyIterations = 0
				if err := s.queue.Delete(firstID); err != nil {
					s.log.Error("unblocking delete failed", "fkmId", firstID, "error", err)
				}
				s.events.Add(instrumentation.Event{
					Name:    "DashcamUnblocked",
					Size:    count,
					Message: fmt.Sprintf("firstId=%d", firstID),
				})
				if s.repairer != nil {
					s.repairer.RestartDetection("queue stuck")
				}
			}
		default:
			s.faultyIterations = 0
			s.lastCheckedKmID = firstID
		}
	}

	if err := s.store.Set(config.KeyLastTimeIterated, s.now().UnixMilli()); err != nil {
		s.log.Warn("persisting iteration timestamp failed", "error", err)
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
