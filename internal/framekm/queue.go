// Package framekm is the persistent FrameKM queue. Sampled rows land here
// together with their staged image copies; the packager drains complete
// bundles from the front in insertion order.
package framekm

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/openmapper/dashcam/internal/config"
	"github.com/openmapper/dashcam/internal/geo"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/privacy"
	"github.com/openmapper/dashcam/internal/util"
)

const (
	// outdatedAfter is how long unpackaged rows may sit before the GC
	// drops them. Anything older was produced by a device that could not
	// package for days and is no longer worth the disk.
	outdatedAfter = 3 * 24 * time.Hour
)

// Dependencies wires the queue into the rest of the engine.
type Dependencies struct {
	DB     *gorm.DB
	Store  *config.Store
	Zones  *privacy.Zones
	Events *instrumentation.Logger
	Log    *slog.Logger

	// FramesDir is where the camera bridge drops raw frames;
	// UnprocessedDir is the per-bundle staging area.
	FramesDir      string
	UnprocessedDir string

	Now func() time.Time
}

// Queue is the durable frame queue backed by the framekms table.
type Queue struct {
	db     *gorm.DB
	store  *config.Store
	zones  *privacy.Zones
	events *instrumentation.Logger
	log    *slog.Logger

	framesDir      string
	unprocessedDir string
	now            func() time.Time

	// metersTrimmed tracks how much of the trip start was discarded so
	// far; it is per-session state, reset when a new Queue is built.
	metersTrimmed float64
}

// New builds a queue. Call once per process start; metersTrimmed starts at
// zero so the leading TrimDistance of the trip is dropped again.
func New(deps Dependencies) *Queue {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		db:             deps.DB,
		store:          deps.Store,
		zones:          deps.Zones,
		events:         deps.Events,
		log:            deps.Log,
		framesDir:      deps.FramesDir,
		unprocessedDir: deps.UnprocessedDir,
		now:            now,
	}
}

// active scopes out rows that are postponed for ML or parked for the
// trip-end trim.
func (q *Queue) active() *gorm.DB {
	return q.db.Model(&model.FrameKmRecord{}).
		Where("postponed = ? AND end_trim = ?", false, false)
}

// AddFrames appends sampled rows to the newest bundle, assigning bundle
// ids and frame indexes as it goes. forceNewBundle starts a fresh bundle
// for the first row, used when the track is not continuous with the
// previous insert. Images are copied into the staging dir before the row
// is inserted, so a row never points at a missing file.
func (q *Queue) AddFrames(rows []model.FrameKmRecord, forceNewBundle bool) error {
	if len(rows) == 0 {
		return nil
	}

	dx := q.store.DX()
	trimDistance := q.store.Float(config.KeyTrimDistance, 100)
	lengthMeters := q.store.Float(config.KeyFrameKmLengthMeters, 1000)
	maxIdx := int(math.Round(lengthMeters / dx))

	// Leading trip trim: drop the first TrimDistance meters of every
	// session before anything reaches the table.
	if q.store.Bool(config.KeyTripTrimmingEnabled, true) && q.metersTrimmed < trimDistance {
		framesLeft := int(math.Ceil((trimDistance - q.metersTrimmed) / dx))
		if framesLeft >= len(rows) {
			q.metersTrimmed += float64(len(rows)) * dx
			return nil
		}
		q.metersTrimmed += float64(framesLeft) * dx
		rows = rows[framesLeft:]
	}

	last, err := q.LastRecord()
	if err != nil {
		return err
	}

	inserted := false
	for i := range rows {
		row := rows[i]
		if q.zones.Ready() && q.zones.IsPrivateLocation(row.Latitude, row.Longitude) {
			continue
		}

		fkmID := uint(1)
		frameIdx := 1
		if last != nil {
			forceSwitch := forceNewBundle && !inserted
			fkmID = last.FkmID
			if forceSwitch {
				fkmID++
			} else if d := geo.Distance(last.Latitude, last.Longitude, row.Latitude, row.Longitude); d > dx*2 {
				// wrong sample slipped in, fence it off into a new bundle
				q.insertErrorLog(fmt.Sprintf("distance between frames is more than allowed: %.1f", d))
				q.events.Add(instrumentation.Event{
					Name:    "DashcamCutReason",
					Size:    int64(math.Round(d)),
					Message: "FrameKmValidation",
				})
				fkmID++
			}
			if fkmID == last.FkmID {
				frameIdx = last.FrameIdx + 1
			}
			if frameIdx > maxIdx {
				fkmID++
				frameIdx = 1
			}
		}

		src := filepath.Join(q.framesDir, row.ImageName)
		dst := filepath.Join(q.unprocessedDir, fmt.Sprint(fkmID), row.ImageName)
		if err := util.CopyFile(src, dst); err != nil {
			q.log.Warn("staging frame image failed", "image", row.ImageName, "error", err)
			continue
		}

		row.FkmID = fkmID
		row.FrameIdx = frameIdx
		row.ImagePath = filepath.Join(q.unprocessedDir, fmt.Sprint(fkmID))
		row.CreatedAt = q.now().UnixMilli()
		if err := q.db.Create(&row).Error; err != nil {
			q.log.Warn("inserting frame row failed", "image", row.ImageName, "error", err)
			os.Remove(dst)
			continue
		}
		last = &row
		inserted = true
	}
	return nil
}

// IsComplete reports whether at least one bundle is ready to package:
// either more than one bundle id exists (the older ones can no longer
// grow) or the single active bundle has already overrun its max length.
// With ML enabled, only bundles whose rows carry a model hash count.
func (q *Queue) IsComplete(mlEnabled bool) (bool, error) {
	// Each count gets its own chain; a finished GORM statement keeps its
	// clauses, so reusing one would make the second count DISTINCT too.
	scope := func() *gorm.DB {
		s := q.active()
		if mlEnabled {
			s = s.Where("ml_model_hash <> ''")
		}
		return s
	}

	var distinct int64
	if err := scope().Distinct("fkm_id").Count(&distinct).Error; err != nil {
		return false, err
	}
	if distinct > 1 {
		return true, nil
	}

	dx := q.store.DX()
	maxIdx := int64(math.Round(q.store.Float(config.KeyFrameKmLengthMeters, 1000) / dx))
	var count int64
	if err := scope().Count(&count).Error; err != nil {
		return false, err
	}
	return count > maxIdx, nil
}

// FirstID returns the oldest active bundle id, 0 when the queue is empty.
func (q *Queue) FirstID(mlEnabled bool) (uint, error) {
	scope := q.active()
	if mlEnabled {
		scope = scope.Where("ml_model_hash <> ''")
	}
	var id *uint
	if err := scope.Select("MIN(fkm_id)").Scan(&id).Error; err != nil {
		return 0, err
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// LastID returns the newest active bundle id, 0 when the queue is empty.
func (q *Queue) LastID() (uint, error) {
	var id *uint
	if err := q.active().Select("MAX(fkm_id)").Scan(&id).Error; err != nil {
		return 0, err
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// Get returns all non-parked rows of one bundle ordered by GNSS time.
func (q *Queue) Get(fkmID uint) (model.FrameKm, error) {
	if fkmID == 0 {
		return nil, nil
	}
	var rows model.FrameKm
	err := q.db.Where("fkm_id = ? AND end_trim = ?", fkmID, false).
		Order("time").Find(&rows).Error
	return rows, err
}

// Delete removes a bundle's rows and its staging directory.
func (q *Queue) Delete(fkmID uint) error {
	if fkmID == 0 {
		return nil
	}
	if err := q.db.Where("fkm_id = ?", fkmID).Delete(&model.FrameKmRecord{}).Error; err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(q.unprocessedDir, fmt.Sprint(fkmID)))
}

// DeleteFrame removes a single row by image name together with its staged
// file.
func (q *Queue) DeleteFrame(imageName, imagePath string) error {
	if err := q.db.Where("image_name = ?", imageName).Delete(&model.FrameKmRecord{}).Error; err != nil {
		return err
	}
	if imagePath != "" {
		os.Remove(filepath.Join(imagePath, imageName))
	}
	return nil
}

// Postpone parks a bundle so the ML watcher gets another pass at it. The
// second return is false when the bundle already burned through its retry
// budget; the caller should package it as-is instead of waiting longer.
func (q *Queue) Postpone(fkmID uint) (bool, error) {
	maxRetries := int(q.store.Int(config.KeyMaxPostponeRetries, 5))

	var worst int
	err := q.db.Model(&model.FrameKmRecord{}).
		Where("fkm_id = ?", fkmID).
		Select("COALESCE(MAX(postpone_count), 0)").Scan(&worst).Error
	if err != nil {
		return false, err
	}
	if worst >= maxRetries {
		return false, nil
	}

	err = q.db.Model(&model.FrameKmRecord{}).
		Where("fkm_id = ?", fkmID).
		Updates(map[string]any{
			"postponed":      true,
			"postpone_count": gorm.Expr("postpone_count + 1"),
		}).Error
	return err == nil, err
}

// FirstPostponed returns the oldest postponed bundle id, 0 when none.
func (q *Queue) FirstPostponed() (uint, error) {
	var id *uint
	err := q.db.Model(&model.FrameKmRecord{}).
		Where("postponed = ?", true).
		Select("MIN(fkm_id)").Scan(&id).Error
	if err != nil || id == nil {
		return 0, err
	}
	return *id, nil
}

// MoveBackToQueue re-keys a postponed bundle to the back of the queue and
// clears its flag, so packaging order stays oldest-first for the rest.
func (q *Queue) MoveBackToQueue(fkmID uint) error {
	var maxID *uint
	if err := q.db.Model(&model.FrameKmRecord{}).Select("MAX(fkm_id)").Scan(&maxID).Error; err != nil {
		return err
	}
	newID := fkmID
	if maxID != nil && *maxID >= fkmID {
		newID = *maxID + 1
	}

	err := q.db.Model(&model.FrameKmRecord{}).
		Where("fkm_id = ?", fkmID).
		Updates(map[string]any{
			"fkm_id":    newID,
			"postponed": false,
		}).Error
	if err != nil {
		return err
	}
	if newID != fkmID {
		oldDir := filepath.Join(q.unprocessedDir, fmt.Sprint(fkmID))
		newDir := filepath.Join(q.unprocessedDir, fmt.Sprint(newID))
		if err := os.Rename(oldDir, newDir); err != nil && !os.IsNotExist(err) {
			q.log.Warn("moving staged bundle dir failed", "from", oldDir, "error", err)
		}
	}
	return nil
}

// PostponeEndTrim parks a bundle for the trip-end decision: it is not
// packagable until the next session start either trims its tail (trip
// ended) or releases it whole (reboot mid-trip).
func (q *Queue) PostponeEndTrim(fkmID uint) error {
	return q.db.Model(&model.FrameKmRecord{}).
		Where("fkm_id = ?", fkmID).
		Update("end_trim", true).Error
}

// EndTrimRows returns the parked trip-end rows ordered by GNSS time.
func (q *Queue) EndTrimRows() (model.FrameKm, error) {
	var rows model.FrameKm
	err := q.db.Where("end_trim = ?", true).Order("time").Find(&rows).Error
	return rows, err
}

// RestoreEndTrim releases all parked trip-end rows back into the queue.
func (q *Queue) RestoreEndTrim() error {
	return q.db.Model(&model.FrameKmRecord{}).
		Where("end_trim = ?", true).
		Update("end_trim", false).Error
}

// SkipStartTrim marks the leading trip trim as already done, used after a
// reboot mid-trip so the resumed track is not trimmed again.
func (q *Queue) SkipStartTrim() {
	q.metersTrimmed = q.store.Float(config.KeyTrimDistance, 100)
}

// LastRecord returns the newest active row by GNSS time, nil when the
// queue is empty.
func (q *Queue) LastRecord() (*model.FrameKmRecord, error) {
	var row model.FrameKmRecord
	err := q.active().Order("time DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Tail returns up to limit newest active rows in ascending time order, for
// stitching the spline across bundle boundaries.
func (q *Queue) Tail(limit int) ([]model.FrameKmRecord, error) {
	var rows []model.FrameKmRecord
	err := q.active().Order("time DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// LastTimestamp returns the system time of the newest row, 0 when empty.
func (q *Queue) LastTimestamp() (int64, error) {
	row, err := q.LastRecord()
	if err != nil || row == nil {
		return 0, err
	}
	return row.SystemTime, nil
}

// FramesCount returns the total number of rows across all bundles.
func (q *Queue) FramesCount() (int64, error) {
	var count int64
	err := q.db.Model(&model.FrameKmRecord{}).Count(&count).Error
	return count, err
}

// Name derives the upload name of a bundle from its first row's GNSS time.
func (q *Queue) Name(fkmID uint) (string, error) {
	rows, err := q.Get(fkmID)
	if err != nil || len(rows) == 0 {
		return "", err
	}
	t := time.UnixMilli(rows[0].Time).UTC()
	return "km_" + t.Format("20060102_150405"), nil
}

// ClearOutdated drops rows whose GNSS time is older than the retention
// window. Their staged images go with the bundle dirs on the next Delete.
func (q *Queue) ClearOutdated() error {
	cutoff := q.now().Add(-outdatedAfter).UnixMilli()
	return q.db.Where("time < ?", cutoff).Delete(&model.FrameKmRecord{}).Error
}

// ClearAll wipes the whole queue, rows and staged images both. Used by the
// corruption remediation path.
func (q *Queue) ClearAll() error {
	if err := q.db.Where("1 = 1").Delete(&model.FrameKmRecord{}).Error; err != nil {
		return err
	}
	entries, err := os.ReadDir(q.unprocessedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(q.unprocessedDir, e.Name()))
	}
	return nil
}

func (q *Queue) insertErrorLog(msg string) {
	entry := model.ErrorLog{SystemTime: q.now().UnixMilli(), Message: msg}
	if err := q.db.Create(&entry).Error; err != nil {
		q.log.Warn("writing error log failed", "error", err)
	}
}
