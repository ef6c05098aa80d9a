package framekm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/openmapper/dashcam/internal/config"
	"github.com/openmapper/dashcam/internal/database"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/privacy"
)

const (
	testBaseLat  = 45.07
	testBaseLon  = 7.68
	testBaseTime = int64(1700000000000)
	latPerMeter  = 1.0 / 111194.93
)

type queueEnv struct {
	q              *Queue
	db             *gorm.DB
	store          *config.Store
	zones          *privacy.Zones
	framesDir      string
	unprocessedDir string
	seq            int
	now            time.Time
}

func newQueueEnv(t *testing.T) *queueEnv {
	t.Helper()

	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "dashcam.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))

	store := config.NewStore(db)
	require.NoError(t, store.Init())
	require.NoError(t, store.Set(config.KeyDX, 8.0))
	require.NoError(t, store.Set(config.KeyFrameKmLengthMeters, 1000.0))
	require.NoError(t, store.Set(config.KeyTripTrimmingEnabled, false))

	// radius smaller than the 8m test spacing so a zone hits one row only
	zones := privacy.NewZones(4)
	zones.Set(nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &queueEnv{
		db:             db,
		store:          store,
		zones:          zones,
		framesDir:      t.TempDir(),
		unprocessedDir: t.TempDir(),
		now:            time.UnixMilli(testBaseTime),
	}
	env.q = New(Dependencies{
		DB:             db,
		Store:          store,
		Zones:          zones,
		Events:         instrumentation.New(instrumentation.Options{Out: io.Discard, Log: log}),
		Log:            log,
		FramesDir:      env.framesDir,
		UnprocessedDir: env.unprocessedDir,
		Now:            func() time.Time { return env.now },
	})
	return env
}

// rows produces n sampled rows spaced 8 meters apart going north, with a
// real staged source image for each so AddFrames can copy it.
func (e *queueEnv) rows(t *testing.T, n int) []model.FrameKmRecord {
	t.Helper()
	out := make([]model.FrameKmRecord, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img_%04d.jpg", e.seq)
		require.NoError(t, os.WriteFile(filepath.Join(e.framesDir, name), []byte("jpegdata"), 0o644))
		out = append(out, model.FrameKmRecord{
			ImageName: name,
			Latitude:  testBaseLat + float64(e.seq)*8*latPerMeter,
			Longitude: testBaseLon,
			Speed:     7,
			Time:      testBaseTime + int64(e.seq)*1000,
		})
		e.seq++
	}
	return out
}

func (e *queueEnv) allRows(t *testing.T) []model.FrameKmRecord {
	t.Helper()
	var rows []model.FrameKmRecord
	require.NoError(t, e.db.Order("time").Find(&rows).Error)
	return rows
}

func TestAddFramesAssignsBundleAndIndexes(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	rows := env.allRows(t)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, uint(1), row.FkmID)
		assert.Equal(t, i+1, row.FrameIdx)
		assert.Equal(t, filepath.Join(env.unprocessedDir, "1"), row.ImagePath)
		assert.FileExists(t, filepath.Join(row.ImagePath, row.ImageName))
	}
}

func TestAddFramesForceNewBundle(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))
	require.NoError(t, env.q.AddFrames(env.rows(t, 2), true))

	rows := env.allRows(t)
	require.Len(t, rows, 5)
	assert.Equal(t, uint(2), rows[3].FkmID)
	assert.Equal(t, 1, rows[3].FrameIdx)
	assert.Equal(t, uint(2), rows[4].FkmID)
	assert.Equal(t, 2, rows[4].FrameIdx)
}

func TestAddFramesRollsOverAtBundleLength(t *testing.T) {
	env := newQueueEnv(t)
	// 24m bundle at 8m spacing holds three frames
	require.NoError(t, env.store.Set(config.KeyFrameKmLengthMeters, 24.0))

	require.NoError(t, env.q.AddFrames(env.rows(t, 5), false))

	rows := env.allRows(t)
	require.Len(t, rows, 5)
	assert.Equal(t, uint(1), rows[2].FkmID)
	assert.Equal(t, 3, rows[2].FrameIdx)
	assert.Equal(t, uint(2), rows[3].FkmID)
	assert.Equal(t, 1, rows[3].FrameIdx)
}

func TestAddFramesFencesOffDistanceJumps(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 2), false))

	jump := env.rows(t, 1)
	jump[0].Latitude = testBaseLat + 500*latPerMeter
	require.NoError(t, env.q.AddFrames(jump, false))

	rows := env.allRows(t)
	require.Len(t, rows, 3)
	assert.Equal(t, uint(2), rows[2].FkmID)
	assert.Equal(t, 1, rows[2].FrameIdx)

	var errCount int64
	require.NoError(t, env.db.Model(&model.ErrorLog{}).Count(&errCount).Error)
	assert.Equal(t, int64(1), errCount)
}

func TestAddFramesSkipsPrivateZones(t *testing.T) {
	env := newQueueEnv(t)
	rows := env.rows(t, 3)
	env.zones.Set([][2]float64{{rows[1].Longitude, rows[1].Latitude}})

	require.NoError(t, env.q.AddFrames(rows, false))

	stored := env.allRows(t)
	require.Len(t, stored, 2)
	assert.Equal(t, rows[0].ImageName, stored[0].ImageName)
	assert.Equal(t, rows[2].ImageName, stored[1].ImageName)
}

func TestTripTrimmingConsumesLeadingRows(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.store.Set(config.KeyTripTrimmingEnabled, true))
	require.NoError(t, env.store.Set(config.KeyTrimDistance, 40.0))

	// first 40m of the trip never reach the table
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))
	assert.Empty(t, env.allRows(t))

	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))
	assert.Len(t, env.allRows(t), 1)

	require.NoError(t, env.q.AddFrames(env.rows(t, 2), false))
	assert.Len(t, env.allRows(t), 3)
}

func TestIsCompleteAndBundleIDs(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	complete, err := env.q.IsComplete(false)
	require.NoError(t, err)
	assert.False(t, complete, "single growing bundle is not packagable")

	require.NoError(t, env.q.AddFrames(env.rows(t, 2), true))

	complete, err = env.q.IsComplete(false)
	require.NoError(t, err)
	assert.True(t, complete)

	first, err := env.q.FirstID(false)
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	last, err := env.q.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint(2), last)
}

func TestIsCompleteOverlongSingleBundle(t *testing.T) {
	env := newQueueEnv(t)
	// 24m bundle at 8m spacing: more than three rows means overrun
	require.NoError(t, env.store.Set(config.KeyFrameKmLengthMeters, 24.0))

	// insert directly so all rows share one bundle id regardless of the
	// insert-time rollover
	for i, row := range env.rows(t, 4) {
		row.FkmID = 1
		row.FrameIdx = i + 1
		require.NoError(t, env.db.Create(&row).Error)
	}

	complete, err := env.q.IsComplete(false)
	require.NoError(t, err)
	assert.True(t, complete, "bundle past max length can no longer grow")
}

func TestMLGateHidesUnprocessedBundles(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))
	require.NoError(t, env.q.AddFrames(env.rows(t, 2), true))

	complete, err := env.q.IsComplete(true)
	require.NoError(t, err)
	assert.False(t, complete, "no bundle carries a model hash yet")

	first, err := env.q.FirstID(true)
	require.NoError(t, err)
	assert.Equal(t, uint(0), first)

	require.NoError(t, env.db.Model(&model.FrameKmRecord{}).
		Where("1 = 1").Update("ml_model_hash", "abc123").Error)

	complete, err = env.q.IsComplete(true)
	require.NoError(t, err)
	assert.True(t, complete)

	first, err = env.q.FirstID(true)
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestGetDeleteAndDeleteFrame(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	rows, err := env.q.Get(1)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Time < rows[1].Time && rows[1].Time < rows[2].Time)

	require.NoError(t, env.q.DeleteFrame(rows[1].ImageName, rows[1].ImagePath))
	assert.NoFileExists(t, filepath.Join(rows[1].ImagePath, rows[1].ImageName))

	rows, err = env.q.Get(1)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, env.q.Delete(1))
	rows, err = env.q.Get(1)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoDirExists(t, filepath.Join(env.unprocessedDir, "1"))
}

func TestPostponeStopsAtRetryBudget(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.store.Set(config.KeyMaxPostponeRetries, 2))
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	for i := 0; i < 2; i++ {
		ok, err := env.q.Postpone(1)
		require.NoError(t, err)
		assert.True(t, ok, "retry %d should still be within budget", i+1)
	}

	ok, err := env.q.Postpone(1)
	require.NoError(t, err)
	assert.False(t, ok, "budget exhausted, caller must package as-is")

	first, err := env.q.FirstPostponed()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	// postponed bundles are invisible to the oldest-first scan
	id, err := env.q.FirstID(false)
	require.NoError(t, err)
	assert.Equal(t, uint(0), id)
}

func TestMoveBackToQueueReKeysBundle(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), true))

	ok, err := env.q.Postpone(1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, env.q.MoveBackToQueue(1))

	first, err := env.q.FirstID(false)
	require.NoError(t, err)
	assert.Equal(t, uint(2), first)

	last, err := env.q.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint(3), last)

	rows, err := env.q.Get(3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.DirExists(t, filepath.Join(env.unprocessedDir, "3"))
	assert.NoDirExists(t, filepath.Join(env.unprocessedDir, "1"))
}

func TestEndTrimParkAndRestore(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	require.NoError(t, env.q.PostponeEndTrim(1))

	rows, err := env.q.Get(1)
	require.NoError(t, err)
	assert.Empty(t, rows, "parked rows are hidden from packaging")

	last, err := env.q.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint(0), last)

	parked, err := env.q.EndTrimRows()
	require.NoError(t, err)
	assert.Len(t, parked, 3)

	require.NoError(t, env.q.RestoreEndTrim())
	rows, err = env.q.Get(1)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestTailReturnsNewestAscending(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 5), false))

	tail, err := env.q.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, 3, tail[0].FrameIdx)
	assert.Equal(t, 4, tail[1].FrameIdx)
	assert.Equal(t, 5, tail[2].FrameIdx)
}

func TestNameUsesFirstFrameGnssTime(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	name, err := env.q.Name(1)
	require.NoError(t, err)
	expected := "km_" + time.UnixMilli(testBaseTime).UTC().Format("20060102_150405")
	assert.Equal(t, expected, name)
}

func TestClearOutdatedDropsStaleRows(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	env.now = time.UnixMilli(testBaseTime).Add(4 * 24 * time.Hour)
	require.NoError(t, env.q.ClearOutdated())
	assert.Empty(t, env.allRows(t))
}

func TestClearAllWipesRowsAndStaging(t *testing.T) {
	env := newQueueEnv(t)
	require.NoError(t, env.q.AddFrames(env.rows(t, 3), false))

	require.NoError(t, env.q.ClearAll())
	assert.Empty(t, env.allRows(t))

	entries, err := os.ReadDir(env.unprocessedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
