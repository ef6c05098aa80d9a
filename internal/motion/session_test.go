package motion

import (
	"bytes"
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
	"github.com/openmapper/dashcam/internal/framekm"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/privacy"
	"github.com/openmapper/dashcam/internal/sensor"
)

const (
	sessionBaseLat  = 45.07
	sessionBaseLon  = 7.68
	sessionBaseTime = int64(1700000000000)
)

type fakeRepairer struct {
	dataLogger int
	bridge     int
	detection  int
}

func (f *fakeRepairer) RestartDataLogger(string) error { f.dataLogger++; return nil }
func (f *fakeRepairer) RestartBridge(string) error     { f.bridge++; return nil }
func (f *fakeRepairer) RestartDetection(string) error  { f.detection++; return nil }

type sessionEnv struct {
	s        *Session
	db       *gorm.DB
	store    *config.Store
	queue    *framekm.Queue
	zones    *privacy.Zones
	repairer *fakeRepairer
	events   *bytes.Buffer

	framesDir string
	now       time.Time
	timeSet   bool
	seq       int
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	db, err := database.GetSqliteDB(filepath.Join(t.TempDir(), "dashcam.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.DatabaseModels...))

	store := config.NewStore(db)
	require.NoError(t, store.Init())
	require.NoError(t, store.Set(config.KeyTripTrimmingEnabled, false))
	require.NoError(t, store.Set(config.KeyLightCheckDisabled, true))

	zones := privacy.NewZones(200)
	zones.Set(nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBuf := &bytes.Buffer{}
	events := instrumentation.New(instrumentation.Options{Out: eventBuf, Log: log})

	env := &sessionEnv{
		db:        db,
		store:     store,
		zones:     zones,
		repairer:  &fakeRepairer{},
		events:    eventBuf,
		framesDir: t.TempDir(),
		now:       time.UnixMilli(sessionBaseTime),
		timeSet:   true,
	}
	env.queue = framekm.New(framekm.Dependencies{
		DB:             db,
		Store:          store,
		Zones:          zones,
		Events:         events,
		Log:            log,
		FramesDir:      env.framesDir,
		UnprocessedDir: t.TempDir(),
		Now:            func() time.Time { return env.now },
	})
	env.s = NewSession(SessionDeps{
		Store:         store,
		Queue:         env.queue,
		Zones:         zones,
		Events:        events,
		Repairer:      env.repairer,
		Log:           log,
		TimeSet:       func() bool { return env.timeSet },
		IntegrityDone: func() bool { return true },
		Now:           func() time.Time { return env.now },
	})
	return env
}

// driveBatch simulates seconds of steady northward driving at 7 m/s: one
// good fix per second, four frames per second, ten inertial samples per
// second. Every frame gets a real file so persisting can stage it.
func (e *sessionEnv) driveBatch(t *testing.T, seconds int) sensor.Batch {
	t.Helper()
	var b sensor.Batch
	start := sessionBaseTime + int64(e.seq)*1000
	for i := 0; i <= seconds; i++ {
		ts := start + int64(i)*1000
		b.Gnss = append(b.Gnss, model.GnssRecord{
			Time:           ts,
			SystemTime:     ts,
			Fix:            "3D",
			Latitude:       sessionBaseLat + metersToLatDeg(float64(e.seq+i)*7),
			Longitude:      sessionBaseLon,
			Speed:          7,
			SatellitesUsed: 9,
			Eph:            3,
			Hdop:           1.1,
			Gdop:           2.0,
		})
	}
	for i := 0; i < seconds*4; i++ {
		ts := start + int64(i)*250
		name := fmt.Sprintf("drive_%06d.jpg", e.seq*4+i)
		require.NoError(t, os.WriteFile(filepath.Join(e.framesDir, name), []byte("jpegdata"), 0o644))
		b.Images = append(b.Images, model.FrameRecord{SystemTime: ts, ImageName: name})
	}
	for i := 0; i < seconds*10; i++ {
		ts := start + int64(i)*100
		b.Imu = append(b.Imu, model.ImuRecord{Time: ts, SystemTime: ts, AccX: 0.02, AccY: 0.01, AccZ: 0.98})
	}
	e.seq += seconds
	e.now = time.UnixMilli(start + int64(seconds)*1000)
	return b
}

func (e *sessionEnv) storedRows(t *testing.T) []model.FrameKmRecord {
	t.Helper()
	var rows []model.FrameKmRecord
	require.NoError(t, e.db.Order("time").Find(&rows).Error)
	return rows
}

func TestIngestAndSyncPersistsResampledFrames(t *testing.T) {
	env := newSessionEnv(t)

	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())

	rows := env.storedRows(t)
	// 420m of track at 8.2m spacing, minus the spline edges
	require.Greater(t, len(rows), 40)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].Time, rows[i-1].Time)
		assert.NotEmpty(t, rows[i].ImageName)
	}
	assert.Equal(t, uint(1), rows[len(rows)-1].FkmID, "continuous track stays in one bundle")
}

func TestIngestAcrossWindowsStaysContinuous(t *testing.T) {
	env := newSessionEnv(t)

	for i := 0; i < 3; i++ {
		env.s.IngestBatch(env.driveBatch(t, 30))
		require.NoError(t, env.s.SyncWithDb())
	}

	rows := env.storedRows(t)
	require.Greater(t, len(rows), 60)
	for _, row := range rows {
		assert.Equal(t, uint(1), row.FkmID)
	}
}

func TestIngestSkipsWindowWithoutImages(t *testing.T) {
	env := newSessionEnv(t)
	batch := env.driveBatch(t, 10)
	batch.Images = nil

	env.s.IngestBatch(batch)
	require.NoError(t, env.s.SyncWithDb())
	assert.Empty(t, env.storedRows(t))
}

func TestIngestRejectsBadFixes(t *testing.T) {
	env := newSessionEnv(t)
	batch := env.driveBatch(t, 10)
	for i := range batch.Gnss {
		batch.Gnss[i].Fix = "2D"
	}

	env.s.IngestBatch(batch)
	require.NoError(t, env.s.SyncWithDb())
	assert.Empty(t, env.storedRows(t))
}

func TestIngestEmitsDopKpiPerBatch(t *testing.T) {
	env := newSessionEnv(t)

	env.s.IngestBatch(env.driveBatch(t, 10))

	out := env.events.String()
	require.Contains(t, out, "DashcamDop")
	assert.Contains(t, out, `"hdop":{"min":1.1,"max":1.1`)
	assert.Contains(t, out, `"count":11,"filtered":11`)
}

func TestIngestDopKpiCountsFilteredFixes(t *testing.T) {
	env := newSessionEnv(t)
	batch := env.driveBatch(t, 10)
	for i := range batch.Gnss {
		batch.Gnss[i].Fix = "2D"
	}

	env.s.IngestBatch(batch)

	assert.Contains(t, env.events.String(), `"count":11,"filtered":0`)
}

func TestMissingSensorDataBouncesServices(t *testing.T) {
	env := newSessionEnv(t)

	for i := 0; i < 3; i++ {
		env.s.IngestBatch(sensor.Batch{})
	}
	assert.Equal(t, 1, env.repairer.dataLogger)
	assert.Equal(t, 1, env.repairer.bridge)

	// counters restart after a bounce, one more empty window is fine
	env.s.IngestBatch(sensor.Batch{})
	assert.Equal(t, 1, env.repairer.dataLogger)
}

func TestLastTimeFlooredForIdleDevice(t *testing.T) {
	env := newSessionEnv(t)
	floor := env.now.Add(-time.Minute).UnixMilli()
	assert.Equal(t, floor, env.s.LastTime(), "empty engine starts one minute back")
}

func TestStartReleasesTailAfterReboot(t *testing.T) {
	env := newSessionEnv(t)
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())
	parked := len(env.storedRows(t))
	require.Greater(t, parked, 0)
	require.NoError(t, env.queue.PostponeEndTrim(1))

	// engine last ran one minute ago, this is a reboot mid-trip
	require.NoError(t, env.store.Set(config.KeyLastTimeIterated, env.now.Add(-time.Minute).UnixMilli()))

	fresh := NewSession(SessionDeps{
		Store: env.store, Queue: env.queue, Zones: env.zones,
		Events:  instrumentation.New(instrumentation.Options{Out: env.events}),
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		TimeSet: func() bool { return true }, IntegrityDone: func() bool { return true },
		Now: func() time.Time { return env.now },
	})
	require.NoError(t, fresh.Start())
	assert.True(t, fresh.Started())

	assert.Len(t, env.storedRows(t), parked, "tail survives a reboot untouched")
	rows, err := env.queue.Get(1)
	require.NoError(t, err)
	assert.Len(t, rows, parked, "rows are packagable again")
	assert.Contains(t, env.events.String(), "DashcamReboot")
}

func TestStartTrimsTripTailAfterLongStop(t *testing.T) {
	env := newSessionEnv(t)
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())
	parked := len(env.storedRows(t))
	require.Greater(t, parked, 10)
	require.NoError(t, env.queue.PostponeEndTrim(1))

	// 40m trim at 8m spacing takes the five newest frames
	require.NoError(t, env.store.Set(config.KeyTrimDistance, 40.0))
	require.NoError(t, env.store.Set(config.KeyLastTimeIterated, env.now.Add(-10*time.Minute).UnixMilli()))

	require.NoError(t, env.s.Start())

	rows, err := env.queue.Get(1)
	require.NoError(t, err)
	assert.Len(t, rows, parked-5)
}

func TestNextFrameKmParksNewestBundleOnFirstPass(t *testing.T) {
	env := newSessionEnv(t)
	require.NoError(t, env.store.Set(config.KeyTripTrimmingEnabled, true))
	require.NoError(t, env.store.Set(config.KeyTrimDistance, 0.0))
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())
	require.NotEmpty(t, env.storedRows(t))

	fkm, err := env.s.NextFrameKmToProcess()
	require.NoError(t, err)
	assert.Empty(t, fkm)

	parked, err := env.queue.EndTrimRows()
	require.NoError(t, err)
	assert.NotEmpty(t, parked, "incomplete trip tail is parked for the end-trim decision")

	// the park decision runs once per session
	fkm, err = env.s.NextFrameKmToProcess()
	require.NoError(t, err)
	assert.Empty(t, fkm)
	again, err := env.queue.EndTrimRows()
	require.NoError(t, err)
	assert.Len(t, again, len(parked))
}

func TestNextFrameKmReturnsOldestCompleteBundle(t *testing.T) {
	env := newSessionEnv(t)
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())

	// a second bundle closes the first one
	env.seq += 100 // 700m jump, discontinuous track
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())

	fkm, err := env.s.NextFrameKmToProcess()
	require.NoError(t, err)
	require.NotEmpty(t, fkm)
	assert.Equal(t, uint(1), fkm[0].FkmID)
}

func TestHealthCheckUnblocksStuckQueue(t *testing.T) {
	env := newSessionEnv(t)
	env.s.IngestBatch(env.driveBatch(t, 60))
	require.NoError(t, env.s.SyncWithDb())
	require.NotEmpty(t, env.storedRows(t))

	// the table keeps growing but bundle 1 never leaves the head
	for i := 0; i < 17; i++ {
		row := model.FrameKmRecord{
			FkmID:     2,
			FrameIdx:  i + 1,
			ImageName: fmt.Sprintf("stuck_%03d.jpg", i),
			Latitude:  sessionBaseLat,
			Longitude: sessionBaseLon,
			Time:      env.now.UnixMilli() + int64(i),
		}
		require.NoError(t, env.db.Create(&row).Error)
		env.s.HealthCheck()
	}

	rows, err := env.queue.Get(1)
	require.NoError(t, err)
	assert.Empty(t, rows, "stuck head bundle is sacrificed")
	assert.Equal(t, 1, env.repairer.detection)
	assert.Contains(t, env.events.String(), "DashcamUnblocked")
	assert.Greater(t, env.store.Int(config.KeyLastTimeIterated, 0), int64(0))
}
