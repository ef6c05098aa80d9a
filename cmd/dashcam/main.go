// Command dashcam runs the motion-model engine: it watches the sensor
// database the data logger writes, resamples drives into evenly spaced
// FrameKM bundles and packages them for upload.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmapper/dashcam/internal/camera"
	"github.com/openmapper/dashcam/internal/config"
	"github.com/openmapper/dashcam/internal/database"
	"github.com/openmapper/dashcam/internal/framekm"
	"github.com/openmapper/dashcam/internal/influx"
	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/logging"
	"github.com/openmapper/dashcam/internal/ml"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/motion"
	intOtel "github.com/openmapper/dashcam/internal/otel"
	"github.com/openmapper/dashcam/internal/packager"
	"github.com/openmapper/dashcam/internal/privacy"
	"github.com/openmapper/dashcam/internal/sensor"
	"github.com/openmapper/dashcam/internal/telemetry"
)

// Version can be overridden at build time via ldflags.
var Version = "dev"

func main() {
	configDir := flag.String("config", "/etc/dashcam", "directory containing dashcam.cfg.json")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	if err := config.Load(configDir); err != nil {
		return err
	}

	sessionStart := time.Now()
	logsDir := config.GetString("logsDir")
	os.MkdirAll(logsDir, 0o755)

	logFile, err := os.OpenFile(
		logging.LogFilePath(logsDir, "dashcam", sessionStart),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	otelProvider, err := intOtel.New(intOtel.Config{
		Enabled:      config.GetBool("otel.enabled"),
		ServiceName:  "dashcam-engine",
		BatchTimeout: 10 * time.Second,
		LogWriter:    logFile,
		Endpoint:     config.GetString("otel.endpoint"),
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("initializing otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	deviceID := config.GetString("device.id")
	firmware := config.GetString("firmwareVersion")

	slogManager := logging.NewSlogManager()
	slogManager.Setup(logFile, config.GetString("logLevel"), otelProvider.LoggerProvider())
	slogManager.StampIdentity(deviceID, firmware)
	log := slogManager.Logger()

	zlog := zerolog.New(logFile).With().Timestamp().Logger()

	dbManager := database.NewManager(config.GetString("db.path"), zlog)
	if err := dbManager.Connect(); err != nil {
		return err
	}
	if err := dbManager.Setup(); err != nil {
		return err
	}

	store := config.NewStore(dbManager.DB)
	if err := store.Init(); err != nil {
		return fmt.Errorf("seeding config store: %w", err)
	}

	zones := privacy.NewZones(store.Float(config.KeyPrivacyRadius, privacy.DefaultRadiusMeters))
	loadPrivacyZones(zones, config.GetString("privacy.zonesPath"))

	var forwarder instrumentation.Forwarder
	var influxManager *influx.Manager
	if config.GetBool("influx.enabled") {
		influxManager = influx.NewManager(zlog, config.GetString("instrumentation.path")+".influx.gz", deviceID)
		if err := influxManager.Connect(); err != nil {
			log.Warn("influx unavailable, metrics stay local", "error", err)
		} else {
			forwarder = influxManager
			defer influxManager.Close()
		}
	}

	eventsFile, err := os.OpenFile(config.GetString("instrumentation.path"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening instrumentation log: %w", err)
	}
	defer eventsFile.Close()

	events := instrumentation.New(instrumentation.Options{
		Out:             eventsFile,
		Log:             log,
		FirmwareVersion: firmware,
		CpuLoad:         telemetry.CpuLoad,
		Forwarder:       forwarder,
	})
	events.Add(instrumentation.Event{Name: "DashcamLoaded", Message: Version})
	config.Watch(func() { events.SetHotLoad(true) })

	remediator := camera.NewManager(camera.Services{
		Bridge:     config.GetString("camera.bridgeService"),
		Purger:     config.GetString("camera.purgerService"),
		Detection:  config.GetString("camera.detectionService"),
		DataLogger: config.GetString("camera.dataLoggerService"),
	}, events, log)

	queue := framekm.New(framekm.Dependencies{
		DB:             dbManager.DB,
		Store:          store,
		Zones:          zones,
		Events:         events,
		Log:            log,
		FramesDir:      config.GetString("frames.rootDir"),
		UnprocessedDir: config.GetString("frames.unprocessedDir"),
	})
	if err := queue.ClearOutdated(); err != nil {
		log.Warn("clearing outdated frames failed", "error", err)
	}

	querier := sensor.NewQuerier(dbManager.DB, log,
		time.Duration(config.GetInt("controller.lookbackMs"))*time.Millisecond)

	var detector packager.Detector
	if path := config.GetString("ml.detectorPath"); path != "" {
		detector = &ml.Runner{
			BinaryPath: path,
			Timeout:    time.Duration(config.GetInt("ml.timeoutMs")) * time.Millisecond,
			Log:        log,
		}
	}

	pack := packager.New(packager.Dependencies{
		Queue:       queue,
		Store:       store,
		Events:      events,
		Auth:        &authSource{querier: querier, keyPath: config.GetString("device.publicKeyPath")},
		Remediator:  remediator,
		Detector:    detector,
		Compactor:   dbManager,
		Log:         log,
		FrameKmDir:  config.GetString("frames.framekmDir"),
		MetadataDir: config.GetString("frames.metadataDir"),
		DataDir:     config.GetString("frames.unprocessedDir"),
		DeviceID:    deviceID,
		DeviceType:  config.GetString("device.type"),
		Firmware:    firmware,
	})

	newSession := func() *motion.Session {
		return motion.NewSession(motion.SessionDeps{
			Store:         store,
			Queue:         queue,
			Zones:         zones,
			Events:        events,
			Repairer:      remediator,
			Log:           log,
			TimeSet:       systemTimeSet,
			IntegrityDone: dbManager.IntegrityDone,
		})
	}

	controller := motion.NewController(motion.ControllerDeps{
		Querier:    querier,
		Packer:     pack,
		Cursor:     sensor.Cursor{Path: config.GetString("controller.cursorPath")},
		Events:     events,
		Log:        log,
		Interval:   time.Duration(config.GetInt("controller.intervalMs")) * time.Millisecond,
		NewSession: newSession,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the integrity check gates ingest but must not delay packaging
	go func() {
		if err := dbManager.IntegrityCheck(); err != nil {
			log.Error("integrity check failed", "error", err)
		}
	}()

	if influxManager != nil {
		go healthLoop(ctx, influxManager)
	}

	log.Info("motion model engine starting", "version", Version, "device", deviceID)
	controller.Run(ctx)
	log.Info("motion model engine stopped")
	return nil
}

// systemTimeSet reports whether the device clock has been synced to GNSS.
// The devices boot with a 1970s clock until the receiver gets a lock.
func systemTimeSet() bool {
	return time.Now().Year() >= 2024
}

// loadPrivacyZones reads the opt-out coordinates file. A missing file
// means no zones, which still marks the filter as loaded.
func loadPrivacyZones(zones *privacy.Zones, path string) {
	if path == "" {
		path = "/data/privacy_zones.json"
	}
	var points [][2]float64
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &points)
	}
	zones.Set(points)
}

// authSource adapts the sensor querier and the on-disk receiver key to
// the packager's attestation interface.
type authSource struct {
	querier *sensor.Querier
	keyPath string
}

func (a *authSource) AuthSampleBetween(from, until int64) (*model.GnssAuthRecord, error) {
	return a.querier.AuthSampleBetween(from, until)
}

func (a *authSource) PublicKey() string {
	data, err := os.ReadFile(a.keyPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// healthLoop pushes a telemetry snapshot to the metrics sink every minute.
func healthLoop(ctx context.Context, m *influx.Manager) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.WriteHealth(telemetry.Collect(config.GetString("frames.unprocessedDir")))
		}
	}
}
