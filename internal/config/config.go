package config

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads process configuration from a JSON file and sets default values.
// configDir is the directory containing the config file. Everything here is
// fixed for the lifetime of the process; the hot-reloadable motion-model
// settings live in Store instead.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "/data/dashcam/logs")

	viper.SetDefault("db.path", "/data/recording/data-logger.v2.db")

	viper.SetDefault("frames.rootDir", "/tmp/recording/pic")
	viper.SetDefault("frames.unprocessedDir", "/data/unprocessed_framekm")
	viper.SetDefault("frames.framekmDir", "/data/framekm")
	viper.SetDefault("frames.metadataDir", "/data/metadata")

	viper.SetDefault("instrumentation.path", "/data/dashcam/events.log")
	viper.SetDefault("privacy.zonesPath", "/data/privacy_zones.json")
	viper.SetDefault("firmwareVersion", "dev")

	viper.SetDefault("controller.intervalMs", 10000)
	viper.SetDefault("controller.lookbackMs", 60000)
	viper.SetDefault("controller.cursorPath", "/data/dashcam/ingest.cursor")

	viper.SetDefault("ml.modelPath", "/opt/dashcam/bin/pvc.tflite")
	viper.SetDefault("ml.detectorPath", "/opt/dashcam/bin/pvc")
	viper.SetDefault("ml.timeoutMs", 120000)

	viper.SetDefault("camera.bridgeService", "camera-bridge")
	viper.SetDefault("camera.purgerService", "folder-purger")
	viper.SetDefault("camera.detectionService", "object-detection")
	viper.SetDefault("camera.dataLoggerService", "data-logger")

	viper.SetDefault("device.id", "")
	viper.SetDefault("device.type", "hdc")
	viper.SetDefault("device.publicKeyPath", "/data/gnss_auth.pub")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "dashcam-metrics")
	viper.SetDefault("influx.bucket", "device_events")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.endpoint", "")

	viper.SetConfigName("dashcam.cfg")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		// a missing file means factory defaults; anything else is fatal
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %v", err)
		}
	}

	return nil
}

// Watch re-reads the config file whenever it changes on disk and invokes
// onChange afterwards. Used to mark events emitted after an operator
// hot-swapped the configuration.
func Watch(onChange func()) {
	viper.OnConfigChange(func(fsnotify.Event) { onChange() })
	viper.WatchConfig()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
