// Package logging wires slog for the engine: a per-boot log file, a
// console fallback for development runs, the otel bridge, and the
// identity stamp that keys fleet log uploads to one device and boot.
package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath names the per-boot log file. The timestamp uses the same
// compact UTC layout as packaged bundle names so a bundle and the log
// that covers it sort together.
func LogFilePath(logsDir, appName string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", appName, sessionStart.Format("20060102_150405")),
	)
}
