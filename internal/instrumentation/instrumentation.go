// Package instrumentation writes the device's append-only event log. Each
// event is one pipe-delimited line with a fixed schema consumed by the
// fleet ingestion pipeline, so only allow-listed event names are accepted.
package instrumentation

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// validEvents is the allow-list of event names the fleet pipeline accepts.
// Unknown names are dropped with a local warning.
var validEvents = map[string]struct{}{
	"DashcamLoaded":                      {},
	"DashcamReceivedFirstGpsLock":        {},
	"DashcamFetchedFirstImages":          {},
	"DashcamLost3dLock":                  {},
	"DashcamGot3dLock":                   {},
	"DashcamRejectedGps":                 {},
	"DashcamDop":                         {},
	"DashcamFps":                         {},
	"DashcamImuFreq":                     {},
	"DashcamApiRepaired":                 {},
	"DashcamApiError":                    {},
	"DashcamCutReason":                   {},
	"DashcamPackedFrameKm":               {},
	"DashcamFailedPackingFrameKm":        {},
	"DashcamMLPostponed":                 {},
	"DashcamScheduledFrameKmToReprocess": {},
	"DashcamCorruptedFrameKm":            {},
	"DashcamUnblocked":                   {},
	"DashcamReboot":                      {},
	"DashcamNotMoving":                   {},
	"DashcamLog":                         {},
}

// Event is one instrumentation record. Size carries whatever count is
// natural for the event (bytes, frames, records).
type Event struct {
	Name    string
	Size    int64
	Message string
}

// Forwarder receives a copy of every accepted event. Used to push metrics
// to InfluxDB when the device happens to be networked.
type Forwarder interface {
	Forward(e Event)
}

// Logger writes events to the on-disk event log.
type Logger struct {
	mu              sync.Mutex
	out             io.Writer
	log             *slog.Logger
	sessionID       string
	firmwareVersion string
	bootedAt        time.Time
	cpuLoad         func() float64
	now             func() time.Time
	hotLoad         bool
	forwarder       Forwarder
}

// Options configures a Logger. CpuLoad and Now may be nil.
type Options struct {
	Out             io.Writer
	Log             *slog.Logger
	FirmwareVersion string
	CpuLoad         func() float64
	Now             func() time.Time
	Forwarder       Forwarder
}

// New creates an event logger with a fresh session id.
func New(opts Options) *Logger {
	if opts.CpuLoad == nil {
		opts.CpuLoad = func() float64 { return 0 }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Logger{
		out:             opts.Out,
		log:             opts.Log,
		sessionID:       uuid.NewString(),
		firmwareVersion: opts.FirmwareVersion,
		bootedAt:        opts.Now(),
		cpuLoad:         opts.CpuLoad,
		now:             opts.Now,
		forwarder:       opts.Forwarder,
	}
}

// SessionID returns the id stamped on every event from this process.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// SetHotLoad marks subsequent events as emitted after a hot reload.
func (l *Logger) SetHotLoad(hot bool) {
	l.mu.Lock()
	l.hotLoad = hot
	l.mu.Unlock()
}

// Add validates and writes one event.
// Schema: |ts|firmware|session|event|uptime|size|cpu|message|hotload
func (l *Logger) Add(e Event) {
	if _, ok := validEvents[e.Name]; !ok {
		l.log.Warn("Invalid instrumentation event name", "event", e.Name)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hot := 0
	if l.hotLoad {
		hot = 1
	}
	now := l.now()
	line := fmt.Sprintf("|%d|%s|%s|%s|%d|%d|%.2f|%s|%d\n",
		now.UnixMilli(),
		l.firmwareVersion,
		l.sessionID,
		e.Name,
		int64(now.Sub(l.bootedAt).Seconds()),
		e.Size,
		l.cpuLoad(),
		e.Message,
		hot)

	if l.out != nil {
		if _, err := io.WriteString(l.out, line); err != nil {
			l.log.Warn("Failed to write instrumentation event", "event", e.Name, "error", err)
		}
	}
	if l.forwarder != nil {
		l.forwarder.Forward(e)
	}
}
