package motion

import (
	"context"
	"log/slog"
	"time"

	"github.com/openmapper/dashcam/internal/instrumentation"
	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/sensor"
)

// Clock abstracts time for the controller loop so tests can drive it.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Packer packages one complete bundle.
type Packer interface {
	Pack(fkm model.FrameKm) error
}

// CursorStore persists the ingest cursor across restarts, so a crashed
// engine does not re-ingest the window it already consumed.
type CursorStore interface {
	Load() int64
	Save(ts int64) error
}

// Ingester serves windowed sensor batches.
type Ingester interface {
	Window(sinceMs int64) (sensor.Batch, error)
}

// ControllerDeps wires the controller.
type ControllerDeps struct {
	Querier  Ingester
	Packer   Packer
	Cursor   CursorStore
	Events   *instrumentation.Logger
	Log      *slog.Logger
	Clock    Clock
	Interval time.Duration

	// NewSession builds a fresh session; also used to replace a session
	// whose iteration escaped with an error.
	NewSession func() *Session
}

// Controller runs the motion model as a single-goroutine loop: it first
// drains every already-complete bundle, then, once the session is ready,
// ingests the next sensor window and resamples. All engine state is owned
// by this goroutine; nothing here needs locking.
type Controller struct {
	querier  Ingester
	packer   Packer
	cursor   CursorStore
	events   *instrumentation.Logger
	log      *slog.Logger
	clock    Clock
	interval time.Duration

	newSession func() *Session
	session    *Session
	cursorTs   int64
}

func NewController(deps ControllerDeps) *Controller {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	c := &Controller{
		querier:    deps.Querier,
		packer:     deps.Packer,
		cursor:     deps.Cursor,
		events:     deps.Events,
		log:        deps.Log,
		clock:      clock,
		interval:   deps.Interval,
		newSession: deps.NewSession,
		session:    deps.NewSession(),
	}
	if c.cursor != nil {
		c.cursorTs = c.cursor.Load()
	}
	return c
}

// Run loops until the context is canceled. An iteration that escapes with
// an error is logged and instrumented, the session is replaced, and the
// loop keeps going; the engine never stops on its own.
func (c *Controller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.iterate(); err != nil {
			c.log.Error("motion model iteration failed", "error", err)
			c.events.Add(instrumentation.Event{
				Name:    "DashcamApiError",
				Message: err.Error(),
			})
			c.session = c.newSession()
		}
		c.clock.Sleep(ctx, c.interval)
	}
}

// iterate is one pass of the loop. Draining complete bundles comes first
// so packaging keeps making progress even while the readiness gates (clock
// sync, integrity check, privacy zones) are still closed.
func (c *Controller) iterate() error {
	for {
		fkm, err := c.session.NextFrameKmToProcess()
		if err != nil {
			return err
		}
		if len(fkm) == 0 {
			break
		}
		if err := c.packer.Pack(fkm); err != nil {
			return err
		}
	}

	if !c.session.Ready() {
		return nil
	}
	if !c.session.Started() {
		// the trip-start/reboot decision needs a GNSS-synced clock, so it
		// waits for the readiness gates
		if err := c.session.Start(); err != nil {
			return err
		}
	}

	since := c.session.LastTime()
	if c.cursorTs > since {
		since = c.cursorTs
	}
	batch, err := c.querier.Window(since)
	if err != nil {
		return err
	}
	c.session.IngestBatch(batch)
	if err := c.session.SyncWithDb(); err != nil {
		return err
	}
	c.saveCursor()
	c.session.HealthCheck()
	return nil
}

// saveCursor persists the ingest position after a successful window so a
// restart resumes where this run stopped.
func (c *Controller) saveCursor() {
	if c.cursor == nil {
		return
	}
	last := c.session.LastTime()
	if last <= c.cursorTs {
		return
	}
	c.cursorTs = last
	if err := c.cursor.Save(last); err != nil {
		c.log.Warn("persisting ingest cursor failed", "error", err)
	}
}
