// Package camera restarts the external capture services when the engine
// detects they have gone sideways. The services are plain systemd units on
// the device; remediation is a restart plus an instrumentation event.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/openmapper/dashcam/internal/instrumentation"
)

const restartTimeout = 15 * time.Second

// Services names the systemd units the engine may restart.
type Services struct {
	Bridge     string
	Purger     string
	Detection  string
	DataLogger string
}

// Manager remediates stuck capture services.
type Manager struct {
	services Services
	events   *instrumentation.Logger
	log      *slog.Logger

	// runner is swappable for tests; defaults to systemctl.
	runner func(ctx context.Context, unit string) error
}

func NewManager(services Services, events *instrumentation.Logger, log *slog.Logger) *Manager {
	return &Manager{
		services: services,
		events:   events,
		log:      log,
		runner:   systemctlRestart,
	}
}

func systemctlRestart(ctx context.Context, unit string) error {
	cmd := exec.CommandContext(ctx, "systemctl", "restart", unit)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl restart %s: %w (%s)", unit, err, out)
	}
	return nil
}

func (m *Manager) restart(unit, reason string) error {
	if unit == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	m.log.Warn("restarting service", "unit", unit, "reason", reason)
	if err := m.runner(ctx, unit); err != nil {
		m.log.Error("service restart failed", "unit", unit, "error", err)
		return err
	}
	m.events.Add(instrumentation.Event{Name: "DashcamApiRepaired", Message: reason})
	return nil
}

// RestartBridge bounces the camera bridge that produces image files.
func (m *Manager) RestartBridge(reason string) error {
	return m.restart(m.services.Bridge, reason)
}

// RestartPurger bounces the frame purger that reclaims raw image space.
func (m *Manager) RestartPurger(reason string) error {
	return m.restart(m.services.Purger, reason)
}

// RestartDetection bounces the privacy detector.
func (m *Manager) RestartDetection(reason string) error {
	return m.restart(m.services.Detection, reason)
}

// RestartDataLogger bounces the GNSS/IMU logger.
func (m *Manager) RestartDataLogger(reason string) error {
	return m.restart(m.services.DataLogger, reason)
}

// Remediate bounces the capture chain after a corrupted bundle showed up.
func (m *Manager) Remediate(reason string) error {
	if err := m.RestartBridge(reason); err != nil {
		return err
	}
	return m.RestartPurger(reason)
}
