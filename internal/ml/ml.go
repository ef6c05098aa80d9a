// Package ml handles the output of the on-device privacy detector. The
// detector runs as a separate process and stamps its results onto the
// frame rows; this package parses and sanitizes those results for the
// packager, and can kick the detector for a staged bundle directory.
package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"time"

	"gorm.io/datatypes"

	"github.com/openmapper/dashcam/internal/model"
)

// classNames maps the detector's class index to its label.
var classNames = []string{
	"face", "person", "license-plate", "car", "bus", "truck", "motorcycle", "bicycle",
}

// Detection is one sanitized bounding box. The wire form is the array
// [class, x1, y1, x2, y2, confidence] the upload pipeline expects.
type Detection struct {
	Class      string
	X1, Y1     int
	X2, Y2     int
	Confidence float64
}

// MarshalJSON emits the compact array form.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.Class, d.X1, d.Y1, d.X2, d.Y2, d.Confidence})
}

// rawDetection is the detector's output triple: box, confidence, class
// index.
type rawDetection struct {
	box        [4]float64
	confidence float64
	classIdx   int
}

func (r *rawDetection) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("detection has %d parts, want 3", len(parts))
	}
	var box []float64
	if err := json.Unmarshal(parts[0], &box); err != nil {
		return err
	}
	if len(box) != 4 {
		return fmt.Errorf("detection box has %d coords, want 4", len(box))
	}
	copy(r.box[:], box)
	if err := json.Unmarshal(parts[1], &r.confidence); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &r.classIdx)
}

// SanitizeDetections parses a row's raw detector output and drops anything
// malformed. Box coordinates are clamped to non-negative integers, floored
// on the near corner and ceiled on the far one so the blur never undershoots.
func SanitizeDetections(raw datatypes.JSON) []Detection {
	if len(raw) == 0 {
		return nil
	}
	var rows []rawDetection
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	out := make([]Detection, 0, len(rows))
	for _, r := range rows {
		class := "unknown"
		if r.classIdx >= 0 && r.classIdx < len(classNames) {
			class = classNames[r.classIdx]
		}
		out = append(out, Detection{
			Class:      class,
			X1:         maxInt(0, int(math.Floor(r.box[0]))),
			Y1:         maxInt(0, int(math.Floor(r.box[1]))),
			X2:         int(math.Ceil(r.box[2])),
			Y2:         int(math.Ceil(r.box[3])),
			Confidence: r.confidence,
		})
	}
	return out
}

// Metrics aggregates the per-frame detector timings of one bundle.
type Metrics struct {
	ModelHash     string
	InferenceTime float64
	WriteTime     float64
	BlurTime      float64
	LoadTime      float64
	NumDetections int
	FramesWithML  int
}

// DetectionsByFrame maps image name to its sanitized boxes.
type DetectionsByFrame map[string][]Detection

// CollectDetections walks a bundle's rows and gathers sanitized boxes plus
// aggregate timings. Rows never touched by the detector contribute nothing.
func CollectDetections(rows model.FrameKm) (DetectionsByFrame, Metrics) {
	byFrame := DetectionsByFrame{}
	var m Metrics
	for _, r := range rows {
		if r.MlModelHash == "" {
			continue
		}
		m.FramesWithML++
		m.ModelHash = r.MlModelHash
		m.InferenceTime += r.MlInferenceTime
		m.WriteTime += r.MlWriteTime
		m.BlurTime += r.MlBlurTime
		m.LoadTime += r.MlLoadTime

		detections := SanitizeDetections(r.MlDetections)
		if len(detections) > 0 {
			m.NumDetections += len(detections)
			byFrame[r.ImageName] = detections
		}
	}
	return byFrame, m
}

// Runner invokes the external detector binary for one staged bundle
// directory. The process is expected to stamp the framekms rows itself.
type Runner struct {
	BinaryPath string
	Timeout    time.Duration
	Log        *slog.Logger
}

// Process runs the detector on dir, bounded by the configured timeout.
func (r *Runner) Process(ctx context.Context, dir string) error {
	if r.BinaryPath == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.BinaryPath, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		r.Log.Warn("detector run failed", "dir", dir, "error", err, "output", string(out))
		return fmt.Errorf("running detector: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
