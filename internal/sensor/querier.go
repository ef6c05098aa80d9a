// Package sensor pulls time-windowed batches of raw sensor rows from the
// data-logger database and merges them into one time-ordered stream for
// the drive session.
package sensor

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/openmapper/dashcam/internal/model"
)

// Batch is one window of raw sensor rows.
type Batch struct {
	Gnss   []model.GnssRecord
	Imu    []model.ImuRecord
	Images []model.FrameRecord
}

// Merged flattens a batch into a single stream sorted by system time.
func (b Batch) Merged() []Sample {
	out := make([]Sample, 0, len(b.Gnss)+len(b.Imu)+len(b.Images))
	for i := range b.Gnss {
		out = append(out, NewGnss(&b.Gnss[i]))
	}
	for i := range b.Imu {
		out = append(out, NewImu(&b.Imu[i]))
	}
	for i := range b.Images {
		out = append(out, NewImage(&b.Images[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SystemTime < out[j].SystemTime
	})
	return out
}

// Querier reads sensor rows written by the data logger.
type Querier struct {
	db       *gorm.DB
	log      *slog.Logger
	lookback time.Duration
	now      func() time.Time
}

// NewQuerier creates a querier with the given worst-case lookback window.
func NewQuerier(db *gorm.DB, log *slog.Logger, lookback time.Duration) *Querier {
	return &Querier{db: db, log: log, lookback: lookback, now: time.Now}
}

// Window fetches all sensor rows since the given unix-millisecond
// timestamp. The window start is clamped to the configured lookback so a
// stale cursor can never produce an unbounded batch.
func (q *Querier) Window(sinceMs int64) (Batch, error) {
	floor := q.now().Add(-q.lookback).UnixMilli()
	if sinceMs < floor {
		sinceMs = floor
	}

	var batch Batch
	err := q.db.Where("system_time > ?", sinceMs).
		Order("system_time").Find(&batch.Gnss).Error
	if err != nil {
		return Batch{}, fmt.Errorf("failed to fetch gnss window: %w", err)
	}
	if len(batch.Gnss) == 0 {
		return batch, nil
	}

	// bracket IMU and images by the GNSS rows actually returned
	from := batch.Gnss[0].SystemTime
	until := batch.Gnss[len(batch.Gnss)-1].SystemTime

	err = q.db.Where("system_time >= ? AND system_time <= ?", from, until).
		Order("system_time").Find(&batch.Imu).Error
	if err != nil {
		return Batch{}, fmt.Errorf("failed to fetch imu window: %w", err)
	}
	err = q.db.Where("system_time >= ? AND system_time <= ?", from, until).
		Order("system_time").Find(&batch.Images).Error
	if err != nil {
		return Batch{}, fmt.Errorf("failed to fetch frame window: %w", err)
	}

	q.log.Debug("Sensor window fetched",
		"gnss", len(batch.Gnss), "imu", len(batch.Imu), "images", len(batch.Images),
		"since", sinceMs)
	return batch, nil
}

// AuthSampleBetween returns one GNSS attestation record inside the given
// time range, if any exists.
func (q *Querier) AuthSampleBetween(fromMs, untilMs int64) (*model.GnssAuthRecord, error) {
	var rec model.GnssAuthRecord
	err := q.db.Where("system_time >= ? AND system_time <= ?", fromMs, untilMs).
		Order("system_time").First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch gnss auth sample: %w", err)
	}
	return &rec, nil
}

// Cursor persists the last-consumed timestamp across restarts for the
// legacy file-driven ingestion path.
type Cursor struct {
	Path string
}

// Load returns the stored timestamp, or 0 when absent or unreadable.
func (c Cursor) Load() int64 {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// Save writes the timestamp atomically (write then rename).
func (c Cursor) Save(ts int64) error {
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(ts, 10)), 0o644); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		return fmt.Errorf("failed to replace cursor: %w", err)
	}
	return nil
}
