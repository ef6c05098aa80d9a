package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openmapper/dashcam/internal/model"
	"github.com/openmapper/dashcam/internal/quality"
)

// Store config keys. Values are JSON-encoded in the config table so the
// operator update path can push arbitrary shapes (the GNSS filter is an
// object, most of the rest are scalars).
const (
	KeyDX                    = "DX"
	KeyGnssFilter            = "GnssFilter"
	KeyMaxPendingTime        = "MaxPendingTime"
	KeyFrameKmLengthMeters   = "FrameKmLengthMeters"
	KeyTrimDistance          = "TrimDistance"
	KeyTripTrimmingEnabled   = "isTripTrimmingEnabled"
	KeyCornerDetection       = "isCornerDetectionEnabled"
	KeyLightCheckDisabled    = "isLightCheckDisabled"
	KeyDashcamMLEnabled      = "isDashcamMLEnabled"
	KeyPrivacyRadius         = "privacyRadius"
	KeyChanceOfGnssAuthCheck = "ChanceOfGnssAuthCheck"
	KeyMaxPostponeRetries    = "MaxPostponeRetries"
	KeyMinFrameBytes         = "MinFrameBytes"
	KeyLastTimeIterated      = "lastTimeIterated"
)

// MotionModelConfig is the operator-pushable, hot-reloadable portion of the
// device configuration, consumed by every motion-model component.
type MotionModelConfig struct {
	DX                       float64            `json:"DX"`
	GnssFilter               quality.GnssFilter `json:"GnssFilter"`
	MaxPendingTime           int64              `json:"MaxPendingTime"` // milliseconds
	FrameKmLengthMeters      float64            `json:"FrameKmLengthMeters"`
	TrimDistance             float64            `json:"TrimDistance"`
	IsTripTrimmingEnabled    bool               `json:"isTripTrimmingEnabled"`
	IsCornerDetectionEnabled bool               `json:"isCornerDetectionEnabled"`
	IsLightCheckDisabled     bool               `json:"isLightCheckDisabled"`
	IsDashcamMLEnabled       bool               `json:"isDashcamMLEnabled"`
	PrivacyRadius            float64            `json:"privacyRadius"`
	ChanceOfGnssAuthCheck    float64            `json:"ChanceOfGnssAuthCheck"`
	MaxPostponeRetries       int                `json:"MaxPostponeRetries"`
	MinFrameBytes            int64              `json:"MinFrameBytes"`
}

// DefaultMotionModelConfig returns the factory settings applied on first
// boot and layered under any operator-pushed values.
func DefaultMotionModelConfig() MotionModelConfig {
	return MotionModelConfig{
		DX: 8,
		GnssFilter: quality.GnssFilter{
			Require3DLock: true,
			MinSatellites: 4,
			Hdop:          4,
			Gdop:          6,
			Eph:           10,
		},
		MaxPendingTime:           10 * 24 * time.Hour.Milliseconds(),
		FrameKmLengthMeters:      1000,
		TrimDistance:             100,
		IsTripTrimmingEnabled:    true,
		IsCornerDetectionEnabled: true,
		IsLightCheckDisabled:     false,
		IsDashcamMLEnabled:       false,
		PrivacyRadius:            200,
		ChanceOfGnssAuthCheck:    0,
		MaxPostponeRetries:       5,
		MinFrameBytes:            25 * 1000,
	}
}

// Valid reports whether a pushed configuration is structurally sound.
// Invalid pushes are rejected wholesale rather than partially applied.
func (c MotionModelConfig) Valid() bool {
	return c.DX > 0 &&
		c.MaxPendingTime > 0 &&
		c.FrameKmLengthMeters > 0 &&
		c.MaxPostponeRetries >= 0 &&
		c.TrimDistance >= 0
}

// Store is the key-value device configuration backed by the config table,
// with an in-process cache so hot-path readers never touch the database.
type Store struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]string
}

// NewStore creates a Store on the given database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, cache: make(map[string]string)}
}

// Init seeds factory defaults for any missing key and warms the cache.
func (s *Store) Init() error {
	defaults := DefaultMotionModelConfig()
	seed := map[string]any{
		KeyDX:                    defaults.DX,
		KeyGnssFilter:            defaults.GnssFilter,
		KeyMaxPendingTime:        defaults.MaxPendingTime,
		KeyFrameKmLengthMeters:   defaults.FrameKmLengthMeters,
		KeyTrimDistance:          defaults.TrimDistance,
		KeyTripTrimmingEnabled:   defaults.IsTripTrimmingEnabled,
		KeyCornerDetection:       defaults.IsCornerDetectionEnabled,
		KeyLightCheckDisabled:    defaults.IsLightCheckDisabled,
		KeyDashcamMLEnabled:      defaults.IsDashcamMLEnabled,
		KeyPrivacyRadius:         defaults.PrivacyRadius,
		KeyChanceOfGnssAuthCheck: defaults.ChanceOfGnssAuthCheck,
		KeyMaxPostponeRetries:    defaults.MaxPostponeRetries,
		KeyMinFrameBytes:         defaults.MinFrameBytes,
		KeyLastTimeIterated:      int64(0),
	}

	var entries []model.ConfigEntry
	if err := s.db.Find(&entries).Error; err != nil {
		return fmt.Errorf("failed to read config table: %w", err)
	}
	existing := make(map[string]string, len(entries))
	for _, e := range entries {
		existing[e.Key] = e.Value
	}

	for key, value := range seed {
		if _, ok := existing[key]; ok {
			continue
		}
		if err := s.Set(key, value); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for k, v := range existing {
		s.cache[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Set validates nothing beyond JSON encodability; shape validation happens
// in Apply for whole-config pushes.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode config %s: %w", key, err)
	}
	entry := model.ConfigEntry{Key: key, Value: string(raw)}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to persist config %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = string(raw)
	s.mu.Unlock()
	return nil
}

// Apply validates and persists a full operator-pushed configuration.
func (s *Store) Apply(c MotionModelConfig) error {
	if !c.Valid() {
		return fmt.Errorf("rejecting invalid dashcam configuration")
	}
	pairs := map[string]any{
		KeyDX:                    c.DX,
		KeyGnssFilter:            c.GnssFilter,
		KeyMaxPendingTime:        c.MaxPendingTime,
		KeyFrameKmLengthMeters:   c.FrameKmLengthMeters,
		KeyTrimDistance:          c.TrimDistance,
		KeyTripTrimmingEnabled:   c.IsTripTrimmingEnabled,
		KeyCornerDetection:       c.IsCornerDetectionEnabled,
		KeyLightCheckDisabled:    c.IsLightCheckDisabled,
		KeyDashcamMLEnabled:      c.IsDashcamMLEnabled,
		KeyPrivacyRadius:         c.PrivacyRadius,
		KeyChanceOfGnssAuthCheck: c.ChanceOfGnssAuthCheck,
		KeyMaxPostponeRetries:    c.MaxPostponeRetries,
		KeyMinFrameBytes:         c.MinFrameBytes,
	}
	for key, value := range pairs {
		if err := s.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) raw(key string) (string, bool) {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}

	var entry model.ConfigEntry
	if err := s.db.First(&entry, "key = ?", key).Error; err != nil {
		return "", false
	}
	s.mu.Lock()
	s.cache[key] = entry.Value
	s.mu.Unlock()
	return entry.Value, true
}

// Float returns a numeric key, or fallback when missing or malformed.
func (s *Store) Float(key string, fallback float64) float64 {
	raw, ok := s.raw(key)
	if !ok {
		return fallback
	}
	var v float64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	return v
}

// Int returns an integer key, or fallback when missing or malformed.
func (s *Store) Int(key string, fallback int64) int64 {
	raw, ok := s.raw(key)
	if !ok {
		return fallback
	}
	var v int64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	return v
}

// Bool returns a boolean key, or fallback when missing or malformed.
func (s *Store) Bool(key string, fallback bool) bool {
	raw, ok := s.raw(key)
	if !ok {
		return fallback
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return fallback
	}
	return v
}

// DX returns the target sample spacing in meters.
func (s *Store) DX() float64 {
	return s.Float(KeyDX, DefaultMotionModelConfig().DX)
}

// GnssFilter returns the configured GNSS acceptance thresholds.
func (s *Store) GnssFilter() quality.GnssFilter {
	fallback := DefaultMotionModelConfig().GnssFilter
	raw, ok := s.raw(KeyGnssFilter)
	if !ok {
		return fallback
	}
	var f quality.GnssFilter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return fallback
	}
	return f
}

// MaxPendingTime returns the staleness bound for incoming samples.
func (s *Store) MaxPendingTime() time.Duration {
	ms := s.Int(KeyMaxPendingTime, DefaultMotionModelConfig().MaxPendingTime)
	return time.Duration(ms) * time.Millisecond
}
