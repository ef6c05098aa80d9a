package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&GnssRecord{},
	&ImuRecord{},
	&FrameRecord{},
	&FrameKmRecord{},
	&GnssAuthRecord{},
	&ConfigEntry{},
	&ErrorLog{},
	&HealthState{},
}

// GnssRecord is one raw GNSS fix as produced by the data logger.
// Timestamps are unix milliseconds; Time is GNSS time, SystemTime is the
// device clock at capture.
type GnssRecord struct {
	ID             uint    `json:"id" gorm:"primarykey"`
	Time           int64   `json:"time" gorm:"index:idx_gnss_time"`
	SystemTime     int64   `json:"systemTime" gorm:"index:idx_gnss_system_time"`
	Fix            string  `json:"fix" gorm:"size:15"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Altitude       float64 `json:"altitude"`
	Speed          float64 `json:"speed"` // meters per second
	Heading        float64 `json:"heading"`
	Dilution       float64 `json:"dilution"`
	SatellitesSeen int     `json:"satellitesSeen"`
	SatellitesUsed int     `json:"satellitesUsed"`
	Eph            float64 `json:"eph"`
	Hdop           float64 `json:"hdop"`
	Vdop           float64 `json:"vdop"`
	Xdop           float64 `json:"xdop"`
	Ydop           float64 `json:"ydop"`
	Tdop           float64 `json:"tdop"`
	Pdop           float64 `json:"pdop"`
	Gdop           float64 `json:"gdop"`
	Session        string  `json:"session" gorm:"size:64"`
}

func (*GnssRecord) TableName() string {
	return "gnss"
}

// Dop returns the named dilution value. Unknown keys return 99 so that a
// missing metric always fails a threshold comparison.
func (g *GnssRecord) Dop(key string) float64 {
	switch key {
	case "xdop":
		return g.Xdop
	case "ydop":
		return g.Ydop
	case "pdop":
		return g.Pdop
	case "hdop":
		return g.Hdop
	case "vdop":
		return g.Vdop
	case "tdop":
		return g.Tdop
	case "gdop":
		return g.Gdop
	default:
		return 99
	}
}

// ImuRecord is one inertial sample (accelerometer in g, gyroscope in deg/s).
type ImuRecord struct {
	ID          uint    `json:"id" gorm:"primarykey"`
	Time        int64   `json:"time" gorm:"index:idx_imu_time"`
	SystemTime  int64   `json:"systemTime" gorm:"index:idx_imu_system_time"`
	AccX        float64 `json:"accX"`
	AccY        float64 `json:"accY"`
	AccZ        float64 `json:"accZ"`
	GyroX       float64 `json:"gyroX"`
	GyroY       float64 `json:"gyroY"`
	GyroZ       float64 `json:"gyroZ"`
	Temperature float64 `json:"temperature"`
	Session     string  `json:"session" gorm:"size:64"`
}

func (*ImuRecord) TableName() string {
	return "imu"
}

// FrameRecord is one image-arrival event from the camera bridge. The image
// itself lives on disk under the frames root folder.
type FrameRecord struct {
	ID         uint   `json:"id" gorm:"primarykey"`
	SystemTime int64  `json:"systemTime" gorm:"index:idx_frames_system_time"`
	ImageName  string `json:"imageName" gorm:"size:127"`
}

func (*FrameRecord) TableName() string {
	return "frames"
}

// FrameKmRecord is one sampled, persisted frame row. Rows sharing FkmID form
// one FrameKM bundle, ordered by Time.
type FrameKmRecord struct {
	ID        uint   `json:"id" gorm:"primarykey"`
	FkmID     uint   `json:"fkmId" gorm:"column:fkm_id;index:idx_framekms_fkm_id"`
	FrameIdx  int    `json:"frameIdx"`
	ImageName string `json:"imageName" gorm:"size:127;uniqueIndex"`
	ImagePath string `json:"imagePath" gorm:"size:255"`

	AccX  float64 `json:"accX"`
	AccY  float64 `json:"accY"`
	AccZ  float64 `json:"accZ"`
	GyroX float64 `json:"gyroX"`
	GyroY float64 `json:"gyroY"`
	GyroZ float64 `json:"gyroZ"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`

	Hdop     float64 `json:"hdop"`
	Gdop     float64 `json:"gdop"`
	Pdop     float64 `json:"pdop"`
	Tdop     float64 `json:"tdop"`
	Vdop     float64 `json:"vdop"`
	Xdop     float64 `json:"xdop"`
	Ydop     float64 `json:"ydop"`
	Eph      float64 `json:"eph"`
	Dilution float64 `json:"dilution"`

	Time           int64 `json:"time" gorm:"index:idx_framekms_time"`
	SystemTime     int64 `json:"systemTime"`
	SatellitesUsed int   `json:"satellitesUsed"`
	CreatedAt      int64 `json:"createdAt"`

	// Postponement bookkeeping. Postponed bundles are skipped by the
	// oldest-first scan until moved back to the queue. EndTrim rows are the
	// parked tail of the most recent trip, waiting for the trip-end verdict.
	Postponed     bool `json:"postponed"`
	PostponeCount int  `json:"postponeCount"`
	EndTrim       bool `json:"endTrim" gorm:"column:end_trim"`

	// ML redaction output, filled in by the external detection process.
	Error           string         `json:"error" gorm:"size:255"`
	MlModelHash     string         `json:"mlModelHash" gorm:"column:ml_model_hash;size:127"`
	MlDetections    datatypes.JSON `json:"mlDetections" gorm:"column:ml_detections"`
	MlInferenceTime float64        `json:"mlInferenceTime" gorm:"column:ml_inference_time"`
	MlWriteTime     float64        `json:"mlWriteTime" gorm:"column:ml_write_time"`
	MlBlurTime      float64        `json:"mlBlurTime" gorm:"column:ml_blur_time"`
	MlLoadTime      float64        `json:"mlLoadTime" gorm:"column:ml_load_time"`
	MlProcessedAt   int64          `json:"mlProcessedAt" gorm:"column:ml_processed_at"`
}

func (*FrameKmRecord) TableName() string {
	return "framekms"
}

// FrameKm is the ordered list of rows for one bundle id.
type FrameKm []FrameKmRecord

// GnssAuthRecord is one cryptographically signed GNSS attestation sample,
// logged by the receiver for anti-spoofing audit.
type GnssAuthRecord struct {
	ID               uint   `json:"id" gorm:"primarykey"`
	SystemTime       int64  `json:"systemTime" gorm:"index:idx_gnss_auth_system_time"`
	Buffer           string `json:"buffer"`
	BufferMessageNum int    `json:"bufferMessageNum"`
	BufferHash       string `json:"bufferHash" gorm:"size:127"`
	SessionID        string `json:"sessionId" gorm:"size:64"`
	Signature        string `json:"signature" gorm:"size:255"`
}

func (*GnssAuthRecord) TableName() string {
	return "gnss_auth"
}

// ConfigEntry is one key of the hot-reloadable device configuration.
// Values are JSON-encoded.
type ConfigEntry struct {
	Key       string `json:"key" gorm:"primarykey;size:64"`
	Value     string `json:"value"`
	UpdatedAt time.Time
}

func (*ConfigEntry) TableName() string {
	return "config"
}

// ErrorLog is an append-only record of recoverable faults, kept on the
// device for postmortem.
type ErrorLog struct {
	ID         uint   `json:"id" gorm:"primarykey"`
	SystemTime int64  `json:"systemTime"`
	Message    string `json:"message" gorm:"size:511"`
}

func (*ErrorLog) TableName() string {
	return "error_logs"
}

// HealthState tracks the last reported status of an external service
// (camera bridge, data logger, object detection).
type HealthState struct {
	Service   string `json:"service" gorm:"primarykey;size:64"`
	Status    string `json:"status" gorm:"size:32"`
	UpdatedAt time.Time
}

func (*HealthState) TableName() string {
	return "health_states"
}
