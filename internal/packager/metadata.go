package packager

import (
	"github.com/openmapper/dashcam/internal/ml"
)

// FrameMeta is one frame's entry in the bundle metadata document. Field
// names match what the upload pipeline parses.
type FrameMeta struct {
	Bytes int64   `json:"bytes"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   float64 `json:"alt"`

	Xdop float64 `json:"xdop"`
	Ydop float64 `json:"ydop"`
	Pdop float64 `json:"pdop"`
	Hdop float64 `json:"hdop"`
	Vdop float64 `json:"vdop"`
	Tdop float64 `json:"tdop"`
	Gdop float64 `json:"gdop"`

	// Speed is km/h on the wire, converted from the stored m/s.
	Speed      float64 `json:"speed"`
	T          int64   `json:"t"`
	Satellites int     `json:"satellites"`
	Dilution   int     `json:"dilution"`
	Eph        float64 `json:"eph"`

	AccX  float64 `json:"acc_x"`
	AccY  float64 `json:"acc_y"`
	AccZ  float64 `json:"acc_z"`
	GyroX float64 `json:"gyro_x"`
	GyroY float64 `json:"gyro_y"`
	GyroZ float64 `json:"gyro_z"`

	Detections []ml.Detection `json:"detections,omitempty"`
}

// BundleMeta is the bundle-level header of the metadata document.
type BundleMeta struct {
	Name             string  `json:"name"`
	NumFrames        int     `json:"numFrames"`
	Size             int64   `json:"size"`
	DeviceType       string  `json:"deviceType"`
	FirmwareVersion  string  `json:"firmwareVersion"`
	KeyframeDistance float64 `json:"keyframeDistance"`
	Resolution       string  `json:"resolution"`
	Version          string  `json:"version"`
	PrivacyModelHash string  `json:"privacyModelHash,omitempty"`
	DeviceID         string  `json:"deviceId"`
	EdgeDetection    bool    `json:"edgeDetection"`

	GnssAuthBuffer           string `json:"gnssAuthBuffer,omitempty"`
	GnssAuthBufferMessageNum int    `json:"gnssAuthBufferMessageNum,omitempty"`
	GnssAuthBufferHash       string `json:"gnssAuthBufferHash,omitempty"`
	GnssAuthSessionID        string `json:"gnssAuthSessionId,omitempty"`
	GnssAuthSignature        string `json:"gnssAuthSignature,omitempty"`
	GnssAuthPublicKey        string `json:"gnssAuthPublicKey,omitempty"`
}

// MetadataDoc is the JSON document written next to each packed bundle.
type MetadataDoc struct {
	Bundle BundleMeta  `json:"bundle"`
	Frames []FrameMeta `json:"frames"`
}
