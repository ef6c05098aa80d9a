package ml

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/openmapper/dashcam/internal/model"
)

func TestSanitizeDetectionsParsesAndClamps(t *testing.T) {
	raw := datatypes.JSON(`[
		[[10.7, -3.2, 120.1, 80.9], 0.91, 0],
		[[0, 0, 50, 50], 0.42, 2]
	]`)

	out := SanitizeDetections(raw)
	require.Len(t, out, 2)

	assert.Equal(t, "face", out[0].Class)
	assert.Equal(t, 10, out[0].X1, "near corner is floored")
	assert.Equal(t, 0, out[0].Y1, "negative coordinates clamp to zero")
	assert.Equal(t, 121, out[0].X2, "far corner is ceiled")
	assert.Equal(t, 81, out[0].Y2)
	assert.InDelta(t, 0.91, out[0].Confidence, 1e-9)

	assert.Equal(t, "license-plate", out[1].Class)
}

func TestSanitizeDetectionsUnknownClass(t *testing.T) {
	out := SanitizeDetections(datatypes.JSON(`[[[1, 1, 2, 2], 0.5, 99]]`))
	require.Len(t, out, 1)
	assert.Equal(t, "unknown", out[0].Class)
}

func TestSanitizeDetectionsMalformedInput(t *testing.T) {
	assert.Nil(t, SanitizeDetections(nil))
	assert.Nil(t, SanitizeDetections(datatypes.JSON(`not json`)))
	assert.Nil(t, SanitizeDetections(datatypes.JSON(`[[[1, 2, 3], 0.5, 0]]`)), "three coords is not a box")
	assert.Nil(t, SanitizeDetections(datatypes.JSON(`[[[1, 2, 3, 4], 0.5]]`)), "missing class index")
}

func TestDetectionWireFormat(t *testing.T) {
	d := Detection{Class: "person", X1: 1, Y1: 2, X2: 3, Y2: 4, Confidence: 0.77}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `["person", 1, 2, 3, 4, 0.77]`, string(data))
}

func TestCollectDetectionsAggregatesProcessedRows(t *testing.T) {
	rows := model.FrameKm{
		{
			ImageName:       "a.jpg",
			MlModelHash:     "hash-1",
			MlDetections:    datatypes.JSON(`[[[1, 1, 2, 2], 0.9, 0], [[5, 5, 9, 9], 0.8, 1]]`),
			MlInferenceTime: 10,
			MlBlurTime:      2,
		},
		{
			ImageName:   "b.jpg",
			MlModelHash: "hash-1",
		},
		{
			// detector never reached this row
			ImageName:    "c.jpg",
			MlDetections: datatypes.JSON(`[[[1, 1, 2, 2], 0.9, 0]]`),
		},
	}

	byFrame, metrics := CollectDetections(rows)

	assert.Equal(t, "hash-1", metrics.ModelHash)
	assert.Equal(t, 2, metrics.FramesWithML)
	assert.Equal(t, 2, metrics.NumDetections)
	assert.InDelta(t, 10, metrics.InferenceTime, 1e-9)
	assert.InDelta(t, 2, metrics.BlurTime, 1e-9)

	require.Contains(t, byFrame, "a.jpg")
	assert.Len(t, byFrame["a.jpg"], 2)
	assert.NotContains(t, byFrame, "b.jpg", "no boxes means no entry")
	assert.NotContains(t, byFrame, "c.jpg", "unprocessed rows contribute nothing")
}
