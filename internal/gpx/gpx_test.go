package gpx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailgate/internal/slippy"
)

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk>
    <name>ridge loop</name>
    <trkseg>
      <trkpt lat="24.165" lon="120.905"><ele>2100</ele></trkpt>
      <trkpt lat="24.150" lon="120.918"><ele>2240</ele></trkpt>
      <trkpt lat="24.139" lon="120.932"><ele>2380</ele></trkpt>
    </trkseg>
  </trk>
</gpx>`

const emptyGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <wpt lat="24.15" lon="120.91"><name>trailhead</name></wpt>
</gpx>`

func TestBounds(t *testing.T) {
	bbox, err := Bounds([]byte(sampleGPX))
	require.NoError(t, err)

	assert.InDelta(t, 24.139, bbox.South, 1e-9)
	assert.InDelta(t, 24.165, bbox.North, 1e-9)
	assert.InDelta(t, 120.905, bbox.West, 1e-9)
	assert.InDelta(t, 120.932, bbox.East, 1e-9)
}

func TestBoundsSpansSegments(t *testing.T) {
	multi := `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><trkseg>
    <trkpt lat="24.10" lon="120.90"></trkpt>
  </trkseg><trkseg>
    <trkpt lat="24.20" lon="121.00"></trkpt>
  </trkseg></trk>
</gpx>`
	bbox, err := Bounds([]byte(multi))
	require.NoError(t, err)
	assert.InDelta(t, 24.10, bbox.South, 1e-9)
	assert.InDelta(t, 24.20, bbox.North, 1e-9)
	assert.InDelta(t, 120.90, bbox.West, 1e-9)
	assert.InDelta(t, 121.00, bbox.East, 1e-9)
}

// Waypoints alone do not make a track; a document without track points is
// rejected before anything downstream runs.
func TestBoundsNoTrackPoints(t *testing.T) {
	_, err := Bounds([]byte(emptyGPX))
	require.ErrorIs(t, err, ErrNoTrackPoints)
}

func TestBoundsMalformed(t *testing.T) {
	_, err := Bounds([]byte("not xml at all"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoTrackPoints)
}

func TestBoundsCoversKnownTiles(t *testing.T) {
	bbox, err := Bounds([]byte(sampleGPX))
	require.NoError(t, err)

	tiles := slippy.Cover(bbox, 15)
	require.Len(t, tiles, 9)
	assert.Equal(t, "15/27389/14116.png", tiles[0].Key())
}
