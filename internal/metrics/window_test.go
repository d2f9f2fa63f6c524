package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()

	assert.InDelta(t, 2133.3333, snap.ImagesPerSec, 1)
	assert.InDelta(t, 15, snap.AvgDataMS, 1e-9)
	assert.InDelta(t, 1.0, snap.MeanLoss, 1e-9)
	assert.Equal(t, 0.8, snap.LastLoss)
	assert.Equal(t, 2, snap.Steps)
	assert.Zero(t, w.Steps(), "window was not reset")
	assert.Zero(t, w.samples)
}
