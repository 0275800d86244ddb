package progress

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeClock advances by step on every call
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestTracker_AddAndPercent(t *testing.T) {
	tr := NewTracker(1000)
	tr.Add(250)
	tr.Add(0)
	tr.Add(-5)

	assert.EqualValues(t, 250, tr.GetStatus().DoneBytes)
	assert.InDelta(t, 25.0, tr.Percent(), 0.001)
}

func TestTracker_EmptyTotalIsComplete(t *testing.T) {
	assert.Equal(t, 100.0, NewTracker(0).Percent())
}

func TestTracker_ResumeMovesBaseline(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Second}
	tr := NewTracker(50 * 1024 * 1024)
	tr.now = clock.now

	tr.Add(1000)
	tr.Resume(30_000_000)

	status := tr.GetStatus()
	assert.EqualValues(t, 30_000_000, status.DoneBytes)
	assert.Zero(t, status.AverageSpeed)

	tr.Add(1_000_000)
	status = tr.GetStatus()
	assert.EqualValues(t, 31_000_000, status.DoneBytes)
	// One second elapsed since the resume, one megabyte sent.
	assert.InDelta(t, 1_000_000, status.AverageSpeed, 1)
	assert.Greater(t, status.ETA, time.Duration(0))
}

func TestTracker_ETAZeroWhenDone(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: time.Second}
	tr := NewTracker(100)
	tr.now = clock.now
	tr.Resume(0)

	tr.Add(100)
	assert.Zero(t, tr.GetStatus().ETA)
}

func TestTracker_Reader(t *testing.T) {
	tr := NewTracker(11)
	n, err := io.Copy(io.Discard, tr.Reader(strings.NewReader("hello world")))
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.EqualValues(t, 11, tr.GetStatus().DoneBytes)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "0 B", FormatBytes(-1))
	assert.Equal(t, "1.0 MiB/s", FormatSpeed(1024*1024))
	assert.Equal(t, "unknown", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "2m5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h0m1s", FormatDuration(time.Hour+time.Second))
}

func TestDisplay_LogsFinalLineOnStop(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := NewTracker(200)
	tr.Add(50)

	d := NewDisplay(tr, time.Hour, zap.New(core))
	d.Start()
	d.Stop()
	d.Stop()

	entries := logs.FilterMessage("Transfer stopped").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "25%", fields["percent"])
	assert.Equal(t, "200 B", fields["total"])
}
