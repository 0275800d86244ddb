// Package progress tracks byte-level transfer progress.
package progress

import (
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a snapshot of a transfer
type Status struct {
	TotalBytes     int64
	DoneBytes      int64
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentSpeed   float64 // bytes/second over the last few seconds
	AverageSpeed   float64 // bytes/second since start or last resume
	ETA            time.Duration
}

// speedWeight is how much the newest reading moves CurrentSpeed.
const speedWeight = 0.2

// Tracker accumulates bytes sent for one upload. It is safe for concurrent
// use by part uploads.
type Tracker struct {
	mu        sync.RWMutex
	status    Status
	baseBytes int64
	now       func() time.Time
}

// NewTracker creates a tracker for a transfer of total bytes
func NewTracker(total int64) *Tracker {
	t := &Tracker{now: time.Now}
	start := t.now()
	t.status = Status{TotalBytes: total, StartTime: start, LastUpdateTime: start}
	return t
}

// Resume rewinds or advances to the offset the remote confirmed. Speed is
// measured from here on.
func (t *Tracker) Resume(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.baseBytes = offset
	t.status = Status{
		TotalBytes:     t.status.TotalBytes,
		DoneBytes:      offset,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Add records n more bytes sent
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := &t.status
	st.DoneBytes += n

	if dt := now.Sub(st.LastUpdateTime).Seconds(); dt > 0 {
		rate := float64(n) / dt
		if st.CurrentSpeed == 0 {
			st.CurrentSpeed = rate
		} else {
			st.CurrentSpeed += speedWeight * (rate - st.CurrentSpeed)
		}
	}
	if elapsed := now.Sub(st.StartTime).Seconds(); elapsed > 0 {
		st.AverageSpeed = float64(st.DoneBytes-t.baseBytes) / elapsed
	}

	st.ETA = 0
	if left := st.TotalBytes - st.DoneBytes; left > 0 && st.AverageSpeed > 0 {
		st.ETA = time.Duration(float64(left) / st.AverageSpeed * float64(time.Second))
	}
	st.LastUpdateTime = now
}

// GetStatus returns a snapshot
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// Percent returns the bytes progress percentage
func (t *Tracker) Percent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalBytes == 0 {
		return 100
	}
	return float64(t.status.DoneBytes) / float64(t.status.TotalBytes) * 100
}

// Reader counts bytes read through r into the tracker.
func (t *Tracker) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, t: t}
}

type countingReader struct {
	r io.Reader
	t *Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.t.Add(int64(n))
	return n, err
}

// FormatSpeed renders a rate such as "1.0 MiB/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes renders a size in binary units.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration renders d to the second, or "unknown" when zero.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "unknown"
	}
	return d.Round(time.Second).String()
}
