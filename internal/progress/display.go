package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Display periodically logs a tracker's status
type Display struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration, logger *zap.Logger) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and logs a final line. It is safe to call more
// than once.
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.log("Transfer progress")
		case <-d.stopCh:
			d.log("Transfer stopped")
			return
		}
	}
}

func (d *Display) log(msg string) {
	status := d.tracker.GetStatus()
	d.logger.Info(msg,
		zap.String("done", FormatBytes(status.DoneBytes)),
		zap.String("total", FormatBytes(status.TotalBytes)),
		zap.String("percent", formatPercent(d.tracker.Percent())),
		zap.String("speed", FormatSpeed(status.CurrentSpeed)),
		zap.String("eta", FormatDuration(status.ETA)),
	)
}

func formatPercent(p float64) string {
	if p > 100 {
		p = 100
	}
	return humanize.FtoaWithDigits(p, 1) + "%"
}
