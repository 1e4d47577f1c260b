// Package sleep detects system suspend. A laptop that sleeps keeps
// its relay socket in an apparently open but dead state; the detector
// watches for wall-clock jumps and fires a wake callback so the relay
// can redial immediately instead of waiting for a read timeout.
package sleep

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coinstash/tether/internal/logging"
	"github.com/coinstash/tether/internal/recovery"
)

// Config controls suspend detection.
type Config struct {
	// CheckInterval is how often the clock is sampled.
	CheckInterval time.Duration

	// Threshold is the extra gap beyond CheckInterval that counts as
	// a suspend. Short scheduler stalls stay below it.
	Threshold time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		Threshold:     30 * time.Second,
	}
}

// Detector watches for suspend/resume cycles.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	onWake func(gap time.Duration)

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// NewDetector creates a suspend detector. onWake runs on the detector
// goroutine; it must not block for long.
func NewDetector(cfg Config, onWake func(gap time.Duration), logger *slog.Logger) *Detector {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Detector{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "sleep"),
		onWake: onWake,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins watching the clock.
func (d *Detector) Start() {
	recovery.Go(d.logger, "sleep-detector", d.run)
}

// Stop halts detection. Idempotent.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Detector) run() {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	last := d.now()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			now := d.now()
			gap := now.Sub(last)
			last = now

			if gap > d.cfg.CheckInterval+d.cfg.Threshold {
				d.logger.Info("wake after suspend detected",
					logging.KeyDuration, gap)
				if d.onWake != nil {
					d.onWake(gap)
				}
			}
		}
	}
}
