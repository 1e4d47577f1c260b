package relay

import (
	"sync"
	"time"

	"github.com/coinstash/tether/internal/config"
)

// Reconnector handles automatic reconnection with exponential backoff.
// It drives a single connection; Schedule arms a timer for the next
// attempt and the attempt callback re-arms it on failure.
type Reconnector struct {
	cfg       config.ReconnectConfig
	attempt   func() error
	exhausted func()

	mu        sync.Mutex
	attempts  int
	nextDelay time.Duration
	timer     *time.Timer
	closed    bool
}

// NewReconnector creates a new reconnector. The attempt callback is
// invoked off the caller's goroutine; exhausted fires once the retry
// budget is spent (MaxRetries > 0).
func NewReconnector(cfg config.ReconnectConfig, attempt func() error, exhausted func()) *Reconnector {
	return &Reconnector{
		cfg:       cfg,
		attempt:   attempt,
		exhausted: exhausted,
	}
}

// Schedule arms the next reconnection attempt.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}

	if r.cfg.MaxRetries > 0 && r.attempts >= r.cfg.MaxRetries {
		if r.exhausted != nil {
			go r.exhausted()
		}
		return
	}

	if r.nextDelay == 0 {
		r.nextDelay = r.cfg.InitialDelay
	}

	r.timer = time.AfterFunc(r.addJitter(r.nextDelay), r.run)
}

// run executes one reconnection attempt.
func (r *Reconnector) run() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	r.attempts++

	nextDelay := time.Duration(float64(r.nextDelay) * r.cfg.Multiplier)
	if nextDelay > r.cfg.MaxDelay {
		nextDelay = r.cfg.MaxDelay
	}
	r.nextDelay = nextDelay
	r.mu.Unlock()

	err := r.attempt()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	if err == nil {
		r.attempts = 0
		r.nextDelay = 0
		return
	}

	if r.cfg.MaxRetries > 0 && r.attempts >= r.cfg.MaxRetries {
		if r.exhausted != nil {
			go r.exhausted()
		}
		return
	}

	r.timer = time.AfterFunc(r.addJitter(r.nextDelay), r.run)
}

// addJitter adds random jitter to a duration.
func (r *Reconnector) addJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * r.cfg.Jitter
	jitter := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}

// Reset cancels any pending attempt and clears the backoff state.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.nextDelay = 0
}

// Attempts returns the number of attempts since the last success.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Stop permanently stops the reconnector.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
