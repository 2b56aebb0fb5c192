package vpn

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yllada/vpn-session-manager/common"
)

// HealthState represents the current health of a connected session as
// seen by the statistics poller.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// Health is a copy of the tracker's counters.
type Health struct {
	State            HealthState
	ConsecutiveFails int
	LastSuccess      time.Time
	LastError        error
}

// healthTracker turns sampling results into a health state. It never
// changes session state.
type healthTracker struct {
	mu             sync.Mutex
	threshold      int
	health         Health
	limiter        *rate.Limiter
	onHealthChange func(profileID string, oldState, newState HealthState)
	profileID      string

	// pending holds changes not yet handed to their callback. One
	// goroutine drains it at a time so callbacks see changes in order.
	pending    []healthChange
	delivering bool
}

type healthChange struct {
	callback           func(profileID string, oldState, newState HealthState)
	profileID          string
	oldState, newState HealthState
}

func newHealthTracker(threshold int) *healthTracker {
	if threshold <= 0 {
		threshold = common.HealthFailureThreshold
	}
	return &healthTracker{
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

func (h *healthTracker) setOnHealthChange(callback func(profileID string, oldState, newState HealthState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHealthChange = callback
}

// reset starts tracking a new session.
func (h *healthTracker) reset(profileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = Health{}
	h.profileID = profileID
}

func (h *healthTracker) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

// record applies one sampling result.
func (h *healthTracker) record(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldState := h.health.State
	if err != nil {
		h.health.ConsecutiveFails++
		h.health.LastError = err
		if h.limiter.Allow() {
			common.LogWarn("Statistics sampling failed (attempt %d/%d): %v",
				h.health.ConsecutiveFails, h.threshold, err)
		}
		if h.health.ConsecutiveFails >= h.threshold {
			h.health.State = HealthUnhealthy
		} else {
			h.health.State = HealthDegraded
		}
	} else {
		h.health.ConsecutiveFails = 0
		h.health.LastError = nil
		h.health.LastSuccess = time.Now()
		h.health.State = HealthHealthy
	}

	if oldState != h.health.State {
		common.LogInfo("Health state changed: %s -> %s", oldState, h.health.State)
		if h.onHealthChange != nil {
			h.pending = append(h.pending, healthChange{
				callback:  h.onHealthChange,
				profileID: h.profileID,
				oldState:  oldState,
				newState:  h.health.State,
			})
			if !h.delivering {
				h.delivering = true
				go h.deliver()
			}
		}
	}
}

// deliver runs queued callbacks outside the lock until the queue is empty.
func (h *healthTracker) deliver() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.delivering = false
			h.mu.Unlock()
			return
		}
		c := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		c.callback(c.profileID, c.oldState, c.newState)
	}
}
