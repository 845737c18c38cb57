// Package devicemon polls OS audio-device enumeration at a low rate and
// reports disappearance of a device currently in use, attempting
// best-effort reconnection with exponential backoff up to a small cap
// (§4.8 of the design document).
//
// Adapted from internal/session/reconnect.go's exponential-backoff
// monitor loop: the same shape (Monitor/Watch/Stop, a notify channel, a
// background goroutine), but polling device enumeration instead of
// reacting to a platform-pushed disconnect event, and reconnecting to a
// device ID instead of a voice channel.
package devicemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default polling and backoff parameters.
const (
	defaultPollInterval = 2 * time.Second
	defaultMaxRetries   = 5
	defaultBackoff      = 1 * time.Second
	defaultMaxBackoff   = 15 * time.Second
)

// Device is one enumerable OS audio device.
type Device struct {
	ID   string
	Name string
}

// Lister enumerates currently available audio devices. The concrete
// implementation is platform-specific (CoreAudio/WASAPI/PulseAudio) and is
// an external collaborator boundary — none exists in the retrieval pack,
// so callers must supply one.
type Lister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Config configures a [Monitor].
type Config struct {
	Lister Lister

	// PollInterval is how often ListDevices is called. Defaults to 2s.
	PollInterval time.Duration

	// MaxRetries bounds reconnection attempts per disappearance before the
	// device is reported as requiring user action. Defaults to 5.
	MaxRetries int

	// Backoff is the initial reconnect retry delay, doubling up to MaxBackoff.
	// Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the doubling backoff. Defaults to 15s.
	MaxBackoff time.Duration

	// OnDisconnected is called (from the poll goroutine) the instant a
	// watched device disappears from enumeration.
	OnDisconnected func(Device)

	// OnReconnected is called after a watched device reappears.
	OnReconnected func(Device)

	// OnGiveUp is called when MaxRetries is exhausted without the device
	// reappearing; the caller must treat this as requiring user action.
	OnGiveUp func(Device)
}

// Monitor polls device enumeration and tracks a set of "watched" (in-use)
// device IDs, reporting disappearance/reappearance through Config's
// callbacks. Safe for concurrent use.
type Monitor struct {
	lister     Lister
	interval   time.Duration
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	onDisconnected func(Device)
	onReconnected  func(Device)
	onGiveUp       func(Device)

	mu      sync.Mutex
	watched map[string]Device
	missing map[string]int // deviceID -> consecutive missing polls

	done     chan struct{}
	stopOnce sync.Once
}

// New constructs a Monitor from cfg, applying defaults for zero fields.
func New(cfg Config) *Monitor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Monitor{
		lister:         cfg.Lister,
		interval:       interval,
		maxRetries:     maxRetries,
		backoff:        backoff,
		maxBackoff:     maxBackoff,
		onDisconnected: cfg.OnDisconnected,
		onReconnected:  cfg.OnReconnected,
		onGiveUp:       cfg.OnGiveUp,
		watched:        make(map[string]Device),
		missing:        make(map[string]int),
		done:           make(chan struct{}),
	}
}

// Watch registers d as currently in use; its disappearance from subsequent
// enumerations triggers OnDisconnected.
func (m *Monitor) Watch(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[d.ID] = d
	delete(m.missing, d.ID)
}

// Unwatch stops tracking deviceID, e.g. when the user deliberately switches
// devices or recording stops.
func (m *Monitor) Unwatch(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, deviceID)
	delete(m.missing, deviceID)
}

// Start begins polling in a background goroutine. Stop or ctx cancellation
// ends it.
func (m *Monitor) Start(ctx context.Context) {
	go m.pollLoop(ctx)
}

// Stop halts polling. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	devices, err := m.lister.ListDevices(ctx)
	if err != nil {
		slog.Warn("devicemon: list devices failed", "error", err)
		return
	}
	present := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		present[d.ID] = struct{}{}
	}

	m.mu.Lock()
	var toReconnect []Device
	for id, d := range m.watched {
		if _, ok := present[id]; ok {
			if _, wasMissing := m.missing[id]; wasMissing {
				delete(m.missing, id)
				if m.onReconnected != nil {
					go m.onReconnected(d)
				}
			}
			continue
		}
		if _, already := m.missing[id]; !already {
			m.missing[id] = 0
			toReconnect = append(toReconnect, d)
		}
	}
	m.mu.Unlock()

	for _, d := range toReconnect {
		if m.onDisconnected != nil {
			m.onDisconnected(d)
		}
		go m.attemptReconnect(ctx, d)
	}
}

// attemptReconnect polls ListDevices with exponential backoff until d
// reappears or maxRetries is exhausted, at which point OnGiveUp fires.
func (m *Monitor) attemptReconnect(ctx context.Context, d Device) {
	currentBackoff := m.backoff

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-time.After(currentBackoff):
		}

		devices, err := m.lister.ListDevices(ctx)
		if err == nil {
			for _, dev := range devices {
				if dev.ID == d.ID {
					m.mu.Lock()
					delete(m.missing, d.ID)
					m.mu.Unlock()
					slog.Info("devicemon: device reappeared", "device_id", d.ID, "attempt", attempt)
					if m.onReconnected != nil {
						m.onReconnected(d)
					}
					return
				}
			}
		}

		slog.Warn("devicemon: device still missing", "device_id", d.ID, "attempt", attempt, "max_retries", m.maxRetries)
		currentBackoff *= 2
		if currentBackoff > m.maxBackoff {
			currentBackoff = m.maxBackoff
		}
	}

	slog.Error("devicemon: device did not reappear, requires user action", "device_id", d.ID)
	if m.onGiveUp != nil {
		m.onGiveUp(d)
	}
}
