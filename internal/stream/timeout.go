package stream

import (
	"context"
	"sync"
	"time"
)

// Timeouts bounds how long a connection may wait for data. Zero values
// disable the corresponding timer; by default a hung stream waits until the
// caller disconnects.
type Timeouts struct {
	// FirstFrame bounds the time from request start to the first frame.
	FirstFrame time.Duration
	// Idle bounds the gap between consecutive frames.
	Idle time.Duration
}

// Enabled reports whether any timer is configured.
func (t Timeouts) Enabled() bool {
	return t.FirstFrame > 0 || t.Idle > 0
}

// timeoutMonitor cancels a connection when a configured timer expires.
type timeoutMonitor struct {
	timeouts Timeouts
	cancel   context.CancelFunc
	activity chan struct{}
	first    chan struct{}
	stop     chan struct{}

	firstOnce sync.Once
	stopOnce  sync.Once

	errMu sync.Mutex
	err   error
}

func newTimeoutMonitor(timeouts Timeouts, cancel context.CancelFunc) *timeoutMonitor {
	return &timeoutMonitor{
		timeouts: timeouts,
		cancel:   cancel,
		activity: make(chan struct{}, 1),
		first:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor goroutine if any timer is configured.
func (m *timeoutMonitor) Start() {
	if !m.timeouts.Enabled() {
		return
	}
	go m.run()
}

// Stop ends monitoring. Safe to call more than once.
func (m *timeoutMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Frame records that a frame arrived.
func (m *timeoutMonitor) Frame() {
	m.firstOnce.Do(func() { close(m.first) })
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

// Err returns the timeout that fired, if any.
func (m *timeoutMonitor) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *timeoutMonitor) run() {
	var firstC, idleC <-chan time.Time

	var firstTimer *time.Timer
	if m.timeouts.FirstFrame > 0 {
		firstTimer = time.NewTimer(m.timeouts.FirstFrame)
		firstC = firstTimer.C
		defer firstTimer.Stop()
	}

	// The idle timer starts with the first frame.
	var idleTimer *time.Timer
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

	firstCh := m.first
	for {
		select {
		case <-m.stop:
			return
		case <-firstCh:
			firstCh = nil
			if firstTimer != nil {
				firstTimer.Stop()
				firstC = nil
			}
		case <-m.activity:
			if m.timeouts.Idle <= 0 {
				continue
			}
			if idleTimer == nil {
				idleTimer = time.NewTimer(m.timeouts.Idle)
			} else {
				idleTimer.Reset(m.timeouts.Idle)
			}
			idleC = idleTimer.C
		case <-firstC:
			m.fire(ErrFirstFrameTimeout)
			return
		case <-idleC:
			m.fire(ErrIdleTimeout)
			return
		}
	}
}

func (m *timeoutMonitor) fire(err error) {
	m.errMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMu.Unlock()
	m.cancel()
}
