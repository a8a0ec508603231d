package sessions

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mcpkit/sessioncore/events"
)

// HeartbeatRecord is the liveness bookkeeping for one session.
type HeartbeatRecord struct {
	SessionID       string    `json:"session_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	MissedCount     int       `json:"missed_count"`

	// grace marks a record created mid-cycle: the session is not evaluated
	// until it has survived one full interval.
	grace bool
}

// HeartbeatMonitor periodically sweeps the registry for sessions that
// stopped sending heartbeats and evicts them once the missed threshold is
// reached. It runs independently of request traffic.
type HeartbeatMonitor struct {
	registry  *Registry
	interval  time.Duration
	threshold int

	mu      sync.Mutex
	records map[string]*HeartbeatRecord
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	now  func() time.Time
	log  *slog.Logger
	sink events.Sink
}

// MonitorOption configures a HeartbeatMonitor.
type MonitorOption func(*HeartbeatMonitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *HeartbeatMonitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMonitorSink sets the event sink receiving eviction events.
func WithMonitorSink(s events.Sink) MonitorOption {
	return func(m *HeartbeatMonitor) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithMonitorClock overrides the monitor's time source. Intended for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *HeartbeatMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewHeartbeatMonitor creates a monitor sweeping registry every interval and
// evicting sessions after threshold consecutive missed intervals.
func NewHeartbeatMonitor(registry *Registry, interval time.Duration, threshold int, opts ...MonitorOption) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold < 1 {
		threshold = 3
	}
	m := &HeartbeatMonitor{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		records:   make(map[string]*HeartbeatRecord),
		now:       time.Now,
		log:       slog.Default(),
		sink:      events.Nop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start launches the sweep loop. A second Start while running is a no-op.
// The loop exits when ctx is cancelled or Stop is called.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.log.Info("heartbeat monitor started", "interval", m.interval, "missed_threshold", m.threshold)
		for {
			select {
			case <-ctx.Done():
				m.log.Info("heartbeat monitor stopping", "reason", ctx.Err())
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.sweep(m.now())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
	m.log.Info("heartbeat monitor stopped")
}

// RecordHeartbeat notes a liveness signal for a session, resetting its missed
// count. Heartbeats for unknown or closed sessions are a no-op, not an error.
func (m *HeartbeatMonitor) RecordHeartbeat(sessionID string) {
	if _, err := m.registry.Get(sessionID); err != nil {
		m.log.Debug("heartbeat for unknown session ignored", "session_id", sessionID)
		return
	}
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	if !ok {
		rec = &HeartbeatRecord{SessionID: sessionID}
		m.records[sessionID] = rec
	}
	rec.LastHeartbeatAt = m.now()
	rec.MissedCount = 0
	rec.grace = false
	m.mu.Unlock()
}

// sweep runs one monitoring cycle at the given instant. Sessions first seen
// this cycle get a grace record and are evaluated from the next cycle on;
// records for departed sessions are dropped.
func (m *HeartbeatMonitor) sweep(now time.Time) {
	live := m.registry.All()
	liveIDs := make(map[string]struct{}, len(live))

	var evict []string
	m.mu.Lock()
	for _, s := range live {
		id := s.ID()
		liveIDs[id] = struct{}{}
		rec, ok := m.records[id]
		if !ok {
			m.records[id] = &HeartbeatRecord{SessionID: id, LastHeartbeatAt: now, grace: true}
			continue
		}
		if rec.grace {
			rec.grace = false
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) >= m.interval {
			rec.MissedCount++
			if rec.MissedCount >= m.threshold {
				evict = append(evict, id)
			}
		}
	}
	for id := range m.records {
		if _, ok := liveIDs[id]; !ok {
			delete(m.records, id)
		}
	}
	for _, id := range evict {
		delete(m.records, id)
	}
	m.mu.Unlock()

	for _, id := range evict {
		m.log.Warn("session missed heartbeat threshold, evicting",
			"session_id", id, "missed_threshold", m.threshold)
		_ = m.registry.closeWithReason(id, "missed heartbeats")
		_ = m.sink.Emit(context.Background(), events.Event{
			Kind:      events.KindSessionEvicted,
			SessionID: id,
			At:        now,
			Fields:    map[string]string{"missed": strconv.Itoa(m.threshold)},
		})
	}
}

// Records returns a snapshot of the heartbeat bookkeeping.
func (m *HeartbeatMonitor) Records() []HeartbeatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HeartbeatRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}
