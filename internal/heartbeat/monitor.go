package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
	"github.com/example/cab-dispatch/internal/presence"
)

const (
	DefaultInterval  = 60 * time.Second
	DefaultThreshold = 300 * time.Second
)

// Registry is the part of the presence registry the monitor drives.
type Registry interface {
	EvictStale(cutoff time.Time) []presence.Evicted
	PurgeOffline(cutoff time.Time) int
	Release(driverID string, s presence.Session) bool
	Online() int
}

// StatusPublisher receives every driver moved offline, e.g. the redis mirror.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

// Monitor moves silent drivers offline and handles transport disconnects.
type Monitor struct {
	Registry  Registry
	Interval  time.Duration
	Threshold time.Duration
	Logger    *slog.Logger
	Status    StatusPublisher // optional
	// StatusTimeout bounds each status publish. Defaults to 2s.
	StatusTimeout time.Duration

	now func() time.Time
}

func NewMonitor(reg Registry, interval, threshold time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{Registry: reg, Interval: interval, Threshold: threshold, Logger: logger, StatusTimeout: 2 * time.Second, now: time.Now}
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	m.Logger.Info("heartbeat_monitor_started", "interval", m.Interval.String(), "threshold", m.Threshold.String())
	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("heartbeat_monitor_stopped")
			return
		case t := <-ticker.C:
			m.Tick(ctx, t)
		}
	}
}

// Tick evicts every driver whose last heartbeat is older than Threshold at now
// and returns the evicted ids. Offline entries older than twice the threshold
// are forgotten.
func (m *Monitor) Tick(ctx context.Context, now time.Time) []string {
	evicted := m.Registry.EvictStale(now.Add(-m.Threshold))
	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		ids = append(ids, e.DriverID)
		observability.EvictionsTotal.WithLabelValues("heartbeat").Inc()
		m.Logger.Info("driver_evicted", "driver_id", e.DriverID, "last_heartbeat", e.LastHeartbeat, "silent_for", now.Sub(e.LastHeartbeat).String())
		if e.Session != nil {
			_ = e.Session.Close()
		}
		m.publishOffline(ctx, e.DriverID)
	}
	if n := m.Registry.PurgeOffline(now.Add(-2 * m.Threshold)); n > 0 {
		m.Logger.Debug("offline_drivers_purged", "count", n)
	}
	observability.DriversOnline.Set(float64(m.Registry.Online()))
	return ids
}

// Disconnect handles a closed transport. The driver goes Offline only if s is
// still its registered session, so a stale connection cannot evict a newer one.
func (m *Monitor) Disconnect(ctx context.Context, driverID string, s presence.Session) bool {
	if !m.Registry.Release(driverID, s) {
		m.Logger.Debug("stale_disconnect_ignored", "driver_id", driverID, "session_id", s.ID())
		return false
	}
	observability.EvictionsTotal.WithLabelValues("disconnect").Inc()
	m.Logger.Info("driver_disconnected", "driver_id", driverID, "session_id", s.ID())
	m.publishOffline(ctx, driverID)
	observability.DriversOnline.Set(float64(m.Registry.Online()))
	return true
}

func (m *Monitor) publishOffline(ctx context.Context, driverID string) {
	if m.Status == nil {
		return
	}
	timeout := m.StatusTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := m.Status.PublishStatus(pctx, driverID, models.DriverOffline); err != nil {
		observability.MirrorErrorsTotal.WithLabelValues("redis").Inc()
		m.Logger.Warn("mirror_status_failed", "driver_id", driverID, "error", err)
	}
}
