package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

// Session is an open transport session to a driver or rider.
// Send must not block on a slow peer; implementations queue or fail fast.
type Session interface {
	ID() string
	Send(ctx context.Context, msg models.Message) error
	Close() error
}

type driverEntry struct {
	session       Session
	status        models.DriverStatus
	lastHeartbeat time.Time
}

// Registry tracks online drivers and riders. Every mutation happens under mu,
// so joins, leaves and status changes never interleave.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*driverEntry
	riders  map[string]Session
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]*driverEntry),
		riders:  make(map[string]Session),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for heartbeat timestamps.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Join registers the driver on session, replacing any previous session.
// A Busy driver stays Busy; only SetActive or eviction clears an assignment.
// It returns the replaced session when it differs from the new one.
func (r *Registry) Join(driverID string, s Session) (replaced Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok {
		r.drivers[driverID] = &driverEntry{session: s, status: models.DriverActive, lastHeartbeat: r.now()}
		return nil
	}
	if e.session != nil && !sameSession(e.session, s) {
		replaced = e.session
	}
	if e.status != models.DriverBusy {
		e.status = models.DriverActive
	}
	e.session = s
	e.lastHeartbeat = r.now()
	return replaced
}

// Leave marks the driver Offline and drops its session. Unknown ids are ignored.
func (r *Registry) Leave(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offlineLocked(driverID)
}

// Release is Leave restricted to the session that is still registered,
// so a stale connection closing cannot evict a newer one.
func (r *Registry) Release(driverID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.session == nil || !sameSession(e.session, s) {
		return false
	}
	return r.offlineLocked(driverID)
}

func (r *Registry) offlineLocked(driverID string) bool {
	e, ok := r.drivers[driverID]
	if !ok || e.status == models.DriverOffline {
		return false
	}
	e.status = models.DriverOffline
	e.session = nil
	return true
}

func (r *Registry) SetBusy(driverID string) error {
	return r.setStatus(driverID, models.DriverBusy)
}

func (r *Registry) SetActive(driverID string) error {
	return r.setStatus(driverID, models.DriverActive)
}

func (r *Registry) setStatus(driverID string, st models.DriverStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.status == models.DriverOffline {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	e.status = st
	return nil
}

// Claim moves an Active driver to Busy in one step. It fails with ErrNotFound
// for absent/offline drivers and ErrInvalidState for drivers already Busy.
func (r *Registry) Claim(driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.status == models.DriverOffline {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	if e.status != models.DriverActive {
		return fmt.Errorf("driver %s is %s: %w", driverID, e.status, models.ErrInvalidState)
	}
	e.status = models.DriverBusy
	return nil
}

// Touch refreshes the driver's heartbeat. It reports false for absent or offline drivers.
func (r *Registry) Touch(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.status == models.DriverOffline {
		return false
	}
	e.lastHeartbeat = r.now()
	return true
}

func (r *Registry) Lookup(driverID string) (models.DriverPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return snapshot(driverID, e), true
}

// DriverSession returns the live session of a driver that is not Offline.
func (r *Registry) DriverSession(driverID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// ListActive returns the ids of drivers whose status is Active.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for id, e := range r.drivers {
		if e.status == models.DriverActive {
			out = append(out, id)
		}
	}
	return out
}

// Online counts drivers that are Active or Busy.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.drivers {
		if e.status != models.DriverOffline {
			n++
		}
	}
	return n
}

// Evicted describes a driver moved to Offline by EvictStale.
type Evicted struct {
	DriverID      string
	Session       Session
	LastHeartbeat time.Time
}

// EvictStale marks Offline every Active or Busy driver whose heartbeat is before cutoff.
func (r *Registry) EvictStale(cutoff time.Time) []Evicted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Evicted
	for id, e := range r.drivers {
		if e.status == models.DriverOffline || !e.lastHeartbeat.Before(cutoff) {
			continue
		}
		out = append(out, Evicted{DriverID: id, Session: e.session, LastHeartbeat: e.lastHeartbeat})
		e.status = models.DriverOffline
		e.session = nil
	}
	return out
}

// PurgeOffline forgets Offline drivers whose last heartbeat is before cutoff.
func (r *Registry) PurgeOffline(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.drivers {
		if e.status == models.DriverOffline && e.lastHeartbeat.Before(cutoff) {
			delete(r.drivers, id)
			n++
		}
	}
	return n
}

// JoinRider registers the rider's current session and returns the one it replaced.
func (r *Registry) JoinRider(riderID string, s Session) (replaced Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.riders[riderID]; ok && !sameSession(old, s) {
		replaced = old
	}
	r.riders[riderID] = s
	return replaced
}

// ReleaseRider drops the rider only if s is still the registered session.
func (r *Registry) ReleaseRider(riderID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.riders[riderID]
	if !ok || !sameSession(old, s) {
		return false
	}
	delete(r.riders, riderID)
	return true
}

func (r *Registry) RiderSession(riderID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.riders[riderID]
	return s, ok
}

// Drain closes every registered session and empties the registry.
func (r *Registry) Drain() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.drivers)+len(r.riders))
	for _, e := range r.drivers {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	for _, s := range r.riders {
		sessions = append(sessions, s)
	}
	r.drivers = make(map[string]*driverEntry)
	r.riders = make(map[string]Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func snapshot(id string, e *driverEntry) models.DriverPresence {
	p := models.DriverPresence{DriverID: id, Status: e.status, LastHeartbeat: e.lastHeartbeat}
	if e.session != nil {
		p.SessionID = e.session.ID()
	}
	return p
}

func sameSession(a, b Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID() == b.ID()
}
