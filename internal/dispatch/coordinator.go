package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
	"github.com/example/cab-dispatch/internal/presence"
	"github.com/example/cab-dispatch/internal/route"
	"github.com/example/cab-dispatch/internal/storage"
)

type Presence interface {
	Claim(driverID string) error
	DriverSession(driverID string) (presence.Session, bool)
	RiderSession(riderID string) (presence.Session, bool)
}

type Locations interface {
	Get(driverID string) (models.DriverLocation, bool)
}

type Finder interface {
	FindCandidates(lat, lng, radiusKm float64, maxCandidates int) []matcher.Candidate
}

// Listener is told about every dispatch that reaches a terminal state.
type Listener interface {
	DispatchResolved(ctx context.Context, d models.RideDispatch)
}

type Config struct {
	Timeout         time.Duration
	RadiusKm        float64
	MaxCandidates   int
	Retention       time.Duration
	SendTimeout     time.Duration
	EstimateTimeout time.Duration
	RepoTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		RadiusKm:        matcher.DefaultRadiusKm,
		MaxCandidates:   matcher.DefaultMaxCandidates,
		Retention:       5 * time.Minute,
		SendTimeout:     5 * time.Second,
		EstimateTimeout: 3 * time.Second,
		RepoTimeout:     5 * time.Second,
	}
}

type Deps struct {
	Presence  Presence
	Locations Locations
	Finder    Finder
	Estimator route.Estimator        // optional
	Repo      storage.RideRepository // optional
	Listeners []Listener
	Logger    *slog.Logger
}

// ride is one dispatch and its exclusion domain. riderSession and candidates
// are fixed at creation; everything else is guarded by mu.
type ride struct {
	mu           sync.Mutex
	d            models.RideDispatch
	candidates   map[string]struct{}
	riderSession presence.Session
	timer        *time.Timer
	cleanup      *time.Timer
}

func (r *ride) snapshot() models.RideDispatch {
	d := r.d
	d.Candidates = append([]string(nil), r.d.Candidates...)
	return d
}

// Coordinator runs the ride-matching state machine. The map of rides is
// guarded by mu and each ride has its own lock. A registered ride's lock is
// never held while taking mu; only a ride not yet in the map is locked across
// register so its timer is armed before any accept can see it.
type Coordinator struct {
	cfg       Config
	presence  Presence
	locations Locations
	finder    Finder
	estimator route.Estimator
	repo      storage.RideRepository
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	rides  map[string]*ride
	closed bool
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.EstimateTimeout <= 0 {
		cfg.EstimateTimeout = def.EstimateTimeout
	}
	if cfg.RepoTimeout <= 0 {
		cfg.RepoTimeout = def.RepoTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		cfg:       cfg,
		presence:  deps.Presence,
		locations: deps.Locations,
		finder:    deps.Finder,
		estimator: deps.Estimator,
		repo:      deps.Repo,
		listeners: deps.Listeners,
		logger:    logger,
		now:       time.Now,
		rides:     make(map[string]*ride),
	}
}

// Request starts a dispatch for req. With no qualifying drivers the dispatch
// resolves to NoDriversFound before Request returns; otherwise the frozen
// candidates are sent the offer and a deadline is armed.
// riderSession may be nil when the rider is reachable only through the registry.
func (c *Coordinator) Request(ctx context.Context, req models.RideRequest, riderSession presence.Session) (models.RideDispatch, error) {
	if req.RiderID == "" {
		return models.RideDispatch{}, fmt.Errorf("%w: rider id required", models.ErrInvalidMessage)
	}
	if !req.Pickup().Valid() {
		return models.RideDispatch{}, fmt.Errorf("%w: pickup out of range", models.ErrInvalidMessage)
	}
	if req.RideID == "" {
		req.RideID = uuid.NewString()
	}

	quote, err := c.quote(ctx, req)
	if err != nil {
		observability.RouteEstimateErrors.Inc()
		c.logger.Warn("route_estimate_failed", "ride_id", req.RideID, "error", err)
	}

	cands := c.finder.FindCandidates(req.PickupLat, req.PickupLng, c.cfg.RadiusKm, c.cfg.MaxCandidates)
	now := c.now()
	r := &ride{
		d: models.RideDispatch{
			RideID:     req.RideID,
			RiderID:    req.RiderID,
			Candidates: matcher.IDs(cands),
			Request:    req,
			Quote:      quote,
			CreatedAt:  now,
		},
		candidates:   make(map[string]struct{}, len(cands)),
		riderSession: riderSession,
	}
	if riderSession != nil {
		r.d.RiderSessionID = riderSession.ID()
	}
	for _, cand := range cands {
		r.candidates[cand.DriverID] = struct{}{}
	}
	observability.CandidatesPerRide.Observe(float64(len(cands)))

	if len(cands) == 0 {
		r.d.State = models.DispatchNoDriversFound
		r.d.ResolvedAt = now
		if err := c.register(r); err != nil {
			return models.RideDispatch{}, err
		}
		snap := r.snapshot()
		c.logger.Info("dispatch_no_drivers", "ride_id", snap.RideID, "rider_id", snap.RiderID)
		c.notifyRider(ctx, r, models.NewMessage(models.TypeNoDrivers, models.RideNotice{RideID: snap.RideID, Message: "No drivers available in your area"}))
		c.resolved(ctx, snap)
		return snap, nil
	}

	r.d.State = models.DispatchBroadcasting
	r.d.ExpiresAt = now.Add(c.cfg.Timeout)
	r.mu.Lock()
	if err := c.register(r); err != nil {
		r.mu.Unlock()
		return models.RideDispatch{}, err
	}
	r.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(r) })
	snap := r.snapshot()
	r.mu.Unlock()
	observability.DispatchesActive.Inc()

	c.logger.Info("dispatch_broadcast", "ride_id", snap.RideID, "rider_id", snap.RiderID, "candidates", snap.Candidates)
	offer := models.NewMessage(models.TypeRideRequest, models.RideOffer{
		RideID:        req.RideID,
		RiderID:       req.RiderID,
		PickupLat:     req.PickupLat,
		PickupLng:     req.PickupLng,
		PickupAddress: req.PickupAddress,
		DropAddress:   req.DropAddress,
		FareEstimate:  quote.FareEstimate,
		DistanceKm:    quote.DistanceKm,
		DurationMin:   quote.DurationMin,
		ExpiresAt:     snap.ExpiresAt,
	})
	for _, id := range snap.Candidates {
		c.sendDriver(ctx, id, offer)
	}
	c.notifyRider(ctx, r, models.NewMessage(models.TypeRideRequestSent, models.RideRequestSent{
		RideID:     snap.RideID,
		Candidates: len(snap.Candidates),
		Message:    fmt.Sprintf("Ride request sent to %d nearby drivers", len(snap.Candidates)),
	}))
	return snap, nil
}

// register stores r under its ride id. A previous dispatch for the same id may
// be replaced only once it has expired or found no drivers.
func (c *Coordinator) register(r *ride) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("coordinator closed: %w", models.ErrInvalidState)
	}
	if old, ok := c.rides[r.d.RideID]; ok {
		old.mu.Lock()
		st := old.d.State
		if st == models.DispatchExpired || st == models.DispatchNoDriversFound {
			if old.cleanup != nil {
				old.cleanup.Stop()
			}
			old.mu.Unlock()
		} else {
			old.mu.Unlock()
			return fmt.Errorf("ride %s already %s: %w", r.d.RideID, st, models.ErrInvalidState)
		}
	}
	c.rides[r.d.RideID] = r
	if r.d.State.Terminal() {
		c.scheduleCleanupLocked(r)
	}
	return nil
}

// Accept applies a driver's accept. Only the first accept from an Active frozen
// candidate while the dispatch is Broadcasting wins; any accept arriving after
// the match gets ride_taken and ErrInvalidState.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (models.RideDispatch, error) {
	r, ok := c.lookup(rideID)
	if !ok {
		observability.AcceptsTotal.WithLabelValues("unknown_ride").Inc()
		return models.RideDispatch{}, fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}

	r.mu.Lock()
	if r.d.State != models.DispatchBroadcasting {
		snap := r.snapshot()
		r.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("late").Inc()
		c.logger.Info("accept_rejected", "ride_id", rideID, "driver_id", driverID, "state", snap.State)
		if snap.State == models.DispatchMatched && snap.MatchedDriverID != driverID {
			c.sendDriver(ctx, driverID, models.NewMessage(models.TypeRideTaken, models.RideRef{RideID: rideID}))
		}
		return snap, fmt.Errorf("ride %s is %s: %w", rideID, snap.State, models.ErrInvalidState)
	}
	if _, ok := r.candidates[driverID]; !ok {
		r.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("not_candidate").Inc()
		c.logger.Warn("accept_rejected", "ride_id", rideID, "driver_id", driverID, "reason", "not a candidate")
		return models.RideDispatch{}, fmt.Errorf("driver %s is not a candidate for ride %s: %w", driverID, rideID, models.ErrInvalidState)
	}
	if err := c.presence.Claim(driverID); err != nil {
		r.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("not_active").Inc()
		c.logger.Warn("accept_rejected", "ride_id", rideID, "driver_id", driverID, "error", err)
		return models.RideDispatch{}, fmt.Errorf("%w: %v", models.ErrInvalidState, err)
	}
	now := c.now()
	r.d.State = models.DispatchMatched
	r.d.MatchedDriverID = driverID
	r.d.ResolvedAt = now
	r.timer.Stop()
	snap := r.snapshot()
	r.mu.Unlock()

	c.mu.Lock()
	if c.rides[rideID] == r {
		c.scheduleCleanupLocked(r)
	}
	c.mu.Unlock()

	observability.DispatchesActive.Dec()
	observability.AcceptsTotal.WithLabelValues("won").Inc()
	observability.MatchLatency.Observe(now.Sub(snap.CreatedAt).Seconds())
	c.logger.Info("dispatch_matched", "ride_id", rideID, "driver_id", driverID, "rider_id", snap.RiderID)

	c.sendDriver(ctx, driverID, models.NewMessage(models.TypeRideAcceptanceConfirmed, models.AcceptanceConfirmed{RideID: rideID, Status: "accepted"}))
	taken := models.NewMessage(models.TypeRideTaken, models.RideRef{RideID: rideID})
	for _, id := range snap.Candidates {
		if id != driverID {
			c.sendDriver(ctx, id, taken)
		}
	}
	accepted := models.RideAccepted{RideID: rideID, DriverID: driverID}
	if loc, ok := c.locations.Get(driverID); ok {
		accepted.DriverLocation = &loc
	}
	c.notifyRider(ctx, r, models.NewMessage(models.TypeRideAccepted, accepted))
	c.resolved(ctx, snap)
	return snap, nil
}

// Decline is logged only; the candidate set never shrinks after broadcast.
func (c *Coordinator) Decline(ctx context.Context, rideID, driverID string) error {
	r, ok := c.lookup(rideID)
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	r.mu.Lock()
	st := r.d.State
	r.mu.Unlock()
	if _, ok := r.candidates[driverID]; !ok {
		return fmt.Errorf("driver %s is not a candidate for ride %s: %w", driverID, rideID, models.ErrInvalidState)
	}
	observability.DeclinesTotal.Inc()
	c.logger.Info("decline_received", "ride_id", rideID, "driver_id", driverID, "state", st)
	return nil
}

func (c *Coordinator) expire(r *ride) {
	r.mu.Lock()
	if r.d.State != models.DispatchBroadcasting {
		r.mu.Unlock()
		return
	}
	r.d.State = models.DispatchExpired
	r.d.ResolvedAt = c.now()
	snap := r.snapshot()
	r.mu.Unlock()

	c.mu.Lock()
	if c.rides[snap.RideID] == r {
		c.scheduleCleanupLocked(r)
	}
	c.mu.Unlock()

	observability.DispatchesActive.Dec()
	c.logger.Info("dispatch_expired", "ride_id", snap.RideID, "rider_id", snap.RiderID, "candidates", len(snap.Candidates))
	ctx := context.Background()
	expired := models.NewMessage(models.TypeRequestExpired, models.RideRef{RideID: snap.RideID})
	for _, id := range snap.Candidates {
		c.sendDriver(ctx, id, expired)
	}
	c.notifyRider(ctx, r, models.NewMessage(models.TypeNoDriversResponded, models.RideNotice{RideID: snap.RideID, Message: "No drivers responded to your request"}))
	c.resolved(ctx, snap)
}

// Get returns a snapshot of the dispatch for rideID while it is retained.
func (c *Coordinator) Get(rideID string) (models.RideDispatch, bool) {
	r, ok := c.lookup(rideID)
	if !ok {
		return models.RideDispatch{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), true
}

// Close stops every timer and forgets all dispatches. In-flight dispatches are
// dropped without notification.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	rides := c.rides
	c.rides = make(map[string]*ride)
	c.mu.Unlock()
	for _, r := range rides {
		r.mu.Lock()
		if r.timer != nil && r.timer.Stop() {
			observability.DispatchesActive.Dec()
		}
		if r.cleanup != nil {
			r.cleanup.Stop()
		}
		r.mu.Unlock()
	}
}

func (c *Coordinator) lookup(rideID string) (*ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rides[rideID]
	return r, ok
}

// scheduleCleanupLocked forgets r after the retention window. c.mu must be held.
func (c *Coordinator) scheduleCleanupLocked(r *ride) {
	if c.cfg.Retention <= 0 {
		return
	}
	id := r.d.RideID
	t := time.AfterFunc(c.cfg.Retention, func() {
		c.mu.Lock()
		if c.rides[id] == r {
			delete(c.rides, id)
		}
		c.mu.Unlock()
	})
	r.cleanup = t
}

// resolved records a terminal dispatch with metrics, the repository and listeners.
func (c *Coordinator) resolved(ctx context.Context, d models.RideDispatch) {
	observability.DispatchesTotal.WithLabelValues(string(d.State)).Inc()
	if c.repo != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RepoTimeout)
		var err error
		if d.State == models.DispatchMatched {
			err = c.repo.MarkAccepted(rctx, d.RideID, d.MatchedDriverID)
		} else {
			err = c.repo.MarkExpired(rctx, d.RideID)
		}
		cancel()
		if err != nil {
			observability.RepositoryErrors.Inc()
			c.logger.Warn("repository_error", "ride_id", d.RideID, "state", d.State, "error", fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
		}
	}
	for _, l := range c.listeners {
		l.DispatchResolved(ctx, d)
	}
}

func (c *Coordinator) quote(ctx context.Context, req models.RideRequest) (models.Quote, error) {
	q := models.Quote{FareEstimate: req.FareEstimate}
	drop, ok := req.Drop()
	if !ok || c.estimator == nil {
		return q, nil
	}
	ectx, cancel := context.WithTimeout(ctx, c.cfg.EstimateTimeout)
	defer cancel()
	est, err := c.estimator.EstimateRoute(ectx, req.Pickup(), drop)
	if err != nil {
		return q, fmt.Errorf("%w: route estimate: %v", models.ErrUpstreamUnavailable, err)
	}
	q.DistanceKm = roundTo(est.DistanceKm(), 2)
	q.DurationMin = roundTo(est.DurationMin(), 1)
	if q.FareEstimate == nil {
		fare := c.estimator.EstimateFare(est.DistanceKm(), est.DurationMin())
		q.FareEstimate = &fare
	}
	return q, nil
}

func (c *Coordinator) sendDriver(ctx context.Context, driverID string, msg models.Message) {
	s, ok := c.presence.DriverSession(driverID)
	if !ok {
		observability.SendFailuresTotal.Inc()
		c.logger.Warn("send_failed", "driver_id", driverID, "type", msg.Type, "error", fmt.Errorf("%w: no session", models.ErrTransport))
		return
	}
	c.send(ctx, s, msg, "driver_id", driverID)
}

// notifyRider prefers the rider's current session so re-joins keep receiving updates.
func (c *Coordinator) notifyRider(ctx context.Context, r *ride, msg models.Message) {
	s, ok := c.presence.RiderSession(r.d.RiderID)
	if !ok {
		s = r.riderSession
	}
	if s == nil {
		observability.SendFailuresTotal.Inc()
		c.logger.Warn("send_failed", "rider_id", r.d.RiderID, "type", msg.Type, "error", fmt.Errorf("%w: no session", models.ErrTransport))
		return
	}
	c.send(ctx, s, msg, "rider_id", r.d.RiderID)
}

func (c *Coordinator) send(ctx context.Context, s presence.Session, msg models.Message, idKey, id string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	defer cancel()
	if err := s.Send(sctx, msg); err != nil {
		observability.SendFailuresTotal.Inc()
		if !errors.Is(err, models.ErrTransport) {
			err = fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		c.logger.Warn("send_failed", idKey, id, "type", msg.Type, "session_id", s.ID(), "error", err)
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
