package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/presence"
	"github.com/example/cab-dispatch/internal/route"
)

type recSession struct {
	id   string
	fail bool
	mu   sync.Mutex
	msgs []models.Message
}

func (s *recSession) ID() string { return s.id }

func (s *recSession) Send(ctx context.Context, m models.Message) error {
	if s.fail {
		return errors.New("connection reset")
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *recSession) Close() error { return nil }

func (s *recSession) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (s *recSession) last(typ string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].Type == typ {
			return s.msgs[i], true
		}
	}
	return models.Message{}, false
}

type recRepo struct {
	mu       sync.Mutex
	accepted map[string]string
	expired  map[string]int
	err      error
}

func newRecRepo() *recRepo {
	return &recRepo{accepted: map[string]string{}, expired: map[string]int{}}
}

func (r *recRepo) MarkAccepted(ctx context.Context, rideID, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted[rideID] = driverID
	return r.err
}

func (r *recRepo) MarkExpired(ctx context.Context, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[rideID]++
	return r.err
}

func (r *recRepo) expiredCount(rideID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expired[rideID]
}

type recListener struct {
	mu  sync.Mutex
	got []models.RideDispatch
}

func (l *recListener) DispatchResolved(ctx context.Context, d models.RideDispatch) {
	l.mu.Lock()
	l.got = append(l.got, d)
	l.mu.Unlock()
}

type fixture struct {
	reg      *presence.Registry
	store    *geo.Store
	repo     *recRepo
	listener *recListener
	coord    *Coordinator
	drivers  map[string]*recSession
	rider    *recSession
}

func newFixture(t *testing.T, cfg Config, est route.Estimator) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	store := geo.NewStore(0)
	f := &fixture{
		reg:      reg,
		store:    store,
		repo:     newRecRepo(),
		listener: &recListener{},
		drivers:  map[string]*recSession{},
		rider:    &recSession{id: "rider-session"},
	}
	f.coord = NewCoordinator(cfg, Deps{
		Presence:  reg,
		Locations: store,
		Finder:    matcher.NewFinder(store, reg),
		Estimator: est,
		Repo:      f.repo,
		Listeners: []Listener{f.listener},
	})
	reg.JoinRider("R1", f.rider)
	t.Cleanup(f.coord.Close)
	return f
}

func (f *fixture) addDriver(id string, lat, lng float64) *recSession {
	s := &recSession{id: "sess-" + id}
	f.drivers[id] = s
	f.reg.Join(id, s)
	f.store.Update(id, lat, lng)
	return s
}

func pickupRequest(rideID string) models.RideRequest {
	return models.RideRequest{RideID: rideID, RiderID: "R1", PickupLat: 28.611, PickupLng: 77.201, PickupAddress: "CP", DropAddress: "Airport"}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSoleCandidateAccepts(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	d1 := f.addDriver("D1", 28.61, 77.20)

	d, err := f.coord.Request(context.Background(), pickupRequest("ride-1"), f.rider)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d.State != models.DispatchBroadcasting || len(d.Candidates) != 1 || d.Candidates[0] != "D1" {
		t.Fatalf("unexpected dispatch %+v", d)
	}
	if d1.count(models.TypeRideRequest) != 1 {
		t.Fatalf("D1 should receive the ride request")
	}
	if f.rider.count(models.TypeRideRequestSent) != 1 {
		t.Fatalf("rider should be told the request went out")
	}

	d, err = f.coord.Accept(context.Background(), "ride-1", "D1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if d.State != models.DispatchMatched || d.MatchedDriverID != "D1" {
		t.Fatalf("unexpected dispatch %+v", d)
	}
	if p, _ := f.reg.Lookup("D1"); p.Status != models.DriverBusy {
		t.Fatalf("expected D1 busy, got %s", p.Status)
	}
	m, ok := f.rider.last(models.TypeRideAccepted)
	if !ok {
		t.Fatalf("rider did not get ride_accepted")
	}
	acc := m.Data.(models.RideAccepted)
	if acc.DriverID != "D1" || acc.DriverLocation == nil || acc.DriverLocation.Lat != 28.61 {
		t.Fatalf("unexpected payload %+v", acc)
	}
	if d1.count(models.TypeRideAcceptanceConfirmed) != 1 {
		t.Fatalf("winner should get a confirmation")
	}
	if f.repo.accepted["ride-1"] != "D1" {
		t.Fatalf("repository not told about the match")
	}
}

func TestSecondAcceptGetsRideTaken(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	d1 := f.addDriver("D1", 28.61, 77.20)
	f.addDriver("D2", 28.612, 77.202)

	if _, err := f.coord.Request(context.Background(), pickupRequest("ride-2"), f.rider); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Accept(context.Background(), "ride-2", "D2"); err != nil {
		t.Fatalf("D2 accept: %v", err)
	}
	takenBefore := d1.count(models.TypeRideTaken)
	if takenBefore != 1 {
		t.Fatalf("losing candidate should be told ride_taken on match, got %d", takenBefore)
	}
	_, err := f.coord.Accept(context.Background(), "ride-2", "D1")
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if d1.count(models.TypeRideTaken) != takenBefore+1 {
		t.Fatalf("late acceptor should get ride_taken in reply")
	}
	if p, _ := f.reg.Lookup("D1"); p.Status != models.DriverActive {
		t.Fatalf("late acceptor status changed to %s", p.Status)
	}
	if p, _ := f.reg.Lookup("D2"); p.Status != models.DriverBusy {
		t.Fatalf("winner not busy")
	}
}

func TestRejoinedBusyDriverIsNotOfferedAgain(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	d1 := f.addDriver("D1", 28.61, 77.20)
	ctx := context.Background()

	if _, err := f.coord.Request(ctx, pickupRequest("ride-A"), f.rider); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Accept(ctx, "ride-A", "D1"); err != nil {
		t.Fatalf("accept ride-A: %v", err)
	}

	f.reg.Join("D1", d1)
	d, err := f.coord.Request(ctx, pickupRequest("ride-B"), f.rider)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != models.DispatchNoDriversFound {
		t.Fatalf("busy driver offered ride-B after same-session rejoin: %+v", d)
	}

	// a reconnect on a new session keeps the assignment too
	f.reg.Join("D1", &recSession{id: "sess-D1-2"})
	d, err = f.coord.Request(ctx, pickupRequest("ride-C"), f.rider)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != models.DispatchNoDriversFound {
		t.Fatalf("busy driver offered ride-C after reconnect: %+v", d)
	}
	if a, _ := f.coord.Get("ride-A"); a.State != models.DispatchMatched || a.MatchedDriverID != "D1" {
		t.Fatalf("ride-A changed: %+v", a)
	}
}

func TestNoDriversResolvesSynchronously(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	d, err := f.coord.Request(context.Background(), pickupRequest("ride-3"), f.rider)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != models.DispatchNoDriversFound {
		t.Fatalf("expected no drivers found, got %s", d.State)
	}
	if f.rider.count(models.TypeNoDrivers) != 1 {
		t.Fatalf("rider should get no_drivers")
	}
	if f.repo.expiredCount("ride-3") != 1 {
		t.Fatalf("expected ride marked expired")
	}
	// a fresh attempt with the same id is allowed
	f.addDriver("D1", 28.61, 77.20)
	d, err = f.coord.Request(context.Background(), pickupRequest("ride-3"), f.rider)
	if err != nil || d.State != models.DispatchBroadcasting {
		t.Fatalf("retry should broadcast, got %+v err=%v", d, err)
	}
}

func TestBusyAndOfflineDriversAreNotCandidates(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.addDriver("busy", 28.61, 77.20)
	f.addDriver("gone", 28.61, 77.20)
	_ = f.reg.SetBusy("busy")
	f.reg.Leave("gone")

	d, _ := f.coord.Request(context.Background(), pickupRequest("ride-4"), f.rider)
	if d.State != models.DispatchNoDriversFound {
		t.Fatalf("expected no candidates, got %+v", d)
	}
}

func TestExpiryNotifiesEveryCandidateOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 40 * time.Millisecond
	f := newFixture(t, cfg, nil)
	d1 := f.addDriver("D1", 28.61, 77.20)
	d2 := f.addDriver("D2", 28.612, 77.202)

	if _, err := f.coord.Request(context.Background(), pickupRequest("ride-5"), f.rider); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		d, _ := f.coord.Get("ride-5")
		return d.State == models.DispatchExpired
	})
	time.Sleep(2 * cfg.Timeout)

	for _, s := range []*recSession{d1, d2} {
		if n := s.count(models.TypeRequestExpired); n != 1 {
			t.Fatalf("%s got %d request_expired", s.id, n)
		}
	}
	if f.rider.count(models.TypeNoDriversResponded) != 1 {
		t.Fatalf("rider should get exactly one no_drivers_responded")
	}
	if f.repo.expiredCount("ride-5") != 1 {
		t.Fatalf("expected a single MarkExpired")
	}
	if _, err := f.coord.Accept(context.Background(), "ride-5", "D1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("accept after expiry should be invalid, got %v", err)
	}
}

func TestMatchCancelsDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 30 * time.Millisecond
	f := newFixture(t, cfg, nil)
	d1 := f.addDriver("D1", 28.61, 77.20)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-6"), f.rider)
	if _, err := f.coord.Accept(context.Background(), "ride-6", "D1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * cfg.Timeout)
	if d1.count(models.TypeRequestExpired) != 0 || f.rider.count(models.TypeNoDriversResponded) != 0 {
		t.Fatalf("deadline fired after match")
	}
	if d, _ := f.coord.Get("ride-6"); d.State != models.DispatchMatched {
		t.Fatalf("expected matched, got %s", d.State)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, DefaultConfig(), nil)
		const n = 5
		for i := 0; i < n; i++ {
			f.addDriver(fmt.Sprintf("D%d", i), 28.61+float64(i)*0.0001, 77.20)
		}
		rideID := fmt.Sprintf("race-%d", round)
		if _, err := f.coord.Request(context.Background(), pickupRequest(rideID), f.rider); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		results := make(chan error, n*3)
		for i := 0; i < n; i++ {
			for rep := 0; rep < 3; rep++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, err := f.coord.Accept(context.Background(), rideID, id)
					results <- err
				}(fmt.Sprintf("D%d", i))
			}
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			if !errors.Is(err, models.ErrInvalidState) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
		busy := 0
		for i := 0; i < n; i++ {
			if p, _ := f.reg.Lookup(fmt.Sprintf("D%d", i)); p.Status == models.DriverBusy {
				busy++
			}
		}
		if busy != 1 {
			t.Fatalf("expected one busy driver, got %d", busy)
		}
		if f.rider.count(models.TypeRideAccepted) != 1 {
			t.Fatalf("rider should be notified once")
		}
	}
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.addDriver("D1", 28.61, 77.20)
	f.addDriver("D2", 28.612, 77.202)
	f.addDriver("far", 19.07, 72.87)

	if _, err := f.coord.Accept(context.Background(), "nope", "D1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-7"), f.rider)

	if _, err := f.coord.Accept(context.Background(), "ride-7", "far"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("non-candidate accept should be invalid, got %v", err)
	}
	// D1 got busy elsewhere after broadcast
	_ = f.reg.SetBusy("D1")
	if _, err := f.coord.Accept(context.Background(), "ride-7", "D1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("busy driver accept should be invalid, got %v", err)
	}
	if d, _ := f.coord.Get("ride-7"); d.State != models.DispatchBroadcasting {
		t.Fatalf("dispatch should still be broadcasting, got %s", d.State)
	}
	if _, err := f.coord.Accept(context.Background(), "ride-7", "D2"); err != nil {
		t.Fatalf("D2 should still be able to win: %v", err)
	}
}

func TestDeclineKeepsCandidates(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.addDriver("D1", 28.61, 77.20)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-8"), f.rider)
	if err := f.coord.Decline(context.Background(), "ride-8", "D1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	d, _ := f.coord.Get("ride-8")
	if d.State != models.DispatchBroadcasting || len(d.Candidates) != 1 {
		t.Fatalf("decline must not change the dispatch: %+v", d)
	}
	if _, err := f.coord.Accept(context.Background(), "ride-8", "D1"); err != nil {
		t.Fatalf("a decliner may still accept: %v", err)
	}
	if err := f.coord.Decline(context.Background(), "ride-8", "X"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state for non-candidate decline, got %v", err)
	}
}

func TestFailedSendDoesNotAbortDispatch(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	d1 := f.addDriver("D1", 28.61, 77.20)
	d1.fail = true
	f.addDriver("D2", 28.612, 77.202)
	d, err := f.coord.Request(context.Background(), pickupRequest("ride-9"), f.rider)
	if err != nil || len(d.Candidates) != 2 {
		t.Fatalf("unexpected %+v err=%v", d, err)
	}
	if _, err := f.coord.Accept(context.Background(), "ride-9", "D2"); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestDuplicateRideWhileBroadcasting(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.addDriver("D1", 28.61, 77.20)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-10"), f.rider)
	if _, err := f.coord.Request(context.Background(), pickupRequest("ride-10"), f.rider); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRequestValidationAndGeneratedID(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	if _, err := f.coord.Request(context.Background(), models.RideRequest{PickupLat: 1}, f.rider); !errors.Is(err, models.ErrInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
	req := pickupRequest("")
	d, err := f.coord.Request(context.Background(), req, f.rider)
	if err != nil || d.RideID == "" {
		t.Fatalf("expected generated ride id, got %q err=%v", d.RideID, err)
	}
}

type stubEstimator struct {
	err error
}

func (s stubEstimator) EstimateRoute(ctx context.Context, from, to models.Coord) (route.Estimate, error) {
	if s.err != nil {
		return route.Estimate{}, s.err
	}
	return route.Estimate{DistanceMeters: 10000, DurationSeconds: 1200}, nil
}

func (s stubEstimator) EstimateFare(distanceKm, durationMin float64) float64 {
	return route.DefaultFareTable().Fare(distanceKm, durationMin)
}

func TestQuoteAttachedToOffer(t *testing.T) {
	f := newFixture(t, DefaultConfig(), stubEstimator{})
	d1 := f.addDriver("D1", 28.61, 77.20)
	req := pickupRequest("ride-11")
	lat, lng := 28.55, 77.10
	req.DropLat, req.DropLng = &lat, &lng
	_, _ = f.coord.Request(context.Background(), req, f.rider)

	m, ok := d1.last(models.TypeRideRequest)
	if !ok {
		t.Fatalf("no offer")
	}
	offer := m.Data.(models.RideOffer)
	if offer.FareEstimate == nil || *offer.FareEstimate != 210 || offer.DistanceKm != 10 || offer.DurationMin != 20 {
		t.Fatalf("unexpected offer %+v", offer)
	}
}

func TestQuoteFallsBackOnEstimatorFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig(), stubEstimator{err: errors.New("maps down")})
	d1 := f.addDriver("D1", 28.61, 77.20)
	req := pickupRequest("ride-12")
	lat, lng, fare := 28.55, 77.10, 180.0
	req.DropLat, req.DropLng, req.FareEstimate = &lat, &lng, &fare
	d, err := f.coord.Request(context.Background(), req, f.rider)
	if err != nil || d.State != models.DispatchBroadcasting {
		t.Fatalf("estimator failure must not abort: %+v err=%v", d, err)
	}
	m, _ := d1.last(models.TypeRideRequest)
	if offer := m.Data.(models.RideOffer); offer.FareEstimate == nil || *offer.FareEstimate != 180 {
		t.Fatalf("expected client fare fallback, got %+v", offer)
	}
}

func TestRepositoryFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.repo.err = errors.New("db down")
	f.addDriver("D1", 28.61, 77.20)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-13"), f.rider)
	if _, err := f.coord.Accept(context.Background(), "ride-13", "D1"); err != nil {
		t.Fatalf("repository error leaked: %v", err)
	}
	if len(f.listener.got) != 1 || f.listener.got[0].State != models.DispatchMatched {
		t.Fatalf("listener not notified: %+v", f.listener.got)
	}
}

func TestRiderReconnectReceivesResult(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	f.addDriver("D1", 28.61, 77.20)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-14"), f.rider)
	fresh := &recSession{id: "rider-new"}
	f.reg.JoinRider("R1", fresh)
	_, _ = f.coord.Accept(context.Background(), "ride-14", "D1")
	if fresh.count(models.TypeRideAccepted) != 1 {
		t.Fatalf("reconnected rider session should get ride_accepted")
	}
}

func TestRetentionForgetsResolvedDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 20 * time.Millisecond
	f := newFixture(t, cfg, nil)
	_, _ = f.coord.Request(context.Background(), pickupRequest("ride-15"), f.rider)
	waitFor(t, func() bool {
		_, ok := f.coord.Get("ride-15")
		return !ok
	})
}
