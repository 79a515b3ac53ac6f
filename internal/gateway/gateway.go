// Package gateway routes decoded inbound messages from any transport to the
// dispatch core and answers with acks on the originating session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/heartbeat"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
	"github.com/example/cab-dispatch/internal/presence"
)

// LocationPublisher receives every accepted location update.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// StatusPublisher receives driver status changes made through the gateway.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, driverID string, status models.DriverStatus) error
}

// FareSettler settles the payment held for a ride once its trip ends.
type FareSettler interface {
	Settle(ctx context.Context, rideID string, completed bool) error
}

// Sink is a named LocationPublisher; the name labels mirror error metrics.
type Sink struct {
	Name      string
	Publisher LocationPublisher
}

type Config struct {
	Registry    *presence.Registry
	Locations   *geo.Store
	Coordinator *dispatch.Coordinator
	Monitor     *heartbeat.Monitor
	Sinks       []Sink
	Status      StatusPublisher // optional
	Fares       FareSettler     // optional
	Logger      *slog.Logger
	// MirrorTimeout bounds each sink call. Defaults to 2s.
	MirrorTimeout time.Duration
	// PaymentTimeout bounds each fare settlement. Defaults to 10s.
	PaymentTimeout time.Duration
}

type Gateway struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Gateway {
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 2 * time.Second
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{cfg: cfg, logger: logger, now: time.Now}
}

// Conn is the per-connection state: the session and whoever joined on it.
type Conn struct {
	session  presence.Session
	mu       sync.Mutex
	driverID string
	riderID  string
}

func NewConn(s presence.Session) *Conn { return &Conn{session: s} }

func (c *Conn) identity() (driverID, riderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driverID, c.riderID
}

// Handle decodes one raw frame and dispatches it. It returns false when the
// peer asked to disconnect and the transport should close.
func (g *Gateway) Handle(ctx context.Context, c *Conn, raw []byte) bool {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.reply(ctx, c, models.NewMessage(models.TypeError, models.ErrorAck{Message: "invalid message"}))
		return true
	}
	return g.HandleEnvelope(ctx, c, env)
}

func (g *Gateway) HandleEnvelope(ctx context.Context, c *Conn, env models.Envelope) bool {
	var err error
	switch env.Type {
	case models.TypeJoinDriver:
		err = g.joinDriver(ctx, c, env)
	case models.TypeJoinRider:
		err = g.joinRider(ctx, c, env)
	case models.TypeLocationUpdate:
		err = g.locationUpdate(ctx, c, env)
	case models.TypeHeartbeat:
		err = g.heartbeat(c, env)
	case models.TypeRideRequest:
		err = g.rideRequest(ctx, c, env)
	case models.TypeAccept:
		err = g.accept(ctx, c, env)
	case models.TypeDecline:
		err = g.decline(ctx, c, env)
	case models.TypeRideStatusUpdate:
		err = g.rideStatus(ctx, c, env)
	case models.TypeDisconnect:
		g.Disconnect(ctx, c)
		return false
	default:
		err = fmt.Errorf("%w: unknown type %q", models.ErrInvalidMessage, env.Type)
	}
	if err != nil {
		g.logger.Debug("message_rejected", "type", env.Type, "session_id", c.session.ID(), "error", err)
		g.reply(ctx, c, models.NewMessage(models.TypeError, models.ErrorAck{Message: userMessage(err)}))
	}
	return true
}

// Disconnect releases whatever identities joined on c. Driver release goes
// through the heartbeat monitor's eviction path.
func (g *Gateway) Disconnect(ctx context.Context, c *Conn) {
	driverID, riderID := c.identity()
	if driverID != "" {
		if g.cfg.Monitor != nil {
			g.cfg.Monitor.Disconnect(ctx, driverID, c.session)
		} else if g.cfg.Registry.Release(driverID, c.session) {
			observability.DriversOnline.Set(float64(g.cfg.Registry.Online()))
		}
	}
	if riderID != "" && g.cfg.Registry.ReleaseRider(riderID, c.session) {
		g.logger.Info("rider_disconnected", "rider_id", riderID, "session_id", c.session.ID())
	}
}

func (g *Gateway) joinDriver(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.JoinDriver
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.DriverID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrInvalidMessage)
	}
	c.mu.Lock()
	prev := c.driverID
	c.driverID = p.DriverID
	c.mu.Unlock()
	if prev != "" && prev != p.DriverID {
		g.cfg.Registry.Release(prev, c.session)
	}

	if old := g.cfg.Registry.Join(p.DriverID, c.session); old != nil {
		g.logger.Info("driver_session_replaced", "driver_id", p.DriverID, "old_session_id", old.ID())
		_ = old.Close()
	}
	observability.DriversOnline.Set(float64(g.cfg.Registry.Online()))
	status, note := models.DriverActive, "Driver is now online"
	if pr, ok := g.cfg.Registry.Lookup(p.DriverID); ok && pr.Status == models.DriverBusy {
		status, note = models.DriverBusy, "Driver reconnected on an active ride"
	}
	g.logger.Info("driver_joined", "driver_id", p.DriverID, "session_id", c.session.ID(), "status", status)
	g.publishStatus(ctx, p.DriverID, status)
	g.reply(ctx, c, models.NewMessage(models.TypeDriverStatus, models.StatusAck{Status: string(status), Message: note}))
	return nil
}

func (g *Gateway) joinRider(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.JoinRider
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.RiderID == "" {
		return fmt.Errorf("%w: rider id required", models.ErrInvalidMessage)
	}
	c.mu.Lock()
	c.riderID = p.RiderID
	c.mu.Unlock()
	g.cfg.Registry.JoinRider(p.RiderID, c.session)
	g.logger.Info("rider_joined", "rider_id", p.RiderID, "session_id", c.session.ID())
	g.reply(ctx, c, models.NewMessage(models.TypeRiderStatus, models.StatusAck{Status: "active", Message: "Rider connected"}))
	return nil
}

func (g *Gateway) locationUpdate(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.LocationUpdate
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.DriverID == "" {
		p.DriverID, _ = c.identity()
	}
	if p.Lat == nil || p.Lng == nil {
		return fmt.Errorf("%w: lat and lng required", models.ErrInvalidMessage)
	}
	if _, err := g.UpdateLocation(ctx, p.DriverID, *p.Lat, *p.Lng); err != nil {
		return err
	}
	g.reply(ctx, c, models.NewMessage(models.TypeLocationUpdated, models.StatusAck{Status: "success"}))
	return nil
}

// UpdateLocation stores a driver position, refreshes its heartbeat and mirrors
// it to every sink. Unknown drivers are accepted.
func (g *Gateway) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) (models.DriverLocation, error) {
	if driverID == "" {
		return models.DriverLocation{}, fmt.Errorf("%w: driver id required", models.ErrInvalidMessage)
	}
	if !(models.Coord{Lat: lat, Lng: lng}).Valid() {
		return models.DriverLocation{}, fmt.Errorf("%w: coordinates out of range", models.ErrInvalidMessage)
	}
	loc := g.cfg.Locations.Update(driverID, lat, lng)
	g.cfg.Registry.Touch(driverID)
	observability.LocationUpdates.Inc()

	for _, s := range g.cfg.Sinks {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.MirrorTimeout)
		err := s.Publisher.PublishLocation(mctx, loc)
		cancel()
		if err != nil {
			observability.MirrorErrorsTotal.WithLabelValues(s.Name).Inc()
			g.logger.Warn("mirror_location_failed", "sink", s.Name, "driver_id", driverID, "error", err)
		}
	}
	return loc, nil
}

func (g *Gateway) heartbeat(c *Conn, env models.Envelope) error {
	var p models.Heartbeat
	if len(env.Data) > 0 {
		if err := env.Decode(&p); err != nil {
			return err
		}
	}
	if p.DriverID == "" {
		p.DriverID, _ = c.identity()
	}
	if !g.cfg.Registry.Touch(p.DriverID) {
		return fmt.Errorf("driver %q: %w", p.DriverID, models.ErrNotFound)
	}
	return nil
}

func (g *Gateway) rideRequest(ctx context.Context, c *Conn, env models.Envelope) error {
	var req models.RideRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.RiderID == "" {
		_, req.RiderID = c.identity()
	}
	_, err := g.cfg.Coordinator.Request(ctx, req, c.session)
	return err
}

func (g *Gateway) accept(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.Accept
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.DriverID == "" {
		p.DriverID, _ = c.identity()
	}
	if p.RideID == "" || p.DriverID == "" {
		return fmt.Errorf("%w: ride id and driver id required", models.ErrInvalidMessage)
	}
	d, err := g.cfg.Coordinator.Accept(ctx, p.RideID, p.DriverID)
	if err != nil && errors.Is(err, models.ErrInvalidState) && d.State == models.DispatchMatched {
		// the coordinator already answered with ride_taken
		return nil
	}
	return err
}

func (g *Gateway) decline(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.Decline
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.DriverID == "" {
		p.DriverID, _ = c.identity()
	}
	return g.cfg.Coordinator.Decline(ctx, p.RideID, p.DriverID)
}

// rideStatus relays a trip status change to both parties. Completed and
// cancelled from the matched driver put that driver back to Active.
func (g *Gateway) rideStatus(ctx context.Context, c *Conn, env models.Envelope) error {
	var p models.RideStatusUpdate
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.RideID == "" || p.Status == "" {
		return fmt.Errorf("%w: ride id and status required", models.ErrInvalidMessage)
	}
	sender, _ := c.identity()
	if d, ok := g.cfg.Coordinator.Get(p.RideID); ok {
		p.RiderID = d.RiderID
		if d.MatchedDriverID != "" {
			p.DriverID = d.MatchedDriverID
		}
	}
	if p.DriverID == "" {
		p.DriverID = sender
	}

	msg := models.NewMessage(models.TypeRideStatus, models.RideStatus{RideID: p.RideID, Status: p.Status, Timestamp: g.now().UTC()})
	if s, ok := g.cfg.Registry.RiderSession(p.RiderID); ok {
		g.send(ctx, s, msg)
	}
	if s, ok := g.cfg.Registry.DriverSession(p.DriverID); ok {
		g.send(ctx, s, msg)
	}

	st := strings.ToLower(p.Status)
	if (st == "completed" || st == "cancelled") && sender != "" && sender == p.DriverID {
		if err := g.cfg.Registry.SetActive(sender); err != nil {
			return err
		}
		g.publishStatus(ctx, sender, models.DriverActive)
		g.logger.Info("driver_released", "driver_id", sender, "ride_id", p.RideID, "status", st)
		g.settleFare(ctx, p.RideID, st == "completed")
	}
	return nil
}

// settleFare failures are logged; the trip status has already been relayed.
func (g *Gateway) settleFare(ctx context.Context, rideID string, completed bool) {
	if g.cfg.Fares == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PaymentTimeout)
	defer cancel()
	if err := g.cfg.Fares.Settle(pctx, rideID, completed); err != nil {
		g.logger.Warn("fare_settle_failed", "ride_id", rideID, "error", err)
	}
}

func (g *Gateway) publishStatus(ctx context.Context, driverID string, status models.DriverStatus) {
	if g.cfg.Status == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.MirrorTimeout)
	defer cancel()
	if err := g.cfg.Status.PublishStatus(mctx, driverID, status); err != nil {
		observability.MirrorErrorsTotal.WithLabelValues("redis").Inc()
		g.logger.Warn("mirror_status_failed", "driver_id", driverID, "error", err)
	}
}

func (g *Gateway) reply(ctx context.Context, c *Conn, msg models.Message) {
	g.send(ctx, c.session, msg)
}

func (g *Gateway) send(ctx context.Context, s presence.Session, msg models.Message) {
	if err := s.Send(ctx, msg); err != nil {
		observability.SendFailuresTotal.Inc()
		g.logger.Warn("send_failed", "session_id", s.ID(), "type", msg.Type, "error", err)
	}
}

// userMessage trims sentinel prefixes off err for the error ack.
func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidMessage):
		if msg := strings.TrimPrefix(err.Error(), models.ErrInvalidMessage.Error()+": "); msg != "" {
			return msg
		}
	case errors.Is(err, models.ErrNotFound):
		return "not found"
	case errors.Is(err, models.ErrInvalidState):
		return "request no longer valid"
	}
	return err.Error()
}
