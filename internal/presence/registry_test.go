package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/cab-dispatch/internal/models"
)

type fakeSession struct {
	id     string
	closed bool
}

func (f *fakeSession) ID() string                                     { return f.id }
func (f *fakeSession) Send(ctx context.Context, m models.Message) error { return nil }
func (f *fakeSession) Close() error                                   { f.closed = true; return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestJoinIsIdempotentAndActive(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "s1"}
	r.Join("d1", s)
	if replaced := r.Join("d1", s); replaced != nil {
		t.Fatalf("rejoin on same session should not report a replacement")
	}
	p, ok := r.Lookup("d1")
	if !ok || p.Status != models.DriverActive || p.SessionID != "s1" {
		t.Fatalf("unexpected presence %+v ok=%v", p, ok)
	}
	if got := r.ListActive(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("expected [d1], got %v", got)
	}
}

func TestJoinReplacesOldSession(t *testing.T) {
	r := NewRegistry()
	old := &fakeSession{id: "old"}
	r.Join("d1", old)
	if replaced := r.Join("d1", &fakeSession{id: "new"}); replaced != old {
		t.Fatalf("expected old session to be returned")
	}
	// the old connection closing must not take the new one down
	if r.Release("d1", old) {
		t.Fatalf("release with stale session should be a no-op")
	}
	if p, _ := r.Lookup("d1"); p.Status != models.DriverActive {
		t.Fatalf("expected active, got %s", p.Status)
	}
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	if r.Leave("ghost") {
		t.Fatalf("leave of unknown id reported a change")
	}
}

func TestStatusTransitions(t *testing.T) {
	r := NewRegistry()
	if err := r.SetBusy("d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	r.Join("d1", &fakeSession{id: "s1"})
	if err := r.SetBusy("d1"); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	if len(r.ListActive()) != 0 {
		t.Fatalf("busy driver must not be listed active")
	}
	if err := r.SetActive("d1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	r.Leave("d1")
	if err := r.SetActive("d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("offline driver must not be resurrected, got %v", err)
	}
	if p, ok := r.Lookup("d1"); !ok || p.Status != models.DriverOffline || p.SessionID != "" {
		t.Fatalf("expected offline entry, got %+v", p)
	}
}

func TestClaim(t *testing.T) {
	r := NewRegistry()
	r.Join("d1", &fakeSession{id: "s1"})
	if err := r.Claim("d1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := r.Claim("d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second claim should fail with invalid state, got %v", err)
	}
}

func TestRejoinKeepsBusy(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "s1"}
	r.Join("d1", s)
	if err := r.Claim("d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	r.Join("d1", s)
	if p, _ := r.Lookup("d1"); p.Status != models.DriverBusy {
		t.Fatalf("same-session rejoin downgraded busy driver to %s", p.Status)
	}
	if replaced := r.Join("d1", &fakeSession{id: "s2"}); replaced != s {
		t.Fatalf("expected s1 to be replaced")
	}
	p, _ := r.Lookup("d1")
	if p.Status != models.DriverBusy || p.SessionID != "s2" {
		t.Fatalf("reconnect should keep busy on the new session, got %+v", p)
	}
	if err := r.Claim("d1"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("busy driver claimed twice: %v", err)
	}
	if len(r.ListActive()) != 0 {
		t.Fatalf("busy driver listed active after rejoin")
	}

	// an evicted driver comes back Active
	r.Leave("d1")
	r.Join("d1", s)
	if p, _ := r.Lookup("d1"); p.Status != models.DriverActive {
		t.Fatalf("expected active after offline rejoin, got %s", p.Status)
	}
}

func TestLeaveRacingSetBusy(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := NewRegistry()
		id := fmt.Sprintf("d%d", i)
		r.Join(id, &fakeSession{id: "s"})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); r.Leave(id) }()
		go func() { defer wg.Done(); _ = r.SetBusy(id) }()
		wg.Wait()
		p, _ := r.Lookup(id)
		// either order must end offline
		if p.Status != models.DriverOffline {
			t.Fatalf("expected offline after leave, got %s", p.Status)
		}
	}
}

func TestEvictStaleThreshold(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry().WithClock(c.now)
	r.Join("old", &fakeSession{id: "s1"})
	c.t = c.t.Add(2 * time.Second)
	r.Join("fresh", &fakeSession{id: "s2"})

	now := c.t.Add(300 * time.Second)
	evicted := r.EvictStale(now.Add(-300 * time.Second))
	if len(evicted) != 1 || evicted[0].DriverID != "old" {
		t.Fatalf("expected only old evicted, got %+v", evicted)
	}
	if p, _ := r.Lookup("fresh"); p.Status != models.DriverActive {
		t.Fatalf("fresh driver evicted")
	}
	if n := r.PurgeOffline(now); n != 1 {
		t.Fatalf("expected one purged entry, got %d", n)
	}
	if _, ok := r.Lookup("old"); ok {
		t.Fatalf("purged entry still present")
	}
}

func TestRiderSessions(t *testing.T) {
	r := NewRegistry()
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	r.JoinRider("r1", a)
	if replaced := r.JoinRider("r1", b); replaced != a {
		t.Fatalf("expected a replaced")
	}
	if r.ReleaseRider("r1", a) {
		t.Fatalf("stale rider session released current one")
	}
	if s, ok := r.RiderSession("r1"); !ok || s.ID() != "b" {
		t.Fatalf("expected session b")
	}
}

func TestDrainClosesSessions(t *testing.T) {
	r := NewRegistry()
	d := &fakeSession{id: "d"}
	rd := &fakeSession{id: "r"}
	r.Join("d1", d)
	r.JoinRider("r1", rd)
	r.Drain()
	if !d.closed || !rd.closed {
		t.Fatalf("expected sessions closed")
	}
	if r.Online() != 0 {
		t.Fatalf("expected empty registry")
	}
}
