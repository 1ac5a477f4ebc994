package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meeshy/internal/models"
)

type mockConn struct {
	id       string
	identity models.Identity

	mu     sync.Mutex
	events []models.ServerEvent
	closed int
}

func newMockConn(id string, identity models.Identity) *mockConn {
	return &mockConn{id: id, identity: identity}
}

func (m *mockConn) ID() string                { return m.id }
func (m *mockConn) Identity() models.Identity { return m.identity }

func (m *mockConn) Send(ev models.ServerEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return true
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockConn) statusEvents() []models.UserStatusPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UserStatusPayload
	for _, ev := range m.events {
		if ev.Event == models.ServerEventUserStatus {
			out = append(out, ev.Data.(models.UserStatusPayload))
		}
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]models.Presence
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.Presence)}
}

func (s *memStore) UpsertPresence(p models.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.IdentityID] = p
	return nil
}

func (s *memStore) ListPresence() ([]models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Presence, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) get(id string) models.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func user(id string) models.Identity {
	return models.UserIdentity(models.User{ID: id, UserName: id})
}

func TestRegistry_MultiTabPresence(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, nil)

	observer := newMockConn("observer", user("watcher"))
	if err := r.Register(observer); err != nil {
		t.Fatal(err)
	}

	tab1 := newMockConn("tab1", user("u"))
	tab2 := newMockConn("tab2", user("u"))

	if err := r.Register(tab1); err != nil {
		t.Fatal(err)
	}
	if !r.IsOnline("u") {
		t.Fatal("expected u online after first connection")
	}
	if err := r.Register(tab2); err != nil {
		t.Fatal(err)
	}
	if got := r.Connections("u"); len(got) != 2 || got[0] != "tab1" || got[1] != "tab2" {
		t.Errorf("expected [tab1 tab2], got %v", got)
	}

	r.Deregister("tab1")
	if !r.IsOnline("u") {
		t.Error("expected u still online with one tab left")
	}
	r.Deregister("tab2")
	if r.IsOnline("u") {
		t.Error("expected u offline after last tab closed")
	}
	if len(r.Connections("u")) != 0 {
		t.Error("expected no connections left")
	}

	events := observer.statusEvents()
	if len(events) != 2 {
		t.Fatalf("expected exactly one online and one offline event, got %+v", events)
	}
	if !events[0].IsOnline || events[1].IsOnline {
		t.Errorf("expected online then offline, got %+v", events)
	}
	if stored := store.get("u"); stored.Online {
		t.Errorf("expected stored presence offline, got %+v", stored)
	}

	// The registering connection does not receive its own online event.
	if len(tab1.statusEvents()) != 0 {
		t.Errorf("expected no status event on the registering connection, got %+v", tab1.statusEvents())
	}
}

func TestRegistry_InvariantUnderConcurrency(t *testing.T) {
	r := NewRegistry(nil, nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			c := newMockConn(string(rune('a'+i%26))+string(rune('0'+i/26)), user("u"))
			if err := r.Register(c); err != nil {
				t.Error(err)
				return
			}
			if !r.IsOnline("u") {
				t.Error("expected online while holding a connection")
			}
			r.Deregister(c.ID())
		})
	}
	wg.Wait()

	if r.IsOnline("u") != (len(r.Connections("u")) > 0) {
		t.Error("isOnline disagrees with connections")
	}
	if conns, online := r.Stats(); conns != 0 || online != 0 {
		t.Errorf("expected empty registry, got %d connections, %d online", conns, online)
	}
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry(nil, nil)

	if err := r.Register(newMockConn("c1", models.Identity{})); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for empty identity, got %v", err)
	}

	c := newMockConn("c1", user("u"))
	if err := r.Register(c); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(c); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}

	// Unknown and repeated deregistration is harmless.
	r.Deregister("nope")
	r.Deregister("c1")
	r.Deregister("c1")
}

func TestRegistry_ForceDisconnect(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", user("u"))
	b := newMockConn("b", user("u"))
	other := newMockConn("c", user("v"))
	for _, c := range []*mockConn{a, b, other} {
		if err := r.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.ForceDisconnect("u"); n != 2 {
		t.Errorf("expected 2 closed connections, got %d", n)
	}
	if a.closed != 1 || b.closed != 1 || other.closed != 0 {
		t.Errorf("unexpected close counts a=%d b=%d other=%d", a.closed, b.closed, other.closed)
	}
	if n := r.ForceDisconnect("nobody"); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", user("u"))
	b := newMockConn("b", user("v"))
	for _, c := range []*mockConn{a, b} {
		if err := r.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.CloseAll(); n != 2 {
		t.Errorf("expected 2 closed connections, got %d", n)
	}
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("unexpected close counts a=%d b=%d", a.closed, b.closed)
	}
}

func TestRegistry_Send(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newMockConn("a", user("u"))
	b := newMockConn("b", user("u"))
	c := newMockConn("c", user("v"))
	for _, conn := range []*mockConn{a, b, c} {
		if err := r.Register(conn); err != nil {
			t.Fatal(err)
		}
	}

	ev := models.ErrorEvent("hello")
	if !r.Send("a", ev) {
		t.Error("expected Send to known connection to succeed")
	}
	if r.Send("zzz", ev) {
		t.Error("expected Send to unknown connection to fail")
	}
	if n := r.SendToIdentity("u", ev); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if n := r.Broadcast(ev, "c"); n != 2 {
		t.Errorf("expected 2 deliveries excluding c, got %d", n)
	}
}

func TestRegistry_SweepIdleConnections(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, nil)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	zombie := newMockConn("zombie", user("z"))
	alive := newMockConn("alive", user("a"))
	for _, c := range []*mockConn{zombie, alive} {
		if err := r.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	now = now.Add(4 * time.Minute)
	r.Touch("alive")
	now = now.Add(2 * time.Minute)

	if n := r.Sweep(context.Background(), 5*time.Minute); n != 1 {
		t.Errorf("expected 1 reaped identity, got %d", n)
	}
	if r.IsOnline("z") {
		t.Error("expected zombie identity offline")
	}
	if zombie.closed == 0 {
		t.Error("expected zombie connection closed")
	}
	if !r.IsOnline("a") {
		t.Error("expected active identity to stay online")
	}
	if stored := store.get("z"); stored.Online {
		t.Errorf("expected stored presence offline, got %+v", stored)
	}
}

func TestRegistry_LastActive(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	for _, id := range []string{"tab1", "tab2"} {
		if err := r.Register(newMockConn(id, user("u"))); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(time.Minute)
	r.Touch("tab2")
	now = now.Add(time.Minute)

	if got := r.LastActive("u"); !got.Equal(time.Unix(1700000060, 0)) {
		t.Errorf("expected activity of the busiest tab, got %v", got)
	}
	if got := r.LastActive("nobody"); !got.IsZero() {
		t.Errorf("expected zero time for unknown identity, got %v", got)
	}
}

func TestRegistry_SweepStoredPresence(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, nil)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	// Left online by a previous process, no live connection.
	_ = store.UpsertPresence(models.Presence{IdentityID: "ghost", Online: true, LastActive: now.Add(-10 * time.Minute).Unix()})
	// Recently active, not yet past the threshold.
	_ = store.UpsertPresence(models.Presence{IdentityID: "recent", Online: true, LastActive: now.Add(-time.Minute).Unix()})

	observer := newMockConn("observer", user("watcher"))
	if err := r.Register(observer); err != nil {
		t.Fatal(err)
	}

	if n := r.Sweep(context.Background(), 5*time.Minute); n != 1 {
		t.Errorf("expected 1 reaped identity, got %d", n)
	}
	if store.get("ghost").Online {
		t.Error("expected ghost flipped offline")
	}
	if !store.get("recent").Online {
		t.Error("expected recent identity untouched")
	}

	var offline []string
	for _, ev := range observer.statusEvents() {
		if !ev.IsOnline {
			offline = append(offline, ev.UserID)
		}
	}
	if len(offline) != 1 || offline[0] != "ghost" {
		t.Errorf("expected one offline event for ghost, got %v", offline)
	}
}

func TestRegistry_RunMaintenanceStops(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunMaintenance(ctx, 10*time.Millisecond, time.Minute) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunMaintenance did not stop")
	}
}
