package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"meeshy/internal/metrics"
	"meeshy/internal/models"
)

var ErrDuplicateConnection = errors.New("connection already registered")

// Conn is a live connection as seen by the registry.
// Send must not block; Close must be safe to call more than once.
type Conn interface {
	ID() string
	Identity() models.Identity
	Send(ev models.ServerEvent) bool
	Close() error
}

// Store persists presence so that state left behind by a crash can be reaped.
type Store interface {
	UpsertPresence(p models.Presence) error
	ListPresence() ([]models.Presence, error)
}

type Registry struct {
	// transitions serializes online/offline changes so that presence
	// events and stored rows follow the order of the changes.
	transitions sync.Mutex

	mu         sync.RWMutex
	conns      map[string]Conn
	byIdentity map[string]map[string]struct{}
	lastActive map[string]time.Time

	store   Store
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry creates a registry. store and m may be nil.
func NewRegistry(store Store, m *metrics.Metrics) *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		byIdentity: make(map[string]map[string]struct{}),
		lastActive: make(map[string]time.Time),
		store:      store,
		metrics:    m,
		now:        time.Now,
	}
}

// Register binds a connection to its identity. The first connection of an
// identity marks it online and broadcasts user:status to every other connection.
func (r *Registry) Register(c Conn) error {
	id := c.Identity()
	if !id.Valid() {
		return fmt.Errorf("%w: connection %s has no identity", models.ErrValidation, c.ID())
	}

	r.transitions.Lock()
	defer r.transitions.Unlock()

	now := r.now()
	r.mu.Lock()
	if _, ok := r.conns[c.ID()]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	set, ok := r.byIdentity[id.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[id.ID()] = set
	}
	first := len(set) == 0
	set[c.ID()] = struct{}{}
	r.conns[c.ID()] = c
	r.lastActive[c.ID()] = now
	r.updateMetricsLocked()
	r.mu.Unlock()

	if first {
		r.persist(models.Presence{IdentityID: id.ID(), Online: true, LastSeen: now.Unix(), LastActive: now.Unix()})
		r.Broadcast(models.UserStatusEvent(id, true), c.ID())
		slog.Info("identity online", "identity_id", id.ID(), "conn_id", c.ID())
	}
	return nil
}

// Deregister removes a connection. It is a no-op for unknown ids, so teardown
// paths may call it more than once.
func (r *Registry) Deregister(connID string) {
	r.transitions.Lock()
	defer r.transitions.Unlock()

	now := r.now()
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	id := c.Identity()
	lastActive := r.lastActive[connID]
	delete(r.conns, connID)
	delete(r.lastActive, connID)

	set := r.byIdentity[id.ID()]
	delete(set, connID)
	last := len(set) == 0
	if last {
		delete(r.byIdentity, id.ID())
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	if last {
		r.persist(models.Presence{IdentityID: id.ID(), Online: false, LastSeen: now.Unix(), LastActive: lastActive.Unix()})
		r.Broadcast(models.UserStatusEvent(id, false), "")
		slog.Info("identity offline", "identity_id", id.ID())
	}
}

func (r *Registry) updateMetricsLocked() {
	r.metrics.SetPresence(len(r.conns), len(r.byIdentity))
}

func (r *Registry) persist(p models.Presence) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertPresence(p); err != nil {
		slog.Warn("failed to persist presence", "identity_id", p.IdentityID, "error", err)
	}
}

func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// Connections returns the sorted connection ids of an identity.
func (r *Registry) Connections(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byIdentity[identityID]))
	for id := range r.byIdentity[identityID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Identity returns the identity bound to a connection.
func (r *Registry) Identity(connID string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return models.Identity{}, false
	}
	return c.Identity(), true
}

// Stats returns the number of live connections and online identities.
func (r *Registry) Stats() (connections, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.byIdentity)
}

// LastActive returns the most recent activity over all connections of an identity.
func (r *Registry) LastActive(identityID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest time.Time
	for connID := range r.byIdentity[identityID] {
		if t := r.lastActive[connID]; t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Touch records activity on a connection (inbound event or pong).
func (r *Registry) Touch(connID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		r.lastActive[connID] = now
	}
}

// ForceDisconnect closes every connection of an identity and returns how many were closed.
func (r *Registry) ForceDisconnect(identityID string) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byIdentity[identityID]))
	for connID := range r.byIdentity[identityID] {
		conns = append(conns, r.conns[connID])
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close connection", "conn_id", c.ID(), "error", err)
		}
	}
	if len(conns) > 0 {
		slog.Info("identity disconnected", "identity_id", identityID, "connections", len(conns))
	}
	return len(conns)
}

// CloseAll closes every live connection and returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Send delivers an event to one connection.
func (r *Registry) Send(connID string, ev models.ServerEvent) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(ev)
}

// SendToIdentity delivers an event to every connection of an identity.
func (r *Registry) SendToIdentity(identityID string, ev models.ServerEvent) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byIdentity[identityID]))
	for connID := range r.byIdentity[identityID] {
		conns = append(conns, r.conns[connID])
	}
	r.mu.RUnlock()

	var sent int
	for _, c := range conns {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}

// Broadcast delivers an event to every connection except exceptConnID.
func (r *Registry) Broadcast(ev models.ServerEvent, exceptConnID string) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id != exceptConnID {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	var sent int
	for _, c := range conns {
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}

// Sweep reaps zombies. Connections idle longer than threshold are closed and
// purged; stored identities still marked online with stale activity and no
// live connection are flipped offline. It returns the number of identities
// that went offline.
func (r *Registry) Sweep(ctx context.Context, threshold time.Duration) int {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	var stale []Conn
	for connID, t := range r.lastActive {
		if t.Before(cutoff) {
			stale = append(stale, r.conns[connID])
		}
	}
	r.mu.RUnlock()

	var reaped int
	for _, c := range stale {
		if ctx.Err() != nil {
			return reaped
		}
		slog.Warn("reaping idle connection", "conn_id", c.ID(), "identity_id", c.Identity().ID())
		_ = c.Close()
		wasOnline := r.IsOnline(c.Identity().ID())
		r.Deregister(c.ID())
		if wasOnline && !r.IsOnline(c.Identity().ID()) {
			reaped++
		}
	}

	if r.store == nil {
		return reaped
	}
	rows, err := r.store.ListPresence()
	if err != nil {
		slog.Warn("failed to list presence", "error", err)
		return reaped
	}
	for _, p := range rows {
		if ctx.Err() != nil {
			return reaped
		}
		if !p.Online || time.Unix(p.LastActive, 0).After(cutoff) {
			continue
		}
		if r.flipOffline(p) {
			reaped++
		}
	}
	return reaped
}

func (r *Registry) flipOffline(p models.Presence) bool {
	r.transitions.Lock()
	defer r.transitions.Unlock()

	// A connection registered since the listing keeps the identity online.
	if r.IsOnline(p.IdentityID) {
		return false
	}
	p.Online = false
	p.LastSeen = r.now().Unix()
	r.persist(p)
	r.Broadcast(models.ServerEvent{
		Event: models.ServerEventUserStatus,
		Data:  models.UserStatusPayload{UserID: p.IdentityID, IsOnline: false},
	}, "")
	slog.Info("stale presence reaped", "identity_id", p.IdentityID)
	return true
}

// RunMaintenance runs Sweep every interval until ctx is done.
func (r *Registry) RunMaintenance(ctx context.Context, interval, threshold time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(ctx, threshold); n > 0 {
				slog.Info("maintenance sweep", "reaped", n)
			}
		}
	}
}
