package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meeshy/internal/models"
)

type fakeRegistry struct {
	conns        map[string][]string
	lastActive   map[string]time.Time
	disconnected []string
}

func (f *fakeRegistry) ForceDisconnect(identityID string) int {
	f.disconnected = append(f.disconnected, identityID)
	n := len(f.conns[identityID])
	delete(f.conns, identityID)
	return n
}

func (f *fakeRegistry) Connections(identityID string) []string { return f.conns[identityID] }
func (f *fakeRegistry) IsOnline(identityID string) bool        { return len(f.conns[identityID]) > 0 }
func (f *fakeRegistry) LastActive(identityID string) time.Time { return f.lastActive[identityID] }

func (f *fakeRegistry) Stats() (int, int) {
	var n int
	for _, c := range f.conns {
		n += len(c)
	}
	return n, len(f.conns)
}

type fakePresenceStore map[string]models.Presence

func (f fakePresenceStore) GetPresence(identityID string) (models.Presence, error) {
	if identityID == "broken" {
		return models.Presence{}, errors.New("disk on fire")
	}
	p, ok := f[identityID]
	if !ok {
		return models.Presence{}, models.ErrNotFound
	}
	return p, nil
}

func newAdminMux(reg *fakeRegistry, store fakePresenceStore) *http.ServeMux {
	h := NewAdminHandler(reg, store)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/identities/{id}/disconnect", h.DisconnectHandler)
	mux.HandleFunc("GET /admin/identities/{id}/presence", h.PresenceHandler)
	mux.HandleFunc("GET /healthz", New(reg).HealthHandler)
	return mux
}

func TestDisconnectHandler(t *testing.T) {
	reg := &fakeRegistry{conns: map[string][]string{"alice": {"c1", "c2"}}}
	mux := newAdminMux(reg, fakePresenceStore{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/identities/alice/disconnect", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DisconnectResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Closed)
	assert.Equal(t, []string{"alice"}, reg.disconnected)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/identities/alice/disconnect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPresenceHandler(t *testing.T) {
	reg := &fakeRegistry{
		conns:      map[string][]string{"alice": {"c1"}, "fresh": {"c9"}},
		lastActive: map[string]time.Time{"alice": time.Unix(500, 0)},
	}
	store := fakePresenceStore{
		"alice": {IdentityID: "alice", Online: true, LastSeen: 100, LastActive: 120},
		"bob":   {IdentityID: "bob", Online: false, LastSeen: 50, LastActive: 60},
	}
	mux := newAdminMux(reg, store)

	tests := []struct {
		id     string
		status int
		want   PresenceResponse
	}{
		{"alice", http.StatusOK, PresenceResponse{IdentityID: "alice", Online: true, Connections: 1, LastSeen: 100, LastActive: 500}},
		{"bob", http.StatusOK, PresenceResponse{IdentityID: "bob", LastSeen: 50, LastActive: 60}},
		{"fresh", http.StatusOK, PresenceResponse{IdentityID: "fresh", Online: true, Connections: 1}},
		{"ghost", http.StatusNotFound, PresenceResponse{}},
		{"broken", http.StatusInternalServerError, PresenceResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/identities/"+tt.id+"/presence", nil))
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var got PresenceResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	reg := &fakeRegistry{conns: map[string][]string{"alice": {"c1", "c2"}, "bob": {"c3"}}}
	rec := httptest.NewRecorder()
	newAdminMux(reg, fakePresenceStore{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, HealthResponse{Status: "ok", Connections: 3, Online: 2}, got)
}
