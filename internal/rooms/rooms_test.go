package rooms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"meeshy/internal/models"
)

type mockStore struct {
	mu          sync.Mutex
	memberships map[string]models.Membership
	err         error
}

func (m *mockStore) GetMembership(conversationID, identityID string) (models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Membership{}, m.err
	}
	ms, ok := m.memberships[conversationID+"/"+identityID]
	if !ok {
		return models.Membership{}, models.ErrNotFound
	}
	return ms, nil
}

func (m *mockStore) set(ms models.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[ms.ConversationID+"/"+ms.IdentityID] = ms
}

type mockSender struct {
	mu   sync.Mutex
	sent map[string][]models.ServerEvent
}

func (m *mockSender) Send(connID string, ev models.ServerEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[connID] = append(m.sent[connID], ev)
	return true
}

func (m *mockSender) events(connID string) []models.ServerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ServerEvent(nil), m.sent[connID]...)
}

func setup() (*Index, *mockStore, *mockSender) {
	store := &mockStore{memberships: make(map[string]models.Membership)}
	store.set(models.Membership{ConversationID: "conv1", IdentityID: "alice", Active: true})
	store.set(models.Membership{ConversationID: "conv1", IdentityID: "bob", Active: true})
	store.set(models.Membership{ConversationID: "conv1", IdentityID: "anon", Anonymous: true, Active: true})
	store.set(models.Membership{ConversationID: "conv2", IdentityID: "alice", Active: true})
	store.set(models.Membership{ConversationID: "conv2", IdentityID: "carol", Active: false})
	sender := &mockSender{sent: make(map[string][]models.ServerEvent)}
	return New(store, sender), store, sender
}

func user(id string) models.Identity {
	return models.UserIdentity(models.User{ID: id, UserName: id})
}

func anon(id, conv string) models.Identity {
	return models.AnonymousIdentity(models.AnonymousParticipant{ID: id, DisplayName: id, ConversationID: conv})
}

func TestVerifyAccess(t *testing.T) {
	x, _, _ := setup()
	ctx := context.Background()

	tests := []struct {
		name     string
		identity models.Identity
		conv     string
		wantErr  error
	}{
		{"Member", user("alice"), "conv1", nil},
		{"No membership", user("dave"), "conv1", models.ErrAccessDenied},
		{"Inactive membership", user("carol"), "conv2", models.ErrAccessDenied},
		{"Unknown conversation", user("alice"), "conv9", models.ErrAccessDenied},
		{"Anonymous in scope", anon("anon", "conv1"), "conv1", nil},
		{"Anonymous out of scope", anon("anon", "conv1"), "conv2", models.ErrAccessDenied},
		{"User id posing as anonymous", anon("alice", "conv1"), "conv1", models.ErrAccessDenied},
		{"Missing conversation", user("alice"), "", models.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.VerifyAccess(ctx, tt.identity, tt.conv)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerifyAccess_StoreError(t *testing.T) {
	x, store, _ := setup()
	store.err = models.ErrPersistence
	_, err := x.VerifyAccess(context.Background(), user("alice"), "conv1")
	if !errors.Is(err, models.ErrPersistence) {
		t.Errorf("expected ErrPersistence to pass through, got %v", err)
	}
	if errors.Is(err, models.ErrAccessDenied) {
		t.Error("storage failure must not look like access denied")
	}
}

func TestJoinLeave(t *testing.T) {
	x, _, sender := setup()
	ctx := context.Background()

	if _, err := x.Join(ctx, "c-alice", user("alice"), "conv1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := x.Join(ctx, "c-bob", user("bob"), "conv1"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if !x.IsJoined("c-alice", "conv1") || !x.IsJoined("c-bob", "conv1") {
		t.Error("expected both connections joined")
	}
	if got := x.Joined("c-alice"); len(got) != 1 || got[0] != "conv1" {
		t.Errorf("expected joined [conv1], got %v", got)
	}
	if got := x.MembersOf("conv1"); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("expected [alice bob], got %v", got)
	}

	// alice is told about bob; bob is not told about himself.
	aliceEvents := sender.events("c-alice")
	if len(aliceEvents) != 1 || aliceEvents[0].Event != models.ServerEventJoined {
		t.Fatalf("expected one joined event for alice, got %+v", aliceEvents)
	}
	if p := aliceEvents[0].Data.(models.MembershipPayload); p.UserID != "bob" || p.ConversationID != "conv1" {
		t.Errorf("unexpected payload %+v", p)
	}
	if len(sender.events("c-bob")) != 0 {
		t.Errorf("expected no events for bob, got %+v", sender.events("c-bob"))
	}

	// Joining again does not notify twice.
	if _, err := x.Join(ctx, "c-bob", user("bob"), "conv1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.events("c-alice")) != 1 {
		t.Error("expected repeated join to be silent")
	}

	if !x.Leave("c-bob", "conv1") {
		t.Error("expected Leave to report membership")
	}
	if x.Leave("c-bob", "conv1") {
		t.Error("expected second Leave to report false")
	}
	if x.IsJoined("c-bob", "conv1") {
		t.Error("expected bob removed from room")
	}
	aliceEvents = sender.events("c-alice")
	if len(aliceEvents) != 2 || aliceEvents[1].Event != models.ServerEventLeft {
		t.Errorf("expected a left event for alice, got %+v", aliceEvents)
	}
}

func TestJoin_AccessDenied(t *testing.T) {
	x, store, _ := setup()
	ctx := context.Background()

	if _, err := x.Join(ctx, "c-dave", user("dave"), "conv1"); !errors.Is(err, models.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if x.IsJoined("c-dave", "conv1") || len(x.Joined("c-dave")) != 0 {
		t.Error("denied join must not touch room sets")
	}

	// Revocation is seen on the next join.
	store.set(models.Membership{ConversationID: "conv1", IdentityID: "bob", Active: false})
	if _, err := x.Join(ctx, "c-bob", user("bob"), "conv1"); !errors.Is(err, models.ErrAccessDenied) {
		t.Errorf("expected revoked membership to be denied, got %v", err)
	}
}

func TestLeaveAll(t *testing.T) {
	x, _, sender := setup()
	ctx := context.Background()

	for _, conv := range []string{"conv1", "conv2"} {
		if _, err := x.Join(ctx, "c-alice", user("alice"), conv); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := x.Join(ctx, "c-anon", anon("anon", "conv1"), "conv1"); err != nil {
		t.Fatal(err)
	}

	left := x.LeaveAll("c-alice")
	if len(left) != 2 || left[0] != "conv1" || left[1] != "conv2" {
		t.Errorf("expected [conv1 conv2], got %v", left)
	}
	if len(x.Joined("c-alice")) != 0 {
		t.Error("expected no rooms left")
	}
	if len(x.ConnectionsOf("conv2")) != 0 {
		t.Error("expected conv2 room to be empty")
	}
	members := x.ConnectionsOf("conv1")
	if len(members) != 1 || members[0].ConnID != "c-anon" {
		t.Errorf("expected only anon left in conv1, got %+v", members)
	}

	var leftEvents int
	for _, ev := range sender.events("c-anon") {
		if ev.Event == models.ServerEventLeft {
			leftEvents++
		}
	}
	if leftEvents != 1 {
		t.Errorf("expected anon to see alice leave once, got %d", leftEvents)
	}
}

func TestBroadcast(t *testing.T) {
	x, _, sender := setup()
	ctx := context.Background()
	for connID, id := range map[string]models.Identity{"c1": user("alice"), "c2": user("bob"), "c3": user("alice")} {
		if _, err := x.Join(ctx, connID, id, "conv1"); err != nil {
			t.Fatal(err)
		}
	}

	ev := models.ErrorEvent("ping")
	if n := x.Broadcast("conv1", ev, "c2"); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	for _, connID := range []string{"c1", "c3"} {
		evs := sender.events(connID)
		if evs[len(evs)-1].Event != models.ServerEventError {
			t.Errorf("%s did not receive broadcast", connID)
		}
	}
	if got := x.MembersOf("conv1"); len(got) != 2 {
		t.Errorf("expected 2 distinct members for 3 connections, got %v", got)
	}
	if n := x.Broadcast("empty", ev, ""); n != 0 {
		t.Errorf("expected no deliveries to empty room, got %d", n)
	}
}
