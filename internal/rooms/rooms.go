package rooms

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"meeshy/internal/models"
)

// Store reads membership rows. Access is checked on every join, never cached.
type Store interface {
	GetMembership(conversationID, identityID string) (models.Membership, error)
}

type Sender interface {
	Send(connID string, ev models.ServerEvent) bool
}

// Member is one connection subscribed to a room.
type Member struct {
	ConnID   string
	Identity models.Identity
}

type Index struct {
	store  Store
	sender Sender

	// conversationID -> connID -> identity
	rooms map[string]map[string]models.Identity
	// connID -> conversationIDs
	joined map[string]map[string]struct{}

	mu sync.RWMutex
}

func New(store Store, sender Sender) *Index {
	return &Index{
		store:  store,
		sender: sender,
		rooms:  make(map[string]map[string]models.Identity),
		joined: make(map[string]map[string]struct{}),
	}
}

// VerifyAccess returns the active membership of identity in conversationID.
// Missing, inactive or out of scope memberships wrap models.ErrAccessDenied.
func (x *Index) VerifyAccess(ctx context.Context, identity models.Identity, conversationID string) (models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return models.Membership{}, err
	}
	if conversationID == "" {
		return models.Membership{}, fmt.Errorf("%w: conversationId is required", models.ErrValidation)
	}
	if identity.IsAnonymous() && identity.Anonymous.ConversationID != conversationID {
		return models.Membership{}, fmt.Errorf("%w: participant is scoped to another conversation", models.ErrAccessDenied)
	}

	m, err := x.store.GetMembership(conversationID, identity.ID())
	if errors.Is(err, models.ErrNotFound) {
		return models.Membership{}, fmt.Errorf("%w: not a member of %s", models.ErrAccessDenied, conversationID)
	}
	if err != nil {
		return models.Membership{}, err
	}
	if !m.Active {
		return models.Membership{}, fmt.Errorf("%w: membership in %s is inactive", models.ErrAccessDenied, conversationID)
	}
	if m.Anonymous != identity.IsAnonymous() {
		return models.Membership{}, fmt.Errorf("%w: membership kind mismatch", models.ErrAccessDenied)
	}
	return m, nil
}

// Join subscribes a connection to a room after checking access and notifies
// the other connections in the room. Joining twice is not an error.
func (x *Index) Join(ctx context.Context, connID string, identity models.Identity, conversationID string) (models.Membership, error) {
	m, err := x.VerifyAccess(ctx, identity, conversationID)
	if err != nil {
		return models.Membership{}, err
	}

	x.mu.Lock()
	room, ok := x.rooms[conversationID]
	if !ok {
		room = make(map[string]models.Identity)
		x.rooms[conversationID] = room
	}
	_, already := room[connID]
	room[connID] = identity

	convs, ok := x.joined[connID]
	if !ok {
		convs = make(map[string]struct{})
		x.joined[connID] = convs
	}
	convs[conversationID] = struct{}{}
	x.mu.Unlock()

	if !already {
		x.Broadcast(conversationID, models.MembershipEvent(models.ServerEventJoined, identity.ID(), conversationID), connID)
	}
	return m, nil
}

// Leave unsubscribes a connection from a room. It reports whether the connection was in it.
func (x *Index) Leave(connID, conversationID string) bool {
	x.mu.Lock()
	identity, ok := x.rooms[conversationID][connID]
	if ok {
		x.removeLocked(connID, conversationID)
	}
	x.mu.Unlock()

	if ok {
		x.Broadcast(conversationID, models.MembershipEvent(models.ServerEventLeft, identity.ID(), conversationID), connID)
	}
	return ok
}

// LeaveAll removes a connection from every room it joined and returns those rooms.
func (x *Index) LeaveAll(connID string) []string {
	x.mu.RLock()
	convs := make([]string, 0, len(x.joined[connID]))
	for id := range x.joined[connID] {
		convs = append(convs, id)
	}
	x.mu.RUnlock()
	slices.Sort(convs)

	left := convs[:0]
	for _, id := range convs {
		if x.Leave(connID, id) {
			left = append(left, id)
		}
	}
	return left
}

func (x *Index) removeLocked(connID, conversationID string) {
	if room := x.rooms[conversationID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(x.rooms, conversationID)
		}
	}
	if convs := x.joined[connID]; convs != nil {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(x.joined, connID)
		}
	}
}

func (x *Index) IsJoined(connID, conversationID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[conversationID][connID]
	return ok
}

// Joined returns the sorted rooms a connection is subscribed to.
func (x *Index) Joined(connID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	convs := make([]string, 0, len(x.joined[connID]))
	for id := range x.joined[connID] {
		convs = append(convs, id)
	}
	slices.Sort(convs)
	return convs
}

// MembersOf returns the distinct identity ids with a connection in the room.
func (x *Index) MembersOf(conversationID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.rooms[conversationID]))
	for _, identity := range x.rooms[conversationID] {
		ids = append(ids, identity.ID())
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// ConnectionsOf returns the connections in the room ordered by connection id.
func (x *Index) ConnectionsOf(conversationID string) []Member {
	x.mu.RLock()
	members := make([]Member, 0, len(x.rooms[conversationID]))
	for connID, identity := range x.rooms[conversationID] {
		members = append(members, Member{ConnID: connID, Identity: identity})
	}
	x.mu.RUnlock()

	slices.SortFunc(members, func(a, b Member) int {
		return strings.Compare(a.ConnID, b.ConnID)
	})
	return members
}

// Broadcast sends an event to every connection in the room except exceptConnID.
func (x *Index) Broadcast(conversationID string, ev models.ServerEvent, exceptConnID string) int {
	var sent int
	for _, m := range x.ConnectionsOf(conversationID) {
		if m.ConnID == exceptConnID {
			continue
		}
		if x.sender.Send(m.ConnID, ev) {
			sent++
		}
	}
	return sent
}
