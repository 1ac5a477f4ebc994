package typing

import (
	"sync"
	"time"

	"meeshy/internal/models"
)

const DefaultTimeout = 5 * time.Second

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(conversationID string, ev models.ServerEvent, exceptConnID string) int
}

type key struct {
	conversationID string
	identityID     string
}

type state struct {
	connID   string
	identity models.Identity
	timer    *time.Timer
	gen      uint64
}

// Tracker keeps per (conversation, identity) typing state with auto expiry.
// Broadcasts happen under the tracker lock so a stop is never delivered
// before the start of the same episode.
type Tracker struct {
	timeout time.Duration
	rooms   Broadcaster

	states map[key]*state
	gen    uint64

	mu sync.Mutex
}

func NewTracker(rooms Broadcaster, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		rooms:   rooms,
		states:  make(map[key]*state),
	}
}

// Start moves the pair to typing. A repeated start only resets the timer.
func (t *Tracker) Start(connID string, identity models.Identity, conversationID string) {
	k := key{conversationID: conversationID, identityID: identity.ID()}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	gen := t.gen
	if s, ok := t.states[k]; ok {
		s.timer.Stop()
		s.connID = connID
		s.gen = gen
		s.timer = time.AfterFunc(t.timeout, func() { t.expire(k, gen) })
		return
	}

	t.states[k] = &state{
		connID:   connID,
		identity: identity,
		gen:      gen,
		timer:    time.AfterFunc(t.timeout, func() { t.expire(k, gen) }),
	}
	t.rooms.Broadcast(conversationID, models.TypingEvent(models.ServerEventTypingStart, identity, conversationID), connID)
}

// Stop moves the pair to idle. It reports whether the identity was typing.
func (t *Tracker) Stop(identity models.Identity, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(key{conversationID: conversationID, identityID: identity.ID()})
}

// StopConnection ends every typing episode started from connID.
func (t *Tracker) StopConnection(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stopped int
	for k, s := range t.states {
		if s.connID == connID && t.stopLocked(k) {
			stopped++
		}
	}
	return stopped
}

// StopRoom ends the typing episode started from connID in one conversation, if any.
func (t *Tracker) StopRoom(connID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, s := range t.states {
		if k.conversationID == conversationID && s.connID == connID {
			return t.stopLocked(k)
		}
	}
	return false
}

func (t *Tracker) IsTyping(conversationID, identityID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[key{conversationID: conversationID, identityID: identityID}]
	return ok
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[k]; ok && s.gen == gen {
		t.stopLocked(k)
	}
}

func (t *Tracker) stopLocked(k key) bool {
	s, ok := t.states[k]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(t.states, k)
	t.rooms.Broadcast(k.conversationID, models.TypingEvent(models.ServerEventTypingStop, s.identity, k.conversationID), s.connID)
	return true
}
