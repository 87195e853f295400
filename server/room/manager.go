// Package room is the connection and room registry. It owns the
// connection-to-identity index and every room's member set; other packages
// refer to connections only through a ConnID handle.
package room

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"talkspace/server/metrics"
	"talkspace/server/model"
)

// ConnID is the handle of a registered connection.
type ConnID uint64

// Sender writes an encoded frame to a live connection. Implementations must
// not block for long; a slow connection should drop or fail instead.
type Sender interface {
	Send(frame []byte) error
}

// Session is the connection context handed to event handlers.
type Session struct {
	ID       ConnID
	Identity string
	RoomID   string
}

// Joined reports whether the connection is attached to a room.
func (s Session) Joined() bool { return s.RoomID != "" }

type entry struct {
	sender   Sender
	identity string
	room     string
}

// Room represents a chat room and its connected members.
type Room struct {
	ID      string
	members map[ConnID]string // conn -> identity
	mu      sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[ConnID]string),
	}
}

type target struct {
	id     ConnID
	sender Sender
}

// Manager manages connections and rooms.
//
// Join, Leave and Unregister hold the manager write lock for their whole
// duration, so a broadcast snapshot is taken either before or after a
// membership change, never in the middle of one.
type Manager struct {
	mu     sync.RWMutex
	conns  map[ConnID]*entry
	Rooms  map[string]*Room
	nextID ConnID
	log    zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		conns: make(map[ConnID]*entry),
		Rooms: make(map[string]*Room),
		log:   log.With().Str("component", "room").Logger(),
	}
}

// Register adds a live connection to the index. It is not in any room yet.
func (m *Manager) Register(sender Sender) ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.conns[id] = &entry{sender: sender}
	metrics.Connections.Inc()
	return id
}

// Session returns the connection context of id.
func (m *Manager) Session(id ConnID) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[id]
	if !ok {
		return Session{}, false
	}
	return Session{ID: id, Identity: e.identity, RoomID: e.room}, true
}

// Join attaches id to roomID under identity, leaving any previous room
// first. Other members of roomID receive a system notice.
func (m *Manager) Join(id ConnID, identity, roomID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.conns[id]
	if !ok {
		return Session{}, fmt.Errorf("connection %d is not registered", id)
	}

	if e.room != "" {
		if e.room == roomID && e.identity == identity {
			return Session{ID: id, Identity: identity, RoomID: roomID}, nil
		}
		m.detachLocked(id, e)
	}

	r, ok := m.Rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		m.Rooms[roomID] = r
		metrics.Rooms.Inc()
	}
	r.mu.Lock()
	r.members[id] = identity
	r.mu.Unlock()

	e.identity = identity
	e.room = roomID

	m.log.Debug().
		Uint64("conn", uint64(id)).
		Str("identity", identity).
		Str("room", roomID).
		Msg("joined room")

	m.broadcastLocked(roomID, model.EventSystem, model.NewSystemNotice(identity+" has joined the room."), id)
	return Session{ID: id, Identity: identity, RoomID: roomID}, nil
}

// Leave detaches id from its current room and reports whether it was in
// one. Calling it again, or racing it with Unregister, is a no-op.
func (m *Manager) Leave(id ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok || e.room == "" {
		return false
	}
	m.detachLocked(id, e)
	return true
}

// Unregister is the disconnect path: it leaves the current room and drops
// the connection from the index.
func (m *Manager) Unregister(id ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return
	}
	if e.room != "" {
		m.detachLocked(id, e)
	}
	delete(m.conns, id)
	metrics.Connections.Dec()
}

// detachLocked removes id from its room and announces the departure. The
// identity stays bound to the connection.
func (m *Manager) detachLocked(id ConnID, e *entry) {
	roomID := e.room
	e.room = ""

	r, ok := m.Rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, id)
	empty := len(r.members) == 0
	r.mu.Unlock()

	m.log.Debug().
		Uint64("conn", uint64(id)).
		Str("identity", e.identity).
		Str("room", roomID).
		Msg("left room")

	if empty {
		delete(m.Rooms, roomID)
		metrics.Rooms.Dec()
		return
	}
	m.broadcastLocked(roomID, model.EventSystem, model.NewSystemNotice(e.identity+" has left the room."), 0)
}

// MembersOf returns the distinct identities connected to roomID, sorted.
func (m *Manager) MembersOf(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.Rooms[roomID]
	if !ok {
		return []string{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for _, identity := range r.members {
		if !slices.Contains(out, identity) {
			out = append(out, identity)
		}
	}
	slices.Sort(out)
	return out
}

// Broadcast sends event to every connection in roomID except exclude
// (zero excludes nobody) and returns how many connections accepted it.
func (m *Manager) Broadcast(roomID, event string, payload any, exclude ConnID) (int, error) {
	frame, err := model.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	targets := m.snapshotLocked(roomID, func(id ConnID, _ string) bool { return id != exclude })
	m.mu.RUnlock()
	return m.send(roomID, event, frame, targets), nil
}

// Publish sends event to every connection in roomID.
func (m *Manager) Publish(roomID, event string, payload any) (int, error) {
	return m.Broadcast(roomID, event, payload, 0)
}

// Deliver sends event to every connection identity holds in roomID.
func (m *Manager) Deliver(roomID, identity, event string, payload any) (int, error) {
	frame, err := model.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	targets := m.snapshotLocked(roomID, func(_ ConnID, who string) bool { return who == identity })
	m.mu.RUnlock()
	return m.send(roomID, event, frame, targets), nil
}

// SendTo writes event to a single connection.
func (m *Manager) SendTo(id ConnID, event string, payload any) error {
	frame, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.mu.RLock()
	e, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %d is not registered", id)
	}
	return e.sender.Send(frame)
}

// broadcastLocked is used while the manager write lock is held.
func (m *Manager) broadcastLocked(roomID, event string, payload any, exclude ConnID) {
	frame, err := model.NewEnvelope(event, payload)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	targets := m.snapshotLocked(roomID, func(id ConnID, _ string) bool { return id != exclude })
	m.send(roomID, event, frame, targets)
}

func (m *Manager) snapshotLocked(roomID string, keep func(ConnID, string) bool) []target {
	r, ok := m.Rooms[roomID]
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]target, 0, len(r.members))
	for id, identity := range r.members {
		if !keep(id, identity) {
			continue
		}
		if e, ok := m.conns[id]; ok {
			targets = append(targets, target{id: id, sender: e.sender})
		}
	}
	return targets
}

func (m *Manager) send(roomID, event string, frame []byte, targets []target) int {
	delivered := 0
	for _, t := range targets {
		if err := t.sender.Send(frame); err != nil {
			m.log.Warn().
				Err(err).
				Uint64("conn", uint64(t.id)).
				Str("room", roomID).
				Str("event", event).
				Msg("send failed")
			continue
		}
		delivered++
	}
	return delivered
}
