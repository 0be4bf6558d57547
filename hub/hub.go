package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Arvindchoudhary21/editor/domain"
	"github.com/Arvindchoudhary21/editor/metrics"
)

type member struct {
	conn        domain.Connection
	participant domain.Participant
	order       uint64
}

type room struct {
	id         string
	clients    map[string]*member
	nextOrder  uint64
	lastActive string
	mu         sync.RWMutex
	// closed is set under mu when the last member leaves. A closed room
	// is never reused; a join that finds one starts a fresh room.
	closed atomic.Bool
}

// Hub is the room registry. A room exists exactly while it has members.
//
// Hub.mu only guards the maps and is never held while waiting for a room
// lock, so a room blocked on slow peers cannot stall the other rooms.
// Taking Hub.mu briefly while holding a room lock is allowed.
type Hub struct {
	rooms    map[string]*room
	sessions map[string]string // identity -> roomID
	mu       sync.RWMutex
	log      *slog.Logger
}

var _ domain.Broadcaster = (*Hub)(nil)

func New(log *slog.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]*room),
		sessions: make(map[string]string),
		log:      log,
	}
}

// Join registers conn as a member of roomID and sends JOINED, carrying the
// updated roster, to every member including the joiner.
func (h *Hub) Join(conn domain.Connection, roomID, username string) (domain.Participant, error) {
	h.mu.Lock()
	if _, joined := h.sessions[conn.ID()]; joined {
		h.mu.Unlock()
		return domain.Participant{}, domain.ErrAlreadyJoined
	}
	h.sessions[conn.ID()] = roomID
	h.mu.Unlock()

	r := h.openRoom(roomID)
	defer r.mu.Unlock()

	p := domain.Participant{Identity: conn.ID(), Username: username, RoomID: roomID}
	r.nextOrder++
	r.clients[conn.ID()] = &member{conn: conn, participant: p, order: r.nextOrder}
	count := len(r.clients)
	metrics.MemberJoined()

	h.log.Info("client joined", "room", roomID, "clientId", conn.ID(), "username", username, "clients", count)

	data, err := domain.Encode(domain.EventJoined, 0, domain.JoinedPayload{
		Members:        domain.ToMembers(r.roster()),
		Username:       username,
		Identity:       p.Identity,
		SnapshotSource: r.snapshotSource(p.Identity),
	})
	if err != nil {
		return p, fmt.Errorf("encode joined: %w", err)
	}
	report := r.fanout("", data, h.log)
	metrics.ReportDelivery(domain.EventJoined, report.Delivered, report.Dropped)
	return p, nil
}

// Leave removes identity from its room and sends DISCONNECTED to the members
// that remain. Unknown identities are ignored so duplicate disconnect
// signals are harmless.
func (h *Hub) Leave(identity string) (domain.Participant, bool) {
	h.mu.Lock()
	roomID, joined := h.sessions[identity]
	if !joined {
		h.mu.Unlock()
		return domain.Participant{}, false
	}
	delete(h.sessions, identity)
	r, exists := h.rooms[roomID]
	h.mu.Unlock()
	if !exists {
		return domain.Participant{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.clients[identity]
	if !ok {
		return domain.Participant{}, false
	}
	delete(r.clients, identity)
	metrics.MemberLeft()
	if r.lastActive == identity {
		r.lastActive = ""
	}
	count := len(r.clients)

	h.log.Info("client left", "room", roomID, "clientId", identity, "clients", count)
	if count == 0 {
		h.closeRoom(r)
		return m.participant, true
	}

	data, err := domain.Encode(domain.EventDisconnected, 0, domain.DisconnectedPayload{
		Identity: identity,
		Username: m.participant.Username,
	})
	if err != nil {
		h.log.Warn("encode disconnected", "room", roomID, "error", err)
		return m.participant, true
	}
	report := r.fanout("", data, h.log)
	metrics.ReportDelivery(domain.EventDisconnected, report.Delivered, report.Dropped)
	return m.participant, true
}

// Broadcast fans data out to every member of origin's room except origin.
// A peer that cannot take the frame is skipped; there is no retry.
func (h *Hub) Broadcast(origin string, data []byte) (domain.DeliveryReport, error) {
	r, err := h.roomOf(origin)
	if err != nil {
		return domain.DeliveryReport{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.clients[origin]; !ok {
		return domain.DeliveryReport{}, domain.ErrStaleReference
	}
	return r.fanout(origin, data, h.log), nil
}

// SendTo delivers data to target only, provided origin and target share a room.
func (h *Hub) SendTo(origin, target string, data []byte) error {
	r, err := h.roomOf(origin)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.clients[target]
	if !ok {
		return domain.ErrStaleReference
	}
	if err := m.conn.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	return nil
}

// MarkActive records identity as the member most recently holding fresh
// buffer content, which makes it the preferred snapshot source.
func (h *Hub) MarkActive(identity string) {
	r, err := h.roomOf(identity)
	if err != nil {
		return
	}
	r.mu.Lock()
	if _, ok := r.clients[identity]; ok {
		r.lastActive = identity
	}
	r.mu.Unlock()
}

func (h *Hub) Participant(identity string) (domain.Participant, bool) {
	r, err := h.roomOf(identity)
	if err != nil {
		return domain.Participant{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.clients[identity]
	if !ok {
		return domain.Participant{}, false
	}
	return m.participant, true
}

// Members returns the roster of roomID in join order.
func (h *Hub) Members(roomID string) []domain.Participant {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roster()
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	live := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		live = append(live, r)
	}
	h.mu.RUnlock()

	for _, r := range live {
		r.mu.RLock()
		if !r.closed.Load() {
			rooms++
			clients += len(r.clients)
		}
		r.mu.RUnlock()
	}
	return rooms, clients
}

// openRoom returns roomID's live room with its lock held, creating the room
// when it is missing or closed.
func (h *Hub) openRoom(roomID string) *room {
	for {
		h.mu.Lock()
		r, exists := h.rooms[roomID]
		if !exists || r.closed.Load() {
			r = &room{id: roomID, clients: make(map[string]*member)}
			h.rooms[roomID] = r
			metrics.RoomCreated()
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.closed.Load() {
			return r
		}
		r.mu.Unlock()
	}
}

// closeRoom must be called with r.mu held and r empty.
func (h *Hub) closeRoom(r *room) {
	r.closed.Store(true)
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()
	metrics.RoomRemoved()
	h.log.Info("room removed", "room", r.id)
}

func (h *Hub) roomOf(identity string) (*room, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomID, joined := h.sessions[identity]
	if !joined {
		return nil, domain.ErrStaleReference
	}
	r, exists := h.rooms[roomID]
	if !exists {
		return nil, domain.ErrStaleReference
	}
	return r, nil
}

// roster must be called with r.mu held.
func (r *room) roster() []domain.Participant {
	ordered := make([]*member, 0, len(r.clients))
	for _, m := range r.clients {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]domain.Participant, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.participant)
	}
	return out
}

// snapshotSource picks the peer a joiner should pull the buffer from: the
// most recently active member, else the longest-standing one. Must be
// called with r.mu held.
func (r *room) snapshotSource(joiner string) string {
	if r.lastActive != "" && r.lastActive != joiner {
		if _, ok := r.clients[r.lastActive]; ok {
			return r.lastActive
		}
	}
	for _, p := range r.roster() {
		if p.Identity != joiner {
			return p.Identity
		}
	}
	return ""
}

// fanout must be called with r.mu held. An empty skip sends to everyone.
func (r *room) fanout(skip string, data []byte, log *slog.Logger) domain.DeliveryReport {
	var report domain.DeliveryReport
	for id, m := range r.clients {
		if id == skip {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			report.Dropped++
			if !errors.Is(err, domain.ErrConnectionClosed) {
				log.Debug("frame dropped", "room", r.id, "clientId", id, "error", err)
			}
			continue
		}
		report.Delivered++
	}
	return report
}
