package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arvindchoudhary21/editor/domain"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func (m *mockConn) messages(t *testing.T) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, raw := range m.getReceived() {
		var msg domain.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// slowConn holds every Send until gate is closed, once blocking is set.
type slowConn struct {
	mockConn
	blocking atomic.Bool
	gate     chan struct{}
	entered  chan struct{}
}

func (c *slowConn) Send(data []byte) error {
	if c.blocking.Load() {
		c.entered <- struct{}{}
		<-c.gate
	}
	return c.mockConn.Send(data)
}

func newHub() *Hub {
	return New(logs.GetLoggerFromLevel(slog.LevelDebug))
}

func identities(ps []domain.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Identity)
	}
	return out
}

func TestHub_Join_BroadcastsRosterToEveryoneIncludingJoiner(t *testing.T) {
	h := newHub()
	alice := &mockConn{id: "alice"}
	bob := &mockConn{id: "bob"}

	_, err := h.Join(alice, "r1", "alice")
	require.NoError(t, err)

	// Given alice alone, she receives her own JOINED with members=[alice]
	msgs := alice.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.EventJoined, msgs[0].Type)
	var first domain.JoinedPayload
	require.NoError(t, domain.Decode(msgs[0], &first))
	assert.Equal(t, []domain.Member{{Identity: "alice", Username: "alice"}}, first.Members)
	assert.Equal(t, "alice", first.Identity)
	assert.Empty(t, first.SnapshotSource)

	// When bob joins, both receive the updated roster
	p, err := h.Join(bob, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.Participant{Identity: "bob", Username: "bob", RoomID: "r1"}, p)

	for _, c := range []*mockConn{alice, bob} {
		msgs := c.messages(t)
		last := msgs[len(msgs)-1]
		var joined domain.JoinedPayload
		require.NoError(t, domain.Decode(last, &joined))
		assert.Equal(t, "bob", joined.Identity)
		assert.Equal(t, "bob", joined.Username)
		assert.Equal(t, "alice", joined.SnapshotSource)
		assert.Equal(t, []domain.Member{
			{Identity: "alice", Username: "alice"},
			{Identity: "bob", Username: "bob"},
		}, joined.Members)
	}
}

func TestHub_Join_Twice(t *testing.T) {
	h := newHub()
	conn := &mockConn{id: "c1"}

	_, err := h.Join(conn, "r1", "alice")
	require.NoError(t, err)

	_, err = h.Join(conn, "r2", "alice")
	assert.ErrorIs(t, err, domain.ErrAlreadyJoined)
	assert.Equal(t, []string{"c1"}, identities(h.Members("r1")))
	assert.Nil(t, h.Members("r2"))
}

func TestHub_Broadcast(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(*Hub) ([]*mockConn, *mockConn)
		wantReceived  map[string]int
		wantDelivered int
		wantDropped   int
	}{
		{
			name: "broadcast to room members",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				receiver1 := &mockConn{id: "recv1"}
				receiver2 := &mockConn{id: "recv2"}
				h.Join(sender, "room1", "s")
				h.Join(receiver1, "room1", "r1")
				h.Join(receiver2, "room1", "r2")
				return []*mockConn{receiver1, receiver2, sender}, sender
			},
			wantReceived:  map[string]int{"recv1": 1, "recv2": 1, "sender": 0},
			wantDelivered: 2,
		},
		{
			name: "no cross-room broadcast",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				receiver := &mockConn{id: "recv1"}
				h.Join(sender, "room1", "s")
				h.Join(receiver, "room2", "r")
				return []*mockConn{receiver}, sender
			},
			wantReceived: map[string]int{"recv1": 0},
		},
		{
			name: "single client in room",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				h.Join(sender, "room1", "s")
				return []*mockConn{sender}, sender
			},
			wantReceived: map[string]int{"sender": 0},
		},
		{
			name: "unreachable peer is dropped, others still served",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender"}
				ok := &mockConn{id: "ok"}
				broken := &mockConn{id: "broken"}
				h.Join(sender, "room1", "s")
				h.Join(ok, "room1", "ok")
				h.Join(broken, "room1", "broken")
				broken.sendErr = domain.ErrConnectionClosed
				return []*mockConn{ok, broken}, sender
			},
			wantReceived:  map[string]int{"ok": 1, "broken": 0},
			wantDelivered: 1,
			wantDropped:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHub()
			receivers, sender := tt.setup(h)
			before := make(map[string]int)
			for _, r := range receivers {
				before[r.ID()] = len(r.getReceived())
			}

			report, err := h.Broadcast(sender.ID(), []byte("test message"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantDelivered, report.Delivered)
			assert.Equal(t, tt.wantDropped, report.Dropped)
			for _, r := range receivers {
				expected := tt.wantReceived[r.ID()]
				assert.Len(t, r.getReceived()[before[r.ID()]:], expected, "receiver %s", r.ID())
			}
		})
	}
}

func TestHub_Broadcast_UnknownOrigin(t *testing.T) {
	h := newHub()

	_, err := h.Broadcast("ghost", []byte("x"))

	assert.ErrorIs(t, err, domain.ErrStaleReference)
}

func TestHub_SendTo(t *testing.T) {
	h := newHub()
	alice := &mockConn{id: "alice"}
	bob := &mockConn{id: "bob"}
	carol := &mockConn{id: "carol"}
	other := &mockConn{id: "other"}
	h.Join(alice, "r1", "alice")
	h.Join(bob, "r1", "bob")
	h.Join(carol, "r1", "carol")
	h.Join(other, "r2", "other")
	aliceBefore, carolBefore := len(alice.getReceived()), len(carol.getReceived())

	require.NoError(t, h.SendTo("alice", "bob", []byte("snapshot")))

	last := bob.getReceived()[len(bob.getReceived())-1]
	assert.Equal(t, []byte("snapshot"), last)
	assert.Len(t, alice.getReceived(), aliceBefore)
	assert.Len(t, carol.getReceived(), carolBefore)

	assert.ErrorIs(t, h.SendTo("alice", "other", []byte("x")), domain.ErrStaleReference)
	assert.ErrorIs(t, h.SendTo("ghost", "bob", []byte("x")), domain.ErrStaleReference)
}

func TestHub_Leave(t *testing.T) {
	h := newHub()
	alice := &mockConn{id: "alice"}
	bob := &mockConn{id: "bob"}
	h.Join(alice, "r1", "alice")
	h.Join(bob, "r1", "bob")

	// When alice leaves while bob remains
	p, ok := h.Leave("alice")

	// Then bob receives DISCONNECTED and the roster only holds bob
	require.True(t, ok)
	assert.Equal(t, "alice", p.Username)
	msgs := bob.messages(t)
	last := msgs[len(msgs)-1]
	assert.Equal(t, domain.EventDisconnected, last.Type)
	var payload domain.DisconnectedPayload
	require.NoError(t, domain.Decode(last, &payload))
	assert.Equal(t, domain.DisconnectedPayload{Identity: "alice", Username: "alice"}, payload)
	assert.Equal(t, []string{"bob"}, identities(h.Members("r1")))

	// And alice got nothing after her own leave
	for _, m := range alice.messages(t) {
		assert.NotEqual(t, domain.EventDisconnected, m.Type)
	}

	// And a duplicate disconnect signal is a no-op
	_, ok = h.Leave("alice")
	assert.False(t, ok)
}

func TestHub_Stats(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Hub)
		wantRooms   int
		wantClients int
	}{
		{
			name:        "empty hub",
			setup:       func(h *Hub) {},
			wantRooms:   0,
			wantClients: 0,
		},
		{
			name: "one room one client",
			setup: func(h *Hub) {
				h.Join(&mockConn{id: "c1"}, "r1", "a")
			},
			wantRooms:   1,
			wantClients: 1,
		},
		{
			name: "multiple rooms",
			setup: func(h *Hub) {
				h.Join(&mockConn{id: "c1"}, "r1", "a")
				h.Join(&mockConn{id: "c2"}, "r1", "b")
				h.Join(&mockConn{id: "c3"}, "r2", "c")
			},
			wantRooms:   2,
			wantClients: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHub()
			tt.setup(h)

			rooms, clients := h.Stats()

			assert.Equal(t, tt.wantRooms, rooms)
			assert.Equal(t, tt.wantClients, clients)
		})
	}
}

func TestHub_RoomCleanup(t *testing.T) {
	h := newHub()
	conn := &mockConn{id: "c1"}

	h.Join(conn, "r1", "a")
	rooms, _ := h.Stats()
	require.Equal(t, 1, rooms)

	h.Leave(conn.ID())
	rooms, clients := h.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)
	assert.Nil(t, h.Members("r1"))
}

func TestHub_Rejoin_AfterLeave(t *testing.T) {
	h := newHub()
	conn := &mockConn{id: "c1"}

	_, err := h.Join(conn, "r1", "a")
	require.NoError(t, err)
	h.Leave(conn.ID())

	_, err = h.Join(conn, "r2", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, identities(h.Members("r2")))
	assert.Nil(t, h.Members("r1"))
}

func TestHub_SnapshotSource(t *testing.T) {
	h := newHub()
	alice := &mockConn{id: "alice"}
	bob := &mockConn{id: "bob"}
	carol := &mockConn{id: "carol"}
	h.Join(alice, "r1", "alice")
	h.Join(bob, "r1", "bob")

	// Given bob was the last to change the buffer
	h.MarkActive("bob")

	// When carol joins, bob is named as her snapshot source
	h.Join(carol, "r1", "carol")
	msgs := carol.messages(t)
	var joined domain.JoinedPayload
	require.NoError(t, domain.Decode(msgs[0], &joined))
	assert.Equal(t, "bob", joined.SnapshotSource)

	// And once bob leaves, the longest-standing member takes over
	h.Leave("bob")
	dave := &mockConn{id: "dave"}
	h.Join(dave, "r1", "dave")
	msgs = dave.messages(t)
	require.NoError(t, domain.Decode(msgs[0], &joined))
	assert.Equal(t, "alice", joined.SnapshotSource)
}

// The registry must equal the set of active joins after any interleaving.
func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h := newHub()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &mockConn{id: fmt.Sprintf("c%d", i)}
			_, err := h.Join(conn, "r1", conn.id)
			if err != nil {
				t.Error(err)
				return
			}
			if i%2 == 0 {
				h.Leave(conn.id)
			}
		}(i)
	}
	wg.Wait()

	members := identities(h.Members("r1"))
	assert.Len(t, members, n/2)
	seen := map[string]bool{}
	for _, id := range members {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		var idx int
		_, err := fmt.Sscanf(id, "c%d", &idx)
		require.NoError(t, err)
		assert.Equal(t, 1, idx%2)
	}
	rooms, clients := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, n/2, clients)

	for _, id := range members {
		h.Leave(id)
	}
	rooms, _ = h.Stats()
	assert.Equal(t, 0, rooms)
}

func TestHub_Participant(t *testing.T) {
	h := newHub()
	h.Join(&mockConn{id: "c1"}, "r1", "alice")

	p, ok := h.Participant("c1")
	require.True(t, ok)
	assert.Equal(t, "r1", p.RoomID)

	_, ok = h.Participant("ghost")
	assert.False(t, ok)
}

func TestHub_SlowPeerDoesNotStallOtherRooms(t *testing.T) {
	h := newHub()
	slow := &slowConn{mockConn: mockConn{id: "slow"}, gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	_, err := h.Join(slow, "A", "slow")
	require.NoError(t, err)
	_, err = h.Join(&mockConn{id: "a1"}, "A", "a1")
	require.NoError(t, err)
	b1, b2 := &mockConn{id: "b1"}, &mockConn{id: "b2"}
	_, err = h.Join(b1, "B", "b1")
	require.NoError(t, err)
	_, err = h.Join(b2, "B", "b2")
	require.NoError(t, err)

	slow.blocking.Store(true)
	go h.Broadcast("a1", []byte(`{"type":"CODE_CHANGE"}`))
	<-slow.entered
	joined := make(chan struct{})
	go func() {
		h.Join(&mockConn{id: "a2"}, "A", "a2")
		close(joined)
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan domain.DeliveryReport)
	go func() {
		report, _ := h.Broadcast("b1", []byte(`{"type":"CODE_CHANGE"}`))
		_, _ = h.Participant("b2")
		done <- report
	}()

	select {
	case report := <-done:
		assert.Equal(t, domain.DeliveryReport{Delivered: 1}, report)
	case <-time.After(time.Second):
		t.Fatal("room B blocked behind a slow peer in room A")
	}

	slow.blocking.Store(false)
	close(slow.gate)
	<-joined
	assert.ElementsMatch(t, []string{"slow", "a1", "a2"}, identities(h.Members("A")))
}

func TestHub_JoinAfterRoomClosed(t *testing.T) {
	h := newHub()
	_, err := h.Join(&mockConn{id: "c1"}, "r1", "alice")
	require.NoError(t, err)
	_, ok := h.Leave("c1")
	require.True(t, ok)

	_, err = h.Join(&mockConn{id: "c2"}, "r1", "bob")
	require.NoError(t, err)

	rooms, clients := h.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, clients)
	assert.Equal(t, []string{"c2"}, identities(h.Members("r1")))
}
