// Package client is the participant side of the sync protocol. A Session
// owns one websocket connection to the relay and keeps a local Editor in
// step with the room.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Arvindchoudhary21/editor/domain"
)

const writeWait = 10 * time.Second

type State int

const (
	Disconnected State = iota
	Joining
	// Joined is the state between the JOINED notification and the end of
	// the snapshot pull.
	Joined
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// JoinedEvent reports a JOINED notification. Self is true for the
// session's own join.
type JoinedEvent struct {
	Self     bool
	Identity string
	Username string
	Members  []domain.Member
}

// Handlers are optional callbacks, invoked from the session's read loop.
type Handlers struct {
	OnJoined   func(JoinedEvent)
	OnLeft     func(domain.Member)
	OnAdvisory func(Advisory)
	OnAck      func(domain.AckPayload)
	OnError    func(error)
}

type Options struct {
	Log *slog.Logger
	// SnapshotTimeout bounds the wait for a snapshot. On expiry the session
	// keeps its current buffer and goes active. Zero waits forever.
	SnapshotTimeout time.Duration
	Handlers        Handlers
}

type joinReply struct {
	identity string
	err      error
}

// Session is the connection context of one participant. All protocol
// operations go through it; it is released by Close.
type Session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	buffer   *syncedBuffer
	detector *ConflictDetector
	opts     Options
	log      *slog.Logger
	seq      atomic.Uint64
	group    errgroup.Group
	closing  atomic.Bool

	mu            sync.Mutex
	state         State
	identity      string
	lastIdentity  string
	roomID        string
	username      string
	roster        []domain.Member
	pendingSource string
	snapshotTimer *time.Timer
	joinWaiter    chan joinReply
	// abandoned holds the seqs of JOINs whose caller gave up, oldest first.
	// Their late replies are discarded.
	abandoned []uint64
}

// Dial connects to the relay at url and binds editor to the session.
func Dial(ctx context.Context, url string, editor Editor, opts Options) (*Session, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransportFailure, url, err)
	}

	s := &Session{
		conn:     conn,
		buffer:   newSyncedBuffer(editor),
		detector: NewConflictDetector(),
		opts:     opts,
		log:      opts.Log,
	}
	editor.OnChange(s.onLocalChange)
	editor.OnCursorMove(s.onLocalCursor)
	s.group.Go(s.readLoop)
	return s, nil
}

// Join asks the relay to add this connection to roomID and waits for the
// JOINED reply. Empty room ids or usernames are rejected locally.
func (s *Session) Join(ctx context.Context, roomID, username string) (string, error) {
	req := domain.JoinPayload{RoomID: strings.TrimSpace(roomID), Username: strings.TrimSpace(username)}
	if err := domain.Validate(req); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return "", domain.ErrAlreadyJoined
	}
	waiter := make(chan joinReply, 1)
	s.joinWaiter = waiter
	s.roomID = req.RoomID
	s.username = req.Username
	s.setState(Joining)
	s.mu.Unlock()

	seq := s.seq.Add(1)
	if err := s.write(domain.EventJoin, seq, req); err != nil {
		s.resetMembership()
		return "", err
	}

	select {
	case reply := <-waiter:
		return reply.identity, reply.err
	case <-ctx.Done():
		return s.abandonJoin(waiter, seq, ctx.Err())
	}
}

// abandonJoin gives up on a pending JOIN. A reply that already arrived
// wins. Otherwise the relay is told to drop the membership it may still
// grant, and the session goes back to Disconnected.
func (s *Session) abandonJoin(waiter chan joinReply, seq uint64, cause error) (string, error) {
	s.mu.Lock()
	if s.joinWaiter != waiter {
		s.mu.Unlock()
		reply := <-waiter
		return reply.identity, reply.err
	}
	s.joinWaiter = nil
	s.abandoned = append(s.abandoned, seq)
	s.mu.Unlock()

	if err := s.send(domain.EventLeave, nil); err != nil {
		s.log.Debug("leave after abandoned join dropped", "error", err)
	}
	s.resetMembership()
	return "", cause
}

// Do runs fn with remote updates held off. Edits made to the Editor from a
// goroutine other than the session's must go through Do, or they may be
// mistaken for a remote update and never sent.
func (s *Session) Do(fn func()) {
	s.buffer.Local(fn)
}

// Leave quits the current room but keeps the connection open. Events for
// the old room that are still in flight are ignored.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Leaving {
		s.mu.Unlock()
		return nil
	}
	s.setState(Leaving)
	s.mu.Unlock()

	err := s.send(domain.EventLeave, nil)
	s.resetMembership()
	return err
}

// Close shuts the connection down and waits for the read loop. The relay
// treats the closed transport as a leave.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.group.Wait()
	s.resetMembership()
	return err
}

// Wait blocks until the read loop ends. It returns a TransportFailure when
// the connection dropped without Close.
func (s *Session) Wait() error {
	return s.group.Wait()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Members returns the last roster received from the relay.
func (s *Session) Members() []domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Member(nil), s.roster...)
}

func (s *Session) Detector() *ConflictDetector { return s.detector }

// Ping sends an application-level ping; the pong is only logged.
func (s *Session) Ping() error {
	return s.send(domain.EventPing, domain.PingPayload{Timestamp: time.Now().UnixMilli()})
}

func (s *Session) readLoop() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			s.resetMembership()
			failure := fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
			s.notifyError(failure)
			return failure
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("invalid message", "error", err)
		return
	}

	switch msg.Type {
	case domain.EventJoined:
		var p domain.JoinedPayload
		if s.decode(msg, &p) {
			s.handleJoined(p)
		}
	case domain.EventDisconnected:
		var p domain.DisconnectedPayload
		if s.decode(msg, &p) {
			s.handleDisconnected(p)
		}
	case domain.EventCodeChange:
		var p domain.CodeChangePayload
		if s.decode(msg, &p) {
			s.handleCodeChange(p)
		}
	case domain.EventCursorChange:
		var p domain.CursorChangePayload
		if s.decode(msg, &p) {
			s.handleCursorChange(p)
		}
	case domain.EventSyncRequest:
		var p domain.SyncRequestPayload
		if s.decode(msg, &p) {
			s.handleSyncRequest(p)
		}
	case domain.EventAck:
		var p domain.AckPayload
		if s.decode(msg, &p) && s.opts.Handlers.OnAck != nil {
			s.opts.Handlers.OnAck(p)
		}
	case domain.EventError:
		var p domain.ErrorPayload
		if s.decode(msg, &p) {
			s.handleError(msg.Seq, p)
		}
	case domain.EventPong:
		var p domain.PingPayload
		if s.decode(msg, &p) {
			s.log.Debug("pong", "rtt", time.Since(time.UnixMilli(p.Timestamp)))
		}
	default:
		s.log.Warn("unknown message type", "type", msg.Type)
	}
}

func (s *Session) decode(msg domain.Message, v any) bool {
	if err := domain.Decode(msg, v); err != nil {
		s.log.Warn("invalid message", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func (s *Session) handleJoined(p domain.JoinedPayload) {
	s.mu.Lock()
	// The relay only notifies members, and a connection becomes one with
	// its own JOINED, so the first JOINED ever received names us. The
	// identity is kept per connection, which makes frames from a room we
	// left recognisable.
	if s.lastIdentity == "" {
		s.lastIdentity = p.Identity
	}
	if len(s.abandoned) > 0 && p.Identity == s.lastIdentity {
		s.abandoned = s.abandoned[1:]
		s.mu.Unlock()
		s.log.Debug("late reply to abandoned join ignored", "identity", p.Identity)
		return
	}

	switch s.state {
	case Joining:
		if p.Identity != s.lastIdentity {
			s.mu.Unlock()
			s.log.Debug("stale event ignored", "type", domain.EventJoined, "identity", p.Identity)
			return
		}
		s.identity = p.Identity
		s.roster = p.Members
		waiter := s.joinWaiter
		s.joinWaiter = nil
		if p.SnapshotSource != "" && p.SnapshotSource != p.Identity {
			s.setState(Joined)
			s.mu.Unlock()
			s.requestSnapshot(p.SnapshotSource)
		} else {
			s.setState(Active)
			s.mu.Unlock()
		}
		s.notifyJoined(JoinedEvent{Self: true, Identity: p.Identity, Username: p.Username, Members: p.Members})
		if waiter != nil {
			waiter <- joinReply{identity: p.Identity}
		}
	case Joined, Active:
		s.roster = p.Members
		self := p.Identity == s.identity
		s.mu.Unlock()
		s.notifyJoined(JoinedEvent{Self: self, Identity: p.Identity, Username: p.Username, Members: p.Members})
	default:
		s.mu.Unlock()
		s.log.Debug("stale event ignored", "type", domain.EventJoined, "identity", p.Identity)
	}
}

func (s *Session) handleDisconnected(p domain.DisconnectedPayload) {
	s.mu.Lock()
	if !s.joined() {
		s.mu.Unlock()
		return
	}
	s.roster = lo.Filter(s.roster, func(m domain.Member, _ int) bool {
		return m.Identity != p.Identity
	})
	var next string
	retry := s.state == Joined && s.pendingSource == p.Identity
	if retry {
		if m, ok := lo.Find(s.roster, func(m domain.Member) bool { return m.Identity != s.identity }); ok {
			next = m.Identity
		}
	}
	s.mu.Unlock()

	s.detector.Forget(p.Identity)
	if s.opts.Handlers.OnLeft != nil {
		s.opts.Handlers.OnLeft(domain.Member{Identity: p.Identity, Username: p.Username})
	}

	if !retry {
		return
	}
	if next == "" {
		s.log.Debug("snapshot source left, no peer remains", "source", p.Identity)
		s.finishSnapshot()
		return
	}
	s.log.Debug("snapshot source left, retrying", "source", p.Identity, "next", next)
	s.requestSnapshot(next)
}

// handleCodeChange applies a remote buffer. Both room-wide changes and
// point-to-point snapshots arrive here.
func (s *Session) handleCodeChange(p domain.CodeChangePayload) {
	s.mu.Lock()
	joined := s.joined()
	pending := s.state == Joined
	s.mu.Unlock()
	if !joined {
		s.log.Debug("stale event ignored", "type", domain.EventCodeChange, "origin", p.Origin)
		return
	}

	if p.Code != nil {
		s.buffer.Apply(*p.Code)
	}
	if pending {
		s.finishSnapshot()
	}
}

func (s *Session) handleCursorChange(p domain.CursorChangePayload) {
	s.mu.Lock()
	joined := s.joined()
	self := p.Identity == s.identity
	member, _ := lo.Find(s.roster, func(m domain.Member) bool { return m.Identity == p.Identity })
	s.mu.Unlock()
	if !joined || self {
		return
	}

	if !s.detector.Observe(p.Identity, p.Cursor.Line) {
		return
	}
	if s.opts.Handlers.OnAdvisory != nil {
		s.opts.Handlers.OnAdvisory(Advisory{
			Identity: p.Identity,
			Username: member.Username,
			Line:     p.Cursor.Line,
			Message:  AdvisoryMessage,
		})
	}
}

// handleSyncRequest answers a joiner with the local buffer. A session that
// is itself still waiting for its snapshot has nothing to offer and says so
// with a null code.
func (s *Session) handleSyncRequest(p domain.SyncRequestPayload) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	var code *string
	switch state {
	case Active:
		code = lo.ToPtr(s.buffer.Text())
	case Joined:
	default:
		return
	}
	if err := s.send(domain.EventSyncCode, domain.SyncCodePayload{Code: code, TargetIdentity: p.RequesterIdentity}); err != nil {
		s.log.Debug("snapshot reply dropped", "target", p.RequesterIdentity, "error", err)
	}
}

func (s *Session) handleError(seq uint64, p domain.ErrorPayload) {
	var err error
	switch p.Code {
	case domain.CodeValidation:
		err = fmt.Errorf("%w: %s", domain.ErrValidation, p.Message)
	case domain.CodeAlreadyJoined:
		err = domain.ErrAlreadyJoined
	default:
		err = fmt.Errorf("relay error %s: %s", p.Code, p.Message)
	}

	s.mu.Lock()
	if len(s.abandoned) > 0 && s.abandoned[0] == seq {
		s.abandoned = s.abandoned[1:]
		s.mu.Unlock()
		s.log.Debug("late reply to abandoned join ignored", "error", err)
		return
	}
	waiter := s.joinWaiter
	rejected := s.state == Joining
	s.joinWaiter = nil
	s.mu.Unlock()

	if rejected {
		s.resetMembership()
		if waiter != nil {
			waiter <- joinReply{err: err}
		}
		return
	}
	s.notifyError(err)
}

func (s *Session) requestSnapshot(target string) {
	s.mu.Lock()
	s.pendingSource = target
	if s.snapshotTimer != nil {
		s.snapshotTimer.Stop()
	}
	if s.opts.SnapshotTimeout > 0 {
		s.snapshotTimer = time.AfterFunc(s.opts.SnapshotTimeout, s.snapshotExpired)
	}
	s.mu.Unlock()

	if err := s.send(domain.EventSyncRequest, domain.SyncRequestPayload{TargetIdentity: target}); err != nil {
		s.log.Debug("snapshot request dropped", "target", target, "error", err)
	}
}

func (s *Session) snapshotExpired() {
	s.log.Debug("snapshot timed out, keeping local buffer")
	s.finishSnapshot()
}

func (s *Session) finishSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotTimer != nil {
		s.snapshotTimer.Stop()
		s.snapshotTimer = nil
	}
	s.pendingSource = ""
	if s.state == Joined {
		s.setState(Active)
	}
}

func (s *Session) onLocalChange(text string) {
	if s.buffer.Applying() {
		return
	}
	s.mu.Lock()
	joined := s.joined()
	roomID := s.roomID
	s.mu.Unlock()
	if !joined {
		return
	}
	if err := s.send(domain.EventCodeChange, domain.CodeChangePayload{RoomID: roomID, Code: &text}); err != nil {
		s.log.Debug("code change dropped", "error", err)
	}
}

// onLocalCursor tracks the local line for conflict detection. Cursor
// restores during a remote apply only follow a cursor the user already
// placed, and are never sent.
func (s *Session) onLocalCursor(pos Position) {
	if s.buffer.Applying() {
		if _, moved := s.detector.LocalLine(); moved {
			s.detector.MoveLocal(pos.Line)
		}
		return
	}
	s.detector.MoveLocal(pos.Line)
	s.mu.Lock()
	joined := s.joined()
	roomID := s.roomID
	s.mu.Unlock()
	if !joined {
		return
	}
	err := s.send(domain.EventCursorChange, domain.CursorChangePayload{
		RoomID: roomID,
		Cursor: domain.Cursor{Line: pos.Line, Column: pos.Column},
	})
	if err != nil {
		s.log.Debug("cursor move dropped", "error", err)
	}
}

func (s *Session) send(eventType string, payload any) error {
	return s.write(eventType, s.seq.Add(1), payload)
}

func (s *Session) write(eventType string, seq uint64, payload any) error {
	data, err := domain.Encode(eventType, seq, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

// resetMembership returns the session to the unjoined state.
func (s *Session) resetMembership() {
	s.mu.Lock()
	if s.snapshotTimer != nil {
		s.snapshotTimer.Stop()
		s.snapshotTimer = nil
	}
	waiter := s.joinWaiter
	s.joinWaiter = nil
	s.identity = ""
	s.roomID = ""
	s.username = ""
	s.roster = nil
	s.pendingSource = ""
	s.setState(Disconnected)
	s.mu.Unlock()

	s.detector.Reset()
	if waiter != nil {
		waiter <- joinReply{err: domain.ErrTransportFailure}
	}
}

// joined must be called with s.mu held.
func (s *Session) joined() bool {
	return s.state == Joined || s.state == Active
}

// setState must be called with s.mu held.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("state change", "from", s.state, "to", next)
	s.state = next
}

func (s *Session) notifyJoined(e JoinedEvent) {
	if s.opts.Handlers.OnJoined != nil {
		s.opts.Handlers.OnJoined(e)
	}
}

func (s *Session) notifyError(err error) {
	if s.opts.Handlers.OnError != nil {
		s.opts.Handlers.OnError(err)
	}
}
