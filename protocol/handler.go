package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Arvindchoudhary21/editor/domain"
	"github.com/Arvindchoudhary21/editor/metrics"
)

const presenceTimeout = 2 * time.Second

type Handler struct {
	broadcaster domain.Broadcaster
	presence    domain.Presence
	mode        domain.DeliveryMode
	log         *slog.Logger
}

// NewHandler builds the relay dispatcher. A nil presence disables mirroring.
func NewHandler(log *slog.Logger, b domain.Broadcaster, p domain.Presence, mode domain.DeliveryMode) *Handler {
	if p == nil {
		p = nopPresence{}
	}
	if !mode.Valid() {
		mode = domain.AtMostOnce
	}
	return &Handler{broadcaster: b, presence: p, mode: mode, log: log}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	metrics.EventReceived(msg.Type)

	switch msg.Type {
	case domain.EventPing:
		h.handlePing(conn, msg)
	case domain.EventJoin:
		h.handleJoin(conn, msg)
	case domain.EventLeave:
		h.leave(conn)
	case domain.EventCodeChange:
		h.handleCodeChange(conn, msg)
	case domain.EventCursorChange:
		h.handleCursorChange(conn, msg)
	case domain.EventSyncRequest:
		h.handleSyncRequest(conn, msg)
	case domain.EventSyncCode:
		h.handleSyncCode(conn, msg)
	default:
		h.log.Warn("unknown message type", "clientId", conn.ID(), "type", msg.Type)
	}
}

// Disconnect is called once the transport is gone. It is treated exactly
// like an explicit LEAVE.
func (h *Handler) Disconnect(conn domain.Connection) {
	h.leave(conn)
}

func (h *Handler) handlePing(conn domain.Connection, msg domain.Message) {
	var ping domain.PingPayload
	if err := domain.Decode(msg, &ping); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	pong := domain.PingPayload{Timestamp: ping.Timestamp, ClientID: conn.ID()}
	if resp, err := domain.Encode(domain.EventPong, msg.Seq, pong); err == nil {
		conn.Send(resp)
	}
}

func (h *Handler) handleJoin(conn domain.Connection, msg domain.Message) {
	var req domain.JoinPayload
	if err := domain.Decode(msg, &req); err != nil {
		h.reject(conn, msg.Seq, domain.CodeValidation, err)
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.Username = strings.TrimSpace(req.Username)
	if err := domain.Validate(req); err != nil {
		h.reject(conn, msg.Seq, domain.CodeValidation, err)
		return
	}

	p, err := h.broadcaster.Join(conn, req.RoomID, req.Username)
	if errors.Is(err, domain.ErrAlreadyJoined) {
		h.reject(conn, msg.Seq, domain.CodeAlreadyJoined, err)
		return
	}
	if err != nil {
		h.log.Error("join failed", "clientId", conn.ID(), "room", req.RoomID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Add(ctx, p); err != nil {
		h.log.Warn("presence add failed", "clientId", p.Identity, "room", p.RoomID, "error", err)
	}
}

func (h *Handler) leave(conn domain.Connection) {
	p, ok := h.broadcaster.Leave(conn.ID())
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Remove(ctx, p); err != nil {
		h.log.Warn("presence remove failed", "clientId", p.Identity, "room", p.RoomID, "error", err)
	}
}

func (h *Handler) handleCodeChange(conn domain.Connection, msg domain.Message) {
	var change domain.CodeChangePayload
	if err := domain.Decode(msg, &change); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	p, ok := h.member(conn, msg.Type, change.RoomID)
	if !ok {
		return
	}

	change.RoomID = p.RoomID
	change.Origin = p.Identity
	out, err := domain.Encode(domain.EventCodeChange, 0, change)
	if err != nil {
		h.log.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if change.Code != nil {
		h.broadcaster.MarkActive(p.Identity)
	}
	h.fanout(conn, msg, out)
}

func (h *Handler) handleCursorChange(conn domain.Connection, msg domain.Message) {
	var move domain.CursorChangePayload
	if err := domain.Decode(msg, &move); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	if err := domain.Validate(move.Cursor); err != nil {
		h.log.Warn("invalid cursor", "clientId", conn.ID(), "error", err)
		return
	}
	p, ok := h.member(conn, msg.Type, move.RoomID)
	if !ok {
		return
	}

	move.RoomID = p.RoomID
	move.Identity = p.Identity
	out, err := domain.Encode(domain.EventCursorChange, 0, move)
	if err != nil {
		h.log.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	h.fanout(conn, msg, out)
}

// handleSyncRequest forwards a joiner's catch-up request to the peer it targets.
func (h *Handler) handleSyncRequest(conn domain.Connection, msg domain.Message) {
	var req domain.SyncRequestPayload
	if err := domain.Decode(msg, &req); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	if err := domain.Validate(req); err != nil {
		h.log.Warn("invalid sync request", "clientId", conn.ID(), "error", err)
		return
	}
	p, ok := h.member(conn, msg.Type, "")
	if !ok {
		return
	}

	req.RequesterIdentity = p.Identity
	out, err := domain.Encode(domain.EventSyncRequest, 0, req)
	if err != nil {
		h.log.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	h.sendTo(conn, msg, req.TargetIdentity, out)
}

// handleSyncCode delivers a snapshot to its target only, as a CODE_CHANGE.
// It is never fanned out to the rest of the room.
func (h *Handler) handleSyncCode(conn domain.Connection, msg domain.Message) {
	var snap domain.SyncCodePayload
	if err := domain.Decode(msg, &snap); err != nil {
		h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return
	}
	if err := domain.Validate(snap); err != nil {
		h.log.Warn("invalid sync code", "clientId", conn.ID(), "error", err)
		return
	}
	p, ok := h.member(conn, msg.Type, "")
	if !ok {
		return
	}

	out, err := domain.Encode(domain.EventCodeChange, 0, domain.CodeChangePayload{
		RoomID: p.RoomID,
		Code:   snap.Code,
		Origin: p.Identity,
	})
	if err != nil {
		h.log.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	h.sendTo(conn, msg, snap.TargetIdentity, out)
}

// member resolves the sender's participant record. Events from connections
// that are not (or no longer) joined, or that name a room other than the
// joined one, are stale and dropped without reply.
func (h *Handler) member(conn domain.Connection, eventType, roomID string) (domain.Participant, bool) {
	p, ok := h.broadcaster.Participant(conn.ID())
	if !ok || (roomID != "" && roomID != p.RoomID) {
		metrics.StaleEvent(eventType)
		h.log.Debug("stale event ignored", "clientId", conn.ID(), "type", eventType, "room", roomID)
		return domain.Participant{}, false
	}
	return p, true
}

func (h *Handler) fanout(conn domain.Connection, msg domain.Message, out []byte) {
	report, err := h.broadcaster.Broadcast(conn.ID(), out)
	if err != nil {
		metrics.StaleEvent(msg.Type)
		h.log.Debug("stale event ignored", "clientId", conn.ID(), "type", msg.Type, "error", err)
		return
	}
	metrics.ReportDelivery(msg.Type, report.Delivered, report.Dropped)
	h.ack(conn, msg.Seq, report)
}

func (h *Handler) sendTo(conn domain.Connection, msg domain.Message, target string, out []byte) {
	var report domain.DeliveryReport
	err := h.broadcaster.SendTo(conn.ID(), target, out)
	switch {
	case err == nil:
		report.Delivered = 1
	case errors.Is(err, domain.ErrStaleReference):
		metrics.StaleEvent(msg.Type)
		h.log.Debug("stale target ignored", "clientId", conn.ID(), "type", msg.Type, "target", target)
	default:
		report.Dropped = 1
		h.log.Debug("frame dropped", "clientId", conn.ID(), "type", msg.Type, "target", target, "error", err)
	}
	metrics.ReportDelivery(msg.Type, report.Delivered, report.Dropped)
	h.ack(conn, msg.Seq, report)
}

func (h *Handler) ack(conn domain.Connection, seq uint64, report domain.DeliveryReport) {
	if h.mode != domain.RequireAck {
		return
	}
	resp, err := domain.Encode(domain.EventAck, seq, domain.AckPayload{
		Seq:       seq,
		Delivered: report.Delivered,
		Dropped:   report.Dropped,
	})
	if err != nil {
		return
	}
	if err := conn.Send(resp); err != nil {
		h.log.Debug("ack dropped", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) reject(conn domain.Connection, seq uint64, code string, err error) {
	h.log.Warn("request rejected", "clientId", conn.ID(), "code", code, "error", err)
	resp, encErr := domain.Encode(domain.EventError, seq, domain.ErrorPayload{Code: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	conn.Send(resp)
}

type nopPresence struct{}

func (nopPresence) Add(context.Context, domain.Participant) error    { return nil }
func (nopPresence) Remove(context.Context, domain.Participant) error { return nil }
