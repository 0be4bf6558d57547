package domain

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

const (
	EventJoin         = "JOIN"
	EventJoined       = "JOINED"
	EventLeave        = "LEAVE"
	EventDisconnected = "DISCONNECTED"
	EventSyncRequest  = "SYNC_REQUEST"
	EventSyncCode     = "SYNC_CODE"
	EventCodeChange   = "CODE_CHANGE"
	EventCursorChange = "CURSOR_CHANGE"
	EventAck          = "ACK"
	EventError        = "ERROR"
	EventPing         = "ping"
	EventPong         = "pong"
)

// Message is the envelope of every frame on the wire.
type Message struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

type Member struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
}

type JoinedPayload struct {
	Members        []Member `json:"members"`
	Username       string   `json:"username"`
	Identity       string   `json:"identity"`
	SnapshotSource string   `json:"snapshotSource,omitempty"`
}

type DisconnectedPayload struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
}

type SyncRequestPayload struct {
	TargetIdentity    string `json:"targetIdentity" validate:"required"`
	RequesterIdentity string `json:"requesterIdentity,omitempty"`
}

// SyncCodePayload answers a SYNC_REQUEST. Code is nil when the sender has
// nothing to offer yet.
type SyncCodePayload struct {
	Code           *string `json:"code"`
	TargetIdentity string  `json:"targetIdentity" validate:"required"`
}

type CodeChangePayload struct {
	RoomID string  `json:"roomId"`
	Code   *string `json:"code"`
	Origin string  `json:"origin,omitempty"`
}

type Cursor struct {
	Line   int `json:"line" validate:"gte=0"`
	Column int `json:"column" validate:"gte=0"`
}

type CursorChangePayload struct {
	RoomID   string `json:"roomId"`
	Identity string `json:"identity,omitempty"`
	Cursor   Cursor `json:"cursor"`
}

type AckPayload struct {
	Seq       uint64 `json:"seq"`
	Delivered int    `json:"delivered"`
	Dropped   int    `json:"dropped"`
}

type PingPayload struct {
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps payload into a Message and marshals it.
func Encode(eventType string, seq uint64, payload any) ([]byte, error) {
	msg := Message{Type: eventType, Seq: seq}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

// Decode unmarshals the payload of msg into v. An absent payload leaves v untouched.
func Decode(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return nil
}

// ToMembers projects participants onto their wire form.
func ToMembers(participants []Participant) []Member {
	return lo.Map(participants, func(p Participant, _ int) Member {
		return Member{Identity: p.Identity, Username: p.Username}
	})
}
