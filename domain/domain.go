//go:generate go run go.uber.org/mock/mockgen -source=domain.go -destination=../mocks/mock_domain.go -package=mocks
package domain

import "context"

// Participant is one connected editing session inside a room.
type Participant struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
	RoomID   string `json:"-"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// DeliveryReport counts the outcome of one fan-out.
type DeliveryReport struct {
	Delivered int
	Dropped   int
}

type Broadcaster interface {
	Join(conn Connection, roomID, username string) (Participant, error)
	Leave(identity string) (Participant, bool)
	Broadcast(origin string, data []byte) (DeliveryReport, error)
	SendTo(origin, target string, data []byte) error
	MarkActive(identity string)
	Participant(identity string) (Participant, bool)
	Members(roomID string) []Participant
	Stats() (rooms, clients int)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}

// Presence mirrors room rosters outside the relay process.
type Presence interface {
	Add(ctx context.Context, p Participant) error
	Remove(ctx context.Context, p Participant) error
}

// DeliveryMode selects how fan-out treats slow or unreachable peers.
type DeliveryMode string

const (
	// AtMostOnce drops a frame for any peer whose queue is full.
	AtMostOnce DeliveryMode = "at-most-once"
	// RequireAck waits up to the delivery timeout per peer and reports
	// delivered/dropped counts back to the origin in an ACK.
	RequireAck DeliveryMode = "ack"
)

func (m DeliveryMode) Valid() bool {
	return m == AtMostOnce || m == RequireAck
}
