package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageKind string

const (
	KindText   MessageKind = "TEXT"
	KindInvite MessageKind = "INVITE"
	KindJoin   MessageKind = "JOIN"
	KindKick   MessageKind = "KICK"
	KindLeave  MessageKind = "LEAVE"
	KindCreate MessageKind = "CREATE"
)

// GroupMessage is one entry in a channel's append-only log. Messages are
// immutable after creation.
type GroupMessage struct {
	ID        uuid.UUID
	ChannelID uuid.UUID
	From      *User // nil for system events without an acting user
	Kind      MessageKind
	Content   string
	CreatedAt time.Time
}

// GroupMessageDto is the wire form published to the bus and delivered to
// subscribers. CreatedAt is RFC 3339 with UTC offset.
type GroupMessageDto struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channelId"`
	From      *UserRef    `json:"from"`
	Kind      MessageKind `json:"kind"`
	Payload   string      `json:"payload"`
	CreatedAt string      `json:"createdAt"`
}

func NewGroupMessageDto(m *GroupMessage) *GroupMessageDto {
	return &GroupMessageDto{
		ID:        m.ID.String(),
		ChannelID: m.ChannelID.String(),
		From:      NewUserRef(m.From),
		Kind:      m.Kind,
		Payload:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
