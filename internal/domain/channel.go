package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// GroupChannel is the aggregate the whole subsystem revolves around: a named
// group of members, the users invited into it, and the append-only message
// log produced by every membership transition. All membership rules live on
// this type; it performs no I/O so it can be exercised without any
// collaborators.
//
// Version backs optimistic concurrency: the store rejects a Save whose
// Version no longer matches the persisted row.
type GroupChannel struct {
	ID          uuid.UUID
	Name        string
	Members     map[uuid.UUID]User
	Invited     map[uuid.UUID]User
	Messages    []GroupMessage
	LastMessage *GroupMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

// NewGroupChannel creates a channel with the creator as its only member and
// appends the CREATE message.
func NewGroupChannel(creator User, name string) *GroupChannel {
	now := time.Now()
	ch := &GroupChannel{
		ID:        NewUUID(),
		Name:      name,
		Members:   map[uuid.UUID]User{creator.ID: creator},
		Invited:   map[uuid.UUID]User{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	ch.appendMessage(&creator, KindCreate, fmt.Sprintf("%s created channel %s", creator.UserName, name))
	return ch
}

// Invite adds invitee to the invited set. The inviter must be a member, the
// invitee must be neither a member nor already invited, and self-invites are
// rejected.
func (ch *GroupChannel) Invite(inviter, invitee User) error {
	if !ch.IsMember(inviter.ID) {
		return NewInvalidOperation("inviter is not in members of the channel")
	}
	if inviter.ID == invitee.ID {
		return NewInvalidOperation("cannot invite yourself")
	}
	if ch.IsMember(invitee.ID) {
		return NewInvalidOperation("invitee is already in members of the channel")
	}
	if _, ok := ch.Invited[invitee.ID]; ok {
		return NewInvalidOperation("invitee has already been invited")
	}
	ch.Invited[invitee.ID] = invitee
	ch.appendMessage(&inviter, KindInvite, fmt.Sprintf("%s invited %s to the channel", inviter.UserName, invitee.UserName))
	return nil
}

// AcceptInvitation moves invitee from the invited set into members.
func (ch *GroupChannel) AcceptInvitation(invitee User) error {
	if _, ok := ch.Invited[invitee.ID]; !ok {
		return NewInvalidOperation("user has not been invited to the channel")
	}
	delete(ch.Invited, invitee.ID)
	ch.Members[invitee.ID] = invitee
	ch.appendMessage(&invitee, KindJoin, fmt.Sprintf("%s joined the channel", invitee.UserName))
	return nil
}

// KickOff removes target from members. Both actor and target must be
// members; kicking yourself is rejected (use Leave).
func (ch *GroupChannel) KickOff(actor, target User) error {
	if !ch.IsMember(actor.ID) {
		return NewInvalidOperation("actor is not in members of the channel")
	}
	if !ch.IsMember(target.ID) {
		return NewInvalidOperation("target is not in members of the channel")
	}
	if actor.ID == target.ID {
		return NewInvalidOperation("cannot kick yourself, use leave instead")
	}
	delete(ch.Members, target.ID)
	ch.appendMessage(&actor, KindKick, fmt.Sprintf("%s was removed from the channel by %s", target.UserName, actor.UserName))
	return nil
}

// Leave removes user from members. A channel whose last member leaves stays
// persisted but empty; membership queries no longer return it.
func (ch *GroupChannel) Leave(user User) error {
	if !ch.IsMember(user.ID) {
		return NewInvalidOperation("user is not in members of the channel")
	}
	delete(ch.Members, user.ID)
	ch.appendMessage(&user, KindLeave, fmt.Sprintf("%s left the channel", user.UserName))
	return nil
}

func (ch *GroupChannel) IsMember(id uuid.UUID) bool {
	_, ok := ch.Members[id]
	return ok
}

// MemberIDs returns the current member ids in a stable order.
func (ch *GroupChannel) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ch.Members))
	for id := range ch.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (ch *GroupChannel) appendMessage(from *User, kind MessageKind, content string) {
	now := time.Now()
	ch.Messages = append(ch.Messages, GroupMessage{
		ID:        NewUUID(),
		ChannelID: ch.ID,
		From:      from,
		Kind:      kind,
		Content:   content,
		CreatedAt: now,
	})
	ch.LastMessage = &ch.Messages[len(ch.Messages)-1]
	ch.UpdatedAt = now
}

// GroupChannelProfile is the wire form of a channel returned to callers.
type GroupChannelProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []UserRef `json:"members"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
}

func NewGroupChannelProfile(ch *GroupChannel) *GroupChannelProfile {
	members := make([]UserRef, 0, len(ch.Members))
	for _, id := range ch.MemberIDs() {
		u := ch.Members[id]
		members = append(members, *NewUserRef(&u))
	}
	return &GroupChannelProfile{
		ID:        ch.ID.String(),
		Name:      ch.Name,
		Members:   members,
		CreatedAt: ch.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: ch.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
