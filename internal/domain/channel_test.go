package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUser(name string) User {
	return User{ID: NewUUID(), UserName: name}
}

func assertDisjoint(t *testing.T, ch *GroupChannel) {
	t.Helper()
	for id := range ch.Members {
		_, invited := ch.Invited[id]
		assert.False(t, invited, "user %s is in both members and invited", id)
	}
}

func TestNewGroupChannel(t *testing.T) {
	creator := newTestUser("alice")
	ch := NewGroupChannel(creator, "Room A")

	require.Len(t, ch.Members, 1)
	assert.True(t, ch.IsMember(creator.ID))
	assert.Empty(t, ch.Invited)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, KindCreate, ch.Messages[0].Kind)
	require.NotNil(t, ch.LastMessage)
	assert.Equal(t, ch.Messages[0].ID, ch.LastMessage.ID)
	assert.Equal(t, ch.ID, ch.LastMessage.ChannelID)
}

func TestInvite(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")

	t.Run("success", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Invite(alice, bob))
		assert.Contains(t, ch.Invited, bob.ID)
		assert.False(t, ch.IsMember(bob.ID))
		assert.Equal(t, KindInvite, ch.LastMessage.Kind)
		assertDisjoint(t, ch)
	})

	t.Run("inviter not a member", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.Invite(bob, newTestUser("carol"))
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("self invite", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.Invite(alice, alice)
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("invitee already a member", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Invite(alice, bob))
		require.NoError(t, ch.AcceptInvitation(bob))
		err := ch.Invite(alice, bob)
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("invitee already invited", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Invite(alice, bob))
		err := ch.Invite(alice, bob)
		assert.IsType(t, &InvalidOperation{}, err)
	})
}

func TestAcceptInvitation(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")

	t.Run("success", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Invite(alice, bob))
		require.NoError(t, ch.AcceptInvitation(bob))
		assert.True(t, ch.IsMember(bob.ID))
		assert.NotContains(t, ch.Invited, bob.ID)
		assert.Equal(t, KindJoin, ch.LastMessage.Kind)
		assertDisjoint(t, ch)
	})

	t.Run("not invited", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.AcceptInvitation(bob)
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("member cannot accept again", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.AcceptInvitation(alice)
		assert.IsType(t, &InvalidOperation{}, err)
	})
}

func TestKickOff(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")

	joined := func() *GroupChannel {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Invite(alice, bob))
		require.NoError(t, ch.AcceptInvitation(bob))
		return ch
	}

	t.Run("success", func(t *testing.T) {
		ch := joined()
		require.NoError(t, ch.KickOff(alice, bob))
		assert.False(t, ch.IsMember(bob.ID))
		assert.Equal(t, KindKick, ch.LastMessage.Kind)
		assertDisjoint(t, ch)
	})

	t.Run("actor not a member", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.KickOff(bob, alice)
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("target not a member", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.KickOff(alice, bob)
		assert.IsType(t, &InvalidOperation{}, err)
	})

	t.Run("cannot kick yourself", func(t *testing.T) {
		ch := joined()
		err := ch.KickOff(alice, alice)
		assert.IsType(t, &InvalidOperation{}, err)
	})
}

func TestLeave(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")

	t.Run("success", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		require.NoError(t, ch.Leave(alice))
		assert.Empty(t, ch.Members)
		assert.Equal(t, KindLeave, ch.LastMessage.Kind)
	})

	t.Run("not a member", func(t *testing.T) {
		ch := NewGroupChannel(alice, "R")
		err := ch.Leave(bob)
		assert.IsType(t, &InvalidOperation{}, err)
	})
}

// Every successful transition appends exactly one message and advances
// UpdatedAt; members and invited stay disjoint throughout.
func TestOneMessagePerTransition(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")
	carol := newTestUser("carol")

	ch := NewGroupChannel(alice, "R")
	count := len(ch.Messages)
	require.Equal(t, 1, count)

	steps := []func() error{
		func() error { return ch.Invite(alice, bob) },
		func() error { return ch.AcceptInvitation(bob) },
		func() error { return ch.Invite(bob, carol) },
		func() error { return ch.AcceptInvitation(carol) },
		func() error { return ch.KickOff(alice, carol) },
		func() error { return ch.Leave(bob) },
	}
	for i, step := range steps {
		before := ch.UpdatedAt
		require.NoError(t, step(), "step %d", i)
		count++
		assert.Len(t, ch.Messages, count, "step %d", i)
		assert.False(t, ch.UpdatedAt.Before(before), "step %d", i)
		assertDisjoint(t, ch)
	}
}

func TestFailedTransitionAppendsNothing(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")

	ch := NewGroupChannel(alice, "R")
	require.Error(t, ch.KickOff(bob, alice))
	require.Error(t, ch.AcceptInvitation(bob))
	require.Error(t, ch.Leave(bob))
	assert.Len(t, ch.Messages, 1)
}

func TestGroupChannelProfile(t *testing.T) {
	alice := newTestUser("alice")
	bob := newTestUser("bob")
	ch := NewGroupChannel(alice, "Room A")
	require.NoError(t, ch.Invite(alice, bob))
	require.NoError(t, ch.AcceptInvitation(bob))

	profile := NewGroupChannelProfile(ch)
	assert.Equal(t, ch.ID.String(), profile.ID)
	assert.Equal(t, "Room A", profile.Name)
	require.Len(t, profile.Members, 2)
	names := []string{profile.Members[0].Name, profile.Members[1].Name}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestGroupMessageDto(t *testing.T) {
	alice := newTestUser("alice")
	ch := NewGroupChannel(alice, "R")

	dto := NewGroupMessageDto(ch.LastMessage)
	assert.Equal(t, ch.LastMessage.ID.String(), dto.ID)
	assert.Equal(t, ch.ID.String(), dto.ChannelID)
	require.NotNil(t, dto.From)
	assert.Equal(t, alice.ID.String(), dto.From.ID)
	assert.Equal(t, KindCreate, dto.Kind)
	assert.NotEmpty(t, dto.CreatedAt)
}
