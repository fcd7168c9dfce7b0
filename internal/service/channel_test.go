package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/domain"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/store"
	"github.com/jamilxt/spring-chat/internal/subject"
)

// fakeBus records every publish.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(subj string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.published[subj] = append(b.published[subj], cp)
	return nil
}

func (b *fakeBus) messagesOn(subj string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[subj]
}

// conflictingStore wraps a ChannelStore and fails the first n Save calls
// with a version conflict, as if a concurrent writer had won the race.
type conflictingStore struct {
	store.ChannelStore
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (c *conflictingStore) Save(ctx context.Context, ch *domain.GroupChannel) error {
	c.mu.Lock()
	c.saves++
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return store.ErrVersionConflict
	}
	return c.ChannelStore.Save(ctx, ch)
}

type fixture struct {
	svc   *GroupChannelService
	mem   *store.Memory
	bus   *fakeBus
	alice domain.User
	bob   domain.User
	carol domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	bus := newFakeBus()
	m := metrics.NewRegistry(prometheus.NewRegistry())
	svc := NewGroupChannelService(mem, mem, bus, m, zap.NewNop())
	svc.retry.Backoff = time.Millisecond // keep conflict tests fast

	f := &fixture{svc: svc, mem: mem, bus: bus}
	f.alice = domain.User{ID: domain.NewUUID(), UserName: "alice"}
	f.bob = domain.User{ID: domain.NewUUID(), UserName: "bob"}
	f.carol = domain.User{ID: domain.NewUUID(), UserName: "carol"}
	mem.PutUser(f.alice)
	mem.PutUser(f.bob)
	mem.PutUser(f.carol)
	return f
}

func TestCreateChannelThenList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "Room A")
	require.NoError(t, err)
	assert.Equal(t, "Room A", profile.Name)
	require.Len(t, profile.Members, 1)
	assert.Equal(t, f.alice.ID.String(), profile.Members[0].ID)

	slice, err := f.svc.GetAllChannels(ctx, f.alice.ID.String(), time.Time{}, domain.PageRequest{Page: 0, Size: 10})
	require.NoError(t, err)
	require.Len(t, slice.Items, 1)
	assert.Equal(t, "Room A", slice.Items[0].Name)
	assert.False(t, slice.HasNext)
}

func TestCreateChannelValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateChannel(ctx, "garbage", "Room")
	assert.IsType(t, &domain.ValidationError{}, err)

	_, err = f.svc.CreateChannel(ctx, f.alice.ID.String(), "   ")
	assert.IsType(t, &domain.ValidationError{}, err)

	_, err = f.svc.CreateChannel(ctx, domain.NewUUID().String(), "Room")
	assert.IsType(t, &domain.UserDoesNotExist{}, err)
}

func TestInviteThenAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	invite, err := f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.bob.ID.String(), profile.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindInvite, invite.Kind)
	require.NotNil(t, invite.From)
	assert.Equal(t, f.alice.ID.String(), invite.From.ID)

	join, err := f.svc.AcceptInvitation(ctx, f.bob.ID.String(), profile.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindJoin, join.Kind)

	got, err := f.svc.GetChannelProfile(ctx, f.bob.ID.String(), profile.ID)
	require.NoError(t, err)
	memberIDs := []string{got.Members[0].ID, got.Members[1].ID}
	assert.ElementsMatch(t, []string{f.alice.ID.String(), f.bob.ID.String()}, memberIDs)
}

func TestKickForbiddenPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	// Actor outside the channel.
	_, err = f.svc.RemoveFromChannel(ctx, f.bob.ID.String(), f.alice.ID.String(), profile.ID)
	assert.IsType(t, &domain.InvalidOperation{}, err)

	// Kicking yourself.
	_, err = f.svc.RemoveFromChannel(ctx, f.alice.ID.String(), f.alice.ID.String(), profile.ID)
	assert.IsType(t, &domain.InvalidOperation{}, err)
}

func TestLeaveLastMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	left, err := f.svc.LeaveChannel(ctx, f.alice.ID.String(), profile.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindLeave, left.Kind)

	slice, err := f.svc.GetAllChannels(ctx, f.alice.ID.String(), time.Time{}, domain.PageRequest{Page: 0, Size: 10})
	require.NoError(t, err)
	assert.Empty(t, slice.Items)
}

func TestGetChannelProfileRequiresMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	_, err = f.svc.GetChannelProfile(ctx, f.bob.ID.String(), profile.ID)
	assert.IsType(t, &domain.InvalidOperation{}, err)
}

func TestGetAllChannelsValidatesPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetAllChannels(ctx, f.alice.ID.String(), time.Time{}, domain.PageRequest{Page: -1, Size: 10})
	assert.IsType(t, &domain.ValidationError{}, err)

	_, err = f.svc.GetAllChannels(ctx, f.alice.ID.String(), time.Time{}, domain.PageRequest{Page: 0, Size: 0})
	assert.IsType(t, &domain.ValidationError{}, err)
}

// A single injected conflict must not be visible to the caller: the
// operation succeeds once and appends exactly one message.
func TestRetryOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	conflicting := &conflictingStore{ChannelStore: f.mem, conflicts: 1}
	f.svc.channels = conflicting

	dto, err := f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.bob.ID.String(), profile.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindInvite, dto.Kind)
	assert.Equal(t, 2, conflicting.saves)

	chID, err := domain.ParseUUID(profile.ID)
	require.NoError(t, err)
	ch, err := f.mem.FindChannelByID(ctx, chID)
	require.NoError(t, err)
	assert.Len(t, ch.Messages, 2) // CREATE + INVITE, the conflict added nothing
}

func TestConflictSurfacesWhenAttemptsExhaust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	f.svc.channels = &conflictingStore{ChannelStore: f.mem, conflicts: 100}

	_, err = f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.bob.ID.String(), profile.ID)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)

	counting := &conflictingStore{ChannelStore: f.mem}
	f.svc.channels = counting

	// Bob is not a member; the InvalidOperation must fail the call on the
	// first attempt without touching Save.
	_, err = f.svc.LeaveChannel(ctx, f.bob.ID.String(), profile.ID)
	assert.IsType(t, &domain.InvalidOperation{}, err)
	assert.Equal(t, 0, counting.saves)
}

// Every member's subject receives exactly one copy of the committed message.
func TestPublishFansOutToAllMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)
	_, err = f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.bob.ID.String(), profile.ID)
	require.NoError(t, err)
	_, err = f.svc.AcceptInvitation(ctx, f.bob.ID.String(), profile.ID)
	require.NoError(t, err)

	invite, err := f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.carol.ID.String(), profile.ID)
	require.NoError(t, err)

	for _, member := range []domain.User{f.alice, f.bob} {
		msgs := f.bus.messagesOn(subject.GroupChannel(member.ID))
		var kinds []domain.MessageKind
		for _, raw := range msgs {
			var dto domain.GroupMessageDto
			require.NoError(t, json.Unmarshal(raw, &dto))
			kinds = append(kinds, dto.Kind)
		}
		assert.Contains(t, kinds, domain.KindInvite, "member %s missed the invite", member.UserName)
	}

	// Carol is invited but not yet a member; the second invite must not be
	// addressed to her subject.
	for _, raw := range f.bus.messagesOn(subject.GroupChannel(f.carol.ID)) {
		var dto domain.GroupMessageDto
		require.NoError(t, json.Unmarshal(raw, &dto))
		assert.NotEqual(t, invite.ID, dto.ID)
	}
}

// The bus payload is the documented wire format.
func TestPublishedPayloadShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	profile, err := f.svc.CreateChannel(ctx, f.alice.ID.String(), "R")
	require.NoError(t, err)
	_, err = f.svc.InviteToChannel(ctx, f.alice.ID.String(), f.bob.ID.String(), profile.ID)
	require.NoError(t, err)

	msgs := f.bus.messagesOn(subject.GroupChannel(f.alice.ID))
	require.Len(t, msgs, 1)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &raw))
	for _, field := range []string{"id", "channelId", "from", "kind", "payload", "createdAt"} {
		assert.Contains(t, raw, field)
	}
	createdAt, ok := raw["createdAt"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, createdAt)
	assert.NoError(t, err)
}

func TestGetUserByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.svc.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID.String(), ref.ID)
	assert.Equal(t, "alice", ref.Name)

	ref, err = f.svc.GetUserByName(ctx, "  bob  ")
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID.String(), ref.ID)

	_, err = f.svc.GetUserByName(ctx, "   ")
	assert.IsType(t, &domain.ValidationError{}, err)

	_, err = f.svc.GetUserByName(ctx, "nobody")
	assert.IsType(t, &domain.UserDoesNotExist{}, err)
}

func TestCheckUserExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CheckUserExists(ctx, f.alice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, id)

	_, err = f.svc.CheckUserExists(ctx, "garbage")
	assert.IsType(t, &domain.ValidationError{}, err)

	_, err = f.svc.CheckUserExists(ctx, domain.NewUUID().String())
	assert.IsType(t, &domain.UserDoesNotExist{}, err)
}
