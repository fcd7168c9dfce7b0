// Package service orchestrates group channel operations: input validation,
// aggregate loading, membership transitions, persistence with optimistic
// retry, and post-commit publication to the bus.
package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/domain"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/store"
	"github.com/jamilxt/spring-chat/internal/subject"
)

// Publisher is the subset of the message bus the service needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// GroupChannelService drives the membership state machine over the store and
// publishes each committed transition to every member's subject.
type GroupChannelService struct {
	users    store.UserStore
	channels store.ChannelStore
	bus      Publisher
	metrics  *metrics.Registry
	logger   *zap.Logger
	retry    RetryPolicy
}

func NewGroupChannelService(
	users store.UserStore,
	channels store.ChannelStore,
	bus Publisher,
	m *metrics.Registry,
	logger *zap.Logger,
) *GroupChannelService {
	return &GroupChannelService{
		users:    users,
		channels: channels,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		retry:    DefaultRetryPolicy,
	}
}

// CreateChannel creates a channel owned by fromUserID. The CREATE message is
// appended to the log but, like the rest of the channel's history, only
// becomes visible to others through reads.
func (s *GroupChannelService) CreateChannel(ctx context.Context, fromUserID, name string) (*domain.GroupChannelProfile, error) {
	creatorID, err := domain.ParseUUID(fromUserID)
	if err != nil {
		return nil, err
	}
	name, err = domain.ValidateChannelName(name)
	if err != nil {
		return nil, err
	}

	creator, err := s.users.FindUserByID(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	ch := domain.NewGroupChannel(*creator, name)
	if err := s.channels.Save(ctx, ch); err != nil {
		return nil, err
	}
	return domain.NewGroupChannelProfile(ch), nil
}

// InviteToChannel adds toUserID to the channel's invited set and publishes
// the INVITE message to the current members.
func (s *GroupChannelService) InviteToChannel(ctx context.Context, fromUserID, toUserID, channelID string) (*domain.GroupMessageDto, error) {
	inviterID, err := domain.ParseUUID(fromUserID)
	if err != nil {
		return nil, err
	}
	inviteeID, err := domain.ParseUUID(toUserID)
	if err != nil {
		return nil, err
	}
	chID, err := domain.ParseUUID(channelID)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, chID, func(ch *domain.GroupChannel) error {
		inviter, err := s.users.FindUserByID(ctx, inviterID)
		if err != nil {
			return err
		}
		invitee, err := s.users.FindUserByID(ctx, inviteeID)
		if err != nil {
			return err
		}
		return ch.Invite(*inviter, *invitee)
	})
}

// AcceptInvitation moves ofUserID from invited to members and publishes the
// JOIN message.
func (s *GroupChannelService) AcceptInvitation(ctx context.Context, ofUserID, channelID string) (*domain.GroupMessageDto, error) {
	inviteeID, err := domain.ParseUUID(ofUserID)
	if err != nil {
		return nil, err
	}
	chID, err := domain.ParseUUID(channelID)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, chID, func(ch *domain.GroupChannel) error {
		invitee, err := s.users.FindUserByID(ctx, inviteeID)
		if err != nil {
			return err
		}
		return ch.AcceptInvitation(*invitee)
	})
}

// RemoveFromChannel kicks targetUserID out of the channel and publishes the
// KICK message.
func (s *GroupChannelService) RemoveFromChannel(ctx context.Context, fromUserID, targetUserID, channelID string) (*domain.GroupMessageDto, error) {
	actorID, err := domain.ParseUUID(fromUserID)
	if err != nil {
		return nil, err
	}
	targetID, err := domain.ParseUUID(targetUserID)
	if err != nil {
		return nil, err
	}
	chID, err := domain.ParseUUID(channelID)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, chID, func(ch *domain.GroupChannel) error {
		actor, err := s.users.FindUserByID(ctx, actorID)
		if err != nil {
			return err
		}
		target, err := s.users.FindUserByID(ctx, targetID)
		if err != nil {
			return err
		}
		return ch.KickOff(*actor, *target)
	})
}

// LeaveChannel removes ofUserID from members and publishes the LEAVE message.
func (s *GroupChannelService) LeaveChannel(ctx context.Context, ofUserID, channelID string) (*domain.GroupMessageDto, error) {
	userID, err := domain.ParseUUID(ofUserID)
	if err != nil {
		return nil, err
	}
	chID, err := domain.ParseUUID(channelID)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, chID, func(ch *domain.GroupChannel) error {
		user, err := s.users.FindUserByID(ctx, userID)
		if err != nil {
			return err
		}
		return ch.Leave(*user)
	})
}

// transition runs one membership operation under the optimistic retry
// policy: load, mutate, save. Publication happens after the save committed,
// addressed to the subject of each member the channel has at that point.
func (s *GroupChannelService) transition(ctx context.Context, chID uuid.UUID, op func(ch *domain.GroupChannel) error) (*domain.GroupMessageDto, error) {
	var (
		dto        *domain.GroupMessageDto
		recipients []uuid.UUID
	)
	err := withRetry(ctx, s.retry, s.metrics.Messages.ConflictRetries.Inc, func(ctx context.Context) error {
		ch, err := s.channels.FindChannelByID(ctx, chID)
		if err != nil {
			return err
		}
		if err := op(ch); err != nil {
			return err
		}
		if err := s.channels.Save(ctx, ch); err != nil {
			return err
		}
		dto = domain.NewGroupMessageDto(ch.LastMessage)
		recipients = ch.MemberIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(recipients, dto)
	return dto, nil
}

// publish serializes the message once and publishes a copy to each
// recipient's subject. The transaction has already committed, so publish
// failures are logged and counted but never surfaced: the message stays
// visible through reads even when live delivery is lost.
func (s *GroupChannelService) publish(recipients []uuid.UUID, dto *domain.GroupMessageDto) {
	data, err := json.Marshal(dto)
	if err != nil {
		s.logger.Error("marshal group message", zap.String("message", dto.ID), zap.Error(err))
		return
	}
	for _, id := range recipients {
		if err := s.bus.Publish(subject.GroupChannel(id), data); err != nil {
			s.logger.Error("publish group message",
				zap.String("message", dto.ID),
				zap.String("user", id.String()),
				zap.Error(err))
			continue
		}
		s.metrics.Messages.Published.Inc()
	}
}

// GetAllChannels returns a page of the user's channels with updatedAt >=
// since, newest first.
func (s *GroupChannelService) GetAllChannels(ctx context.Context, ofUserID string, since time.Time, page domain.PageRequest) (store.Slice[*domain.GroupChannelProfile], error) {
	var out store.Slice[*domain.GroupChannelProfile]
	page, err := domain.ValidatePageRequest(page)
	if err != nil {
		return out, err
	}
	userID, err := domain.ParseUUID(ofUserID)
	if err != nil {
		return out, err
	}
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return out, err
	}

	slice, err := s.channels.FindChannelsByMember(ctx, user.ID, since, page)
	if err != nil {
		return out, err
	}

	profiles := make([]*domain.GroupChannelProfile, 0, len(slice.Items))
	for _, ch := range slice.Items {
		profiles = append(profiles, domain.NewGroupChannelProfile(ch))
	}
	return store.Slice[*domain.GroupChannelProfile]{
		CurrentPage: slice.CurrentPage,
		PageSize:    slice.PageSize,
		HasNext:     slice.HasNext,
		Items:       profiles,
	}, nil
}

// GetChannelProfile returns the channel profile, but only to members.
func (s *GroupChannelService) GetChannelProfile(ctx context.Context, ofUserID, channelID string) (*domain.GroupChannelProfile, error) {
	userID, err := domain.ParseUUID(ofUserID)
	if err != nil {
		return nil, err
	}
	chID, err := domain.ParseUUID(channelID)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	ch, err := s.channels.FindChannelByID(ctx, chID)
	if err != nil {
		return nil, err
	}
	if !ch.IsMember(user.ID) {
		return nil, domain.NewInvalidOperation("user is not in members of the channel")
	}
	return domain.NewGroupChannelProfile(ch), nil
}

// GetUserByName resolves a username to its public profile, so clients can
// find the user they want to invite.
func (s *GroupChannelService) GetUserByName(ctx context.Context, name string) (*domain.UserRef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidationError("username cannot be empty")
	}
	user, err := s.users.FindUserByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return domain.NewUserRef(user), nil
}

// CheckUserExists verifies the id refers to a known user; the subscribe
// endpoints call this before registering a handle.
func (s *GroupChannelService) CheckUserExists(ctx context.Context, userID string) (uuid.UUID, error) {
	id, err := domain.ParseUUID(userID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.users.FindUserByID(ctx, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
