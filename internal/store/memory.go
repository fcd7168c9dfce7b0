package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamilxt/spring-chat/internal/domain"
)

// Memory is a mutex-guarded in-memory store. Aggregates are deep-copied on
// the way in and out so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]domain.User
	channels map[uuid.UUID]*domain.GroupChannel
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]domain.User),
		channels: make(map[uuid.UUID]*domain.GroupChannel),
	}
}

// PutUser seeds a user. Users are externally managed; this stands in for the
// account service's writes.
func (m *Memory) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.NewUserDoesNotExist("user %s does not exist", id)
	}
	return &u, nil
}

func (m *Memory) FindUserByName(ctx context.Context, name string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.UserName == name {
			u := u
			return &u, nil
		}
	}
	return nil, domain.NewUserDoesNotExist("user %q does not exist", name)
}

func (m *Memory) FindChannelByID(ctx context.Context, id uuid.UUID) (*domain.GroupChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, domain.NewChannelDoesNotExist("channel %s does not exist", id)
	}
	return copyChannel(ch), nil
}

func (m *Memory) Save(ctx context.Context, ch *domain.GroupChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.channels[ch.ID]
	if exists {
		if cur.Version != ch.Version {
			return ErrVersionConflict
		}
	} else if ch.Version != 0 {
		return ErrVersionConflict
	}
	ch.Version++
	m.channels[ch.ID] = copyChannel(ch)
	return nil
}

func (m *Memory) FindChannelsByMember(ctx context.Context, userID uuid.UUID, since time.Time, page domain.PageRequest) (Slice[*domain.GroupChannel], error) {
	m.mu.RLock()
	matched := make([]*domain.GroupChannel, 0)
	for _, ch := range m.channels {
		if _, ok := ch.Members[userID]; !ok {
			continue
		}
		if ch.UpdatedAt.Before(since) {
			continue
		}
		matched = append(matched, copyChannel(ch))
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })

	offset := page.Page * page.Size
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return Slice[*domain.GroupChannel]{
		CurrentPage: page.Page,
		PageSize:    page.Size,
		HasNext:     end < len(matched),
		Items:       matched[offset:end],
	}, nil
}

func copyChannel(ch *domain.GroupChannel) *domain.GroupChannel {
	cp := &domain.GroupChannel{
		ID:        ch.ID,
		Name:      ch.Name,
		Members:   make(map[uuid.UUID]domain.User, len(ch.Members)),
		Invited:   make(map[uuid.UUID]domain.User, len(ch.Invited)),
		Messages:  make([]domain.GroupMessage, len(ch.Messages)),
		CreatedAt: ch.CreatedAt,
		UpdatedAt: ch.UpdatedAt,
		Version:   ch.Version,
	}
	for id, u := range ch.Members {
		cp.Members[id] = u
	}
	for id, u := range ch.Invited {
		cp.Invited[id] = u
	}
	copy(cp.Messages, ch.Messages)
	for i := range cp.Messages {
		if from := cp.Messages[i].From; from != nil {
			u := *from
			cp.Messages[i].From = &u
		}
	}
	if len(cp.Messages) > 0 {
		cp.LastMessage = &cp.Messages[len(cp.Messages)-1]
	}
	return cp
}
