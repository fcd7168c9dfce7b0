// Package store persists channel aggregates and resolves users. Two
// implementations exist: Postgres for production and an in-memory store for
// tests and single-node development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jamilxt/spring-chat/internal/domain"
)

// ErrVersionConflict is returned by Save when the aggregate's version has
// advanced since it was loaded. The service retries these.
var ErrVersionConflict = errors.New("channel version conflict")

// Slice is one page of results without a total count.
type Slice[T any] struct {
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	HasNext     bool `json:"hasNext"`
	Items       []T  `json:"items"`
}

// UserStore resolves users written by the external account service.
type UserStore interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	FindUserByName(ctx context.Context, name string) (*domain.User, error)
}

// ChannelStore is the durable repository of channels, members and messages.
type ChannelStore interface {
	FindChannelByID(ctx context.Context, id uuid.UUID) (*domain.GroupChannel, error)

	// Save persists the aggregate, its membership sets and any appended
	// messages atomically. A stale Version yields ErrVersionConflict and
	// nothing is written.
	Save(ctx context.Context, ch *domain.GroupChannel) error

	// FindChannelsByMember returns channels where the user is a member and
	// updatedAt >= since, newest first, paged. Empty channels are excluded.
	FindChannelsByMember(ctx context.Context, userID uuid.UUID, since time.Time, page domain.PageRequest) (Slice[*domain.GroupChannel], error)
}
