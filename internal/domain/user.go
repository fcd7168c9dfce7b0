package domain

import "github.com/google/uuid"

// User is managed by the external account service; channels reference users
// by id only.
type User struct {
	ID       uuid.UUID
	UserName string
}

// UserRef is the public shape of a user on the wire.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewUserRef(u *User) *UserRef {
	if u == nil {
		return nil
	}
	return &UserRef{ID: u.ID.String(), Name: u.UserName}
}

// NewUUID returns a time-ordered (v7) uuid so that natural ordering by id
// approximates creation time.
func NewUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
