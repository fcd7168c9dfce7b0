package domain

import (
	"strings"

	"github.com/google/uuid"
)

// MaxChannelNameLen bounds the trimmed channel name.
const MaxChannelNameLen = 128

// ParseUUID validates a string identifier before any I/O happens.
func ParseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, NewValidationError("invalid uuid %q", s)
	}
	return id, nil
}

// ValidateChannelName trims and bounds the channel name.
func ValidateChannelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", NewValidationError("channel name cannot be empty")
	}
	if len(name) > MaxChannelNameLen {
		return "", NewValidationError("channel name cannot exceed %d characters", MaxChannelNameLen)
	}
	return name, nil
}

// PageRequest selects one page of a sliced query.
type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

func ValidatePageRequest(p PageRequest) (PageRequest, error) {
	if p.Page < 0 {
		return PageRequest{}, NewValidationError("page must be >= 0")
	}
	if p.Size < 1 {
		return PageRequest{}, NewValidationError("size must be >= 1")
	}
	return p, nil
}
