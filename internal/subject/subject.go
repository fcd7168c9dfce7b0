// Package subject builds and parses the bus routing keys used by the chat
// server. Each channel family owns a distinct literal prefix so the
// namespaces can never collide; produced subjects contain no wildcards.
package subject

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	groupChannelPrefix   = "chat.group.channel."
	privateChannelPrefix = "chat.private.channel."
	systemPrefix         = "chat.system."
)

// GroupChannel returns the per-user subject carrying group channel traffic.
func GroupChannel(userID uuid.UUID) string {
	return groupChannelPrefix + userID.String()
}

// GroupChannelUser is the inverse of GroupChannel.
func GroupChannelUser(subject string) (uuid.UUID, error) {
	if !strings.HasPrefix(subject, groupChannelPrefix) {
		return uuid.Nil, fmt.Errorf("subject %q is not a group channel subject", subject)
	}
	id, err := uuid.Parse(strings.TrimPrefix(subject, groupChannelPrefix))
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject %q carries a malformed user id: %w", subject, err)
	}
	return id, nil
}

// PrivateChannel returns the per-user subject for private channel traffic.
func PrivateChannel(userID uuid.UUID) string {
	return privateChannelPrefix + userID.String()
}

// System returns a subject in the server-internal namespace.
func System(name string) string {
	return systemPrefix + name
}
