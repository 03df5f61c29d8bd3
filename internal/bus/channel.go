package bus

import (
	"strings"

	apperrors "github.com/uib-gmbh/confd/internal/errors"
)

// ExpandShorthand resolves the "$"/"@" channel shorthand a producer may use
// in place of spelling out its own session or user channel: "$" means "my
// session channel", "@" means "my user channel".
func ExpandShorthand(raw, sessionChannel, userChannel string) string {
	switch raw {
	case "$":
		return sessionChannel
	case "@":
		return userChannel
	default:
		return raw
	}
}

// Principal is the identity a channel access check is evaluated against.
type Principal struct {
	SessionChannel string
	UserChannel    string
	IsAdmin        bool
}

func isServiceChannel(channel string) bool {
	switch {
	case channel == "service:messagebus":
		return true
	case channel == "service:config:jsonrpc":
		return true
	case channel == "service:config:terminal":
		return true
	case strings.HasPrefix(channel, "service:depot:") &&
		(strings.HasSuffix(channel, ":jsonrpc") || strings.HasSuffix(channel, ":terminal")):
		return true
	}
	return false
}

// CheckAccess enforces the channel access rules of §4.G.3. forWrite
// distinguishes a subscribe-to-read request from a send_message write.
func CheckAccess(p Principal, channel string, forWrite bool) error {
	switch {
	case channel == p.SessionChannel:
		return nil

	case channel == p.UserChannel:
		if forWrite {
			return nil
		}
		return nil

	case isServiceChannel(channel):
		if forWrite {
			return nil
		}
		if p.IsAdmin {
			return nil
		}
		return apperrors.ErrForbidden

	case strings.HasPrefix(channel, "event:"):
		if forWrite {
			// only the service itself publishes event:* messages; no
			// session-originated write is ever allowed here.
			return apperrors.ErrForbidden
		}
		if p.IsAdmin {
			return nil
		}
		return apperrors.ErrForbidden

	default:
		return apperrors.ErrForbidden
	}
}

// StreamKey derives the Redis stream key backing a bus channel.
func StreamKey(channel string) string {
	return "confd:bus:" + channel
}

// MetaKey derives the channel-metadata hash key used to track a channel's
// TTL.
func MetaKey(channel string) string {
	return "confd:bus:meta:" + channel
}
