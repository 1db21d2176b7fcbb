package channelkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const separator = ":"

var (
	// ErrInvalidKey indicates that a rendered channel key could not be parsed.
	ErrInvalidKey = errors.New("channelkey: invalid key")
	// ErrPrefixMismatch indicates that a buffer key does not carry the expected prefix.
	ErrPrefixMismatch = errors.New("channelkey: prefix mismatch")
)

// Key identifies one server/channel pair. It names a buffer queue and a voice roster alike.
type Key struct {
	ServerID  int64
	ChannelID int64
}

// New returns the key for the provided server and channel identifiers.
func New(serverID, channelID int64) Key {
	return Key{ServerID: serverID, ChannelID: channelID}
}

// String renders the key as "<serverId>:<channelId>".
func (k Key) String() string {
	return strconv.FormatInt(k.ServerID, 10) + separator + strconv.FormatInt(k.ChannelID, 10)
}

// BufferKey renders the key under the provided store namespace prefix.
func (k Key) BufferKey(prefix string) string {
	return prefix + k.String()
}

// Parse reverses String.
func Parse(rawInput string) (Key, error) {
	serverPart, channelPart, found := strings.Cut(strings.TrimSpace(rawInput), separator)
	if !found {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, rawInput)
	}
	serverID, err := strconv.ParseInt(serverPart, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: server id %q", ErrInvalidKey, serverPart)
	}
	channelID, err := strconv.ParseInt(channelPart, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: channel id %q", ErrInvalidKey, channelPart)
	}
	return Key{ServerID: serverID, ChannelID: channelID}, nil
}

// ParseBufferKey strips prefix from a store key and parses the remainder.
func ParseBufferKey(prefix, bufferKey string) (Key, error) {
	if !strings.HasPrefix(bufferKey, prefix) {
		return Key{}, fmt.Errorf("%w: %q", ErrPrefixMismatch, bufferKey)
	}
	return Parse(strings.TrimPrefix(bufferKey, prefix))
}
