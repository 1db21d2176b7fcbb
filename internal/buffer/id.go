package buffer

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const messageIDSuffixLength = 9

// IDProvider issues identifiers for buffered messages and dead-lettered batches.
type IDProvider interface {
	NewMessageID(now time.Time) (string, error)
	NewBatchID() (string, error)
}

type randomIDProvider struct{}

// NewRandomIDProvider returns an IDProvider producing msg_<epoch-ms>_<base36> message
// identifiers and UUIDv7 batch identifiers.
func NewRandomIDProvider() IDProvider {
	return &randomIDProvider{}
}

func (p *randomIDProvider) NewMessageID(now time.Time) (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(value[:8]), 36)
	if len(suffix) < messageIDSuffixLength {
		suffix = strings.Repeat("0", messageIDSuffixLength-len(suffix)) + suffix
	}
	return "msg_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix[:messageIDSuffixLength], nil
}

func (p *randomIDProvider) NewBatchID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
