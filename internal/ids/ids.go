// Package ids generates the prefixed opaque identifiers used across the
// service: conversation, trace, and message IDs.
package ids

import (
	"crypto/rand"
	"fmt"
)

const (
	alphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	suffixLength = 12
)

// ID prefixes. The suffix carries about 71 bits of entropy, so collisions
// are treated as impossible and no coordination is performed.
const (
	ConversationPrefix = "conv"
	TracePrefix        = "trace"
	MessagePrefix      = "msg"
)

// New returns "prefix_suffix" with a random base62 suffix.
func New(prefix string) string {
	return prefix + "_" + suffix()
}

// NewConversationID mints a conversation identifier.
func NewConversationID() string { return New(ConversationPrefix) }

// NewTraceID mints a per-request trace identifier.
func NewTraceID() string { return New(TracePrefix) }

// NewMessageID mints a message identifier.
func NewMessageID() string { return New(MessagePrefix) }

// suffix draws suffixLength alphabet characters from crypto/rand. Bytes at
// or above the largest multiple of len(alphabet) are rejected so every
// character stays uniformly distributed.
func suffix() string {
	const limit = byte(256 - 256%len(alphabet))
	out := make([]byte, 0, suffixLength)
	buf := make([]byte, suffixLength*2)
	for len(out) < suffixLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("ids: crypto/rand unavailable: %v", err))
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == suffixLength {
				break
			}
		}
	}
	return string(out)
}
