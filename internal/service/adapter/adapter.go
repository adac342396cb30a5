// Package adapter defines the contract shared by the per-peer protocol
// adapters that translate wire frames to and from message.Message.
package adapter

import (
	"context"
	"errors"

	"github.com/zhouzirui/callbridge/internal/model/message"
)

var (
	// ErrMalformed is returned for frames that cannot be decoded.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnsupported is returned for well-formed frames the bridge ignores.
	ErrUnsupported = errors.New("unsupported frame")
)

// Adapter translates one peer's vocabulary.
type Adapter interface {
	// ToStandard decodes a native frame received on sessionID.
	ToStandard(raw []byte, sessionID string) (*message.Message, error)
	// FromStandard encodes msg for the peer. ok is false when msg has no
	// representation in the peer's vocabulary and must be dropped.
	FromStandard(msg *message.Message) (payload []byte, ok bool)
	// Handle applies msg's side effects and routes it. It reports whether
	// the message was consumed or delivered.
	Handle(ctx context.Context, msg *message.Message) bool
	// OnIncoming is ToStandard followed by Handle.
	OnIncoming(ctx context.Context, raw []byte, sessionID string) bool
}
