package bridge

import (
	"context"
	"errors"

	"github.com/pulseboard/socket/src/types"
)

// ErrAlreadySubscribed is returned by Subscribe when the user already has a
// live subscription on this instance. Only one subscription per user is
// supported; callers must Unsubscribe first.
var ErrAlreadySubscribed = errors.New("user already subscribed")

// Callback receives events forwarded from a user's channel.
type Callback func(msg types.Message)

// Bridge routes dashboard events between server instances. An HTTP mutation
// handled by any replica publishes to the affected user's channel; the
// replica holding that user's live socket has a subscription and forwards
// the event into its local connection manager.
type Bridge interface {
	// Subscribe opens the user's channel and invokes cb for every event
	// published to it until Unsubscribe.
	Subscribe(userID string, cb Callback) error

	// Unsubscribe tears down the user's subscription. No-op if absent.
	Unsubscribe(userID string) error

	// Publish sends an event to the user's channel. Best-effort: if no
	// instance is subscribed at publish time the event is lost.
	Publish(ctx context.Context, userID string, event types.MessageType, data map[string]any) error

	// Available reports whether the bridge is connected and operational.
	Available() bool

	// Close tears down all subscriptions and the underlying connection.
	Close() error
}
