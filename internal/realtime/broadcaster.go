package realtime

import (
	"encoding/json"

	"github.com/gridbase/metasync/internal/backplane"
	"github.com/gridbase/metasync/internal/meta"
	"go.uber.org/zap"
)

// EventBroadcaster publishes committed change events to their channel:
// through the backplane when available (reaching every server process), else
// directly to local hub members. Delivery is fire-and-forget from the
// mutation path; publish failures are logged, never retried, since a missed
// live event is recoverable through catch-up.
type EventBroadcaster struct {
	hub       *Hub
	backplane backplane.Backplane
	logger    *zap.Logger
}

// NewEventBroadcaster wires the broadcaster to the hub and backplane.
func NewEventBroadcaster(hub *Hub, bp backplane.Backplane, logger *zap.Logger) *EventBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBroadcaster{hub: hub, backplane: bp, logger: logger}
}

// Emit delivers one committed event to its (workspace, base) channel.
func (b *EventBroadcaster) Emit(event meta.ChangeEvent) {
	channel := ChannelName(event.WorkspaceID.String(), event.BaseID.String())
	message := NewPushMessage(event)

	if b.backplane.Available() {
		payload, err := json.Marshal(message)
		if err != nil {
			b.logger.Error("encode push message failed",
				zap.String("channel", channel), zap.Error(err))
			return
		}
		if err := b.backplane.Publish(channel, payload); err != nil {
			b.logger.Warn("backplane publish failed",
				zap.String("channel", channel), zap.Error(err))
		}
		// Local members normally receive the publish through the channel's
		// own backplane subscription. A channel whose subscribe failed has
		// no loop-back, so deliver to its local members directly.
		if !b.hub.HasUpstream(channel) {
			b.hub.Deliver(channel, message)
		}
		return
	}

	b.hub.Deliver(channel, message)
}
