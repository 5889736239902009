package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/gridbase/metasync/internal/meta"
)

const (
	// ActionSubscribe asks the server to add the connection to a channel.
	ActionSubscribe = "subscribe"
	// ActionUnsubscribe asks the server to remove the connection from a channel.
	ActionUnsubscribe = "unsubscribe"

	// StatusSubscribed acknowledges a successful subscribe.
	StatusSubscribed = "subscribed"
	// StatusUnsubscribed acknowledges a successful unsubscribe.
	StatusUnsubscribed = "unsubscribed"
	// StatusError reports a rejected request.
	StatusError = "error"

	ackFrameType = "ack"
)

// Request is the client-to-server frame on the persistent connection.
type Request struct {
	Action      string `json:"action"`
	WorkspaceID string `json:"workspace_id"`
	BaseID      string `json:"base_id"`
}

// Ack is the server's response frame for a Request.
type Ack struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PushData carries one change event to subscribed connections.
type PushData struct {
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	EventID     int64           `json:"eventId"`
	WorkspaceID string          `json:"workspace_id"`
	BaseID      string          `json:"base_id"`
}

// PushMessage is the server-to-client event frame, named by event type.
type PushMessage struct {
	Type string   `json:"type"`
	Data PushData `json:"data"`
}

// NewPushMessage converts a committed change event to its wire frame.
func NewPushMessage(event meta.ChangeEvent) PushMessage {
	return PushMessage{
		Type: string(event.Type),
		Data: PushData{
			Target:      event.Target.String(),
			Payload:     event.Payload,
			EventID:     event.EventID,
			WorkspaceID: event.WorkspaceID.String(),
			BaseID:      event.BaseID.String(),
		},
	}
}

// ChangeEvent converts a received push frame back into a change event.
func (m PushMessage) ChangeEvent() (meta.ChangeEvent, error) {
	eventType, err := meta.ParseEventType(m.Type)
	if err != nil {
		return meta.ChangeEvent{}, err
	}
	target, err := meta.ParseTable(m.Data.Target)
	if err != nil {
		return meta.ChangeEvent{}, err
	}
	workspaceID, err := meta.NewWorkspaceID(m.Data.WorkspaceID)
	if err != nil {
		return meta.ChangeEvent{}, err
	}
	baseID, err := meta.NewBaseID(m.Data.BaseID)
	if err != nil {
		return meta.ChangeEvent{}, err
	}
	return meta.ChangeEvent{
		Type:        eventType,
		Target:      target,
		Payload:     m.Data.Payload,
		EventID:     m.Data.EventID,
		WorkspaceID: workspaceID,
		BaseID:      baseID,
	}, nil
}

// ChannelName derives the logical channel key for a (workspace, base) pair.
func ChannelName(workspaceID, baseID string) string {
	return fmt.Sprintf("META:%s:%s", workspaceID, baseID)
}
