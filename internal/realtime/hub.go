package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gridbase/metasync/internal/backplane"
	"github.com/gridbase/metasync/internal/meta"
	"go.uber.org/zap"
)

var (
	// ErrUnknownConnection indicates an operation on a connection the hub
	// never registered or already forgot.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	// ErrDuplicateConnection indicates a register with an id already in use.
	ErrDuplicateConnection = errors.New("realtime: duplicate connection id")
)

// Sink is the hub's view of one connection: an id and a non-blocking send.
// Send returns false when the message was dropped; dropped live events are
// recovered by the client through catch-up.
type Sink interface {
	ID() string
	Send(message PushMessage) bool
}

type channelEntry struct {
	name    string
	members map[string]Sink
	cancel  backplane.CancelFunc
}

type connectionEntry struct {
	sink     Sink
	channels map[string]struct{}
}

// Hub is the channel registry and connection manager. A channel exists iff
// its member set is non-empty, and holds at most one upstream backplane
// subscription, opened on first member and released when the last member
// leaves. Membership changes and channel lifecycle transitions are
// linearized under one lock; fan-out runs on a snapshot outside it.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]*channelEntry
	conns     map[string]*connectionEntry
	backplane backplane.Backplane
	logger    *zap.Logger
}

// NewHub constructs a hub with the injected backplane capability.
func NewHub(bp backplane.Backplane, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels:  make(map[string]*channelEntry),
		conns:     make(map[string]*connectionEntry),
		backplane: bp,
		logger:    logger,
	}
}

// Register adds an authenticated connection with an empty subscription set.
func (h *Hub) Register(sink Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[sink.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, sink.ID())
	}
	h.conns[sink.ID()] = &connectionEntry{
		sink:     sink,
		channels: make(map[string]struct{}),
	}
	return nil
}

// Subscribe adds the connection to the (workspace, base) channel and returns
// the channel name. Subscribing twice to the same pair is a no-op on the
// second call. The channel's upstream backplane subscription is opened
// lazily, at most once.
func (h *Hub) Subscribe(connID, workspaceRaw, baseRaw string) (string, error) {
	workspaceID, err := meta.NewWorkspaceID(workspaceRaw)
	if err != nil {
		return "", err
	}
	baseID, err := meta.NewBaseID(baseRaw)
	if err != nil {
		return "", err
	}
	channel := ChannelName(workspaceID.String(), baseID.String())

	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if _, already := conn.channels[channel]; already {
		return channel, nil
	}

	entry := h.channels[channel]
	if entry == nil {
		entry = &channelEntry{
			name:    channel,
			members: make(map[string]Sink),
		}
		h.channels[channel] = entry
	}
	entry.members[connID] = conn.sink
	conn.channels[channel] = struct{}{}

	if entry.cancel == nil && h.backplane.Available() {
		cancel, err := h.backplane.Subscribe(channel, h.upstreamHandler(channel))
		if err != nil {
			h.logger.Warn("backplane subscribe failed, local members served by broadcaster fallback until resubscribe",
				zap.String("channel", channel), zap.Error(err))
		} else {
			entry.cancel = cancel
		}
	}

	h.logger.Debug("connection subscribed",
		zap.String("connection", connID), zap.String("channel", channel))
	return channel, nil
}

// Unsubscribe removes the connection from the channel. When the last member
// leaves, the upstream subscription is released before the channel is
// forgotten.
func (h *Hub) Unsubscribe(connID, workspaceRaw, baseRaw string) (string, error) {
	workspaceID, err := meta.NewWorkspaceID(workspaceRaw)
	if err != nil {
		return "", err
	}
	baseID, err := meta.NewBaseID(baseRaw)
	if err != nil {
		return "", err
	}
	channel := ChannelName(workspaceID.String(), baseID.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeMember(connID, channel)
	return channel, nil
}

// Disconnect unsubscribes the connection from every channel it belonged to,
// then forgets it.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	for channel := range conn.channels {
		h.removeMember(connID, channel)
	}
	delete(h.conns, connID)
	h.logger.Debug("connection disconnected", zap.String("connection", connID))
}

// Deliver fans a push message out to every local member of the channel.
// Sends are non-blocking, so delivery never stalls on a slow consumer; each
// sink preserves its own receive order.
func (h *Hub) Deliver(channel string, message PushMessage) {
	h.mu.Lock()
	entry := h.channels[channel]
	if entry == nil {
		h.mu.Unlock()
		return
	}
	sinks := make([]Sink, 0, len(entry.members))
	for _, sink := range entry.members {
		sinks = append(sinks, sink)
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		if !sink.Send(message) {
			h.logger.Warn("dropped push for slow connection",
				zap.String("connection", sink.ID()), zap.String("channel", channel))
		}
	}
}

// MemberCount returns the number of connections in a channel.
func (h *Hub) MemberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.channels[channel]
	if entry == nil {
		return 0
	}
	return len(entry.members)
}

// HasUpstream reports whether the channel currently holds a backplane
// subscription.
func (h *Hub) HasUpstream(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := h.channels[channel]
	return entry != nil && entry.cancel != nil
}

// removeMember must run under h.mu.
func (h *Hub) removeMember(connID, channel string) {
	if conn, ok := h.conns[connID]; ok {
		delete(conn.channels, channel)
	}
	entry := h.channels[channel]
	if entry == nil {
		return
	}
	delete(entry.members, connID)
	if len(entry.members) > 0 {
		return
	}
	if entry.cancel != nil {
		if err := entry.cancel(); err != nil {
			h.logger.Warn("backplane unsubscribe failed",
				zap.String("channel", channel), zap.Error(err))
		}
		entry.cancel = nil
	}
	delete(h.channels, channel)
	h.logger.Debug("channel released", zap.String("channel", channel))
}

func (h *Hub) upstreamHandler(channel string) backplane.Handler {
	return func(payload []byte) {
		var message PushMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			h.logger.Warn("undecodable backplane payload",
				zap.String("channel", channel), zap.Error(err))
			return
		}
		h.Deliver(channel, message)
	}
}
