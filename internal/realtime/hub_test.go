package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gridbase/metasync/internal/backplane"
	"github.com/gridbase/metasync/internal/meta"
)

type recordingSink struct {
	id       string
	accept   bool
	messages []PushMessage
}

func newRecordingSink(id string) *recordingSink {
	return &recordingSink{id: id, accept: true}
}

func (s *recordingSink) ID() string {
	return s.id
}

func (s *recordingSink) Send(message PushMessage) bool {
	if !s.accept {
		return false
	}
	s.messages = append(s.messages, message)
	return true
}

func mustRegister(t *testing.T, hub *Hub, sink Sink) {
	t.Helper()
	if err := hub.Register(sink); err != nil {
		t.Fatalf("register %s failed: %v", sink.ID(), err)
	}
}

func mustSubscribe(t *testing.T, hub *Hub, connID, workspace, base string) string {
	t.Helper()
	channel, err := hub.Subscribe(connID, workspace, base)
	if err != nil {
		t.Fatalf("subscribe %s failed: %v", connID, err)
	}
	return channel
}

func TestHubChannelLifecycleHoldsSingleUpstream(t *testing.T) {
	bp := backplane.NewMemory()
	hub := NewHub(bp, nil)

	first := newRecordingSink("c1")
	second := newRecordingSink("c2")
	mustRegister(t, hub, first)
	mustRegister(t, hub, second)

	channel := mustSubscribe(t, hub, "c1", "ws1", "b1")
	if channel != "META:ws1:b1" {
		t.Fatalf("unexpected channel name %q", channel)
	}
	if !hub.HasUpstream(channel) {
		t.Fatalf("expected upstream subscription after first member")
	}
	if got := bp.SubscriberCount(channel); got != 1 {
		t.Fatalf("expected exactly one backplane subscription, got %d", got)
	}

	mustSubscribe(t, hub, "c2", "ws1", "b1")
	if got := bp.SubscriberCount(channel); got != 1 {
		t.Fatalf("second member must not open another upstream, got %d", got)
	}
	if got := hub.MemberCount(channel); got != 2 {
		t.Fatalf("expected two members, got %d", got)
	}

	// re-subscribing the same pair is a no-op
	mustSubscribe(t, hub, "c1", "ws1", "b1")
	if got := hub.MemberCount(channel); got != 2 {
		t.Fatalf("idempotent subscribe changed membership: %d", got)
	}

	if _, err := hub.Unsubscribe("c1", "ws1", "b1"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if got := bp.SubscriberCount(channel); got != 1 {
		t.Fatalf("upstream must survive while members remain, got %d", got)
	}

	if _, err := hub.Unsubscribe("c2", "ws1", "b1"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if hub.MemberCount(channel) != 0 {
		t.Fatalf("expected empty channel forgotten")
	}
	if got := bp.SubscriberCount(channel); got != 0 {
		t.Fatalf("expected upstream released with last member, got %d", got)
	}
	if hub.HasUpstream(channel) {
		t.Fatalf("expected no upstream after channel release")
	}
}

func TestHubSubscribeValidation(t *testing.T) {
	hub := NewHub(backplane.Unavailable(), nil)
	mustRegister(t, hub, newRecordingSink("c1"))

	if _, err := hub.Subscribe("c1", "", "b1"); !errors.Is(err, meta.ErrInvalidWorkspaceID) {
		t.Fatalf("expected workspace validation error, got %v", err)
	}
	if _, err := hub.Subscribe("c1", "ws1", "  "); !errors.Is(err, meta.ErrInvalidBaseID) {
		t.Fatalf("expected base validation error, got %v", err)
	}
	if _, err := hub.Subscribe("ghost", "ws1", "b1"); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
	if err := hub.Register(newRecordingSink("c1")); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected duplicate connection error, got %v", err)
	}
}

func TestHubDisconnectReleasesAllChannels(t *testing.T) {
	bp := backplane.NewMemory()
	hub := NewHub(bp, nil)

	sink := newRecordingSink("c1")
	other := newRecordingSink("c2")
	mustRegister(t, hub, sink)
	mustRegister(t, hub, other)

	shared := mustSubscribe(t, hub, "c1", "ws1", "b1")
	mustSubscribe(t, hub, "c2", "ws1", "b1")
	exclusive := mustSubscribe(t, hub, "c1", "ws1", "b2")

	hub.Disconnect("c1")

	if got := hub.MemberCount(shared); got != 1 {
		t.Fatalf("expected shared channel to keep the other member, got %d", got)
	}
	if got := bp.SubscriberCount(shared); got != 1 {
		t.Fatalf("expected shared upstream kept alive, got %d", got)
	}
	if got := hub.MemberCount(exclusive); got != 0 {
		t.Fatalf("expected exclusive channel released, got %d members", got)
	}
	if got := bp.SubscriberCount(exclusive); got != 0 {
		t.Fatalf("expected exclusive upstream released, got %d", got)
	}

	// disconnect of an unknown connection is a no-op
	hub.Disconnect("c1")
}

func TestHubDeliverFansOutToMembersOnly(t *testing.T) {
	hub := NewHub(backplane.Unavailable(), nil)

	member := newRecordingSink("c1")
	slow := newRecordingSink("c2")
	slow.accept = false
	outsider := newRecordingSink("c3")
	mustRegister(t, hub, member)
	mustRegister(t, hub, slow)
	mustRegister(t, hub, outsider)

	channel := mustSubscribe(t, hub, "c1", "ws1", "b1")
	mustSubscribe(t, hub, "c2", "ws1", "b1")
	mustSubscribe(t, hub, "c3", "ws1", "b2")

	message := PushMessage{Type: string(meta.EventInsert), Data: PushData{Target: "columns", EventID: 7}}
	hub.Deliver(channel, message)

	if len(member.messages) != 1 || member.messages[0].Data.EventID != 7 {
		t.Fatalf("expected member to receive the push, got %v", member.messages)
	}
	if len(slow.messages) != 0 {
		t.Fatalf("expected slow sink drop, got %v", slow.messages)
	}
	if len(outsider.messages) != 0 {
		t.Fatalf("expected no delivery outside the channel, got %v", outsider.messages)
	}

	// delivery to a channel nobody holds is a no-op
	hub.Deliver("META:ws9:b9", message)
}

func TestHubUpstreamPayloadsReachLocalMembers(t *testing.T) {
	bp := backplane.NewMemory()
	hub := NewHub(bp, nil)

	sink := newRecordingSink("c1")
	mustRegister(t, hub, sink)
	channel := mustSubscribe(t, hub, "c1", "ws1", "b1")

	payload, err := json.Marshal(PushMessage{
		Type: string(meta.EventUpdate),
		Data: PushData{Target: "columns", EventID: 42, WorkspaceID: "ws1", BaseID: "b1"},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := bp.Publish(channel, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(sink.messages) != 1 || sink.messages[0].Data.EventID != 42 {
		t.Fatalf("expected backplane payload delivered locally, got %v", sink.messages)
	}

	// malformed payloads are logged and dropped, never delivered
	if err := bp.Publish(channel, []byte("{not json")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("expected malformed payload dropped, got %v", sink.messages)
	}
}
