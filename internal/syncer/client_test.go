package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridbase/metasync/internal/meta"
	"github.com/gridbase/metasync/internal/realtime"
)

// fakeServer speaks just enough of the server protocol for transport tests:
// a realtime websocket endpoint plus the bootstrap and sync-events routes.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	// pushAfterSubscribe is written to the connection right after the
	// subscribe ack.
	pushAfterSubscribe *realtime.PushMessage
	rejectSubscribe    bool
	snapshot           meta.BootstrapResult
	events             []syncEventPayload

	lastSyncRequest syncEventsRequest
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fake := &fakeServer{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", fake.handleRealtime)
	mux.HandleFunc("/api/v1/meta/b1/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fake.snapshot)
	})
	mux.HandleFunc("/api/v1/meta/sync-events", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&fake.lastSyncRequest); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fake.events)
	})
	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var request realtime.Request
		if err := conn.ReadJSON(&request); err != nil {
			return
		}
		if f.rejectSubscribe {
			_ = conn.WriteJSON(realtime.Ack{Type: "ack", Action: request.Action, Status: realtime.StatusError, Error: "not allowed"})
			continue
		}
		status := realtime.StatusSubscribed
		if request.Action == realtime.ActionUnsubscribe {
			status = realtime.StatusUnsubscribed
		}
		channel := realtime.ChannelName(request.WorkspaceID, request.BaseID)
		_ = conn.WriteJSON(realtime.Ack{Type: "ack", Action: request.Action, Status: status, Channel: channel})
		if request.Action == realtime.ActionSubscribe && f.pushAfterSubscribe != nil {
			_ = conn.WriteJSON(f.pushAfterSubscribe)
		}
	}
}

// dropConnections closes every accepted websocket server-side. Hijacked
// connections are invisible to httptest.Server.CloseClientConnections, so
// transport drops have to be simulated here.
func (f *fakeServer) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

func newConnectedClient(t *testing.T, fake *fakeServer) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{ServerURL: fake.server.URL, Token: "good-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client
}

func TestClientConnectRejectsBadCredential(t *testing.T) {
	fake := newFakeServer(t)
	client, err := NewClient(ClientConfig{ServerURL: fake.server.URL, Token: "forged"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Connect(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestClientSubscribeRoundTripAndPushDelivery(t *testing.T) {
	fake := newFakeServer(t)
	fake.pushAfterSubscribe = &realtime.PushMessage{
		Type: "META_INSERT",
		Data: realtime.PushData{
			Target:      "models",
			Payload:     json.RawMessage(`{"id":"m1","base_id":"b1","title":"Products"}`),
			EventID:     55,
			WorkspaceID: "ws1",
			BaseID:      "b1",
		},
	}

	client := newConnectedClient(t, fake)

	received := make(chan meta.ChangeEvent, 1)
	client.OnPush(func(event meta.ChangeEvent) {
		received <- event
	})

	if err := client.Subscribe(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case event := <-received:
		if event.EventID != 55 || event.Target != meta.TableModels || event.Type != meta.EventInsert {
			t.Fatalf("unexpected push event: %+v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("push never arrived")
	}

	if err := client.Unsubscribe(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1")); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
}

func TestClientSubscribeSurfacesRejection(t *testing.T) {
	fake := newFakeServer(t)
	fake.rejectSubscribe = true

	client := newConnectedClient(t, fake)

	err := client.Subscribe(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1"))
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("expected ErrSubscription, got %v", err)
	}
}

func TestClientSubscribeWithoutConnectionFails(t *testing.T) {
	fake := newFakeServer(t)
	client, err := NewClient(ClientConfig{ServerURL: fake.server.URL, Token: "good-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1")); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected error, got %v", err)
	}
}

func TestClientBootstrapFetchesSnapshot(t *testing.T) {
	fake := newFakeServer(t)
	fake.snapshot = meta.BootstrapResult{
		LatestEventID: 99,
		Tables: []meta.TableSnapshot{
			{Table: "bases", Records: []map[string]any{{"id": "b1", "title": "Inventory"}}},
		},
	}

	client, err := NewClient(ClientConfig{ServerURL: fake.server.URL, Token: "good-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	snapshot, err := client.Bootstrap(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1"))
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if snapshot.LatestEventID != 99 || len(snapshot.Tables) != 1 || snapshot.Tables[0].Table != "bases" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestClientEventsSinceSendsCursorProtocol(t *testing.T) {
	fake := newFakeServer(t)
	fake.events = []syncEventPayload{
		{ID: 12, Operation: "META_UPDATE", Target: "columns", Payload: json.RawMessage(`{"id":"col1","title":"FullName"}`)},
	}

	client, err := NewClient(ClientConfig{ServerURL: fake.server.URL, Token: "good-token"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	events, err := client.EventsSince(context.Background(), meta.WorkspaceID("ws1"), meta.BaseID("b1"), 11, 20, 5)
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 1 || events[0].EventID != 12 || events[0].Target != meta.TableColumns {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].WorkspaceID != meta.WorkspaceID("ws1") || events[0].BaseID != meta.BaseID("b1") {
		t.Fatalf("expected requested scope stamped on events, got %+v", events[0])
	}

	request := fake.lastSyncRequest
	if request.SinceType != "event_id" || request.Since != 11 || request.Offset != 20 || request.Limit != 5 {
		t.Fatalf("unexpected wire request: %+v", request)
	}
	if request.WorkspaceID != "ws1" || request.BaseID != "b1" {
		t.Fatalf("unexpected request scope: %+v", request)
	}
}

func TestClientDisconnectHandlerFiresOnDrop(t *testing.T) {
	fake := newFakeServer(t)
	client := newConnectedClient(t, fake)

	dropped := make(chan error, 1)
	client.OnDisconnect(func(cause error) {
		dropped <- cause
	})

	fake.dropConnections()

	select {
	case cause := <-dropped:
		if cause == nil {
			t.Fatalf("expected a drop cause")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("disconnect handler never fired")
	}
}
