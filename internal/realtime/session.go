package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	outboundBuffer = 64
)

// Session owns one accepted websocket connection: a read loop that handles
// subscribe/unsubscribe requests and a write loop that owns all socket
// writes, preserving per-connection message order.
type Session struct {
	id        string
	principal string
	conn      *websocket.Conn
	hub       *Hub
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewSession wraps an upgraded connection for an authenticated principal and
// registers it with the hub.
func NewSession(conn *websocket.Conn, principal string, hub *Hub, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	session := &Session{
		id:        uuid.NewString(),
		principal: principal,
		conn:      conn,
		hub:       hub,
		outbound:  make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
	if err := hub.Register(session); err != nil {
		return nil, err
	}
	return session, nil
}

// ID returns the transport-assigned connection id.
func (s *Session) ID() string {
	return s.id
}

// Principal returns the authenticated subject bound at handshake time.
func (s *Session) Principal() string {
	return s.principal
}

// Send enqueues a push message without blocking. A full outbound queue drops
// the message and returns false; the client recovers through catch-up.
func (s *Session) Send(message PushMessage) bool {
	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("encode push frame failed", zap.Error(err))
		return false
	}
	select {
	case s.outbound <- payload:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Run drives the session until the connection drops. It blocks in the read
// loop; the write loop runs alongside it. On exit the connection is removed
// from every channel it joined.
func (s *Session) Run() {
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) readLoop() {
	defer func() {
		s.hub.Disconnect(s.id)
		s.close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read failed",
					zap.String("connection", s.id), zap.Error(err))
			}
			return
		}

		var request Request
		if err := json.Unmarshal(payload, &request); err != nil {
			s.enqueueAck(Ack{Type: ackFrameType, Status: StatusError, Error: "invalid request frame"})
			continue
		}
		s.handleRequest(request)
	}
}

func (s *Session) handleRequest(request Request) {
	switch request.Action {
	case ActionSubscribe:
		channel, err := s.hub.Subscribe(s.id, request.WorkspaceID, request.BaseID)
		if err != nil {
			s.enqueueAck(Ack{Type: ackFrameType, Action: request.Action, Status: StatusError, Error: err.Error()})
			return
		}
		s.enqueueAck(Ack{Type: ackFrameType, Action: request.Action, Status: StatusSubscribed, Channel: channel})
	case ActionUnsubscribe:
		channel, err := s.hub.Unsubscribe(s.id, request.WorkspaceID, request.BaseID)
		if err != nil {
			s.enqueueAck(Ack{Type: ackFrameType, Action: request.Action, Status: StatusError, Error: err.Error()})
			return
		}
		s.enqueueAck(Ack{Type: ackFrameType, Action: request.Action, Status: StatusUnsubscribed, Channel: channel})
	default:
		s.enqueueAck(Ack{Type: ackFrameType, Action: request.Action, Status: StatusError, Error: "unknown action"})
	}
}

// enqueueAck shares the outbound queue with pushes so ack ordering follows
// the write order of everything else on the connection.
func (s *Session) enqueueAck(ack Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error("encode ack frame failed", zap.Error(err))
		return
	}
	select {
	case s.outbound <- payload:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	pinger := time.NewTicker(pingPeriod)
	defer func() {
		pinger.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pinger.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
