package backplane

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"go.uber.org/zap"

	// Register all mangos transports (tcp, ipc, inproc).
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// topicSeparator terminates the channel prefix in wire frames. Channel names
// never contain NUL.
const topicSeparator = byte(0)

var errMissingListenURL = errors.New("backplane: listen url is required")

// NanomsgConfig configures a cross-process backplane node. Each server
// process binds one pub socket and dials every peer's pub endpoint with a
// sub socket, so a publish on any node reaches subscribers on all nodes.
type NanomsgConfig struct {
	ListenURL string
	PeerURLs  []string
	Logger    *zap.Logger
}

// Nanomsg is a mangos pub/sub backplane. Local subscribers are dispatched
// directly on Publish; the pub socket carries the frame to peer processes.
type Nanomsg struct {
	mu       sync.RWMutex
	pubSock  mangos.Socket
	subSock  mangos.Socket
	handlers map[string]map[int64]Handler
	nextID   int64
	closed   bool
	logger   *zap.Logger
}

// NewNanomsg binds the pub socket, dials the peers, and starts the receive
// loop. The returned backplane is available until Close.
func NewNanomsg(cfg NanomsgConfig) (*Nanomsg, error) {
	if cfg.ListenURL == "" {
		return nil, errMissingListenURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pubSock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("backplane: pub socket: %w", err)
	}
	if err := pubSock.Listen(cfg.ListenURL); err != nil {
		pubSock.Close()
		return nil, fmt.Errorf("backplane: listen %s: %w", cfg.ListenURL, err)
	}

	subSock, err := sub.NewSocket()
	if err != nil {
		pubSock.Close()
		return nil, fmt.Errorf("backplane: sub socket: %w", err)
	}
	if err := subSock.SetOption(mangos.OptionSubscribe, []byte{}); err != nil {
		pubSock.Close()
		subSock.Close()
		return nil, fmt.Errorf("backplane: subscribe option: %w", err)
	}
	for _, peer := range cfg.PeerURLs {
		if err := subSock.Dial(peer); err != nil {
			logger.Warn("backplane peer dial failed", zap.String("peer", peer), zap.Error(err))
		}
	}

	node := &Nanomsg{
		pubSock:  pubSock,
		subSock:  subSock,
		handlers: make(map[string]map[int64]Handler),
		logger:   logger,
	}
	go node.receiveLoop()
	return node, nil
}

// Available reports true until Close.
func (n *Nanomsg) Available() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.closed
}

// Publish dispatches to local subscribers and forwards the frame to peers.
func (n *Nanomsg) Publish(channel string, payload []byte) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return ErrUnavailable
	}
	pubSock := n.pubSock
	n.mu.RUnlock()

	n.dispatch(channel, payload)

	frame := make([]byte, 0, len(channel)+1+len(payload))
	frame = append(frame, channel...)
	frame = append(frame, topicSeparator)
	frame = append(frame, payload...)
	if err := pubSock.Send(frame); err != nil {
		return fmt.Errorf("backplane: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a local handler. Frames from peers and local
// publishes both reach it.
func (n *Nanomsg) Subscribe(channel string, handler Handler) (CancelFunc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrUnavailable
	}
	if n.handlers[channel] == nil {
		n.handlers[channel] = make(map[int64]Handler)
	}
	n.nextID++
	id := n.nextID
	n.handlers[channel][id] = handler

	var once sync.Once
	cancel := func() error {
		once.Do(func() {
			n.mu.Lock()
			if registered := n.handlers[channel]; registered != nil {
				delete(registered, id)
				if len(registered) == 0 {
					delete(n.handlers, channel)
				}
			}
			n.mu.Unlock()
		})
		return nil
	}
	return cancel, nil
}

// Close tears down both sockets and marks the backplane unavailable.
func (n *Nanomsg) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.handlers = make(map[string]map[int64]Handler)
	pubSock, subSock := n.pubSock, n.subSock
	n.mu.Unlock()

	subErr := subSock.Close()
	pubErr := pubSock.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

func (n *Nanomsg) receiveLoop() {
	for {
		frame, err := n.subSock.Recv()
		if err != nil {
			if n.Available() {
				n.logger.Warn("backplane receive failed", zap.Error(err))
			}
			return
		}
		separator := bytes.IndexByte(frame, topicSeparator)
		if separator < 0 {
			n.logger.Warn("backplane frame missing topic separator")
			continue
		}
		channel := string(frame[:separator])
		payload := frame[separator+1:]
		n.dispatch(channel, payload)
	}
}

func (n *Nanomsg) dispatch(channel string, payload []byte) {
	n.mu.RLock()
	registered := n.handlers[channel]
	handlers := make([]Handler, 0, len(registered))
	for _, handler := range registered {
		handlers = append(handlers, handler)
	}
	n.mu.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
}
